package ledger

import "strings"

// CanonicalCode maps code to its spelling in the configured catalogue,
// comparing case-insensitively. Codes outside the catalogue, or any code
// when the catalogue is empty, are returned trimmed but otherwise unchanged.
func CanonicalCode(code string, codes []string) string {
	code = strings.TrimSpace(code)
	if code == "" || len(codes) == 0 {
		return code
	}
	for _, c := range codes {
		c = strings.TrimSpace(c)
		if c != "" && strings.EqualFold(c, code) {
			return c
		}
	}
	return code
}
