package ledger

import (
	"fmt"
	"sort"
	"strings"
)

// Fields is the set of values an operator can submit for a call.
// Answered and Resolved only take effect on Update.
type Fields struct {
	Medium      string
	Source      string
	Caller      string
	Location    string
	Code        string
	Description string

	Answered   bool
	AnsweredBy string
	Resolved   bool
	ResolvedBy string
}

// ParseBool accepts the boolean spellings operators and older data files use.
func ParseBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y", "on":
		return true, true
	case "false", "0", "no", "n", "off", "":
		return false, true
	default:
		return false, false
	}
}

// ParseFields converts the map form used by form-based front ends.
// Keys are matched case-insensitively; unknown keys are rejected.
func ParseFields(m map[string]any) (Fields, error) {
	var f Fields
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := m[k]
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "medium":
			f.Medium = asString(v)
		case "source":
			f.Source = asString(v)
		case "caller":
			f.Caller = asString(v)
		case "location":
			f.Location = asString(v)
		case "code":
			f.Code = asString(v)
		case "description":
			f.Description = asString(v)
		case "answered_by":
			f.AnsweredBy = asString(v)
		case "resolved_by":
			f.ResolvedBy = asString(v)
		case "answered":
			b, err := asBool(k, v)
			if err != nil {
				return Fields{}, err
			}
			f.Answered = b
		case "resolved":
			b, err := asBool(k, v)
			if err != nil {
				return Fields{}, err
			}
			f.Resolved = b
		default:
			return Fields{}, fmt.Errorf("%w: unknown field %q", ErrInvalidFields, k)
		}
	}
	return f, nil
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case bool:
		return formatBool(s)
	default:
		return fmt.Sprint(s)
	}
}

func asBool(key string, v any) (bool, error) {
	switch b := v.(type) {
	case nil:
		return false, nil
	case bool:
		return b, nil
	case string:
		if out, ok := ParseBool(b); ok {
			return out, nil
		}
	case int:
		return b != 0, nil
	}
	return false, fmt.Errorf("%w: %s: not a boolean: %v", ErrInvalidFields, key, v)
}
