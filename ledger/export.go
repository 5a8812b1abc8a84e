package ledger

import (
	"encoding/csv"
	"fmt"
	"io"
)

// WriteCSV writes recs with a header row of ExportColumns.
func WriteCSV(w io.Writer, recs []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ExportColumns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	row := make([]string, len(ExportColumns))
	for _, r := range recs {
		flat := FlattenRecord(r)
		for i, c := range ExportColumns {
			row[i] = flat[c]
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row %s: %w", r.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
