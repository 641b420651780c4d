package fetcher

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/retail-intel/ingest-cli/internal/model"
	"github.com/retail-intel/ingest-cli/internal/normalize"
)

// RecordsFromXLSX parses the first sheet of a spreadsheet into raw records.
// Supplier feeds commonly arrive this way; the first row is the header.
func RecordsFromXLSX(ctx context.Context, path, batchID string) ([]model.RawRecord, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "xlsx: open %s", path)
	}
	if len(f.Sheets) == 0 {
		return nil, eris.Errorf("xlsx: %s has no sheets", path)
	}
	sheet := f.Sheets[0]

	var columns []string
	now := time.Now().UTC()
	var records []model.RawRecord
	var offset int64
	for i, row := range sheet.Rows {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "xlsx: context cancelled")
		}

		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = strings.TrimSpace(cell.String())
		}

		if i == 0 {
			columns = make([]string, len(cells))
			for j, name := range cells {
				columns[j] = normalize.CleanFieldName(name)
			}
			continue
		}

		fields := make(map[string]string, len(columns))
		empty := true
		for j, value := range cells {
			if j >= len(columns) || columns[j] == "" || normalize.IsNullish(value) {
				continue
			}
			fields[columns[j]] = value
			empty = false
		}
		if empty {
			continue // trailing blank rows are common in spreadsheets
		}

		records = append(records, buildRecord(batchID, offset, "xlsx", fields, now))
		offset++
	}
	return records, nil
}
