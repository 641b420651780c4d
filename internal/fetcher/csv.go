package fetcher

import (
	"context"
	"encoding/csv"
	"io"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/retail-intel/ingest-cli/internal/model"
	"github.com/retail-intel/ingest-cli/internal/normalize"
)

// RecordsFromCSV parses a CSV feed into raw records. The first row is the
// header; column names are cleaned to snake_case, null-ish cell values are
// dropped, and rows with variable field counts are tolerated.
func RecordsFromCSV(ctx context.Context, r io.Reader, batchID string) ([]model.RawRecord, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "csv: read header")
	}
	columns := make([]string, len(header))
	for i, name := range header {
		columns[i] = normalize.CleanFieldName(name)
	}

	now := time.Now().UTC()
	var records []model.RawRecord
	var offset int64
	for {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "csv: context cancelled")
		}

		row, err := reader.Read()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, eris.Wrapf(err, "csv: read row %d", offset)
		}

		fields := make(map[string]string, len(columns))
		for i, value := range row {
			if i >= len(columns) || columns[i] == "" {
				continue
			}
			value = strings.TrimSpace(value)
			if normalize.IsNullish(value) {
				continue
			}
			fields[columns[i]] = value
		}

		records = append(records, buildRecord(batchID, offset, "csv", fields, now))
		offset++
	}
}
