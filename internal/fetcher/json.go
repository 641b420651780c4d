package fetcher

import (
	"context"
	"encoding/json"
	"io"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/retail-intel/ingest-cli/internal/model"
	"github.com/retail-intel/ingest-cli/internal/normalize"
)

// RecordsFromJSON parses a JSON array of flat objects into raw records,
// streaming element by element so large feeds never load whole.
func RecordsFromJSON(ctx context.Context, r io.Reader, batchID string) ([]model.RawRecord, error) {
	decoder := json.NewDecoder(r)

	tok, err := decoder.Token()
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, eris.Wrap(err, "json: read opening token")
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, eris.Errorf("json: expected array, got %v", tok)
	}

	now := time.Now().UTC()
	var records []model.RawRecord
	var offset int64
	for decoder.More() {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "json: context cancelled")
		}

		var obj map[string]any
		if err := decoder.Decode(&obj); err != nil {
			return nil, eris.Wrapf(err, "json: decode element %d", offset)
		}

		fields := make(map[string]string, len(obj))
		for name, value := range obj {
			name = normalize.CleanFieldName(name)
			if name == "" {
				continue
			}
			s := stringify(value)
			if normalize.IsNullish(s) {
				continue
			}
			fields[name] = s
		}

		records = append(records, buildRecord(batchID, offset, "json", fields, now))
		offset++
	}
	return records, nil
}

// stringify flattens a JSON scalar to its field representation. Nested
// structures are re-marshaled; sources occasionally embed them.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
