package fetcher

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordsFromCSV(t *testing.T) {
	input := strings.Join([]string{
		"Store Name,Phone Number,ZIP,Price",
		"Acme Supply,555-123-4567,02134,19.99",
		"Zenith Retail,NA,10001,",
	}, "\n")

	records, err := RecordsFromCSV(context.Background(), strings.NewReader(input), "b1")
	require.NoError(t, err)
	require.Len(t, records, 2)

	first := records[0]
	assert.Equal(t, "b1", first.BatchID)
	assert.Equal(t, int64(0), first.Offset)
	assert.Equal(t, "csv", first.Source)
	assert.Equal(t, map[string]string{
		"store_name":   "Acme Supply",
		"phone_number": "555-123-4567",
		"zip":          "02134",
		"price":        "19.99",
	}, first.Fields)

	second := records[1]
	assert.Equal(t, int64(1), second.Offset)
	assert.Equal(t, map[string]string{
		"store_name": "Zenith Retail",
		"zip":        "10001",
	}, second.Fields, "null-ish and empty cells are dropped")
}

func TestRecordsFromCSV_VariableFieldCounts(t *testing.T) {
	input := "name,city\nAcme Supply,Boston,extra-cell\nZenith Retail"

	records, err := RecordsFromCSV(context.Background(), strings.NewReader(input), "b1")
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, map[string]string{"name": "Acme Supply", "city": "Boston"}, records[0].Fields)
	assert.Equal(t, map[string]string{"name": "Zenith Retail"}, records[1].Fields)
}

func TestRecordsFromCSV_ExternalID(t *testing.T) {
	input := "SKU,name\nSKU-42,Acme Supply"

	records, err := RecordsFromCSV(context.Background(), strings.NewReader(input), "b1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "SKU-42", records[0].ExternalID)
}

func TestRecordsFromCSV_Empty(t *testing.T) {
	records, err := RecordsFromCSV(context.Background(), strings.NewReader(""), "b1")
	require.NoError(t, err)
	assert.Nil(t, records)
}

func TestRecordsFromCSV_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := RecordsFromCSV(ctx, strings.NewReader("name\nAcme Supply"), "b1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
