package export

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"utag/go-tag-server/internal/history"
	"utag/go-tag-server/internal/model"
)

func sample() []history.ExportLocation {
	address := "10 Downing St"
	speed := 1.25
	rssi := -61
	nearby := true
	return []history.ExportLocation{
		{
			Latitude:     51.5034,
			Longitude:    -0.1276,
			Address:      &address,
			Time:         time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC),
			Method:       "gps",
			Accuracy:     12,
			Speed:        &speed,
			RSSI:         &rssi,
			Battery:      model.BatteryFull,
			Nearby:       &nearby,
			WasEncrypted: true,
		},
		{
			Latitude:  40.7,
			Longitude: -74,
			Time:      time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
			Method:    "wps",
		},
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sample()))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, Columns, records[0])
	assert.Equal(t, []string{
		"2024-03-01T09:30:00Z", "51.5034", "-0.1276", "10 Downing St", "12", "gps",
		"1.25", "-61", "FULL", "", "true", "", "", "", "", "true",
	}, records[1])
	assert.Equal(t, "", records[2][3])
	assert.Equal(t, "", records[2][6])
	assert.Equal(t, "false", records[2][15])
}

func TestWriteCSVEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, nil))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestXLSX(t *testing.T) {
	raw, err := XLSX(sample())
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SheetName}, f.GetSheetList())

	rows, err := f.GetRows(SheetName)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, Columns, rows[0])
	assert.Equal(t, "2024-03-01T09:30:00Z", rows[1][0])
	assert.Equal(t, "10 Downing St", rows[1][3])
	assert.Equal(t, "gps", rows[1][5])
	assert.Equal(t, "wps", rows[2][5])
}
