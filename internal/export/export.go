package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"utag/go-tag-server/internal/history"
)

// SheetName is the worksheet holding exported points.
const SheetName = "Locations"

// Columns is the header row shared by every export format.
var Columns = []string{
	"time",
	"latitude",
	"longitude",
	"address",
	"accuracy",
	"method",
	"speed",
	"rssi",
	"battery",
	"find_host",
	"nearby",
	"on_demand",
	"connected_user_id",
	"connected_device_id",
	"d2d_status",
	"was_encrypted",
}

func values(loc history.ExportLocation) []any {
	return []any{
		loc.Time.Format(time.RFC3339),
		loc.Latitude,
		loc.Longitude,
		derefString(loc.Address),
		loc.Accuracy,
		loc.Method,
		derefFloat(loc.Speed),
		derefInt(loc.RSSI),
		string(loc.Battery),
		loc.FindHost,
		derefBool(loc.Nearby),
		derefBool(loc.OnDemand),
		loc.ConnectedUserID,
		loc.ConnectedDeviceID,
		loc.D2DStatus,
		loc.WasEncrypted,
	}
}

// WriteCSV writes a header row followed by one row per location.
func WriteCSV(w io.Writer, locations []history.ExportLocation) error {
	csvWriter := csv.NewWriter(w)

	if err := csvWriter.Write(Columns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	row := make([]string, len(Columns))
	for _, loc := range locations {
		for i, v := range values(loc) {
			row[i] = cellString(v)
		}
		if err := csvWriter.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}

	csvWriter.Flush()
	return csvWriter.Error()
}

// XLSX renders locations as a workbook with a frozen, bold header row.
func XLSX(locations []history.ExportLocation) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(SheetName)
	if err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("delete default sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("create header style: %w", err)
	}

	header := make([]any, len(Columns))
	for i, c := range Columns {
		header[i] = c
	}
	if err := f.SetSheetRow(SheetName, "A1", &header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	last, err := excelize.CoordinatesToCellName(len(Columns), 1)
	if err != nil {
		return nil, err
	}
	if err := f.SetCellStyle(SheetName, "A1", last, headerStyle); err != nil {
		return nil, fmt.Errorf("style header: %w", err)
	}

	for i, loc := range locations {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		row := values(loc)
		for j, v := range row {
			if v == nil {
				row[j] = ""
			}
		}
		if err := f.SetSheetRow(SheetName, cell, &row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if err := f.SetColWidth(SheetName, "A", "A", 22); err != nil {
		return nil, fmt.Errorf("set column width: %w", err)
	}
	if err := f.SetColWidth(SheetName, "D", "D", 40); err != nil {
		return nil, fmt.Errorf("set column width: %w", err)
	}

	if err := f.SetPanes(SheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return nil, fmt.Errorf("freeze panes: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func cellString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

func derefString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func derefFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func derefInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func derefBool(p *bool) any {
	if p == nil {
		return nil
	}
	return *p
}
