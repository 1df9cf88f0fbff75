package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/sentinel-crawler/sentinel/internal/storage"
)

// ExportFormat defines the export file format.
type ExportFormat string

const (
	FormatCSV  ExportFormat = "csv"
	FormatXLSX ExportFormat = "xlsx"
	FormatJSON ExportFormat = "json"
)

// Table is a flat result set ready for export.
type Table struct {
	Name    string
	Columns []string
	Rows    [][]any
}

// VerdictTable flattens compare-run evidence for export.
func VerdictTable(rows []storage.DiffEvidence) *Table {
	t := &Table{
		Name:    "Verdicts",
		Columns: []string{"URL", "Status", "Severity", "Confidence", "Structural Drift", "Content Drift", "Indicators", "Detected At"},
	}
	for _, r := range rows {
		indicators := strings.Join(storage.UnmarshalStrings(r.IndicatorsJSON), ", ")
		t.Rows = append(t.Rows, []any{
			r.URL, r.Status, r.Severity, r.Confidence,
			r.StructuralDrift, r.ContentDrift, indicators, r.DetectedAt,
		})
	}
	return t
}

// PageTable flattens per-URL crawl outcomes for export.
func PageTable(pages []storage.CrawlPage) *Table {
	t := &Table{
		Name:    "Pages",
		Columns: []string{"URL", "Parent", "Depth", "Status Code", "Content Type", "Outcome", "Rendered", "Error", "Response Time (ms)", "Fetched At"},
	}
	for _, p := range pages {
		t.Rows = append(t.Rows, []any{
			p.URL, p.ParentURL, p.Depth, p.StatusCode, p.ContentType,
			p.Outcome, p.Rendered, p.ErrorMessage, p.ResponseTimeMs, p.FetchedAt,
		})
	}
	return t
}

// Exporter writes tables to disk.
type Exporter struct {
	format ExportFormat
}

// NewExporter creates an exporter for the given format.
func NewExporter(format ExportFormat) *Exporter {
	return &Exporter{format: format}
}

// Export writes the tables to path. XLSX puts each table on its own sheet;
// CSV and JSON require exactly one table.
func (e *Exporter) Export(path string, tables ...*Table) error {
	switch e.format {
	case FormatCSV:
		if len(tables) != 1 {
			return fmt.Errorf("csv export takes exactly one table, got %d", len(tables))
		}
		return exportCSV(path, tables[0])
	case FormatJSON:
		if len(tables) != 1 {
			return fmt.Errorf("json export takes exactly one table, got %d", len(tables))
		}
		return exportJSON(path, tables[0])
	case FormatXLSX:
		return exportXLSX(path, tables)
	default:
		return fmt.Errorf("unsupported export format: %s", e.format)
	}
}

func exportCSV(path string, t *Table) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer file.Close()

	// UTF-8 BOM for Excel compatibility
	file.Write([]byte{0xEF, 0xBB, 0xBF})

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write(t.Columns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, row := range t.Rows {
		values := make([]string, len(row))
		for i, v := range row {
			values[i] = formatValue(v)
		}
		if err := writer.Write(values); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	return nil
}

func exportXLSX(path string, tables []*Table) error {
	f := excelize.NewFile()
	defer f.Close()

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"C62828"}},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})

	for ti, t := range tables {
		sheetName := sanitizeSheetName(t.Name)
		index, err := f.NewSheet(sheetName)
		if err != nil {
			return fmt.Errorf("create sheet: %w", err)
		}
		if ti == 0 {
			f.SetActiveSheet(index)
		}

		for i, col := range t.Columns {
			cell, _ := excelize.CoordinatesToCellName(i+1, 1)
			f.SetCellValue(sheetName, cell, col)
			f.SetCellStyle(sheetName, cell, cell, headerStyle)

			colName, _ := excelize.ColumnNumberToName(i + 1)
			width := float64(len(col) + 5)
			if width < 15 {
				width = 15
			}
			if width > 60 {
				width = 60
			}
			f.SetColWidth(sheetName, colName, colName, width)
		}

		for rowIdx, row := range t.Rows {
			for i, v := range row {
				cell, _ := excelize.CoordinatesToCellName(i+1, rowIdx+2)
				if ts, ok := v.(time.Time); ok {
					f.SetCellValue(sheetName, cell, ts.Format(time.RFC3339))
					continue
				}
				f.SetCellValue(sheetName, cell, v)
			}
		}

		lastCol, _ := excelize.ColumnNumberToName(len(t.Columns))
		filterRange := fmt.Sprintf("A1:%s%d", lastCol, len(t.Rows)+1)
		f.AutoFilter(sheetName, filterRange, nil)

		f.SetPanes(sheetName, &excelize.Panes{
			Freeze:      true,
			YSplit:      1,
			TopLeftCell: "A2",
			ActivePane:  "bottomLeft",
		})
	}

	f.DeleteSheet("Sheet1")
	return f.SaveAs(path)
}

func exportJSON(path string, t *Table) error {
	rows := make([]map[string]any, 0, len(t.Rows))
	for _, row := range t.Rows {
		m := make(map[string]any, len(t.Columns))
		for i, col := range t.Columns {
			if i < len(row) {
				m[col] = row[i]
			}
		}
		rows = append(rows, m)
	}

	out := struct {
		Name      string           `json:"name"`
		Generated string           `json:"generated"`
		Columns   []string         `json:"columns"`
		Rows      []map[string]any `json:"rows"`
	}{
		Name:      t.Name,
		Generated: time.Now().Format(time.RFC3339),
		Columns:   t.Columns,
		Rows:      rows,
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	encoder.SetEscapeHTML(false)
	return encoder.Encode(out)
}

// formatValue converts a value to string for CSV export.
func formatValue(v any) string {
	if v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case int:
		return fmt.Sprintf("%d", val)
	case int64:
		return fmt.Sprintf("%d", val)
	case float64:
		return fmt.Sprintf("%.3f", val)
	case bool:
		if val {
			return "yes"
		}
		return "no"
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// sanitizeSheetName keeps sheet names within Excel's restrictions.
func sanitizeSheetName(name string) string {
	invalid := []string{"\\", "/", "?", "*", "[", "]", ":"}
	result := name
	for _, char := range invalid {
		result = strings.ReplaceAll(result, char, "_")
	}
	if len(result) > 31 {
		result = result[:31]
	}
	return result
}
