// Package report renders batch snapshots as spreadsheets.
package report

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/Sendient/ai-detector-sub001/records"
)

const (
	documentsSheet = "Documents"
	summarySheet   = "Summary"
)

var documentHeaders = []string{
	"Position", "Document ID", "Filename", "Media Type", "Status",
	"Words", "Characters", "Score", "Confidence", "Retries", "Error Kind", "Error Detail",
}

// BatchXLSX returns a workbook with one row per document in batch order and a
// summary sheet of the aggregate status and per-status counts. docs must be
// the members of b.
func BatchXLSX(b *records.Batch, docs []*records.Document) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	// The default "Sheet1" becomes the documents sheet.
	if err := f.SetSheetName(f.GetSheetName(0), documentsSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(summarySheet); err != nil {
		return nil, err
	}

	for i, h := range documentHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(documentsSheet, cell, h)
	}
	for i, d := range docs {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(documentsSheet, cell, v)
		}
		write(1, d.Position+1)
		write(2, d.ID)
		write(3, d.Filename)
		write(4, d.MediaType)
		write(5, string(d.Status))
		if d.Metrics != nil {
			write(6, d.Metrics.Words)
			write(7, d.Metrics.Chars)
		}
		if d.Result != nil {
			write(8, d.Result.Score)
			write(9, d.Result.Confidence)
		}
		write(10, d.RetryCount)
		write(11, d.ErrorKind)
		write(12, d.ErrorDetail)
	}
	_ = f.SetColWidth(documentsSheet, "B", "C", 36)
	_ = f.SetColWidth(documentsSheet, "D", "D", 28)
	_ = f.SetColWidth(documentsSheet, "L", "L", 60)

	rows := [][]any{
		{"Batch ID", b.ID},
		{"Tenant", b.TenantID},
		{"Status", string(b.Status)},
		{"Created", b.CreatedAt.UTC().Format("2006-01-02 15:04:05")},
		{"Documents", len(docs)},
	}
	for _, st := range records.Statuses {
		rows = append(rows, []any{string(st), b.Progress[st]})
	}
	for i, r := range rows {
		for j, v := range r {
			cell, _ := excelize.CoordinatesToCellName(j+1, i+1)
			_ = f.SetCellValue(summarySheet, cell, v)
		}
	}
	_ = f.SetColWidth(summarySheet, "A", "B", 30)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("report: write xlsx: %w", err)
	}
	return buf.Bytes(), nil
}
