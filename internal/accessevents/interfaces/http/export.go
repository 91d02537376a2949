package http

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	accessevents "dorm-access/internal/accessevents/domain"
)

// ExportMeta describes an export run.
type ExportMeta struct {
	Filter      accessevents.EventFilter
	GeneratedAt time.Time
}

var exportHeaders = []string{"Occurred At", "Door", "Person", "Person ID", "Event Type", "Device", "Event ID"}

func exportRow(event accessevents.AccessEvent) []string {
	eventType := event.EventTypeName
	if eventType == "" {
		eventType = strconv.Itoa(event.EventType)
	}
	door := event.DoorName
	if door == "" {
		door = event.DoorID
	}
	return []string{
		event.OccurredAt.UTC().Format(time.RFC3339),
		door,
		event.PersonName,
		event.PersonID,
		eventType,
		event.DeviceName,
		event.ExternalID,
	}
}

func filterLines(meta ExportMeta) []string {
	lines := []string{fmt.Sprintf("Generated: %s", meta.GeneratedAt.Format(time.RFC3339))}
	f := meta.Filter
	if f.DoorID != "" {
		lines = append(lines, "Door: "+f.DoorID)
	}
	if f.EventType > 0 {
		lines = append(lines, fmt.Sprintf("Event type: %d", f.EventType))
	}
	if f.PersonName != "" {
		lines = append(lines, "Person: "+f.PersonName)
	}
	if !f.From.IsZero() {
		lines = append(lines, "From: "+f.From.Format(time.RFC3339))
	}
	if !f.To.IsZero() {
		lines = append(lines, "To: "+f.To.Format(time.RFC3339))
	}
	return lines
}

// BuildEventsXLSX renders events into a workbook with summary and events sheets.
func BuildEventsXLSX(meta ExportMeta, events []accessevents.AccessEvent) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	eventsSheet := "events"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(eventsSheet); err != nil {
		return nil, err
	}

	_ = f.SetCellValue(summarySheet, "A1", "Access Events")
	for i, line := range filterLines(meta) {
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", i+3), line)
	}
	_ = f.SetCellValue(summarySheet, "C1", "Rows")
	_ = f.SetCellValue(summarySheet, "D1", len(events))

	for col, header := range exportHeaders {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return nil, err
		}
		_ = f.SetCellValue(eventsSheet, cell, header)
	}
	for i, event := range events {
		for col, value := range exportRow(event) {
			cell, err := excelize.CoordinatesToCellName(col+1, i+2)
			if err != nil {
				return nil, err
			}
			_ = f.SetCellValue(eventsSheet, cell, value)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var pdfColumnWidths = []float64{38, 32, 30, 24, 26, 26, 0}

// BuildEventsPDF renders events as a landscape table report.
func BuildEventsPDF(meta ExportMeta, events []accessevents.AccessEvent) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.Cell(0, 8, "Access Events")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 9)
	for _, line := range filterLines(meta) {
		pdf.Cell(0, 5, tr(line))
		pdf.Ln(5)
	}
	pdf.Cell(0, 5, fmt.Sprintf("Rows: %d", len(events)))
	pdf.Ln(8)

	pageWidth, _ := pdf.GetPageSize()
	left, _, right, _ := pdf.GetMargins()
	widths := append([]float64(nil), pdfColumnWidths...)
	used := 0.0
	for _, w := range widths[:len(widths)-1] {
		used += w
	}
	widths[len(widths)-1] = pageWidth - left - right - used

	header := func() {
		pdf.SetFont("Arial", "B", 8)
		for i, title := range exportHeaders {
			pdf.CellFormat(widths[i], 6, title, "1", 0, "C", false, 0, "")
		}
		pdf.Ln(-1)
		pdf.SetFont("Arial", "", 8)
	}
	header()
	_, pageHeight := pdf.GetPageSize()
	_, _, _, bottom := pdf.GetMargins()
	for _, event := range events {
		if pdf.GetY()+6 > pageHeight-bottom {
			pdf.AddPage()
			header()
		}
		for i, value := range exportRow(event) {
			pdf.CellFormat(widths[i], 6, tr(value), "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
