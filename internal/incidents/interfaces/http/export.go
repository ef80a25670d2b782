package http

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	incidents "cito-engine/internal/incidents/domain"
)

const exportLayout = "2006-01-02 15:04:05"

var exportHeader = []string{"ID", "Event", "Element", "Status", "Count", "First Seen", "Last Seen", "Message"}

// ExportXLSX handles GET /api/v1/incidents/export.xlsx.
func (h *Handler) ExportXLSX(w http.ResponseWriter, r *http.Request) {
	h.export(w, r, "xlsx", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", BuildIncidentsXLSX)
}

// ExportPDF handles GET /api/v1/incidents/export.pdf.
func (h *Handler) ExportPDF(w http.ResponseWriter, r *http.Request) {
	h.export(w, r, "pdf", "application/pdf", BuildIncidentsPDF)
}

func (h *Handler) export(w http.ResponseWriter, r *http.Request, ext, contentType string, build func([]incidents.Incident, time.Time) ([]byte, error)) {
	filter, err := parseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if filter.Limit == 0 {
		filter.Limit = 500
	}
	list, err := h.service.ListIncidents(r.Context(), filter)
	if err != nil {
		respondError(w, err)
		return
	}
	generated := time.Now().UTC()
	data, err := build(list, generated)
	if err != nil {
		http.Error(w, "export error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=incidents-%s.%s", generated.Format("20060102-150405"), ext))
	_, _ = w.Write(data)
}

// BuildIncidentsXLSX renders incidents as a spreadsheet.
func BuildIncidentsXLSX(list []incidents.Incident, generated time.Time) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	sheet := "incidents"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}

	for i, title := range exportHeader {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		_ = f.SetCellValue(sheet, cell, title)
	}
	for i, inc := range list {
		row := i + 2
		values := []any{
			inc.ID,
			inc.EventID,
			inc.Element,
			string(inc.Status),
			inc.TotalIncidents,
			inc.FirstEventTime.Format(exportLayout),
			inc.LastEventTime.Format(exportLayout),
			inc.Message,
		}
		for col, value := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row)
			if err != nil {
				return nil, err
			}
			_ = f.SetCellValue(sheet, cell, value)
		}
	}
	footer := len(list) + 3
	_ = f.SetCellValue(sheet, fmt.Sprintf("A%d", footer), "Generated")
	_ = f.SetCellValue(sheet, fmt.Sprintf("B%d", footer), generated.Format(time.RFC3339))

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildIncidentsPDF renders incidents as a landscape PDF table.
func BuildIncidentsPDF(list []incidents.Incident, generated time.Time) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Incident Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 9)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", generated.Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Incidents: %d", len(list)))
	pdf.Ln(8)

	widths := []float64{15, 18, 50, 28, 15, 38, 38, 75}
	pdf.SetFont("Arial", "B", 9)
	for i, title := range exportHeader {
		pdf.CellFormat(widths[i], 6, title, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 8)
	for _, inc := range list {
		pdf.CellFormat(widths[0], 6, fmt.Sprintf("%d", inc.ID), "1", 0, "R", false, 0, "")
		pdf.CellFormat(widths[1], 6, fmt.Sprintf("%d", inc.EventID), "1", 0, "R", false, 0, "")
		pdf.CellFormat(widths[2], 6, truncate(inc.Element, 30), "1", 0, "L", false, 0, "")
		pdf.CellFormat(widths[3], 6, string(inc.Status), "1", 0, "C", false, 0, "")
		pdf.CellFormat(widths[4], 6, fmt.Sprintf("%d", inc.TotalIncidents), "1", 0, "R", false, 0, "")
		pdf.CellFormat(widths[5], 6, inc.FirstEventTime.Format(exportLayout), "1", 0, "C", false, 0, "")
		pdf.CellFormat(widths[6], 6, inc.LastEventTime.Format(exportLayout), "1", 0, "C", false, 0, "")
		pdf.CellFormat(widths[7], 6, truncate(inc.Message, 48), "1", 0, "L", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func truncate(value string, max int) string {
	runes := []rune(value)
	if len(runes) <= max {
		return value
	}
	return string(runes[:max-1]) + "~"
}
