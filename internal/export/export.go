// Package export renders results as CSV, XLSX or JSON reports.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/pavelanni/examdesk/internal/model"
)

// Format is an output file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatJSON Format = "json"
)

// Detail selects one row per result or one row per question.
type Detail string

const (
	DetailSummary  Detail = "summary"
	DetailDetailed Detail = "detailed"
)

const dateLayout = "2006-01-02 15:04:05"

// utf8BOM lets spreadsheet applications detect the encoding of CSV files.
const utf8BOM = "\ufeff"

var (
	summaryHeaders = []string{
		"Exam Title", "User", "Score", "Percentage", "Pass/Fail", "Date", "Mode",
	}
	detailedHeaders = []string{
		"Exam Title", "User", "Question ID", "Question Text", "Type",
		"User Answer", "Correct Answer", "Is Correct", "Score", "Feedback",
	}
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatCSV, FormatXLSX, FormatJSON:
		return f, nil
	case "":
		return FormatCSV, nil
	}
	return "", fmt.Errorf("unknown export format %q", s)
}

// ParseDetail validates a detail level name.
func ParseDetail(s string) (Detail, error) {
	switch d := Detail(s); d {
	case DetailSummary, DetailDetailed:
		return d, nil
	case "":
		return DetailSummary, nil
	}
	return "", fmt.Errorf("unknown export detail %q", s)
}

// ContentType returns the MIME type for f.
func (f Format) ContentType() string {
	switch f {
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case FormatJSON:
		return "application/json"
	default:
		return "text/csv; charset=utf-8"
	}
}

// Filename returns a download name for a report created at t.
func Filename(f Format, d Detail, t time.Time) string {
	return fmt.Sprintf("results-%s-%s.%s", d, t.Format("20060102-150405"), f)
}

// Write renders rows to w in the requested format. JSON output ignores
// the detail level and always carries everything.
func Write(w io.Writer, f Format, d Detail, rows []model.ResultExport, now time.Time) error {
	switch f {
	case FormatXLSX:
		return WriteXLSX(w, d, rows)
	case FormatJSON:
		return WriteJSON(w, rows, now)
	default:
		return WriteCSV(w, d, rows)
	}
}

// Table returns the header and data rows for d.
func Table(d Detail, rows []model.ResultExport) ([]string, [][]string) {
	if d == DetailDetailed {
		return detailedHeaders, detailedRows(rows)
	}
	return summaryHeaders, summaryRows(rows)
}

func summaryRows(rows []model.ResultExport) [][]string {
	out := make([][]string, 0, len(rows))
	for _, row := range rows {
		r := row.Result
		out = append(out, []string{
			row.ExamTitle,
			row.UserName,
			formatFloat(r.EarnedPoints) + "/" + strconv.Itoa(r.TotalPoints),
			strconv.Itoa(r.Percentage) + "%",
			passFail(r.Passed),
			r.CompletedAt.Format(dateLayout),
			string(r.Mode),
		})
	}
	return out
}

func detailedRows(rows []model.ResultExport) [][]string {
	var out [][]string
	for _, row := range rows {
		for _, q := range row.Questions {
			out = append(out, []string{
				row.ExamTitle,
				row.UserName,
				q.QuestionID,
				q.Text,
				string(q.Type),
				q.UserAnswer,
				q.CorrectAnswer,
				yesNo(q.IsCorrect),
				formatFloat(q.Score) + "/" + strconv.Itoa(q.Points),
				q.Feedback,
			})
		}
	}
	return out
}

// WriteCSV writes a CSV report with CRLF line endings and a UTF-8 BOM.
func WriteCSV(w io.Writer, d Detail, rows []model.ResultExport) error {
	if _, err := io.WriteString(w, utf8BOM); err != nil {
		return err
	}
	headers, data := Table(d, rows)
	cw := csv.NewWriter(w)
	cw.UseCRLF = true
	if err := cw.Write(headers); err != nil {
		return fmt.Errorf("write CSV header: %w", err)
	}
	if err := cw.WriteAll(data); err != nil {
		return fmt.Errorf("write CSV rows: %w", err)
	}
	return nil
}

// WriteXLSX writes a single-sheet workbook.
func WriteXLSX(w io.Writer, d Detail, rows []model.ResultExport) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := "Results"
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}

	headers, data := Table(d, rows)
	if err := writeRow(f, sheet, 1, headers); err != nil {
		return err
	}
	for i, row := range data {
		if err := writeRow(f, sheet, i+2, row); err != nil {
			return err
		}
	}
	if err := f.SetPanes(sheet, &excelize.Panes{
		Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft",
	}); err != nil {
		return fmt.Errorf("freeze header: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeRow(f *excelize.File, sheet string, n int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, n)
	if err != nil {
		return err
	}
	row := make([]any, len(values))
	for i, v := range values {
		row[i] = v
	}
	if err := f.SetSheetRow(sheet, cell, &row); err != nil {
		return fmt.Errorf("write row %d: %w", n, err)
	}
	return nil
}

// WriteJSON writes the full export document.
func WriteJSON(w io.Writer, rows []model.ResultExport, now time.Time) error {
	doc := model.ResultsExport{ExportedAt: now, Results: rows}
	if doc.Results == nil {
		doc.Results = []model.ResultExport{}
	}
	if len(rows) > 0 {
		same := true
		for _, r := range rows[1:] {
			if r.Result.ExamID != rows[0].Result.ExamID {
				same = false
				break
			}
		}
		if same {
			doc.ExamID = rows[0].Result.ExamID
			doc.ExamTitle = rows[0].ExamTitle
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	return nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func passFail(passed bool) string {
	if passed {
		return "Pass"
	}
	return "Fail"
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
