// Package sheet reads rosters, question banks and teacher lists from xlsx
// workbooks and writes the attendance and results exports.
package sheet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/pavelanni/pms/internal/grading"
	"github.com/pavelanni/pms/internal/i18n"
	"github.com/pavelanni/pms/internal/model"
)

// TeacherRow is one line of a bulk teacher import.
type TeacherRow struct {
	Name       string `json:"name" validate:"required"`
	Email      string `json:"email" validate:"required,email"`
	Password   string `json:"password" validate:"required,min=6"`
	Department string `json:"department"`
}

// firstSheetRows returns every row of the workbook's first sheet.
func firstSheetRows(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Warn("close workbook", "error", err)
		}
	}()

	name := f.GetSheetName(0)
	if name == "" {
		return nil, errors.New("workbook does not contain any sheets")
	}
	rows, err := f.GetRows(name)
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", name, err)
	}
	return rows, nil
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// ReadRoster parses a roster: column A roll number, B name, C image URL.
// The first row is a header. Blank rows and rows without a roll number are
// skipped.
func ReadRoster(r io.Reader) ([]model.RosterEntry, error) {
	rows, err := firstSheetRows(r)
	if err != nil {
		return nil, err
	}
	var out []model.RosterEntry
	seen := map[string]bool{}
	for i, row := range rows {
		if i == 0 || blank(row) {
			continue
		}
		e := model.RosterEntry{RollNo: cell(row, 0), Name: cell(row, 1), Image: cell(row, 2)}
		if e.RollNo == "" {
			slog.Warn("skipping roster row without roll number", "row", i+1)
			continue
		}
		if seen[e.RollNo] {
			return nil, fmt.Errorf("row %d: duplicate roll number %q", i+1, e.RollNo)
		}
		seen[e.RollNo] = true
		out = append(out, e)
	}
	return out, nil
}

// ReadQuestions parses a question bank: column A id, B topic, C image URL,
// D marks. Rows whose marks are missing or not positive are dropped.
func ReadQuestions(r io.Reader) ([]model.Question, error) {
	rows, err := firstSheetRows(r)
	if err != nil {
		return nil, err
	}
	var out []model.Question
	for i, row := range rows {
		if i == 0 || blank(row) {
			continue
		}
		marks, err := parseMarks(cell(row, 3))
		if err != nil || marks <= 0 {
			slog.Warn("dropping question without positive marks", "row", i+1, "marks", cell(row, 3))
			continue
		}
		q := model.Question{ID: cell(row, 0), Topic: cell(row, 1), Image: cell(row, 2), Marks: marks}
		if q.ID == "" {
			q.ID = "Q" + strconv.Itoa(len(out)+1)
		}
		out = append(out, q)
	}
	return out, nil
}

// parseMarks accepts integers and whole floats such as "5.0" that spreadsheet
// tools produce.
func parseMarks(s string) (int, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f != float64(int(f)) {
		return 0, fmt.Errorf("marks %q is not a whole number", s)
	}
	return int(f), nil
}

// ReadTeachers parses a bulk teacher list. Columns are located by header,
// case-insensitively: "full name" or "name", "email id" or "email",
// "password", "department". Rows missing name, email or password are
// skipped.
func ReadTeachers(r io.Reader) ([]TeacherRow, error) {
	rows, err := firstSheetRows(r)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	col := map[string]int{}
	for i, h := range rows[0] {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	find := func(names ...string) int {
		for _, n := range names {
			if i, ok := col[n]; ok {
				return i
			}
		}
		return -1
	}
	nameCol := find("full name", "name")
	emailCol := find("email id", "email")
	passCol := find("password")
	deptCol := find("department")
	if nameCol < 0 || emailCol < 0 || passCol < 0 {
		return nil, errors.New("teacher sheet needs name, email and password columns")
	}

	var out []TeacherRow
	for i, row := range rows[1:] {
		t := TeacherRow{
			Name:       cell(row, nameCol),
			Email:      cell(row, emailCol),
			Password:   cell(row, passCol),
			Department: cell(row, deptCol),
		}
		if t.Name == "" || t.Email == "" || t.Password == "" {
			slog.Warn("skipping incomplete teacher row", "row", i+2)
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func headerStyle(f *excelize.File) (int, error) {
	return f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
}

func newWorkbook(sheet string) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// WriteAttendance writes the attendance workbook.
func WriteAttendance(ctx context.Context, w io.Writer, rows []grading.AttendanceRow) error {
	sheet := i18n.T(ctx, "SheetAttendance")
	f, err := newWorkbook(sheet)
	if err != nil {
		return err
	}
	defer f.Close()

	header := []any{
		i18n.T(ctx, "ColSerialNo"), i18n.T(ctx, "ColRollNumber"),
		i18n.T(ctx, "ColFullName"), i18n.T(ctx, "ColAttendance"),
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	if style, err := headerStyle(f); err == nil {
		f.SetRowStyle(sheet, 1, 1, style)
	}

	present, absent := i18n.T(ctx, "Present"), i18n.T(ctx, "Absent")
	for i, r := range rows {
		mark := absent
		if r.Present {
			mark = present
		}
		addr, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(sheet, addr, &[]any{r.Serial, r.RollNo, r.Name, mark}); err != nil {
			return err
		}
	}
	f.SetColWidth(sheet, "C", "C", 32)
	return f.Write(w)
}

// ResultsHeader describes the exam above the results table.
type ResultsHeader struct {
	Date       time.Time
	Department string
	Subject    string
	Year       string
}

// HeaderFor builds the results header for an exam.
func HeaderFor(exam model.Exam) ResultsHeader {
	return ResultsHeader{
		Date:       exam.CreatedAt,
		Department: exam.Department,
		Subject:    exam.Subject,
		Year:       exam.Year,
	}
}

// ResultsFirstRow is the sheet row of the first result line.
const ResultsFirstRow = 5

// WriteResults writes the results workbook: a date line, an exam line, a
// blank row, the column header, then one row per student.
func WriteResults(ctx context.Context, w io.Writer, h ResultsHeader, rows []grading.ResultRow) error {
	sheet := i18n.T(ctx, "SheetResults")
	f, err := newWorkbook(sheet)
	if err != nil {
		return err
	}
	defer f.Close()

	upper := func(s string) string {
		if s == "" {
			s = i18n.T(ctx, "Unknown")
		}
		return strings.ToUpper(s)
	}
	date := strings.ToUpper(h.Date.Format("2 January 2006"))
	if err := f.SetCellStr(sheet, "A1", i18n.Td(ctx, "ResultsDate", map[string]any{"Date": date})); err != nil {
		return err
	}
	heading := i18n.Td(ctx, "ResultsHeading", map[string]any{
		"Department": upper(h.Department),
		"Subject":    upper(h.Subject),
		"Year":       upper(h.Year),
	})
	if err := f.SetCellStr(sheet, "A2", heading); err != nil {
		return err
	}

	header := []any{
		i18n.T(ctx, "ColSerialNumber"), i18n.T(ctx, "ColRollNumber"), i18n.T(ctx, "ColFullName"),
		i18n.T(ctx, "ColPractical"), i18n.T(ctx, "ColViva"), i18n.T(ctx, "ColJournal"), i18n.T(ctx, "ColTotal"),
	}
	if err := f.SetSheetRow(sheet, "A4", &header); err != nil {
		return err
	}
	if style, err := headerStyle(f); err == nil {
		f.SetRowStyle(sheet, 4, 4, style)
	}

	for i, r := range rows {
		addr, _ := excelize.CoordinatesToCellName(1, ResultsFirstRow+i)
		line := []any{r.Serial, r.RollNo, r.Name, scoreCell(r.Practical), scoreCell(r.Viva),
			scoreCell(r.Journal), scoreCell(r.Total)}
		if err := f.SetSheetRow(sheet, addr, &line); err != nil {
			return err
		}
	}
	f.SetColWidth(sheet, "C", "C", 32)
	return f.Write(w)
}

// scoreCell stores numeric scores as numbers and sentinels as text.
func scoreCell(s string) any {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return s
}
