package grading

import (
	"strconv"

	"github.com/pavelanni/pms/internal/model"
)

// AbsentMark is the sentinel reported instead of a numeric score for students
// who never attempted the exam.
const AbsentMark = "ABSENT"

// NotApplicable fills the viva and journal cells of absent students.
const NotApplicable = "-"

// ResultRow is one line of the results sheet. Cells are strings so the
// ABSENT sentinel is never confused with an earned zero.
type ResultRow struct {
	Serial    int    `json:"serial"`
	RollNo    string `json:"roll_no"`
	Name      string `json:"name"`
	Practical string `json:"practical"`
	Viva      string `json:"viva"`
	Journal   string `json:"journal"`
	Total     string `json:"total"`
	Absent    bool   `json:"absent"`
}

// AttendanceRow is one line of the attendance sheet.
type AttendanceRow struct {
	Serial  int    `json:"serial"`
	RollNo  string `json:"roll_no"`
	Name    string `json:"name"`
	Present bool   `json:"present"`
}

// IsAbsent reports whether the student is reported absent. A student still
// registered at export time never joined and is treated the same way.
func IsAbsent(s model.Student) bool {
	return !s.Status.Attended()
}

// ResultRows builds the results sheet body in roster order.
func ResultRows(students []model.Student) []ResultRow {
	rows := make([]ResultRow, 0, len(students))
	for i, s := range students {
		row := ResultRow{Serial: i + 1, RollNo: s.RollNo, Name: s.Name}
		if IsAbsent(s) {
			row.Absent = true
			row.Practical = AbsentMark
			row.Viva = NotApplicable
			row.Journal = NotApplicable
			row.Total = AbsentMark
		} else {
			row.Practical = strconv.Itoa(s.Scores.Practical)
			row.Viva = strconv.Itoa(s.Scores.Viva)
			row.Journal = strconv.Itoa(s.Scores.Journal)
			row.Total = strconv.Itoa(s.Scores.Total)
		}
		rows = append(rows, row)
	}
	return rows
}

// AttendanceRows builds the attendance sheet body in roster order.
func AttendanceRows(students []model.Student) []AttendanceRow {
	rows := make([]AttendanceRow, 0, len(students))
	for i, s := range students {
		rows = append(rows, AttendanceRow{
			Serial:  i + 1,
			RollNo:  s.RollNo,
			Name:    s.Name,
			Present: !IsAbsent(s),
		})
	}
	return rows
}
