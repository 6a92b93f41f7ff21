// Package grading turns teacher input into a student's stored scores.
package grading

import (
	"fmt"
	"maps"

	"github.com/pavelanni/pms/internal/model"
)

// Input is one save of the teacher grading form.
type Input struct {
	// PerQuestion maps slot keys (q1, q2, ...) to awarded marks. Missing slots
	// count as zero.
	PerQuestion map[string]int `json:"per_question"`
	Viva        int            `json:"viva" validate:"gte=0"`
	Journal     int            `json:"journal" validate:"gte=0"`
}

// Result is the state to persist for the student.
type Result struct {
	Answers  map[string]model.Answer
	Scores   model.Scores
	IsGraded bool
	// PracticalGraded is false when the practical total was carried over
	// because the practical lock was still closed.
	PracticalGraded bool
}

// Compute validates input against the exam maxima and derives the totals.
// Nothing is persisted here; a returned error means nothing must be written.
func Compute(exam model.Exam, st model.Student, in Input) (Result, error) {
	if err := checkRange("viva", in.Viva, exam.VivaMarks); err != nil {
		return Result{}, err
	}
	if err := checkRange("journal", in.Journal, exam.JournalMarks); err != nil {
		return Result{}, err
	}

	slots := make(map[string]model.Question, len(st.AssignedQuestions))
	for i, q := range st.AssignedQuestions {
		slots[model.SlotKey(i)] = q
	}
	for key, score := range in.PerQuestion {
		q, ok := slots[key]
		if !ok {
			return Result{}, fmt.Errorf("unknown answer slot %q", key)
		}
		if err := checkRange("question "+q.ID, score, q.Marks); err != nil {
			return Result{}, err
		}
	}

	answers := maps.Clone(st.Answers)
	if answers == nil {
		answers = map[string]model.Answer{}
	}

	res := Result{IsGraded: true}
	practical := st.Scores.Practical
	if model.CanGradePractical(exam.IsActive, st.Status) {
		practical = 0
		for i := range st.AssignedQuestions {
			key := model.SlotKey(i)
			score := in.PerQuestion[key]
			a := answers[key]
			a.Score = &score
			answers[key] = a
			practical += score
		}
		res.PracticalGraded = true
	}

	res.Answers = answers
	res.Scores = model.Scores{
		Practical: practical,
		Viva:      in.Viva,
		Journal:   in.Journal,
		Total:     practical + in.Viva + in.Journal,
	}
	return res, nil
}

func checkRange(field string, value, maxValue int) error {
	if value < 0 || value > maxValue {
		return &model.ScoreRangeError{Field: field, Value: value, Max: maxValue}
	}
	return nil
}

// AllGraded reports whether every student has been graded or is reported
// absent.
func AllGraded(students []model.Student) bool {
	if len(students) == 0 {
		return false
	}
	for _, s := range students {
		if !s.IsGraded && !IsAbsent(s) {
			return false
		}
	}
	return true
}
