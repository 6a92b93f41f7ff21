// Package slip assigns question slips whose marks add up to a target total.
//
// Two algorithms with different contracts live here. GenerateSlips is the
// bulk assignment used at launch: a shuffled greedy scan that is fast but may
// end short of the target. GenerateAllValidSlips is the exhaustive search used
// when a teacher changes one student's slip. Its cost grows with 2^N for a
// bank of N questions, which is fine for lab question banks of a few dozen
// items and is not meant for anything larger.
package slip

import (
	"math/rand/v2"
	"slices"
	"sort"
	"strings"

	"github.com/pavelanni/pms/internal/model"
)

// ValidateTarget rejects targets no slip could ever reach.
func ValidateTarget(questions []model.Question, target int) error {
	if target <= 0 {
		return &model.InvalidTargetError{Target: target, Reason: "must be positive"}
	}
	if len(questions) == 0 {
		return &model.InvalidTargetError{Target: target, Reason: "question bank is empty"}
	}
	minMarks := questions[0].Marks
	for _, q := range questions[1:] {
		minMarks = min(minMarks, q.Marks)
	}
	if target < minMarks {
		return &model.InvalidTargetError{Target: target, MinMarks: minMarks}
	}
	return nil
}

// GenerateSlips gives every roll number its own greedy slip. Each student gets
// an independent shuffle of the bank; the scan takes every question that still
// fits and stops as soon as the target is met.
func GenerateSlips(rng *rand.Rand, rollNos []string, questions []model.Question, target int) map[string][]model.Question {
	slips := make(map[string][]model.Question, len(rollNos))
	for _, roll := range rollNos {
		slips[roll] = greedy(rng, questions, target)
	}
	return slips
}

func greedy(rng *rand.Rand, questions []model.Question, target int) []model.Question {
	shuffled := slices.Clone(questions)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	selected := []model.Question{}
	sum := 0
	for _, q := range shuffled {
		if sum+q.Marks > target {
			continue
		}
		selected = append(selected, q)
		sum += q.Marks
		if sum == target {
			break
		}
	}
	return selected
}

// GenerateAllValidSlips returns every combination of questions whose marks sum
// to target, in index-ascending depth-first order.
func GenerateAllValidSlips(questions []model.Question, target int) [][]model.Question {
	if target <= 0 || len(questions) == 0 {
		return nil
	}
	var combos [][]model.Question
	var current []model.Question

	var walk func(start, sum int)
	walk = func(start, sum int) {
		if sum == target {
			combos = append(combos, slices.Clone(current))
			return
		}
		if sum > target {
			return
		}
		for i := start; i < len(questions); i++ {
			current = append(current, questions[i])
			walk(i+1, sum+questions[i].Marks)
			current = current[:len(current)-1]
		}
	}
	walk(0, 0)
	return combos
}

// Alternatives drops the student's current slip from all valid combinations.
func Alternatives(all [][]model.Question, current []model.Question, target int) ([][]model.Question, error) {
	if len(all) == 0 {
		return nil, &model.NoValidSlipError{Target: target}
	}
	currentKey := Key(current)
	out := make([][]model.Question, 0, len(all))
	for _, combo := range all {
		if Key(combo) == currentKey {
			continue
		}
		out = append(out, combo)
	}
	if len(out) == 0 {
		return nil, &model.NoValidSlipError{Target: target}
	}
	return out, nil
}

// Key identifies a slip by its set of question IDs.
func Key(slip []model.Question) string {
	ids := make([]string, len(slip))
	for i, q := range slip {
		ids[i] = q.ID
	}
	sort.Strings(ids)
	return strings.Join(ids, "\x00")
}

// Sum adds up the marks of a slip.
func Sum(slip []model.Question) int {
	total := 0
	for _, q := range slip {
		total += q.Marks
	}
	return total
}

// Underfilled reports the greedy gap: a slip that ended below the target.
func Underfilled(slip []model.Question, target int) bool {
	return Sum(slip) < target
}
