// Package prompts holds the score-suggestion prompt templates, one per
// grading variant.
package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"
)

//go:embed templates/*.txt
var templateFS embed.FS

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

// maxCodeRunes bounds the code sent for review.
const maxCodeRunes = 10000

// Variant selects how harshly code is marked.
type Variant string

const (
	// Strict deducts for every defect.
	Strict Variant = "strict"
	// Standard is the default variant.
	Standard Variant = "standard"
	// Lenient marks the approach and forgives slips.
	Lenient Variant = "lenient"
)

var variants = []Variant{Strict, Standard, Lenient}

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	for _, known := range variants {
		if Variant(v) == known {
			return true
		}
	}
	return false
}

var (
	loadOnce  sync.Once
	loadErr   error
	templates map[Variant]*template.Template
)

// Load parses the embedded templates. It is safe to call more than once.
func Load() error {
	loadOnce.Do(func() {
		templates = make(map[Variant]*template.Template, len(variants))
		for _, v := range variants {
			name := "templates/suggest_" + string(v) + ".txt"
			tmpl, err := template.ParseFS(templateFS, name)
			if err != nil {
				loadErr = fmt.Errorf("parse prompt template %s: %w", name, err)
				return
			}
			templates[v] = tmpl
		}
	})
	return loadErr
}

// SuggestData is the template input for one answer slot.
type SuggestData struct {
	QuestionID string
	Topic      string
	MaxMarks   int
	Code       string
	FileName   string
}

// BuildSuggestPrompt renders the prompt for the given variant. Code is
// sanitized before rendering.
func BuildSuggestPrompt(variant Variant, data SuggestData) (string, error) {
	if err := Load(); err != nil {
		return "", err
	}
	tmpl, ok := templates[variant]
	if !ok {
		return "", errors.New("invalid prompt variant: " + string(variant))
	}
	data.Code = sanitizeCode(data.Code)

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func sanitizeCode(code string) string {
	code = studentAnswerRegex.ReplaceAllString(code, "")
	code = systemInstructionsRegex.ReplaceAllString(code, "")
	code = strings.TrimSpace(code)

	if code == "" {
		return "[No code provided]"
	}
	if utf8.RuneCountInString(code) > maxCodeRunes {
		runes := []rune(code)
		code = string(runes[:maxCodeRunes]) + "\n\n[Code truncated due to length]"
	}
	return code
}
