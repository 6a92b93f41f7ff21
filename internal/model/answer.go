package model

// AnswerKind classifies what a student has put into an answer slot.
type AnswerKind int

const (
	Unanswered AnswerKind = iota
	TextOnly
	FileOnly
	Both
)

func (k AnswerKind) String() string {
	switch k {
	case TextOnly:
		return "text_only"
	case FileOnly:
		return "file_only"
	case Both:
		return "both"
	default:
		return "unanswered"
	}
}

// FileRef points at an uploaded answer file in blob storage.
type FileRef struct {
	Name       string `json:"file_name"`
	URL        string `json:"file_url"`
	StorageRef string `json:"storage_ref"`
}

// Answer is the content of one slot of a student's slip. Score is set by the
// teacher during practical grading.
type Answer struct {
	Code  string   `json:"code,omitempty"`
	File  *FileRef `json:"file,omitempty"`
	Score *int     `json:"score,omitempty"`
}

// Kind derives the slot variant from its fields.
func (a Answer) Kind() AnswerKind {
	hasText := a.Code != ""
	switch {
	case hasText && a.File != nil:
		return Both
	case hasText:
		return TextOnly
	case a.File != nil:
		return FileOnly
	default:
		return Unanswered
	}
}

// HasFile reports whether a file is attached to the slot.
func (a Answer) HasFile() bool {
	return a.File != nil
}
