package domain

import (
	"strings"
	"unicode/utf8"
)

// MaxDescriptionLength is the longest description accepted, counted in
// characters after trimming.
const MaxDescriptionLength = 100

// Task represents a single entry of the task list.
type Task struct {
	ID          int64  `json:"id"`
	Description string `json:"description"`
	Value       Money  `json:"value"`
	Deadline    Date   `json:"deadline"`
	Position    int    `json:"display_order"`
}

// Fields returns the user editable part of the task.
func (t Task) Fields() TaskFields {
	return TaskFields{Description: t.Description, Value: t.Value, Deadline: t.Deadline}
}

// TaskFields carries everything a client may set on a task. Only the order
// manager assigns positions.
type TaskFields struct {
	Description string `json:"description"`
	Value       Money  `json:"value"`
	Deadline    Date   `json:"deadline"`
}

// Normalize trims surrounding whitespace from the description.
func (f TaskFields) Normalize() TaskFields {
	f.Description = strings.TrimSpace(f.Description)
	return f
}

// Validate reports every field that does not satisfy its constraint.
func (f TaskFields) Validate() error {
	verr := &ValidationError{}
	desc := strings.TrimSpace(f.Description)
	switch n := utf8.RuneCountInString(desc); {
	case n == 0:
		verr.Add("description", "description is required")
	case n > MaxDescriptionLength:
		verr.Add("description", "description must be at most 100 characters")
	}
	if f.Value <= 0 {
		verr.Add("value", "value must be greater than zero")
	}
	if f.Deadline.IsZero() {
		verr.Add("deadline", "deadline is required")
	}
	if verr.Empty() {
		return nil
	}
	return verr
}

// Slot is the position of one task, as read by the order manager.
type Slot struct {
	ID       int64
	Position int
}

// Direction controls the order in which a position range is returned.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

func (d Direction) String() string {
	if d == Descending {
		return "DESC"
	}
	return "ASC"
}
