// Package note serves as a small domain example of how to model
// an Aggregate, its Commands and its Command Handlers.
//
// This package is used for tests and by the demo binary.
package note

import (
	"errors"
	"fmt"

	"github.com/get-consistently/go-consistently/aggregate"
	"github.com/get-consistently/go-consistently/event"
	"github.com/get-consistently/go-consistently/message"
)

// Type is the Note aggregate type.
var Type = aggregate.NewType("Note", func() *Note { return new(Note) })

// WasCreated is the Domain Event recorded when a Note is created.
type WasCreated struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Name implements message.Message.
func (WasCreated) Name() string { return "NoteWasCreated" }

// TitleWasChanged is the Domain Event recorded when the title of a Note changes.
type TitleWasChanged struct {
	Title string `json:"title"`
}

// Name implements message.Message.
func (TitleWasChanged) Name() string { return "NoteTitleWasChanged" }

// Events lists all the Domain Event types of the Note aggregate,
// useful to register them for serialization.
var Events = []message.Message{WasCreated{}, TitleWasChanged{}}

// All the errors returned by Note methods.
var (
	ErrEmptyID      = errors.New("note: invalid id, is empty")
	ErrEmptyTitle   = errors.New("note: invalid title, is empty")
	ErrTitleTooLong = errors.New("note: invalid title, too long")
	ErrSameTitle    = errors.New("note: title is unchanged")
)

// MaxTitleLength is the maximum number of bytes a Note title can have.
const MaxTitleLength = 256

// Note is a naive note implementation, modeled as an Aggregate.
type Note struct {
	aggregate.BaseRoot

	id      string
	title   string
	changes int
}

// Apply implements aggregate.Aggregate.
func (n *Note) Apply(evt event.Event) error {
	switch evt := evt.(type) {
	case WasCreated:
		n.id = evt.ID
		n.title = evt.Title
	case TitleWasChanged:
		n.title = evt.Title
		n.changes++
	default:
		return fmt.Errorf("note.Apply: unexpected event type, %T", evt)
	}

	return nil
}

// AggregateID implements aggregate.Root.
func (n *Note) AggregateID() string { return n.id }

// Title returns the current title of the Note.
func (n *Note) Title() string { return n.title }

// Changes returns how many times the Note title has been changed.
func (n *Note) Changes() int { return n.changes }

func validateTitle(title string) error {
	if title == "" {
		return ErrEmptyTitle
	}

	if len(title) > MaxTitleLength {
		return ErrTitleTooLong
	}

	return nil
}

// Create creates a new Note using the provided input.
func Create(id, title string) (*Note, error) {
	if id == "" {
		return nil, ErrEmptyID
	}

	if err := validateTitle(title); err != nil {
		return nil, err
	}

	n := new(Note)

	if err := aggregate.RecordThat(n, event.ToEnvelope(WasCreated{ID: id, Title: title})); err != nil {
		return nil, fmt.Errorf("note.Create: failed to record domain event, %w", err)
	}

	return n, nil
}

// ChangeTitle changes the Note title with the specified one.
func (n *Note) ChangeTitle(title string) error {
	if err := validateTitle(title); err != nil {
		return err
	}

	if title == n.title {
		return ErrSameTitle
	}

	if err := aggregate.RecordThat(n, event.ToEnvelope(TitleWasChanged{Title: title})); err != nil {
		return fmt.Errorf("note.ChangeTitle: failed to record domain event, %w", err)
	}

	return nil
}
