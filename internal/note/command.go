package note

import (
	"context"
	"errors"
	"fmt"

	"github.com/get-consistently/go-consistently/aggregate"
	"github.com/get-consistently/go-consistently/command"
)

// ErrAlreadyExists is returned when creating a Note with the id
// of an existing one.
var ErrAlreadyExists = errors.New("note: already exists")

// CreateNote is the Command used to create a new Note,
// with a client-supplied id.
type CreateNote struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Name implements message.Message.
func (CreateNote) Name() string { return "CreateNote" }

// ChangeNoteTitle is the Command used to change the title of an existing Note.
type ChangeNoteTitle struct {
	NoteID string `json:"noteId"`
	Title  string `json:"title"`
}

// Name implements message.Message.
func (ChangeNoteTitle) Name() string { return "ChangeNoteTitle" }

// HandleCreateNote is the Command Handler for CreateNote commands.
//
// The id of the new Note is returned as Command result.
func HandleCreateNote(ctx context.Context, hctx *command.Context, cmd CreateNote) error {
	_, err := hctx.Get(ctx, Type, cmd.ID)

	switch {
	case err == nil:
		return fmt.Errorf("note.HandleCreateNote: %w, '%s'", ErrAlreadyExists, cmd.ID)
	case !errors.Is(err, aggregate.ErrRootNotFound):
		return fmt.Errorf("note.HandleCreateNote: failed to check note existence, %w", err)
	}

	n, err := Create(cmd.ID, cmd.Title)
	if err != nil {
		return fmt.Errorf("note.HandleCreateNote: failed to create note, %w", err)
	}

	hctx.SetResult(n.AggregateID())

	return hctx.Add(Type, n)
}

// HandleChangeNoteTitle is the Command Handler for ChangeNoteTitle commands.
func HandleChangeNoteTitle(ctx context.Context, hctx *command.Context, cmd ChangeNoteTitle) error {
	root, err := hctx.Get(ctx, Type, cmd.NoteID)
	if err != nil {
		return fmt.Errorf("note.HandleChangeNoteTitle: failed to get note, %w", err)
	}

	n, ok := root.(*Note)
	if !ok {
		return fmt.Errorf("note.HandleChangeNoteTitle: %w, %T", aggregate.ErrTypeMismatch, root)
	}

	if err := n.ChangeTitle(cmd.Title); err != nil {
		return fmt.Errorf("note.HandleChangeNoteTitle: failed to change title, %w", err)
	}

	return nil
}

// Register registers all the Note Command Handlers.
func Register(registry *command.Registry) {
	command.Register[CreateNote](registry, HandleCreateNote)
	command.Register[ChangeNoteTitle](registry, HandleChangeNoteTitle)
}

// Commands lists all the Note Command types, useful to register them for serialization.
var Commands = []command.Command{CreateNote{}, ChangeNoteTitle{}}
