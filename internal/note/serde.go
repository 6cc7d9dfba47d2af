package note

import "github.com/get-consistently/go-consistently/serde"

// RegisterEvents registers all the Note Domain Events in the Registry, as JSON.
func RegisterEvents(r *serde.Registry) {
	serde.RegisterJSON[WasCreated](r)
	serde.RegisterJSON[TitleWasChanged](r)
}
