package activitypub

import (
	"context"
	"fmt"

	"github.com/davecheney/courier/models"
)

func (p *Processor) processAnnounce(ctx context.Context, act *Announce) error {
	if act.ID == "" {
		return fmt.Errorf("announce has no id: %w", ErrMalformed)
	}
	actor, err := p.resolver.FindOrFetch(ctx, act.Actor)
	if err != nil {
		return err
	}
	note, err := p.findOrFetchNote(ctx, act.Object.URI)
	if err != nil {
		return err
	}
	notes := p.notes(ctx)
	renote, err := notes.FindRenote(actor.ID, note.ID)
	if err != nil || renote != nil {
		return err
	}
	_, err = notes.CreateRenote(actor, note, act.ID)
	return err
}

// findOrFetchNote returns the note with the given URI, fetching it from
// its origin if it is not already stored. Embedded copies are not
// trusted since the announcer is not the author.
func (p *Processor) findOrFetchNote(ctx context.Context, uri string) (*models.Note, error) {
	note, err := p.notes(ctx).FindByURI(uri)
	if err != nil || note != nil {
		return note, err
	}
	if p.resolver.isLocal(uri) {
		return nil, fmt.Errorf("note %s: %w", uri, ErrNotFound)
	}
	obj, err := p.resolver.FetchObject(ctx, uri)
	if err != nil {
		return nil, err
	}
	if id := stringFromAny(obj["id"]); id != uri {
		return nil, fmt.Errorf("note %s claims id %s: %w", uri, id, ErrForbidden)
	}
	return p.createNote(ctx, idFromAny(obj["attributedTo"]), obj)
}
