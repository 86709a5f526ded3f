package activitypub

import (
	"context"
	"fmt"

	"github.com/davecheney/courier/models"
)

func (p *Processor) processDelete(ctx context.Context, act *Delete) error {
	uri := act.Object.URI
	if uri == "" {
		return fmt.Errorf("delete: object has no id: %w", ErrMalformed)
	}
	actor, err := p.findKnown(ctx, act.Actor)
	if err != nil {
		return err
	}
	if actor == nil {
		// we never knew them.
		return nil
	}

	if uri == act.Actor {
		if actor.IsLocal() {
			return fmt.Errorf("remote delete of local actor %s: %w", uri, ErrForbidden)
		}
		if err := models.NewActors(p.db.WithContext(ctx)).MarkGone(actor); err != nil {
			return err
		}
		return p.resolver.Invalidate(ctx, uri)
	}

	notes := p.notes(ctx)
	note, err := notes.FindByURI(uri)
	if err != nil || note == nil {
		return err
	}
	if note.ActorID != actor.ID {
		return fmt.Errorf("%s cannot delete note %s: %w", act.Actor, uri, ErrForbidden)
	}
	_, err = notes.Delete(note)
	return err
}
