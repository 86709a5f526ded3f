package activitypub

import (
	"context"
	"fmt"
)

func (p *Processor) processLike(ctx context.Context, act *Like) error {
	actor, err := p.resolver.FindOrFetch(ctx, act.Actor)
	if err != nil {
		return err
	}
	note, err := p.notes(ctx).FindByURI(act.Object)
	if err != nil {
		return err
	}
	if note == nil {
		return fmt.Errorf("note %s: %w", act.Object, ErrNotFound)
	}
	_, err = p.reactions(ctx).Create(actor, note, act.ID, act.Content)
	return err
}
