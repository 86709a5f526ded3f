package activitypub

import (
	"context"
	"fmt"
)

func (p *Processor) processMove(ctx context.Context, act *Move) error {
	if act.Object != act.Actor {
		return fmt.Errorf("%s cannot move %s: %w", act.Actor, act.Object, ErrForbidden)
	}
	source, err := p.findKnown(ctx, act.Object)
	if err != nil {
		return err
	}
	if source == nil {
		return fmt.Errorf("move source %s: %w", act.Object, ErrNotFound)
	}
	if source.IsLocal() {
		return fmt.Errorf("remote move of local actor %s: %w", source.URI, ErrForbidden)
	}
	if source.MovedTo == act.Target {
		return nil
	}
	target, err := p.resolver.Refresh(ctx, act.Target)
	if err != nil {
		return err
	}
	if !target.KnownAs(source.URI) {
		return fmt.Errorf("%s does not list %s in alsoKnownAs: %w", target.URI, source.URI, ErrForbidden)
	}
	if err := p.db.WithContext(ctx).Model(source).Update("moved_to", target.URI).Error; err != nil {
		return err
	}
	p.logger.Info("actor moved", "from", source.URI, "to", target.URI)
	return p.resolver.Invalidate(ctx, source.URI)
}
