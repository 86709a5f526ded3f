package activitypub

import (
	"context"
	"fmt"

	"github.com/davecheney/courier/models"
	"golang.org/x/exp/slog"
	"gorm.io/gorm"
)

// Processor applies inbound activities to the local state. Every
// activity is idempotent; applying the same activity twice leaves the
// state as applying it once.
type Processor struct {
	db        *gorm.DB
	resolver  *Resolver
	deliverer *Deliverer
	logger    *slog.Logger
}

// NewProcessor returns a Processor for the instance described by env.
func NewProcessor(env *models.Env, resolver *Resolver, deliverer *Deliverer) *Processor {
	return &Processor{
		db:        env.DB,
		resolver:  resolver,
		deliverer: deliverer,
		logger:    env.Log(),
	}
}

// Process applies the activity. Errors wrapping ErrNotFound, ErrMalformed,
// ErrForbidden or ErrUnsupported are permanent, anything else may
// succeed if retried.
func (p *Processor) Process(ctx context.Context, act Activity) error {
	p.logger.Debug("process", "type", act.kind(), "id", act.Header().ID, "actor", act.Header().Actor)
	switch act := act.(type) {
	case *Follow:
		return p.processFollow(ctx, act)
	case *Accept:
		return p.processAccept(ctx, act)
	case *Reject:
		return p.processReject(ctx, act)
	case *Undo:
		return p.processUndo(ctx, act)
	case *Create:
		return p.processCreate(ctx, act)
	case *Update:
		return p.processUpdate(ctx, act)
	case *Delete:
		return p.processDelete(ctx, act)
	case *Announce:
		return p.processAnnounce(ctx, act)
	case *Like:
		return p.processLike(ctx, act)
	case *Move:
		return p.processMove(ctx, act)
	default:
		return fmt.Errorf("%T: %w", act, ErrUnsupported)
	}
}

// ProcessBody parses and applies a decoded activity.
func (p *Processor) ProcessBody(ctx context.Context, body map[string]any) error {
	act, err := Parse(body)
	if err != nil {
		return err
	}
	return p.Process(ctx, act)
}

func (p *Processor) actors(ctx context.Context) *models.Actors {
	return models.NewActors(p.db.WithContext(ctx))
}

func (p *Processor) follows(ctx context.Context) *models.Follows {
	return models.NewFollows(p.db.WithContext(ctx))
}

func (p *Processor) notes(ctx context.Context) *models.Notes {
	return models.NewNotes(p.db.WithContext(ctx))
}

func (p *Processor) reactions(ctx context.Context) *models.Reactions {
	return models.NewReactions(p.db.WithContext(ctx))
}

// findLocal returns the local actor with the given URI, or ErrNotFound.
func (p *Processor) findLocal(ctx context.Context, uri string) (*models.Actor, error) {
	if !p.resolver.isLocal(uri) {
		return nil, fmt.Errorf("%s is not local: %w", uri, ErrNotFound)
	}
	actor, err := p.actors(ctx).FindByURI(uri)
	if err != nil {
		return nil, err
	}
	if actor == nil || actor.IsRemote() {
		return nil, fmt.Errorf("local actor %s: %w", uri, ErrNotFound)
	}
	return actor, nil
}

// findKnown returns the actor with the given URI if it is already
// stored, or nil.
func (p *Processor) findKnown(ctx context.Context, uri string) (*models.Actor, error) {
	return p.actors(ctx).FindByURI(uri)
}
