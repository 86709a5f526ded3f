package activitypub

import (
	"context"
	"fmt"

	"github.com/davecheney/courier/activitypub/activities"
	"github.com/davecheney/courier/models"
)

func (p *Processor) processFollow(ctx context.Context, act *Follow) error {
	followee, err := p.findLocal(ctx, act.Object)
	if err != nil {
		return err
	}
	follower, err := p.resolver.FindOrFetch(ctx, act.Actor)
	if err != nil {
		return err
	}

	follows := p.follows(ctx)
	if followee.Suspended {
		p.logger.Info("rejecting follow of suspended actor", "follower", follower.URI, "followee", followee.URI)
		return p.respond(ctx, activities.Reject(followee, act.Raw), followee, follower)
	}

	edge, err := follows.FindEdge(follower.ID, followee.ID)
	if err != nil {
		return err
	}
	if edge != nil {
		// the follower may have missed our Accept.
		return p.respond(ctx, activities.Accept(followee, act.Raw), followee, follower)
	}

	if followee.Locked {
		_, err := follows.CreateRequest(follower, followee, act.ID)
		return err
	}

	if _, err := follows.CreateEdge(follower, followee, act.ID); err != nil {
		return err
	}
	return p.respond(ctx, activities.Accept(followee, act.Raw), followee, follower)
}

func (p *Processor) respond(ctx context.Context, activity map[string]any, sender, recipient *models.Actor) error {
	_, err := p.deliverer.Deliver(ctx, sender, activity, []Recipient{RecipientOf(recipient)})
	return err
}

// followOf returns the local follower and the remote followee named by
// the Follow embedded in, or referred to by, an Accept or Reject.
func (p *Processor) followOf(ctx context.Context, actor string, object ObjectRef) (*models.Actor, *models.Actor, error) {
	followee, err := p.findKnown(ctx, actor)
	if err != nil {
		return nil, nil, err
	}
	if followee == nil {
		return nil, nil, fmt.Errorf("followee %s: %w", actor, ErrNotFound)
	}

	var followerURI string
	switch {
	case object.Embedded != nil && object.Type() == "Follow":
		if target := idFromAny(object.Embedded["object"]); target != "" && target != actor {
			return nil, nil, fmt.Errorf("%s responded to a follow of %s: %w", actor, target, ErrForbidden)
		}
		followerURI = idFromAny(object.Embedded["actor"])
	case object.Embedded != nil:
		return nil, nil, fmt.Errorf("response to %s: %w", object.Type(), ErrUnsupported)
	}

	follows := p.follows(ctx)
	if followerURI == "" && object.URI != "" {
		req, err := follows.FindRequestByURI(object.URI)
		if err != nil {
			return nil, nil, err
		}
		if req != nil && req.FolloweeID == followee.ID {
			follower, err := p.actors(ctx).FindByID(req.FollowerID)
			if err != nil {
				return nil, nil, err
			}
			if follower != nil {
				return follower, followee, nil
			}
		}
		edge, err := follows.FindEdgeByURI(object.URI)
		if err != nil {
			return nil, nil, err
		}
		if edge != nil && edge.FolloweeID == followee.ID {
			follower, err := p.actors(ctx).FindByID(edge.FollowerID)
			if err != nil {
				return nil, nil, err
			}
			if follower != nil {
				return follower, followee, nil
			}
		}
		return nil, nil, fmt.Errorf("follow %s: %w", object.URI, ErrNotFound)
	}
	follower, err := p.findLocal(ctx, followerURI)
	if err != nil {
		return nil, nil, err
	}
	return follower, followee, nil
}

func (p *Processor) processAccept(ctx context.Context, act *Accept) error {
	follower, followee, err := p.followOf(ctx, act.Actor, act.Object)
	if err != nil {
		return err
	}
	follows := p.follows(ctx)
	edge, err := follows.FindEdge(follower.ID, followee.ID)
	if err != nil {
		return err
	}
	if edge != nil {
		_, err := follows.DeleteRequest(follower.ID, followee.ID)
		return err
	}
	req, err := follows.FindRequest(follower.ID, followee.ID)
	if err != nil {
		return err
	}
	if req == nil {
		p.logger.Debug("accept without request", "follower", follower.URI, "followee", followee.URI)
		return nil
	}
	_, err = follows.CreateEdge(follower, followee, req.URI)
	return err
}

func (p *Processor) processReject(ctx context.Context, act *Reject) error {
	follower, followee, err := p.followOf(ctx, act.Actor, act.Object)
	if err != nil {
		return err
	}
	follows := p.follows(ctx)
	if _, err := follows.DeleteRequest(follower.ID, followee.ID); err != nil {
		return err
	}
	_, err = follows.DeleteEdge(follower.ID, followee.ID)
	return err
}
