package activitypub

import (
	"context"
	"fmt"

	"github.com/davecheney/courier/internal/snowflake"
)

func (p *Processor) processUndo(ctx context.Context, act *Undo) error {
	if inner := idFromAny(act.Object.Embedded["actor"]); act.Object.Embedded != nil && inner != "" && inner != act.Actor {
		return fmt.Errorf("%s cannot undo an activity of %s: %w", act.Actor, inner, ErrForbidden)
	}
	actor, err := p.findKnown(ctx, act.Actor)
	if err != nil {
		return err
	}
	if actor == nil {
		// nothing of theirs to undo.
		return nil
	}

	object := act.Object
	if object.Embedded == nil {
		return p.undoByURI(ctx, actor.ID, object.URI)
	}
	target := idFromAny(object.Embedded["object"])
	switch object.Type() {
	case "Follow":
		followee, err := p.findKnown(ctx, target)
		if err != nil || followee == nil {
			return err
		}
		follows := p.follows(ctx)
		if _, err := follows.DeleteEdge(actor.ID, followee.ID); err != nil {
			return err
		}
		_, err = follows.DeleteRequest(actor.ID, followee.ID)
		return err
	case "Like", "EmojiReact":
		note, err := p.notes(ctx).FindByURI(target)
		if err != nil || note == nil {
			return err
		}
		_, err = p.reactions(ctx).Delete(actor.ID, note.ID)
		return err
	case "Announce":
		notes := p.notes(ctx)
		renote, err := notes.FindRenoteByURI(object.URI)
		if err != nil {
			return err
		}
		if renote == nil {
			note, err := notes.FindByURI(target)
			if err != nil || note == nil {
				return err
			}
			if renote, err = notes.FindRenote(actor.ID, note.ID); err != nil || renote == nil {
				return err
			}
		}
		if renote.ActorID != actor.ID {
			return fmt.Errorf("%s cannot undo renote %s: %w", actor.URI, renote.URI, ErrForbidden)
		}
		_, err = notes.DeleteRenote(renote)
		return err
	case "":
		return p.undoByURI(ctx, actor.ID, object.URI)
	default:
		p.logger.Debug("ignoring undo", "type", object.Type(), "id", object.URI)
		return nil
	}
}

// undoByURI undoes the renote, reaction or follow created by the
// activity with the given id, if any.
func (p *Processor) undoByURI(ctx context.Context, actorID snowflake.ID, uri string) error {
	if uri == "" {
		return nil
	}
	notes := p.notes(ctx)
	renote, err := notes.FindRenoteByURI(uri)
	if err != nil {
		return err
	}
	if renote != nil && renote.ActorID == actorID {
		_, err := notes.DeleteRenote(renote)
		return err
	}
	reactions := p.reactions(ctx)
	reaction, err := reactions.FindByURI(uri)
	if err != nil {
		return err
	}
	if reaction != nil && reaction.ActorID == actorID {
		_, err := reactions.Delete(reaction.ActorID, reaction.NoteID)
		return err
	}
	follows := p.follows(ctx)
	edge, err := follows.FindEdgeByURI(uri)
	if err != nil {
		return err
	}
	if edge != nil && edge.FollowerID == actorID {
		_, err := follows.DeleteEdge(edge.FollowerID, edge.FolloweeID)
		return err
	}
	req, err := follows.FindRequestByURI(uri)
	if err != nil {
		return err
	}
	if req != nil && req.FollowerID == actorID {
		_, err := follows.DeleteRequest(req.FollowerID, req.FolloweeID)
		return err
	}
	return nil
}
