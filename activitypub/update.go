package activitypub

import (
	"context"
	"fmt"
	"time"
)

func (p *Processor) processUpdate(ctx context.Context, act *Update) error {
	obj := act.Object.Embedded
	if obj == nil {
		p.logger.Debug("ignoring update by reference", "object", act.Object.URI)
		return nil
	}
	switch typ := act.Object.Type(); typ {
	case "Person", "Service", "Group", "Application", "Organization":
		return p.updateActor(ctx, act.Actor, obj)
	case "Note", "Question", "Article", "Page":
		return p.updateNote(ctx, act.Actor, obj)
	default:
		return fmt.Errorf("update %q: %w", typ, ErrUnsupported)
	}
}

// newer reports whether a change stamped updated should replace state
// last stamped current. Unstamped changes always apply.
func newer(updated, current time.Time) bool {
	return updated.IsZero() || current.IsZero() || updated.After(current)
}

func (p *Processor) updateActor(ctx context.Context, actor string, obj map[string]any) error {
	if id := stringFromAny(obj["id"]); id != actor {
		return fmt.Errorf("%s cannot update %s: %w", actor, id, ErrForbidden)
	}
	stored, err := p.findKnown(ctx, actor)
	if err != nil {
		return err
	}
	if stored == nil {
		_, err := p.resolver.FindOrFetch(ctx, actor)
		return err
	}
	if stored.IsLocal() {
		return fmt.Errorf("remote update of local actor %s: %w", actor, ErrForbidden)
	}
	updated, err := actorFromDocument(obj)
	if err != nil {
		return err
	}
	if !newer(updated.RemoteUpdatedAt, stored.RemoteUpdatedAt) {
		p.logger.Debug("ignoring stale actor update", "actor", actor, "updated", updated.RemoteUpdatedAt)
		return nil
	}
	err = p.db.WithContext(ctx).Model(stored).Updates(map[string]any{
		"display_name":      updated.DisplayName,
		"note":              updated.Note,
		"avatar":            updated.Avatar,
		"header":            updated.Header,
		"locked":            updated.Locked,
		"key_id":            updated.KeyID,
		"public_key":        updated.PublicKey,
		"also_known_as":     updated.AlsoKnownAs,
		"shared_inbox_url":  updated.SharedInboxURL,
		"remote_updated_at": updated.RemoteUpdatedAt,
	}).Error
	if err != nil {
		return err
	}
	return p.resolver.Invalidate(ctx, actor)
}

func (p *Processor) updateNote(ctx context.Context, actor string, obj map[string]any) error {
	uri := stringFromAny(obj["id"])
	notes := p.notes(ctx)
	note, err := notes.FindByURI(uri)
	if err != nil {
		return err
	}
	if note == nil {
		p.logger.Debug("ignoring update of unknown note", "note", uri)
		return nil
	}
	author, err := p.findKnown(ctx, actor)
	if err != nil {
		return err
	}
	if author == nil || author.ID != note.ActorID {
		return fmt.Errorf("%s cannot update note %s: %w", actor, uri, ErrForbidden)
	}
	_, updated := publishedAndUpdated(obj)
	current := note.EditedAt
	if current.IsZero() {
		current = note.PublishedAt
	}
	if !updated.IsZero() && !updated.After(current) {
		p.logger.Debug("ignoring stale note update", "note", uri, "updated", updated)
		return nil
	}
	if updated.IsZero() {
		updated = time.Now()
	}
	content := stringFromAny(obj["content"])
	mentions, tags := mentionsAndTags(obj["tag"])
	note.Content = content
	note.Text = textFromHTML(content)
	note.Summary = stringFromAny(obj["summary"])
	note.Sensitive = boolFromAny(obj["sensitive"])
	note.Mentions = mentions
	note.Tags = tags
	note.EditedAt = updated
	return p.db.WithContext(ctx).Model(note).Select("content", "text", "summary", "sensitive", "mentions", "tags", "edited_at").Updates(note).Error
}
