package activitypub

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/davecheney/courier/activitypub/activities"
	"github.com/davecheney/courier/internal/algorithms"
	"github.com/davecheney/courier/internal/snowflake"
	"github.com/davecheney/courier/models"
	"github.com/yuin/goldmark"
	"golang.org/x/exp/slog"
	"gorm.io/gorm"
)

// Outbox performs actions on behalf of local actors and queues the
// resulting activities for delivery.
type Outbox struct {
	db        *gorm.DB
	resolver  *Resolver
	deliverer *Deliverer
	domain    string
	logger    *slog.Logger
	markdown  goldmark.Markdown
}

// NewOutbox returns an Outbox for the instance described by env.
func NewOutbox(env *models.Env, resolver *Resolver, deliverer *Deliverer) *Outbox {
	return &Outbox{
		db:        env.DB,
		resolver:  resolver,
		deliverer: deliverer,
		domain:    env.Domain,
		logger:    env.Log(),
		markdown:  goldmark.New(),
	}
}

func (o *Outbox) follows(ctx context.Context) *models.Follows {
	return models.NewFollows(o.db.WithContext(ctx))
}

func (o *Outbox) notes(ctx context.Context) *models.Notes {
	return models.NewNotes(o.db.WithContext(ctx))
}

func (o *Outbox) reactions(ctx context.Context) *models.Reactions {
	return models.NewReactions(o.db.WithContext(ctx))
}

func (o *Outbox) deliverTo(ctx context.Context, sender *models.Actor, activity map[string]any, recipient *models.Actor) error {
	if recipient.IsLocal() {
		return nil
	}
	_, err := o.deliverer.Deliver(ctx, sender, activity, []Recipient{RecipientOf(recipient)})
	return err
}

// Follow asks actor to follow target. Remote and locked targets get a
// pending request until they accept.
func (o *Outbox) Follow(ctx context.Context, actor, target *models.Actor) error {
	if actor.ID == target.ID {
		return fmt.Errorf("%s cannot follow itself: %w", actor.URI, ErrForbidden)
	}
	follows := o.follows(ctx)
	edge, err := follows.FindEdge(actor.ID, target.ID)
	if err != nil || edge != nil {
		return err
	}
	follow := activities.Follow(actor, target)
	id := stringFromAny(follow["id"])
	if target.IsLocal() && !target.Locked {
		_, err := follows.CreateEdge(actor, target, id)
		return err
	}
	req, err := follows.CreateRequest(actor, target, id)
	if err != nil {
		return err
	}
	if req.URI != id {
		// already pending, resend the original.
		follow = activities.FollowWithID(req.URI, actor, target)
	}
	return o.deliverTo(ctx, actor, follow, target)
}

// Unfollow withdraws actor's follow, or pending follow request, of target.
func (o *Outbox) Unfollow(ctx context.Context, actor, target *models.Actor) error {
	follows := o.follows(ctx)
	var followID string
	if edge, err := follows.FindEdge(actor.ID, target.ID); err != nil {
		return err
	} else if edge != nil {
		followID = edge.URI
	}
	if req, err := follows.FindRequest(actor.ID, target.ID); err != nil {
		return err
	} else if req != nil {
		followID = req.URI
	}
	if followID == "" {
		return nil
	}
	if _, err := follows.DeleteEdge(actor.ID, target.ID); err != nil {
		return err
	}
	if _, err := follows.DeleteRequest(actor.ID, target.ID); err != nil {
		return err
	}
	return o.deliverTo(ctx, actor, activities.Unfollow(followID, actor, target), target)
}

// AcceptRequest accepts follower's pending request to follow actor.
func (o *Outbox) AcceptRequest(ctx context.Context, actor, follower *models.Actor) error {
	follows := o.follows(ctx)
	req, err := follows.FindRequest(follower.ID, actor.ID)
	if err != nil {
		return err
	}
	if req == nil {
		return fmt.Errorf("follow request from %s: %w", follower.URI, ErrNotFound)
	}
	if _, err := follows.CreateEdge(follower, actor, req.URI); err != nil {
		return err
	}
	return o.deliverTo(ctx, actor, activities.Accept(actor, activities.FollowWithID(req.URI, follower, actor)), follower)
}

// RejectRequest rejects follower's pending request to follow actor.
func (o *Outbox) RejectRequest(ctx context.Context, actor, follower *models.Actor) error {
	follows := o.follows(ctx)
	req, err := follows.FindRequest(follower.ID, actor.ID)
	if err != nil {
		return err
	}
	if req == nil {
		return fmt.Errorf("follow request from %s: %w", follower.URI, ErrNotFound)
	}
	if _, err := follows.DeleteRequest(follower.ID, actor.ID); err != nil {
		return err
	}
	return o.deliverTo(ctx, actor, activities.Reject(actor, activities.FollowWithID(req.URI, follower, actor)), follower)
}

// PublishOptions are the optional properties of a new note.
type PublishOptions struct {
	Visibility models.Visibility
	// InReplyTo is the URI of the note being replied to.
	InReplyTo string
	Summary   string
	Sensitive bool
	// Mentions are the URIs of mentioned actors.
	Mentions []string
}

// Publish creates a note from markdown text and delivers it to the
// author's followers and the mentioned actors.
func (o *Outbox) Publish(ctx context.Context, author *models.Actor, text string, opts PublishOptions) (*models.Note, error) {
	var buf bytes.Buffer
	if err := o.markdown.Convert([]byte(text), &buf); err != nil {
		return nil, err
	}
	if opts.Visibility == "" {
		opts.Visibility = models.VisibilityPublic
	}
	now := time.Now()
	id := snowflake.TimeToID(now)
	note := &models.Note{
		ID:           id,
		URI:          fmt.Sprintf("https://%s/notes/%s", o.domain, id),
		ActorID:      author.ID,
		InReplyToURI: opts.InReplyTo,
		Visibility:   opts.Visibility,
		Sensitive:    opts.Sensitive,
		Summary:      opts.Summary,
		Content:      strings.TrimSpace(buf.String()),
		Text:         text,
		Mentions:     opts.Mentions,
		Tags:         hashtags(text),
		PublishedAt:  now,
	}
	notes := o.notes(ctx)
	if opts.InReplyTo != "" {
		parent, err := notes.FindByURI(opts.InReplyTo)
		if err != nil {
			return nil, err
		}
		if parent != nil {
			note.InReplyToID = &parent.ID
		}
	}
	note, err := notes.Create(note)
	if err != nil {
		return nil, err
	}
	return note, o.deliverNote(ctx, author, note, activities.Create(author, note))
}

// deliverNote delivers an activity about note to its audience.
func (o *Outbox) deliverNote(ctx context.Context, author *models.Actor, note *models.Note, activity map[string]any) error {
	var recipients []Recipient
	if note.Visibility != models.VisibilitySpecified {
		edges, err := o.follows(ctx).RemoteFollowers(author)
		if err != nil {
			return err
		}
		for _, edge := range edges {
			recipients = append(recipients, Recipient{Inbox: edge.FollowerInbox, SharedInbox: edge.FollowerSharedInbox})
		}
	}
	for _, uri := range note.Mentions {
		actor, err := o.resolver.FindOrFetch(ctx, uri)
		if err != nil {
			o.logger.Info("skipping mention", "actor", uri, "error", err)
			continue
		}
		recipients = append(recipients, RecipientOf(actor))
	}
	_, err := o.deliverer.Deliver(ctx, author, activity, recipients)
	return err
}

// hashtags returns the lowercased #tags in text.
func hashtags(text string) []string {
	var tags []string
	for _, word := range strings.Fields(text) {
		if !strings.HasPrefix(word, "#") {
			continue
		}
		tag := strings.ToLower(strings.TrimRightFunc(word[1:], func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
		}))
		if tag != "" && !algorithms.Contains(tags, tag) {
			tags = append(tags, tag)
		}
	}
	return tags
}

// DeleteNote deletes author's note and tells its audience.
func (o *Outbox) DeleteNote(ctx context.Context, author *models.Actor, note *models.Note) error {
	if note.ActorID != author.ID {
		return fmt.Errorf("%s cannot delete note %s: %w", author.URI, note.URI, ErrForbidden)
	}
	if _, err := o.notes(ctx).Delete(note); err != nil {
		return err
	}
	return o.deliverNote(ctx, author, note, activities.DeleteNote(author, note))
}

func (o *Outbox) author(ctx context.Context, note *models.Note) (*models.Actor, error) {
	author, err := models.NewActors(o.db.WithContext(ctx)).FindByID(note.ActorID)
	if err != nil {
		return nil, err
	}
	if author == nil {
		return nil, fmt.Errorf("author of %s: %w", note.URI, ErrNotFound)
	}
	return author, nil
}

// Like reacts to note on behalf of actor.
func (o *Outbox) Like(ctx context.Context, actor *models.Actor, note *models.Note, content string) error {
	author, err := o.author(ctx, note)
	if err != nil {
		return err
	}
	like := activities.Like(actor, note, content)
	if content == "" {
		content = DefaultReaction
	}
	reaction, err := o.reactions(ctx).Create(actor, note, stringFromAny(like["id"]), content)
	if err != nil {
		return err
	}
	if reaction.URI != like["id"] {
		// already reacted.
		return nil
	}
	return o.deliverTo(ctx, actor, like, author)
}

// Unlike removes actor's reaction to note.
func (o *Outbox) Unlike(ctx context.Context, actor *models.Actor, note *models.Note) error {
	reactions := o.reactions(ctx)
	reaction, err := reactions.Find(actor.ID, note.ID)
	if err != nil || reaction == nil {
		return err
	}
	author, err := o.author(ctx, note)
	if err != nil {
		return err
	}
	if _, err := reactions.Delete(actor.ID, note.ID); err != nil {
		return err
	}
	return o.deliverTo(ctx, actor, activities.Unlike(reaction.URI, actor, note), author)
}

// Announce boosts note on behalf of actor.
func (o *Outbox) Announce(ctx context.Context, actor *models.Actor, note *models.Note) error {
	author, err := o.author(ctx, note)
	if err != nil {
		return err
	}
	notes := o.notes(ctx)
	if renote, err := notes.FindRenote(actor.ID, note.ID); err != nil || renote != nil {
		return err
	}
	announce := activities.Announce(actor, note, author)
	if _, err := notes.CreateRenote(actor, note, stringFromAny(announce["id"])); err != nil {
		return err
	}
	return o.deliverBoost(ctx, actor, author, announce)
}

// Unannounce removes actor's boost of note.
func (o *Outbox) Unannounce(ctx context.Context, actor *models.Actor, note *models.Note) error {
	notes := o.notes(ctx)
	renote, err := notes.FindRenote(actor.ID, note.ID)
	if err != nil || renote == nil {
		return err
	}
	author, err := o.author(ctx, note)
	if err != nil {
		return err
	}
	if _, err := notes.DeleteRenote(renote); err != nil {
		return err
	}
	return o.deliverBoost(ctx, actor, author, activities.Unannounce(renote.URI, actor, note, author))
}

func (o *Outbox) deliverBoost(ctx context.Context, actor, author *models.Actor, activity map[string]any) error {
	edges, err := o.follows(ctx).RemoteFollowers(actor)
	if err != nil {
		return err
	}
	var recipients []Recipient
	for _, edge := range edges {
		recipients = append(recipients, Recipient{Inbox: edge.FollowerInbox, SharedInbox: edge.FollowerSharedInbox})
	}
	if author.IsRemote() {
		recipients = append(recipients, RecipientOf(author))
	}
	_, err = o.deliverer.Deliver(ctx, actor, activity, recipients)
	return err
}

// UpdateActor tells actor's followers that its profile changed.
func (o *Outbox) UpdateActor(ctx context.Context, actor *models.Actor) error {
	_, err := o.deliverer.DeliverToFollowers(ctx, actor, activities.Update(actor, actorToDocument(actor)))
	return err
}

// Move moves actor to target. target must already list actor in its
// alsoKnownAs.
func (o *Outbox) Move(ctx context.Context, actor, target *models.Actor) error {
	if target.IsRemote() {
		var err error
		if target, err = o.resolver.Refresh(ctx, target.URI); err != nil {
			return err
		}
	}
	if !target.KnownAs(actor.URI) {
		return fmt.Errorf("%s does not list %s in alsoKnownAs: %w", target.URI, actor.URI, ErrForbidden)
	}
	if err := o.db.WithContext(ctx).Model(actor).Update("moved_to", target.URI).Error; err != nil {
		return err
	}
	_, err := o.deliverer.DeliverToFollowers(ctx, actor, activities.Move(actor, target))
	return err
}

// DeleteActor tells actor's followers it is gone, then suspends it and
// removes its relationships. The row is kept so queued deliveries can
// still be signed.
func (o *Outbox) DeleteActor(ctx context.Context, actor *models.Actor) error {
	if _, err := o.deliverer.DeliverToFollowers(ctx, actor, activities.DeleteActor(actor)); err != nil {
		return err
	}
	if err := o.db.WithContext(ctx).Model(actor).Update("suspended", true).Error; err != nil {
		return err
	}
	return models.NewActors(o.db.WithContext(ctx)).MarkGone(actor)
}
