// Package activities builds outbound ActivityPub activities.
package activities

import (
	"strings"
	"time"

	"github.com/davecheney/courier/models"
	"github.com/google/uuid"
)

const (
	FOLLOW   = "Follow"
	ACCEPT   = "Accept"
	REJECT   = "Reject"
	UNDO     = "Undo"
	CREATE   = "Create"
	UPDATE   = "Update"
	DELETE   = "Delete"
	ANNOUNCE = "Announce"
	LIKE     = "Like"
	MOVE     = "Move"

	// Public is the special collection addressing everyone.
	Public = "https://www.w3.org/ns/activitystreams#Public"

	contextURI = "https://www.w3.org/ns/activitystreams"
)

// newID returns a new activity id under the actor's URI.
func newID(actor *models.Actor, collection string) string {
	return actor.URI + "/" + collection + "/" + uuid.New().String()
}

func published() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Follow returns a Follow of object by actor with a new id.
func Follow(actor, object *models.Actor) map[string]any {
	return FollowWithID(newID(actor, "follows"), actor, object)
}

// FollowWithID returns a Follow of object by actor with the given id,
// used to reconstruct a Follow for an Undo.
func FollowWithID(id string, actor, object *models.Actor) map[string]any {
	return map[string]any{
		"@context": contextURI,
		"id":       id,
		"type":     FOLLOW,
		"actor":    actor.URI,
		"object":   object.URI,
	}
}

// Unfollow returns an Undo of the Follow with the given id.
func Unfollow(followID string, actor, object *models.Actor) map[string]any {
	follow := FollowWithID(followID, actor, object)
	delete(follow, "@context")
	return Undo(actor, follow)
}

// Accept returns an Accept of a Follow of actor.
func Accept(actor *models.Actor, follow map[string]any) map[string]any {
	return respond(ACCEPT, "accepts", actor, follow)
}

// Reject returns a Reject of a Follow of actor.
func Reject(actor *models.Actor, follow map[string]any) map[string]any {
	return respond(REJECT, "rejects", actor, follow)
}

func respond(typ, collection string, actor *models.Actor, follow map[string]any) map[string]any {
	object := make(map[string]any, len(follow))
	for k, v := range follow {
		if k != "@context" {
			object[k] = v
		}
	}
	resp := map[string]any{
		"@context": contextURI,
		"id":       newID(actor, collection),
		"type":     typ,
		"actor":    actor.URI,
		"object":   object,
	}
	if follower, ok := follow["actor"].(string); ok {
		resp["to"] = []any{follower}
	}
	return resp
}

// Undo returns an Undo of the given activity, which must have been sent by actor.
func Undo(actor *models.Actor, activity map[string]any) map[string]any {
	undo := map[string]any{
		"@context": contextURI,
		"id":       newID(actor, "undos"),
		"type":     UNDO,
		"actor":    actor.URI,
		"object":   activity,
	}
	for _, k := range []string{"to", "cc"} {
		if v, ok := activity[k]; ok {
			undo[k] = v
		}
	}
	return undo
}

// Like returns a Like of note by actor. Content, when not empty, is sent
// as the reaction.
func Like(actor *models.Actor, note *models.Note, content string) map[string]any {
	return LikeWithID(newID(actor, "likes"), actor, note, content)
}

// LikeWithID returns a Like with the given id.
func LikeWithID(id string, actor *models.Actor, note *models.Note, content string) map[string]any {
	like := map[string]any{
		"@context": contextURI,
		"id":       id,
		"type":     LIKE,
		"actor":    actor.URI,
		"object":   note.URI,
	}
	if content != "" {
		like["content"] = content
		like["_misskey_reaction"] = content
	}
	return like
}

// Unlike returns an Undo of the Like with the given id.
func Unlike(likeID string, actor *models.Actor, note *models.Note) map[string]any {
	like := LikeWithID(likeID, actor, note, "")
	delete(like, "@context")
	return Undo(actor, like)
}

// Announce returns an Announce of note, written by author, by actor.
func Announce(actor *models.Actor, note *models.Note, author *models.Actor) map[string]any {
	return AnnounceWithID(newID(actor, "announces"), actor, note, author)
}

// AnnounceWithID returns an Announce with the given id.
func AnnounceWithID(id string, actor *models.Actor, note *models.Note, author *models.Actor) map[string]any {
	return map[string]any{
		"@context":  contextURI,
		"id":        id,
		"type":      ANNOUNCE,
		"actor":     actor.URI,
		"published": published(),
		"to":        []any{Public},
		"cc":        []any{author.URI, actor.FollowersURL},
		"object":    note.URI,
	}
}

// Unannounce returns an Undo of the Announce with the given id.
func Unannounce(announceID string, actor *models.Actor, note *models.Note, author *models.Actor) map[string]any {
	announce := AnnounceWithID(announceID, actor, note, author)
	delete(announce, "@context")
	return Undo(actor, announce)
}

// Create returns a Create of note by its author.
func Create(author *models.Actor, note *models.Note) map[string]any {
	object := Note(author, note)
	return map[string]any{
		"@context":  contextURI,
		"id":        note.URI + "/activity",
		"type":      CREATE,
		"actor":     author.URI,
		"published": object["published"],
		"to":        object["to"],
		"cc":        object["cc"],
		"object":    object,
	}
}

// DeleteNote returns a Delete of note, replacing it with a Tombstone.
func DeleteNote(author *models.Actor, note *models.Note) map[string]any {
	to, cc := addressing(author, note)
	return map[string]any{
		"@context": contextURI,
		"id":       note.URI + "#delete",
		"type":     DELETE,
		"actor":    author.URI,
		"to":       to,
		"cc":       cc,
		"object": map[string]any{
			"id":   note.URI,
			"type": "Tombstone",
		},
	}
}

// DeleteActor returns a Delete of actor by itself.
func DeleteActor(actor *models.Actor) map[string]any {
	return map[string]any{
		"@context": contextURI,
		"id":       actor.URI + "#delete",
		"type":     DELETE,
		"actor":    actor.URI,
		"to":       []any{Public},
		"object":   actor.URI,
	}
}

// Update returns an Update of actor's profile; document is the actor's
// ActivityPub representation.
func Update(actor *models.Actor, document map[string]any) map[string]any {
	object := make(map[string]any, len(document))
	for k, v := range document {
		if k != "@context" {
			object[k] = v
		}
	}
	object["updated"] = published()
	return map[string]any{
		"@context": contextURI,
		"id":       newID(actor, "updates"),
		"type":     UPDATE,
		"actor":    actor.URI,
		"to":       []any{Public},
		"cc":       []any{actor.FollowersURL},
		"object":   object,
	}
}

// Move returns a Move of actor to target.
func Move(actor, target *models.Actor) map[string]any {
	return map[string]any{
		"@context": contextURI,
		"id":       newID(actor, "moves"),
		"type":     MOVE,
		"actor":    actor.URI,
		"to":       []any{actor.FollowersURL},
		"object":   actor.URI,
		"target":   target.URI,
	}
}

// Note returns the ActivityPub representation of note.
func Note(author *models.Actor, note *models.Note) map[string]any {
	to, cc := addressing(author, note)
	obj := map[string]any{
		"id":           note.URI,
		"type":         "Note",
		"attributedTo": author.URI,
		"content":      note.Content,
		"sensitive":    note.Sensitive,
		"published":    note.PublishedAt.UTC().Format(time.RFC3339),
		"to":           to,
		"cc":           cc,
	}
	if note.Summary != "" {
		obj["summary"] = note.Summary
	}
	if note.InReplyToURI != "" {
		obj["inReplyTo"] = note.InReplyToURI
	}
	if !note.EditedAt.IsZero() {
		obj["updated"] = note.EditedAt.UTC().Format(time.RFC3339)
	}
	var tags []any
	for _, mention := range note.Mentions {
		tags = append(tags, map[string]any{"type": "Mention", "href": mention})
	}
	for _, tag := range note.Tags {
		tags = append(tags, map[string]any{"type": "Hashtag", "name": "#" + strings.TrimPrefix(tag, "#")})
	}
	if len(tags) > 0 {
		obj["tag"] = tags
	}
	var attachments []any
	for _, att := range note.Attachments {
		attachments = append(attachments, map[string]any{
			"type":      "Document",
			"mediaType": att.MediaType,
			"url":       att.URL,
			"name":      att.Name,
		})
	}
	if len(attachments) > 0 {
		obj["attachment"] = attachments
	}
	return obj
}

// addressing returns the to and cc of note according to its visibility.
func addressing(author *models.Actor, note *models.Note) ([]any, []any) {
	mentions := make([]any, 0, len(note.Mentions))
	for _, m := range note.Mentions {
		mentions = append(mentions, m)
	}
	switch note.Visibility {
	case models.VisibilityPublic:
		return []any{Public}, append([]any{author.FollowersURL}, mentions...)
	case models.VisibilityHome:
		return []any{author.FollowersURL}, append([]any{Public}, mentions...)
	case models.VisibilityFollowers:
		return []any{author.FollowersURL}, mentions
	default:
		return mentions, []any{}
	}
}
