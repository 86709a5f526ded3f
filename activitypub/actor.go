package activitypub

import (
	"fmt"
	"time"

	"github.com/davecheney/courier/internal/snowflake"
	"github.com/davecheney/courier/models"
)

// actorFromDocument converts a fetched actor document into an Actor.
func actorFromDocument(obj map[string]any) (*models.Actor, error) {
	uri := stringFromAny(obj["id"])
	if uri == "" {
		return nil, fmt.Errorf("actor document has no id: %w", ErrMalformed)
	}
	host := hostOf(uri)
	if host == "" {
		return nil, fmt.Errorf("actor id %q has no host: %w", uri, ErrMalformed)
	}
	typ := stringFromAny(obj["type"])
	switch typ {
	case "Person", "Service", "Group", "Application", "Organization":
		// ok
	default:
		return nil, fmt.Errorf("actor %q has type %q: %w", uri, typ, ErrUnsupported)
	}
	inbox := stringFromAny(obj["inbox"])
	if inbox == "" {
		return nil, fmt.Errorf("actor %q has no inbox: %w", uri, ErrMalformed)
	}

	sharedInbox := stringFromAny(mapFromAny(obj["endpoints"])["sharedInbox"])
	if sharedInbox == "" {
		sharedInbox = stringFromAny(obj["sharedInbox"])
	}

	publicKey := mapFromAny(obj["publicKey"])
	published := timeFromAnyOrZero(obj["published"])
	if published.IsZero() {
		published = time.Now()
	}
	_, updated := publishedAndUpdated(obj)

	name := stringFromAny(obj["preferredUsername"])
	if name == "" {
		name = stringFromAny(obj["name"])
	}

	return &models.Actor{
		ID:              snowflake.TimeToID(published),
		URI:             uri,
		Type:            models.ActorType(typ),
		Name:            name,
		Domain:          host,
		DisplayName:     stringFromAny(obj["name"]),
		Note:            stringFromAny(obj["summary"]),
		Avatar:          urlFromAny(obj["icon"]),
		Header:          urlFromAny(obj["image"]),
		InboxURL:        inbox,
		SharedInboxURL:  sharedInbox,
		OutboxURL:       stringFromAny(obj["outbox"]),
		FollowersURL:    stringFromAny(obj["followers"]),
		FollowingURL:    stringFromAny(obj["following"]),
		KeyID:           stringFromAny(publicKey["id"]),
		PublicKey:       []byte(stringFromAny(publicKey["publicKeyPem"])),
		Locked:          boolFromAny(obj["manuallyApprovesFollowers"]),
		MovedTo:         idFromAny(obj["movedTo"]),
		AlsoKnownAs:     stringsFromAny(obj["alsoKnownAs"]),
		RemoteUpdatedAt: updated,
	}, nil
}

// actorToDocument returns the ActivityPub representation of a local actor.
func actorToDocument(a *models.Actor) map[string]any {
	doc := map[string]any{
		"@context": []any{
			contextURI,
			"https://w3id.org/security/v1",
		},
		"id":                        a.URI,
		"type":                      a.ActorType(),
		"preferredUsername":         a.Name,
		"name":                      a.DisplayName,
		"summary":                   a.Note,
		"inbox":                     a.InboxURL,
		"outbox":                    a.OutboxURL,
		"followers":                 a.FollowersURL,
		"following":                 a.FollowingURL,
		"manuallyApprovesFollowers": a.Locked,
		"published":                 a.CreatedAt.UTC().Format(time.RFC3339),
		"publicKey": map[string]any{
			"id":           a.PublicKeyID(),
			"owner":        a.URI,
			"publicKeyPem": string(a.PublicKey),
		},
	}
	if a.SharedInboxURL != "" {
		doc["endpoints"] = map[string]any{
			"sharedInbox": a.SharedInboxURL,
		}
	}
	if a.Avatar != "" {
		doc["icon"] = map[string]any{"type": "Image", "url": a.Avatar}
	}
	if a.Header != "" {
		doc["image"] = map[string]any{"type": "Image", "url": a.Header}
	}
	if len(a.AlsoKnownAs) > 0 {
		doc["alsoKnownAs"] = []string(a.AlsoKnownAs)
	}
	if a.MovedTo != "" {
		doc["movedTo"] = a.MovedTo
	}
	return doc
}
