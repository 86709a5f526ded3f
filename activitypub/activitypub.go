// Package activitypub applies inbound activities, resolves remote actors
// and queues outbound activities for delivery.
package activitypub

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/davecheney/courier/internal/clock"
	"github.com/davecheney/courier/internal/guard"
	"github.com/davecheney/courier/internal/httpsig"
	"github.com/davecheney/courier/models"
)

const (
	// Public is the special collection addressing everyone.
	Public = "https://www.w3.org/ns/activitystreams#Public"

	contextURI = "https://www.w3.org/ns/activitystreams"
)

var (
	// ErrNotFound is returned when an activity refers to something that
	// does not exist here or cannot be fetched. It is not retried.
	ErrNotFound = errors.New("not found")

	// ErrMalformed is returned for activities missing required fields.
	ErrMalformed = errors.New("malformed activity")

	// ErrForbidden is returned when the sender may not perform the activity.
	ErrForbidden = errors.New("forbidden")

	// ErrUnsupported is returned for activity or object types this server ignores.
	ErrUnsupported = errors.New("unsupported activity")
)

// Permanent reports whether err should not be retried.
func Permanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrMalformed) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrUnsupported)
}

// Env is the environment of the ActivityPub HTTP handlers.
type Env struct {
	*models.Env
	Resolver *Resolver
	Admitter guard.Admitter
	Replay   *guard.Replay
	Verifier *httpsig.Verifier
	Clock    clock.Clock
}

func boolFromAny(v any) bool {
	b, _ := v.(bool)
	return b
}

func stringFromAny(v any) string {
	s, _ := v.(string)
	return s
}

func mapFromAny(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func timeFromAnyOrZero(v any) time.Time {
	switch v := v.(type) {
	case string:
		t, _ := time.Parse(time.RFC3339, v)
		return t
	case time.Time:
		return v
	default:
		return time.Time{}
	}
}

func anyToSlice(v any) []any {
	switch v := v.(type) {
	case []any:
		return v
	case nil:
		return nil
	default:
		return []any{v}
	}
}

// stringsFromAny returns the strings of a property that may be a single
// string or an array of strings.
func stringsFromAny(v any) []string {
	var s []string
	for _, item := range anyToSlice(v) {
		if str, ok := item.(string); ok && str != "" {
			s = append(s, str)
		}
	}
	return s
}

// idFromAny returns the id of a property that is either a URI or an
// embedded object.
func idFromAny(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case map[string]any:
		return stringFromAny(v["id"])
	default:
		return ""
	}
}

// urlFromAny returns the url of an icon or image property, which may be
// a bare string, a Link or an Image object.
func urlFromAny(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case map[string]any:
		if href := stringFromAny(v["href"]); href != "" {
			return href
		}
		return urlFromAny(v["url"])
	case []any:
		if len(v) > 0 {
			return urlFromAny(v[0])
		}
	}
	return ""
}

// publishedAndUpdated returns the published and updated times of obj.
// updated defaults to published when missing or invalid.
func publishedAndUpdated(obj map[string]any) (time.Time, time.Time) {
	published := timeFromAnyOrZero(obj["published"])
	updated := timeFromAnyOrZero(obj["updated"])
	if updated.IsZero() {
		updated = published
	}
	return published, updated
}

// trimKeyId removes the #main-key suffix from the key id.
func trimKeyId(id string) string {
	if i := strings.Index(id, "#"); i != -1 {
		return id[:i]
	}
	return id
}

// hostOf returns the host of uri, or the empty string.
func hostOf(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return u.Host
}
