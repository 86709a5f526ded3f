package activitypub

import (
	"fmt"
	"time"
)

// Activity is an inbound activity. The concrete types are Follow,
// Accept, Reject, Undo, Create, Update, Delete, Announce, Like and Move.
type Activity interface {
	// Header returns the fields common to every activity.
	Header() *Base

	kind() string
}

// Base holds the fields common to every activity.
type Base struct {
	ID        string
	Actor     string
	Published time.Time
	To        []string
	CC        []string
	// Raw is the activity as received.
	Raw map[string]any
}

func (b *Base) Header() *Base { return b }

// ObjectRef is the object of an activity, either a bare URI or an
// embedded object.
type ObjectRef struct {
	URI      string
	Embedded map[string]any
}

// Type returns the type of the embedded object, or the empty string.
func (o ObjectRef) Type() string {
	return stringFromAny(o.Embedded["type"])
}

func objectRef(v any) ObjectRef {
	switch v := v.(type) {
	case string:
		return ObjectRef{URI: v}
	case map[string]any:
		return ObjectRef{URI: stringFromAny(v["id"]), Embedded: v}
	default:
		return ObjectRef{}
	}
}

type Follow struct {
	Base
	// Object is the actor being followed.
	Object string
}

type Accept struct {
	Base
	// Object is the Follow being accepted.
	Object ObjectRef
}

type Reject struct {
	Base
	// Object is the Follow being rejected.
	Object ObjectRef
}

type Undo struct {
	Base
	// Object is the activity being undone.
	Object ObjectRef
}

type Create struct {
	Base
	Object ObjectRef
}

type Update struct {
	Base
	Object ObjectRef
}

type Delete struct {
	Base
	Object ObjectRef
}

type Announce struct {
	Base
	// Object is the note being announced.
	Object ObjectRef
}

// Like is a Like or an EmojiReact.
type Like struct {
	Base
	// Object is the note being liked.
	Object string
	// Content is the reaction, an emoji or :shortcode:.
	Content string
}

type Move struct {
	Base
	// Object is the actor that moved.
	Object string
	// Target is the actor it moved to.
	Target string
}

func (*Follow) kind() string   { return "Follow" }
func (*Accept) kind() string   { return "Accept" }
func (*Reject) kind() string   { return "Reject" }
func (*Undo) kind() string     { return "Undo" }
func (*Create) kind() string   { return "Create" }
func (*Update) kind() string   { return "Update" }
func (*Delete) kind() string   { return "Delete" }
func (*Announce) kind() string { return "Announce" }
func (*Like) kind() string     { return "Like" }
func (*Move) kind() string     { return "Move" }

// DefaultReaction is the content of a Like that carries none.
const DefaultReaction = "❤️"

// Parse converts a decoded activity into its concrete type. Activities
// missing a type, actor or object are ErrMalformed, activity types this
// server does not handle are ErrUnsupported.
func Parse(body map[string]any) (Activity, error) {
	typ := stringFromAny(body["type"])
	if typ == "" {
		return nil, fmt.Errorf("missing type: %w", ErrMalformed)
	}
	actor := idFromAny(body["actor"])
	if actor == "" {
		return nil, fmt.Errorf("%s: missing actor: %w", typ, ErrMalformed)
	}
	object := objectRef(body["object"])
	if object.URI == "" && object.Embedded == nil {
		return nil, fmt.Errorf("%s: missing object: %w", typ, ErrMalformed)
	}
	base := Base{
		ID:        stringFromAny(body["id"]),
		Actor:     actor,
		Published: timeFromAnyOrZero(body["published"]),
		To:        stringsFromAny(body["to"]),
		CC:        stringsFromAny(body["cc"]),
		Raw:       body,
	}

	switch typ {
	case "Follow":
		if object.URI == "" {
			return nil, fmt.Errorf("Follow: object has no id: %w", ErrMalformed)
		}
		return &Follow{Base: base, Object: object.URI}, nil
	case "Accept":
		return &Accept{Base: base, Object: object}, nil
	case "Reject":
		return &Reject{Base: base, Object: object}, nil
	case "Undo":
		return &Undo{Base: base, Object: object}, nil
	case "Create":
		return &Create{Base: base, Object: object}, nil
	case "Update":
		return &Update{Base: base, Object: object}, nil
	case "Delete":
		return &Delete{Base: base, Object: object}, nil
	case "Announce":
		if object.URI == "" {
			return nil, fmt.Errorf("Announce: object has no id: %w", ErrMalformed)
		}
		return &Announce{Base: base, Object: object}, nil
	case "Like", "EmojiReact":
		if object.URI == "" {
			return nil, fmt.Errorf("%s: object has no id: %w", typ, ErrMalformed)
		}
		return &Like{Base: base, Object: object.URI, Content: reactionContent(body)}, nil
	case "Move":
		target := idFromAny(body["target"])
		if object.URI == "" || target == "" {
			return nil, fmt.Errorf("Move: missing object or target: %w", ErrMalformed)
		}
		return &Move{Base: base, Object: object.URI, Target: target}, nil
	default:
		return nil, fmt.Errorf("%s: %w", typ, ErrUnsupported)
	}
}

// reactionContent returns the reaction carried by a Like or EmojiReact.
func reactionContent(body map[string]any) string {
	if content := stringFromAny(body["_misskey_reaction"]); content != "" {
		return content
	}
	if content := stringFromAny(body["content"]); content != "" {
		return content
	}
	return DefaultReaction
}
