package activitypub

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/davecheney/courier/internal/algorithms"
	"github.com/davecheney/courier/internal/snowflake"
	"github.com/davecheney/courier/models"
	"golang.org/x/net/html"
)

func (p *Processor) processCreate(ctx context.Context, act *Create) error {
	obj := act.Object.Embedded
	if obj == nil {
		var err error
		if obj, err = p.resolver.FetchObject(ctx, act.Object.URI); err != nil {
			return err
		}
	}
	_, err := p.createNote(ctx, act.Actor, obj)
	return err
}

// createNote stores the note described by obj, which must be attributed
// to actor. A note that is already stored is returned unchanged.
func (p *Processor) createNote(ctx context.Context, actor string, obj map[string]any) (*models.Note, error) {
	switch typ := stringFromAny(obj["type"]); typ {
	case "Note", "Question", "Article", "Page":
		// ok
	default:
		return nil, fmt.Errorf("create %q: %w", typ, ErrUnsupported)
	}
	uri := stringFromAny(obj["id"])
	if uri == "" {
		return nil, fmt.Errorf("note has no id: %w", ErrMalformed)
	}

	notes := p.notes(ctx)
	existing, err := notes.FindByURI(uri)
	if err != nil || existing != nil {
		return existing, err
	}

	attributedTo := idFromAny(obj["attributedTo"])
	if attributedTo == "" {
		attributedTo = actor
	}
	if attributedTo != actor {
		return nil, fmt.Errorf("%s cannot create a note attributed to %s: %w", actor, attributedTo, ErrForbidden)
	}
	if hostOf(uri) != hostOf(attributedTo) {
		return nil, fmt.Errorf("note %s is not hosted by %s: %w", uri, attributedTo, ErrForbidden)
	}
	author, err := p.resolver.FindOrFetch(ctx, attributedTo)
	if err != nil {
		return nil, err
	}

	published, updated := publishedAndUpdated(obj)
	if published.IsZero() {
		published = time.Now()
	}
	content := stringFromAny(obj["content"])
	note := &models.Note{
		ID:           snowflake.TimeToID(published),
		URI:          uri,
		ActorID:      author.ID,
		InReplyToURI: idFromAny(obj["inReplyTo"]),
		Visibility:   visibility(stringsFromAny(obj["to"]), stringsFromAny(obj["cc"]), author.FollowersURL),
		Sensitive:    boolFromAny(obj["sensitive"]),
		Summary:      stringFromAny(obj["summary"]),
		Content:      content,
		Text:         textFromHTML(content),
		Attachments:  attachmentsFromAny(obj["attachment"]),
		PublishedAt:  published,
	}
	if updated.After(published) {
		note.EditedAt = updated
	}
	note.Mentions, note.Tags = mentionsAndTags(obj["tag"])

	if note.InReplyToURI != "" {
		parent, err := notes.FindByURI(note.InReplyToURI)
		if err != nil {
			return nil, err
		}
		if parent != nil {
			note.InReplyToID = &parent.ID
		}
	}
	return notes.Create(note)
}

// visibility derives the visibility of a note from its addressing.
// Notes addressed to neither the public nor the author's followers are
// direct messages.
func visibility(to, cc []string, followers string) models.Visibility {
	switch {
	case algorithms.Contains(to, Public):
		return models.VisibilityPublic
	case algorithms.Contains(cc, Public):
		return models.VisibilityHome
	case addressesFollowers(to, followers) || addressesFollowers(cc, followers):
		return models.VisibilityFollowers
	default:
		return models.VisibilitySpecified
	}
}

func addressesFollowers(addrs []string, followers string) bool {
	for _, addr := range addrs {
		if (followers != "" && addr == followers) || strings.HasSuffix(addr, "/followers") {
			return true
		}
	}
	return false
}

// mentionsAndTags returns the mentioned actor URIs and the lowercased
// hashtags of a tag property.
func mentionsAndTags(v any) ([]string, []string) {
	var mentions, tags []string
	for _, t := range algorithms.Map(anyToSlice(v), mapFromAny) {
		switch t["type"] {
		case "Mention":
			if href := stringFromAny(t["href"]); href != "" {
				mentions = append(mentions, href)
			}
		case "Hashtag":
			if name := strings.ToLower(strings.TrimLeft(stringFromAny(t["name"]), "#")); name != "" {
				tags = append(tags, name)
			}
		}
	}
	return mentions, tags
}

func attachmentsFromAny(v any) []*models.Attachment {
	return algorithms.Map(
		algorithms.Filter(
			algorithms.Map(anyToSlice(v), mapFromAny),
			isMedia,
		),
		objToAttachment,
	)
}

func isMedia(obj map[string]any) bool {
	switch obj["type"] {
	case "Document", "Image":
		return urlFromAny(obj["url"]) != ""
	default:
		return false
	}
}

func objToAttachment(obj map[string]any) *models.Attachment {
	return &models.Attachment{
		ID:        snowflake.Now(),
		URL:       urlFromAny(obj["url"]),
		MediaType: stringFromAny(obj["mediaType"]),
		Name:      stringFromAny(obj["name"]),
		Blurhash:  stringFromAny(obj["blurhash"]),
		Width:     intFromAny(obj["width"]),
		Height:    intFromAny(obj["height"]),
	}
}

func intFromAny(v any) int {
	switch v := v.(type) {
	case int:
		return v
	case float64:
		// shakes fist at json number type
		return int(v)
	}
	return 0
}

// textFromHTML returns the text of an HTML fragment, with paragraphs and
// line breaks as newlines.
func textFromHTML(s string) string {
	if s == "" {
		return ""
	}
	var sb strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(sb.String())
		case html.TextToken:
			sb.Write(z.Text())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "br":
				sb.WriteByte('\n')
			case "p":
				if sb.Len() > 0 {
					sb.WriteString("\n\n")
				}
			}
		}
	}
}
