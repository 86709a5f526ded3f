package activitypub

import (
	"context"
	"errors"
	"fmt"

	"github.com/davecheney/courier/internal/algorithms"
	"github.com/davecheney/courier/internal/clock"
	"github.com/davecheney/courier/models"
	"github.com/go-json-experiment/json"
	"golang.org/x/exp/slog"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Recipient is a destination for an activity.
type Recipient struct {
	Inbox       string
	SharedInbox string
}

// RecipientOf returns the recipient for actor.
func RecipientOf(actor *models.Actor) Recipient {
	return Recipient{Inbox: actor.InboxURL, SharedInbox: actor.SharedInboxURL}
}

// Deliverer queues outbound activities for delivery. Activities are
// stored unsigned and signed with the sender's key by the delivery worker.
type Deliverer struct {
	db       *gorm.DB
	resolver *Resolver
	domain   string
	logger   *slog.Logger
	clock    clock.Clock
}

// NewDeliverer returns a Deliverer for the instance described by env.
func NewDeliverer(env *models.Env, resolver *Resolver, c clock.Clock) *Deliverer {
	if c == nil {
		c = clock.Real()
	}
	return &Deliverer{
		db:       env.DB,
		resolver: resolver,
		domain:   env.Domain,
		logger:   env.Log(),
		clock:    c,
	}
}

// destinations returns the distinct remote inboxes for recipients,
// preferring shared inboxes, in first seen order.
func (d *Deliverer) destinations(recipients []Recipient) []string {
	return algorithms.Filter(
		algorithms.Uniq(algorithms.Map(recipients, Recipient.inbox)),
		d.isRemote,
	)
}

func (r Recipient) inbox() string {
	if r.SharedInbox != "" {
		return r.SharedInbox
	}
	return r.Inbox
}

func (d *Deliverer) isRemote(inbox string) bool {
	host := hostOf(inbox)
	return host != "" && host != d.domain
}

// Deliver queues activity from sender to each distinct inbox of
// recipients, in one transaction. Undoing an activity that has not yet
// left for an inbox cancels that delivery instead of queueing the Undo.
func (d *Deliverer) Deliver(ctx context.Context, sender *models.Actor, activity map[string]any, recipients []Recipient) ([]*models.DeliveryJob, error) {
	inboxes := d.destinations(recipients)
	if len(inboxes) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(activity)
	if err != nil {
		return nil, err
	}
	activityType := stringFromAny(activity["type"])
	objectID := idFromAny(activity["object"])
	now := d.clock.Now()

	var jobs []*models.DeliveryJob
	err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, inbox := range inboxes {
			if activityType == "Undo" && objectID != "" {
				res := tx.Where("sender_id = ? AND inbox = ? AND activity_id = ? AND attempts = 0 AND leased_until < ?", sender.ID, inbox, objectID, now).
					Delete(&models.DeliveryJob{})
				if res.Error != nil {
					return res.Error
				}
				if res.RowsAffected > 0 {
					d.logger.Debug("superseded delivery", "inbox", inbox, "activity", objectID)
					continue
				}
			}
			job := &models.DeliveryJob{
				Job:          models.Job{NextAttemptAt: now},
				SenderID:     sender.ID,
				Inbox:        inbox,
				ActivityID:   stringFromAny(activity["id"]),
				ActivityType: activityType,
				ObjectID:     objectID,
				Payload:      datatypes.JSON(payload),
			}
			if err := tx.Create(job).Error; err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// DeliverToFollowers queues activity for each remote follower of sender.
func (d *Deliverer) DeliverToFollowers(ctx context.Context, sender *models.Actor, activity map[string]any) ([]*models.DeliveryJob, error) {
	edges, err := models.NewFollows(d.db.WithContext(ctx)).RemoteFollowers(sender)
	if err != nil {
		return nil, err
	}
	recipients := make([]Recipient, 0, len(edges))
	for _, edge := range edges {
		recipients = append(recipients, Recipient{
			Inbox:       edge.FollowerInbox,
			SharedInbox: edge.FollowerSharedInbox,
		})
	}
	return d.Deliver(ctx, sender, activity, recipients)
}

// DeliverToActors queues activity for each of the actors named by uris.
// Actors that no longer exist are skipped.
func (d *Deliverer) DeliverToActors(ctx context.Context, sender *models.Actor, activity map[string]any, uris ...string) ([]*models.DeliveryJob, error) {
	var recipients []Recipient
	for _, uri := range uris {
		if uri == "" || uri == Public {
			continue
		}
		actor, err := d.resolver.FindOrFetch(ctx, uri)
		if errors.Is(err, ErrNotFound) {
			d.logger.Info("skipping recipient", "actor", uri, "error", err)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve recipient %s: %w", uri, err)
		}
		recipients = append(recipients, RecipientOf(actor))
	}
	return d.Deliver(ctx, sender, activity, recipients)
}
