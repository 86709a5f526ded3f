package activitypub

import (
	"context"
	"testing"

	"github.com/davecheney/courier/models"
	"github.com/stretchr/testify/require"
)

func TestDeliverDestinations(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)

	bob := f.local(t, "bob")
	jobs, err := f.deliverer.Deliver(context.Background(), bob, map[string]any{
		"id":    bob.URI + "#updates/1",
		"type":  "Update",
		"actor": bob.URI,
	}, []Recipient{
		{Inbox: "https://a.example/users/1/inbox", SharedInbox: "https://a.example/inbox"},
		{Inbox: "https://a.example/users/2/inbox", SharedInbox: "https://a.example/inbox"},
		{Inbox: "https://b.example/users/3/inbox"},
		{Inbox: "https://" + testDomain + "/users/carol/inbox", SharedInbox: "https://" + testDomain + "/inbox"},
		{},
	})
	require.NoError(err)
	require.Len(jobs, 2)
	require.Equal("https://a.example/inbox", jobs[0].Inbox)
	require.Equal("https://b.example/users/3/inbox", jobs[1].Inbox)
	for _, job := range jobs {
		require.Equal(bob.ID, job.SenderID)
		require.Equal("Update", job.ActivityType)
		require.Equal(bob.URI+"#updates/1", job.ActivityID)
		require.Zero(job.Attempts)
	}
	require.Len(f.jobs(t), 2)
}

func TestDeliverToFollowers(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	bob := f.local(t, "bob")
	carol := f.local(t, "carol")
	alice, _ := f.stored(t, "alice")
	dave, _ := f.stored(t, "dave")
	follows := models.NewFollows(f.db)
	for _, follower := range []*models.Actor{alice, dave, carol} {
		_, err := follows.CreateEdge(follower, bob, follower.URI+"#follows/bob")
		require.NoError(err)
	}

	jobs, err := f.deliverer.DeliverToFollowers(ctx, bob, map[string]any{"id": bob.URI + "#updates/1", "type": "Update"})
	require.NoError(err)
	require.Len(jobs, 1)
	require.Equal(f.remote.url("/inbox"), jobs[0].Inbox)
}

func TestDeliverToActors(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)

	bob := f.local(t, "bob")
	alice, _ := f.remote.actor(t, "alice", func(a *models.Actor) { a.SharedInboxURL = "" })
	jobs, err := f.deliverer.DeliverToActors(context.Background(), bob,
		map[string]any{"id": bob.URI + "#notes/1", "type": "Create"},
		Public, alice.URI, f.remote.url("/users/nobody"),
	)
	require.NoError(err)
	require.Len(jobs, 1)
	require.Equal(alice.InboxURL, jobs[0].Inbox)
}

func TestDeliverUndoSupersedesPendingDelivery(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	bob := f.local(t, "bob")
	alice, _ := f.stored(t, "alice")
	note := f.note(t, alice, "1")

	require.NoError(f.outbox.Like(ctx, bob, note, ""))
	jobs := f.jobs(t)
	require.Len(jobs, 1)
	require.Equal("Like", jobs[0].ActivityType)

	// the Like never left, so unliking cancels it.
	require.NoError(f.outbox.Unlike(ctx, bob, note))
	require.Empty(f.jobs(t))

	require.NoError(f.outbox.Like(ctx, bob, note, "🎉"))
	jobs = f.jobs(t)
	require.Len(jobs, 1)
	require.NoError(f.db.Model(&jobs[0]).Update("attempts", 1).Error)

	// once a delivery was attempted the Undo must follow it.
	require.NoError(f.outbox.Unlike(ctx, bob, note))
	jobs = f.jobs(t)
	require.Len(jobs, 2)
	require.Equal("Like", jobs[0].ActivityType)
	require.Equal("Undo", jobs[1].ActivityType)
	require.Equal(jobs[0].ActivityID, jobs[1].ObjectID)
}
