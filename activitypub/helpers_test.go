package activitypub

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/davecheney/courier/internal/cache"
	"github.com/davecheney/courier/internal/clock"
	"github.com/davecheney/courier/internal/crypto"
	"github.com/davecheney/courier/internal/dbtest"
	"github.com/davecheney/courier/internal/snowflake"
	"github.com/davecheney/courier/models"
	"github.com/go-json-experiment/json"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
	"gorm.io/gorm"
)

const testDomain = "local.example"

// remote is a fake ActivityPub server. Documents are served by path.
type remote struct {
	*httptest.Server

	mu       sync.Mutex
	routes   map[string]response
	gates    map[string]chan struct{}
	requests map[string]int
	posts    map[string][][]byte
}

type response struct {
	status      int
	contentType string
	body        any
}

func newRemote(t *testing.T) *remote {
	t.Helper()
	r := &remote{
		routes:   make(map[string]response),
		gates:    make(map[string]chan struct{}),
		requests: make(map[string]int),
		posts:    make(map[string][][]byte),
	}
	r.Server = httptest.NewTLSServer(http.HandlerFunc(r.serveHTTP))
	t.Cleanup(r.Close)
	return r
}

func (r *remote) serveHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.requests[req.URL.Path]++
	if req.Method == http.MethodPost {
		body, _ := io.ReadAll(req.Body)
		r.posts[req.URL.Path] = append(r.posts[req.URL.Path], body)
	}
	res, ok := r.routes[req.URL.Path]
	gate := r.gates[req.URL.Path]
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-req.Context().Done():
			return
		}
	}

	switch {
	case req.Method == http.MethodPost:
		w.WriteHeader(http.StatusAccepted)
	case !ok:
		http.NotFound(w, req)
	case res.body == nil:
		w.WriteHeader(res.status)
	default:
		w.Header().Set("Content-Type", res.contentType)
		w.WriteHeader(res.status)
		json.MarshalFull(w, res.body)
	}
}

// url returns the absolute URL of path on the remote.
func (r *remote) url(path string) string {
	return r.Server.URL + path
}

func (r *remote) host() string {
	return strings.TrimPrefix(r.Server.URL, "https://")
}

func (r *remote) serve(path string, doc any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[path] = response{status: http.StatusOK, contentType: "application/activity+json", body: doc}
}

func (r *remote) serveJRD(path string, doc any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[path] = response{status: http.StatusOK, contentType: "application/jrd+json", body: doc}
}

func (r *remote) fail(path string, status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[path] = response{status: status}
}

// hold makes requests for path wait until release is called.
func (r *remote) hold(path string) (release func()) {
	gate := make(chan struct{})
	r.mu.Lock()
	r.gates[path] = gate
	r.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// hits returns the number of requests made for path.
func (r *remote) hits(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[path]
}

// remoteActor describes, but does not store, an actor hosted on r and
// serves its document.
func (r *remote) actor(t *testing.T, name string, opts ...func(*models.Actor)) (*models.Actor, *crypto.Keypair) {
	t.Helper()
	kp, err := crypto.GenerateRSAKeypair()
	require.NoError(t, err)

	uri := r.url("/users/" + name)
	actor := &models.Actor{
		ID:             snowflake.Now(),
		CreatedAt:      time.Now(),
		URI:            uri,
		Type:           "Person",
		Name:           name,
		Domain:         r.host(),
		DisplayName:    name,
		InboxURL:       uri + "/inbox",
		SharedInboxURL: r.url("/inbox"),
		OutboxURL:      uri + "/outbox",
		FollowersURL:   uri + "/followers",
		FollowingURL:   uri + "/following",
		KeyID:          uri + "#main-key",
		PublicKey:      kp.PublicKey,
		PrivateKey:     kp.PrivateKey,
	}
	for _, opt := range opts {
		opt(actor)
	}
	r.serve("/users/"+name, actorToDocument(actor))
	return actor, kp
}

type fixture struct {
	db        *gorm.DB
	env       *models.Env
	store     *cache.Memory
	clock     *clock.Fake
	remote    *remote
	resolver  *Resolver
	deliverer *Deliverer
	processor *Processor
	outbox    *Outbox
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	env := &models.Env{
		DB:     db,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Domain: testDomain,
	}
	c := clock.NewFake(time.Now())
	store := cache.NewMemory(c, 1024)
	rem := newRemote(t)
	resolver := NewResolver(env, store,
		WithResolverTransport(rem.Client().Transport),
		WithResolverClock(c),
	)
	deliverer := NewDeliverer(env, resolver, c)
	return &fixture{
		db:        db,
		env:       env,
		store:     store,
		clock:     c,
		remote:    rem,
		resolver:  resolver,
		deliverer: deliverer,
		processor: NewProcessor(env, resolver, deliverer),
		outbox:    NewOutbox(env, resolver, deliverer),
	}
}

func (f *fixture) local(t *testing.T, name string, opts ...func(*models.Actor)) *models.Actor {
	t.Helper()
	return dbtest.LocalActor(t, f.db, name, testDomain, opts...)
}

// stored returns a remote actor that is both served by the fake remote
// and already known to the database.
func (f *fixture) stored(t *testing.T, name string, opts ...func(*models.Actor)) (*models.Actor, *crypto.Keypair) {
	t.Helper()
	actor, kp := f.remote.actor(t, name, opts...)
	stored := *actor
	stored.PrivateKey = nil
	stored.LastFetchedAt = f.clock.Now()
	require.NoError(t, f.db.Create(&stored).Error)
	return &stored, kp
}

func (f *fixture) process(t *testing.T, body map[string]any) error {
	t.Helper()
	return f.processor.ProcessBody(context.Background(), body)
}

// jobs returns the queued deliveries, oldest first.
func (f *fixture) jobs(t *testing.T) []models.DeliveryJob {
	t.Helper()
	var jobs []models.DeliveryJob
	require.NoError(t, f.db.Order("id").Find(&jobs).Error)
	return jobs
}

func (f *fixture) note(t *testing.T, author *models.Actor, path string) *models.Note {
	t.Helper()
	uri := path
	if !strings.HasPrefix(path, "https://") {
		uri = fmt.Sprintf("%s/notes/%s", author.URI, path)
	}
	note, err := models.NewNotes(f.db).Create(&models.Note{
		ID:          snowflake.Now(),
		URI:         uri,
		ActorID:     author.ID,
		Visibility:  models.VisibilityPublic,
		Content:     "<p>hello</p>",
		Text:        "hello",
		PublishedAt: f.clock.Now(),
	})
	require.NoError(t, err)
	return note
}

func payload(t *testing.T, job models.DeliveryJob) map[string]any {
	t.Helper()
	var obj map[string]any
	require.NoError(t, json.Unmarshal(job.Payload, &obj))
	return obj
}
