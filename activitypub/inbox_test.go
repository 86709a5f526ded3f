package activitypub

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/davecheney/courier/internal/guard"
	"github.com/davecheney/courier/internal/httpsig"
	"github.com/davecheney/courier/internal/httpx"
	"github.com/davecheney/courier/models"
	"github.com/go-json-experiment/json"
	"github.com/stretchr/testify/require"
)

type inboxFixture struct {
	*fixture
	handler http.Handler
}

func newInboxFixture(t *testing.T, limit int) *inboxFixture {
	t.Helper()
	f := newFixture(t)
	env := &Env{
		Env:      f.env,
		Resolver: f.resolver,
		Admitter: guard.NewWindow(f.store, limit, time.Minute, 0, f.clock),
		Replay:   guard.NewReplay(f.store, 0, f.clock),
		Verifier: &httpsig.Verifier{Skew: httpsig.DefaultSkew},
		Clock:    f.clock,
	}
	return &inboxFixture{
		fixture: f,
		handler: httpx.HandlerFunc(func(*http.Request) *Env { return env }, InboxCreate),
	}
}

func (f *inboxFixture) post(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *inboxFixture) inboxJobs(t *testing.T) []models.InboxJob {
	t.Helper()
	var jobs []models.InboxJob
	require.NoError(t, f.db.Order("id").Find(&jobs).Error)
	return jobs
}

func newInboxRequest(body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "https://"+testDomain+"/inbox", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/activity+json")
	return req
}

// signed returns an inbox request for body signed by actor.
func signed(t *testing.T, actor *models.Actor, body []byte) *http.Request {
	t.Helper()
	key, err := actor.PrivKey()
	require.NoError(t, err)
	req := newInboxRequest(body)
	require.NoError(t, httpsig.Sign(req, actor.PublicKeyID(), key, body))
	return req
}

func marshal(t *testing.T, v map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestInboxCreateAccepts(t *testing.T) {
	require := require.New(t)
	f := newInboxFixture(t, 100)

	bob := f.local(t, "bob")
	alice, _ := f.remote.actor(t, "alice")
	body := marshal(t, follow(alice.URI+"#follows/1", alice, bob))

	rec := f.post(t, signed(t, alice, body))
	require.Equal(http.StatusAccepted, rec.Code, rec.Body.String())

	jobs := f.inboxJobs(t)
	require.Len(jobs, 1)
	require.Equal(alice.URI, jobs[0].ActorURI)
	require.Equal(alice.KeyID, jobs[0].KeyID)
	require.Equal("Follow", jobs[0].ActivityType)
	require.Equal(alice.URI+"#follows/1", jobs[0].ActivityID)
	require.JSONEq(string(body), string(jobs[0].Payload))

	// the same body is a replay even with a fresh signature.
	rec = f.post(t, signed(t, alice, body))
	require.Equal(http.StatusUnauthorized, rec.Code)

	// a different body for the same activity is accepted but not queued twice.
	again := follow(alice.URI+"#follows/1", alice, bob)
	again["published"] = "2023-04-01T12:00:00Z"
	rec = f.post(t, signed(t, alice, marshal(t, again)))
	require.Equal(http.StatusAccepted, rec.Code)
	require.Len(f.inboxJobs(t), 1)
}

func TestInboxCreateRetryAfterFailedEnqueue(t *testing.T) {
	require := require.New(t)
	f := newInboxFixture(t, 100)

	bob := f.local(t, "bob")
	alice, _ := f.remote.actor(t, "alice")
	body := marshal(t, follow(alice.URI+"#follows/1", alice, bob))

	require.NoError(f.db.Migrator().DropTable(&models.InboxJob{}))
	rec := f.post(t, signed(t, alice, body))
	require.Equal(http.StatusInternalServerError, rec.Code)

	require.NoError(f.db.AutoMigrate(&models.InboxJob{}))
	rec = f.post(t, signed(t, alice, body))
	require.Equal(http.StatusAccepted, rec.Code, rec.Body.String())
	jobs := f.inboxJobs(t)
	require.Len(jobs, 1)
	require.Equal(alice.URI+"#follows/1", jobs[0].ActivityID)
}

func TestInboxCreateRejectsUnsigned(t *testing.T) {
	require := require.New(t)
	f := newInboxFixture(t, 100)

	bob := f.local(t, "bob")
	alice, _ := f.remote.actor(t, "alice")
	rec := f.post(t, newInboxRequest(marshal(t, follow(alice.URI+"#follows/1", alice, bob))))
	require.Equal(http.StatusUnauthorized, rec.Code)
	require.Empty(f.inboxJobs(t))
}

func TestInboxCreateRejectsBadSignature(t *testing.T) {
	require := require.New(t)
	f := newInboxFixture(t, 100)

	bob := f.local(t, "bob")
	alice, _ := f.remote.actor(t, "alice")
	mallory, _ := f.remote.actor(t, "mallory")
	body := marshal(t, follow(alice.URI+"#follows/1", alice, bob))

	// signed with mallory's key but claiming alice's keyId.
	key, err := mallory.PrivKey()
	require.NoError(err)
	req := newInboxRequest(body)
	require.NoError(httpsig.Sign(req, alice.PublicKeyID(), key, body))
	rec := f.post(t, req)
	require.Equal(http.StatusUnauthorized, rec.Code)

	// a tampered body no longer matches the digest.
	req = signed(t, alice, body)
	req.Body = io.NopCloser(strings.NewReader(string(body) + " "))
	rec = f.post(t, req)
	require.Equal(http.StatusUnauthorized, rec.Code)
	require.Empty(f.inboxJobs(t))
}

func TestInboxCreateRejectsSignerMismatch(t *testing.T) {
	require := require.New(t)
	f := newInboxFixture(t, 100)

	bob := f.local(t, "bob")
	alice, _ := f.remote.actor(t, "alice")
	mallory, _ := f.remote.actor(t, "mallory")
	body := marshal(t, follow(alice.URI+"#follows/1", alice, bob))

	rec := f.post(t, signed(t, mallory, body))
	require.Equal(http.StatusUnauthorized, rec.Code)
	require.Empty(f.inboxJobs(t))
}

func TestInboxCreateMalformed(t *testing.T) {
	require := require.New(t)
	f := newInboxFixture(t, 100)

	alice, _ := f.remote.actor(t, "alice")
	rec := f.post(t, signed(t, alice, []byte(`{"type": "Follow",`)))
	require.Equal(http.StatusBadRequest, rec.Code)

	rec = f.post(t, signed(t, alice, marshal(t, map[string]any{"type": "Like", "actor": alice.URI})))
	require.Equal(http.StatusBadRequest, rec.Code)
	require.Empty(f.inboxJobs(t))
}

func TestInboxCreateDropsUnsupported(t *testing.T) {
	require := require.New(t)
	f := newInboxFixture(t, 100)

	alice, _ := f.remote.actor(t, "alice")
	rec := f.post(t, signed(t, alice, marshal(t, map[string]any{
		"id":     alice.URI + "#flags/1",
		"type":   "Flag",
		"actor":  alice.URI,
		"object": "https://" + testDomain + "/users/bob",
	})))
	require.Equal(http.StatusAccepted, rec.Code)
	require.Empty(f.inboxJobs(t))
}

func TestInboxCreateRateLimited(t *testing.T) {
	require := require.New(t)
	f := newInboxFixture(t, 1)

	bob := f.local(t, "bob")
	alice, _ := f.remote.actor(t, "alice")

	rec := f.post(t, signed(t, alice, marshal(t, follow(alice.URI+"#follows/1", alice, bob))))
	require.Equal(http.StatusAccepted, rec.Code)

	rec = f.post(t, signed(t, alice, marshal(t, follow(alice.URI+"#follows/2", alice, bob))))
	require.Equal(http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(rec.Header().Get("Retry-After"))
	require.Len(f.inboxJobs(t), 1)
}

func TestInboxCreateForgedKeyIdSpendsOwnBudget(t *testing.T) {
	require := require.New(t)
	f := newInboxFixture(t, 1)

	bob := f.local(t, "bob")
	alice, _ := f.remote.actor(t, "alice")

	// a forger claiming alice's host exhausts the budget of its own address.
	forged := func() *http.Request {
		req := newInboxRequest(marshal(t, follow(alice.URI+"#follows/1", alice, bob)))
		req.RemoteAddr = "198.51.100.7:4321"
		req.Header.Set("Signature", `keyId="`+alice.KeyID+`",algorithm="rsa-sha256",headers="(request-target) host date digest",signature="Zm9yZ2Vk"`)
		return req
	}
	rec := f.post(t, forged())
	require.NotEqual(http.StatusAccepted, rec.Code)
	require.NotEqual(http.StatusTooManyRequests, rec.Code)
	rec = f.post(t, forged())
	require.Equal(http.StatusTooManyRequests, rec.Code)

	rec = f.post(t, signed(t, alice, marshal(t, follow(alice.URI+"#follows/2", alice, bob))))
	require.Equal(http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestAdmissionKey(t *testing.T) {
	require := require.New(t)
	req := newInboxRequest(nil)
	req.RemoteAddr = "192.0.2.1:1234"
	require.Equal("192.0.2.1", admissionKey(req))

	req.Header.Set("Signature", `keyId="https://remote.example/users/alice#main-key",signature="eA=="`)
	require.Equal("remote.example 192.0.2.1", admissionKey(req))
}

func TestInboxCreateTooLarge(t *testing.T) {
	require := require.New(t)
	f := newInboxFixture(t, 100)

	alice, _ := f.remote.actor(t, "alice")
	body := bytes.Repeat([]byte{' '}, MaxInboxBody+1)
	rec := f.post(t, signed(t, alice, body))
	require.Equal(http.StatusRequestEntityTooLarge, rec.Code)
}
