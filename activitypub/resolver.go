package activitypub

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/davecheney/courier/internal/activitypub"
	"github.com/davecheney/courier/internal/cache"
	"github.com/davecheney/courier/internal/clock"
	crypto2 "github.com/davecheney/courier/internal/crypto"
	"github.com/davecheney/courier/internal/httpsig"
	"github.com/davecheney/courier/internal/snowflake"
	"github.com/davecheney/courier/internal/webfinger"
	"github.com/davecheney/courier/models"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// DefaultActorTTL is how long a fetched actor is served without refetching.
	DefaultActorTTL = 24 * time.Hour

	// DefaultNegativeTTL is how long a 404 or 410 for an actor is remembered.
	DefaultNegativeTTL = 5 * time.Minute

	// DefaultFailureCooldown is how long an actor that keeps failing to
	// fetch is considered unresolvable.
	DefaultFailureCooldown = time.Hour

	// DefaultMaxFailures is the number of consecutive fetch failures
	// before the cooldown applies.
	DefaultMaxFailures = 3
)

// Resolver finds actors in the database or fetches them from their
// origin, caching the result.
type Resolver struct {
	db     *gorm.DB
	store  cache.Store
	domain string
	logger *slog.Logger

	transport   http.RoundTripper
	timeout     time.Duration
	clock       clock.Clock
	ttl         time.Duration
	negativeTTL time.Duration
	cooldown    time.Duration
	maxFailures int64

	group singleflight.Group

	mu       sync.Mutex
	instance *models.Actor
	client   *activitypub.Client
}

type ResolverOption func(*Resolver)

// WithResolverTransport sets the transport used for signed fetches and webfinger.
func WithResolverTransport(rt http.RoundTripper) ResolverOption {
	return func(r *Resolver) { r.transport = rt }
}

// WithResolverTimeout bounds each fetch made by the resolver.
func WithResolverTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithResolverClock sets the clock used to judge the freshness of cached actors.
func WithResolverClock(c clock.Clock) ResolverOption {
	return func(r *Resolver) { r.clock = c }
}

// WithActorTTL sets how long fetched actors are fresh.
func WithActorTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) { r.ttl = ttl }
}

// NewResolver returns a Resolver for the instance described by env.
func NewResolver(env *models.Env, store cache.Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		db:          env.DB,
		store:       store,
		domain:      env.Domain,
		logger:      env.Log(),
		transport:   activitypub.NewTransport(),
		timeout:     activitypub.DefaultTimeout,
		clock:       clock.Real(),
		ttl:         DefaultActorTTL,
		negativeTTL: DefaultNegativeTTL,
		cooldown:    DefaultFailureCooldown,
		maxFailures: DefaultMaxFailures,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Domain returns the host name of this instance.
func (r *Resolver) Domain() string { return r.domain }

func (r *Resolver) isLocal(uri string) bool {
	return hostOf(uri) == r.domain
}

func indexKey(uri string) string    { return "remote_actor:" + uri }
func failedKey(uri string) string   { return "remote_actor_failed:" + uri }
func failuresKey(uri string) string { return "remote_actor_failures:" + uri }

// FindOrFetch returns the actor with the given URI. Local actors are
// only looked up in the database; remote actors are fetched when they
// are unknown or their cached copy is older than the TTL.
func (r *Resolver) FindOrFetch(ctx context.Context, uri string) (*models.Actor, error) {
	actors := models.NewActors(r.db.WithContext(ctx))
	if r.isLocal(uri) {
		actor, err := actors.FindByURI(uri)
		if err != nil {
			return nil, err
		}
		if actor == nil {
			return nil, fmt.Errorf("actor %s: %w", uri, ErrNotFound)
		}
		return actor, nil
	}

	if _, failed, err := r.store.Get(ctx, failedKey(uri)); err != nil {
		return nil, err
	} else if failed {
		return nil, fmt.Errorf("actor %s: %w", uri, ErrNotFound)
	}

	if v, ok, err := r.store.Get(ctx, indexKey(uri)); err != nil {
		return nil, err
	} else if ok {
		if id, err := snowflake.Parse(string(v)); err == nil {
			actor, err := actors.FindByID(id)
			if err != nil {
				return nil, err
			}
			if actor != nil {
				return notGone(actor)
			}
		}
	}

	stale, err := actors.FindByURI(uri)
	if err != nil {
		return nil, err
	}
	if stale != nil && stale.Gone {
		return notGone(stale)
	}
	if stale != nil && r.clock.Now().Sub(stale.LastFetchedAt) < r.ttl {
		if err := r.index(ctx, stale); err != nil {
			return nil, err
		}
		return stale, nil
	}

	actor, err := r.fetchActor(ctx, uri)
	if err == nil {
		return actor, nil
	}
	if errors.Is(err, ErrNotFound) || stale == nil {
		return nil, err
	}
	r.logger.Warn("serving stale actor", "uri", uri, "error", err)
	return stale, nil
}

func notGone(actor *models.Actor) (*models.Actor, error) {
	if actor.Gone {
		return nil, fmt.Errorf("actor %s deleted: %w", actor.URI, ErrNotFound)
	}
	return actor, nil
}

// Refresh fetches the actor from its origin regardless of its cached state.
func (r *Resolver) Refresh(ctx context.Context, uri string) (*models.Actor, error) {
	if r.isLocal(uri) {
		return r.FindOrFetch(ctx, uri)
	}
	if err := r.Invalidate(ctx, uri); err != nil {
		return nil, err
	}
	return r.fetchActor(ctx, uri)
}

// Invalidate forgets the cached state of the actor, including any
// negative entry, so the next lookup refetches it.
func (r *Resolver) Invalidate(ctx context.Context, uri string) error {
	return r.store.Delete(ctx, indexKey(uri), failedKey(uri), failuresKey(uri))
}

// fetchActor fetches the actor document, coalescing concurrent fetches
// of the same URI, and stores the result. The shared fetch outlives the
// caller that started it, bounded by the resolver timeout.
func (r *Resolver) fetchActor(ctx context.Context, uri string) (*models.Actor, error) {
	ch := r.group.DoChan(uri, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		obj, err := r.Fetch(ctx, uri)
		if err != nil {
			return nil, r.recordFailure(ctx, uri, err)
		}
		actor, err := actorFromDocument(obj)
		if err != nil {
			return nil, r.recordFailure(ctx, uri, err)
		}
		if actor.URI != uri && hostOf(actor.URI) != hostOf(uri) {
			return nil, fmt.Errorf("actor %s claims id %s: %w", uri, actor.URI, ErrForbidden)
		}
		actor.LastFetchedAt = r.clock.Now()
		actor, err = models.NewActors(r.db.WithContext(ctx)).Upsert(actor)
		if err != nil {
			return nil, err
		}
		if err := r.store.Delete(ctx, failuresKey(uri)); err != nil {
			return nil, err
		}
		return actor, r.index(ctx, actor)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.Actor), nil
	}
}

func (r *Resolver) index(ctx context.Context, actor *models.Actor) error {
	return r.store.Set(ctx, indexKey(actor.URI), []byte(actor.ID.String()), r.ttl)
}

// recordFailure remembers a failed fetch. Gone actors are negatively
// cached, other failures count towards the cooldown.
func (r *Resolver) recordFailure(ctx context.Context, uri string, fetchErr error) error {
	if requests.HasStatusErr(fetchErr, http.StatusNotFound, http.StatusGone) {
		if err := r.store.Set(ctx, failedKey(uri), []byte(strconv.Itoa(http.StatusGone)), r.negativeTTL); err != nil {
			return err
		}
		return fmt.Errorf("actor %s: %v: %w", uri, fetchErr, ErrNotFound)
	}
	n, err := r.store.Incr(ctx, failuresKey(uri), r.cooldown)
	if err != nil {
		return err
	}
	if n >= r.maxFailures {
		r.logger.Warn("actor unresolvable", "uri", uri, "failures", n, "cooldown", r.cooldown)
		if err := r.store.Set(ctx, failedKey(uri), []byte(strconv.FormatInt(n, 10)), r.cooldown); err != nil {
			return err
		}
	}
	return fmt.Errorf("fetch actor %s: %w", uri, fetchErr)
}

// ResolveKey returns the actor that owns keyID and its public key. If
// the cached actor does not publish keyID it is refetched once, to
// follow key rotation.
func (r *Resolver) ResolveKey(ctx context.Context, keyID string) (*models.Actor, crypto.PublicKey, error) {
	uri := trimKeyId(keyID)
	actor, err := r.FindOrFetch(ctx, uri)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", httpsig.ErrKeyNotFound, keyID, err)
	}
	if actor.PublicKeyID() != keyID && !r.isLocal(uri) {
		actor, err = r.Refresh(ctx, uri)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %s: %v", httpsig.ErrKeyNotFound, keyID, err)
		}
	}
	if actor.PublicKeyID() != keyID {
		return nil, nil, fmt.Errorf("%w: %s is not published by %s", httpsig.ErrKeyNotFound, keyID, actor.URI)
	}
	key, err := crypto2.ParseRSAPublicKey(actor.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", httpsig.ErrKeyNotFound, keyID, err)
	}
	return actor, key, nil
}

// FindOrFetchAcct resolves a user@host handle through WebFinger.
func (r *Resolver) FindOrFetchAcct(ctx context.Context, handle string) (*models.Actor, error) {
	acct, err := webfinger.Parse(handle)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", handle, ErrMalformed)
	}
	if acct.Host == "" || acct.Host == r.domain {
		actor, err := models.NewActors(r.db.WithContext(ctx)).FindLocal(acct.User, r.domain)
		if err != nil {
			return nil, err
		}
		if actor == nil {
			return nil, fmt.Errorf("%s: %w", acct, ErrNotFound)
		}
		return actor, nil
	}
	wfctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	wf, err := acct.Fetch(wfctx, r.transport)
	if err != nil {
		if requests.HasStatusErr(err, http.StatusNotFound, http.StatusGone) {
			return nil, fmt.Errorf("%s: %w", acct, ErrNotFound)
		}
		return nil, err
	}
	href, err := wf.ActivityPub()
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", acct, err, ErrNotFound)
	}
	return r.FindOrFetch(ctx, href)
}

// Fetch fetches the object at uri, signed as the instance actor.
func (r *Resolver) Fetch(ctx context.Context, uri string) (map[string]any, error) {
	client, err := r.signingClient(ctx)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := client.Fetch(ctx, uri, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// FetchObject fetches the object at uri, mapping 404 and 410 to ErrNotFound.
func (r *Resolver) FetchObject(ctx context.Context, uri string) (map[string]any, error) {
	obj, err := r.Fetch(ctx, uri)
	if requests.HasStatusErr(err, http.StatusNotFound, http.StatusGone) {
		return nil, fmt.Errorf("%s: %v: %w", uri, err, ErrNotFound)
	}
	return obj, err
}

func (r *Resolver) signingClient(ctx context.Context) (*activitypub.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}
	instance, err := r.instanceActor(ctx)
	if err != nil {
		return nil, err
	}
	client, err := activitypub.NewClient(instance,
		activitypub.WithTransport(r.transport),
		activitypub.WithTimeout(r.timeout),
	)
	if err != nil {
		return nil, err
	}
	r.client = client
	return client, nil
}

// InstanceActor returns the service actor that signs fetches made on
// behalf of the instance, creating it if necessary.
func (r *Resolver) InstanceActor(ctx context.Context) (*models.Actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.instanceActor(ctx)
}

func (r *Resolver) instanceActor(ctx context.Context) (*models.Actor, error) {
	if r.instance != nil {
		return r.instance, nil
	}
	instance, err := FindOrCreateInstanceActor(r.db.WithContext(ctx), r.domain)
	if err != nil {
		return nil, err
	}
	r.instance = instance
	return instance, nil
}

// FindOrCreateInstanceActor returns the instance actor for domain,
// creating it with a fresh keypair if it does not exist.
func FindOrCreateInstanceActor(db *gorm.DB, domain string) (*models.Actor, error) {
	uri := "https://" + domain + "/actor"
	actors := models.NewActors(db)
	actor, err := actors.FindByURI(uri)
	if err != nil || actor != nil {
		return actor, err
	}
	kp, err := crypto2.GenerateRSAKeypair()
	if err != nil {
		return nil, err
	}
	actor = &models.Actor{
		ID:             snowflake.Now(),
		URI:            uri,
		Type:           "LocalService",
		Name:           domain,
		Domain:         domain,
		InboxURL:       uri + "/inbox",
		SharedInboxURL: "https://" + domain + "/inbox",
		OutboxURL:      uri + "/outbox",
		KeyID:          uri + "#main-key",
		PublicKey:      kp.PublicKey,
		PrivateKey:     kp.PrivateKey,
		Locked:         true,
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(actor).Error; err != nil {
		return nil, err
	}
	return actors.FindByURI(uri)
}
