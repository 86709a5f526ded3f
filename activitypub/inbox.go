package activitypub

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/davecheney/courier/internal/clock"
	"github.com/davecheney/courier/internal/guard"
	"github.com/davecheney/courier/internal/httpsig"
	"github.com/davecheney/courier/internal/httpx"
	"github.com/davecheney/courier/models"
	"github.com/go-json-experiment/json"
	"gorm.io/datatypes"
)

// MaxInboxBody is the largest activity accepted by the inbox.
const MaxInboxBody = 1 << 20

// InboxCreate accepts a signed activity and queues it for processing.
// Requests are rate limited per sending host, then verified, checked
// for replay and parsed before they are queued.
func InboxCreate(env *Env, w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	host := admissionKey(r)
	status, err := env.Admitter.Admit(ctx, host)
	if err != nil {
		return err
	}
	if status.Throttled() {
		w.Header().Set("Retry-After", retryAfter(status.RetryAfter))
		return httpx.Error(http.StatusTooManyRequests, fmt.Errorf("%s: rate limited", host))
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxInboxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return httpx.Error(http.StatusRequestEntityTooLarge, err)
		}
		return httpx.Error(http.StatusBadRequest, err)
	}

	var signer *models.Actor
	sig, err := env.Verifier.Verify(r, body, func(keyID string) (crypto.PublicKey, error) {
		actor, key, err := env.Resolver.ResolveKey(ctx, keyID)
		signer = actor
		return key, err
	})
	if err != nil {
		return httpx.Error(verifyStatus(r, err), err)
	}

	date, _ := http.ParseTime(r.Header.Get("Date"))
	digest := httpsig.Digest(body)
	if err := env.Replay.CheckAndRecord(ctx, sig.KeyID, digest, date); err != nil {
		if errors.Is(err, guard.ErrReplay) {
			return httpx.Error(http.StatusUnauthorized, err)
		}
		return err
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return httpx.Error(http.StatusBadRequest, err)
	}
	act, err := Parse(obj)
	switch {
	case errors.Is(err, ErrUnsupported):
		env.Log().Debug("dropping unsupported activity", "type", obj["type"], "id", obj["id"])
		w.WriteHeader(http.StatusAccepted)
		return nil
	case err != nil:
		return httpx.Error(http.StatusBadRequest, err)
	}

	if act.Header().Actor != signer.URI {
		return httpx.Error(http.StatusUnauthorized, fmt.Errorf("%s signed an activity of %s", signer.URI, act.Header().Actor))
	}

	seen, err := env.Replay.SeenActivity(ctx, act.Header().ID)
	if err != nil {
		return forget(ctx, env, sig.KeyID, digest, "", err)
	}
	if seen {
		env.Log().Debug("dropping duplicate activity", "id", act.Header().ID)
		w.WriteHeader(http.StatusAccepted)
		return nil
	}

	if err := Enqueue(ctx, env.Env, env.Clock, sig.KeyID, act, body); err != nil {
		return forget(ctx, env, sig.KeyID, digest, act.Header().ID, err)
	}
	w.WriteHeader(http.StatusAccepted)
	return nil
}

// forget clears the replay records of a request that failed after they
// were made, and returns err.
func forget(ctx context.Context, env *Env, keyID, digest, id string, err error) error {
	if ferr := env.Replay.Forget(context.WithoutCancel(ctx), keyID, digest, id); ferr != nil {
		env.Log().Error("failed to forget replay records", "key", keyID, "activity", id, "error", ferr)
	}
	return err
}

// Enqueue stores a verified activity for the inbox worker.
func Enqueue(ctx context.Context, env *models.Env, c clock.Clock, keyID string, act Activity, body []byte) error {
	if c == nil {
		c = clock.Real()
	}
	job := &models.InboxJob{
		Job:          models.Job{NextAttemptAt: c.Now()},
		KeyID:        keyID,
		ActorURI:     act.Header().Actor,
		ActivityID:   act.Header().ID,
		ActivityType: act.kind(),
		Payload:      datatypes.JSON(body),
	}
	return env.DB.WithContext(ctx).Create(job).Error
}

// admissionKey names the budget a request is charged to: the host
// claimed by the Signature keyId together with the remote address, or
// the remote address alone if the request is unsigned. The keyId is not
// verified yet, so a forged one only spends the forger's own budget.
func admissionKey(r *http.Request) string {
	addr, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		addr = r.RemoteAddr
	}
	if sig, err := httpsig.Parse(r.Header.Get("Signature")); err == nil {
		if host := hostOf(sig.KeyID); host != "" {
			return host + " " + addr
		}
	}
	return addr
}

// verifyStatus maps a verification failure to a status code. Malformed
// signatures are 400, everything else is an authentication failure.
func verifyStatus(r *http.Request, err error) int {
	if r.Header.Get("Signature") != "" && errors.Is(err, httpsig.ErrMissingHeader) {
		return http.StatusBadRequest
	}
	return http.StatusUnauthorized
}

// retryAfter is the Retry-After value for d, in whole seconds.
func retryAfter(d time.Duration) string {
	return strconv.Itoa(int(math.Ceil(d.Seconds())))
}
