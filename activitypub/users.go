package activitypub

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/davecheney/courier/internal/httpx"
	"github.com/davecheney/courier/internal/to"
	"github.com/davecheney/courier/models"
	"github.com/go-chi/chi/v5"
)

// findLocalUser returns the local actor named by the username URL parameter.
func findLocalUser(env *Env, r *http.Request) (*models.Actor, error) {
	name := chi.URLParam(r, "username")
	actor, err := models.NewActors(env.DB.WithContext(r.Context())).FindLocal(name, env.Domain)
	if err != nil {
		return nil, err
	}
	if actor == nil {
		return nil, httpx.Error(http.StatusNotFound, fmt.Errorf("user %q not found", name))
	}
	if actor.Gone {
		return nil, httpx.Error(http.StatusGone, fmt.Errorf("user %q is gone", name))
	}
	return actor, nil
}

// UsersShow serves the actor document of a local user.
func UsersShow(env *Env, w http.ResponseWriter, r *http.Request) error {
	actor, err := findLocalUser(env, r)
	if err != nil {
		return err
	}
	return to.ActivityJSON(w, actorToDocument(actor))
}

// InstanceActorShow serves the actor document of the instance actor.
func InstanceActorShow(env *Env, w http.ResponseWriter, r *http.Request) error {
	if env.Resolver == nil {
		return httpx.Error(http.StatusNotFound, errors.New("no instance actor"))
	}
	actor, err := env.Resolver.InstanceActor(r.Context())
	if err != nil {
		return err
	}
	return to.ActivityJSON(w, actorToDocument(actor))
}

func FollowersIndex(env *Env, w http.ResponseWriter, r *http.Request) error {
	actor, err := findLocalUser(env, r)
	if err != nil {
		return err
	}
	return to.ActivityJSON(w, map[string]any{
		"@context":   contextURI,
		"id":         actor.FollowersURL,
		"type":       "OrderedCollection",
		"totalItems": actor.FollowersCount,
	})
}

func FollowingIndex(env *Env, w http.ResponseWriter, r *http.Request) error {
	actor, err := findLocalUser(env, r)
	if err != nil {
		return err
	}
	return to.ActivityJSON(w, map[string]any{
		"@context":   contextURI,
		"id":         actor.FollowingURL,
		"type":       "OrderedCollection",
		"totalItems": actor.FollowingCount,
	})
}
