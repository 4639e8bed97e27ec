package model

import (
	"context"
	"errors"
	"fmt"
)

// Actor identifies who performs an operation. It is passed explicitly to
// every engine call and recorded on audit entries. Signers reaching the
// system through a signing link are not actors; their identity is the token.
type Actor struct {
	ID        string   `json:"id"`
	Email     string   `json:"email"`
	Name      string   `json:"name,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	IPAddress string   `json:"ip_address,omitempty"`
	UserAgent string   `json:"user_agent,omitempty"`
}

// SystemActor is recorded for operations triggered by background jobs.
var SystemActor = Actor{ID: "system", Email: "system@localhost", Name: "System"}

// Validate checks that all mandatory fields are present.
func (a Actor) Validate() error {
	var errs []error
	if a.ID == "" {
		errs = append(errs, fmt.Errorf("actor ID is required"))
	}
	if a.Email == "" {
		errs = append(errs, fmt.Errorf("actor email is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// HasRole returns true if the actor holds the given role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ClientInfo carries the network identity of an external signer request.
type ClientInfo struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

type actorKey struct{}

// WithActor attaches an Actor to the given context. Only the HTTP layer uses
// this; engines receive the actor as an argument.
func WithActor(ctx context.Context, actor *Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom extracts the Actor from the context, or returns nil if not
// present.
func ActorFrom(ctx context.Context) *Actor {
	a, _ := ctx.Value(actorKey{}).(*Actor)
	return a
}
