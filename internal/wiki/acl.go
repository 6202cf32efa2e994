package wiki

import (
	"context"

	"github.com/rotisserie/eris"
)

// AccessGate compares a caller's effective permission on an identifier
// against required thresholds. It is read-only: absence of permission is a
// low level, and only Check turns that into an access-denied fault.
type AccessGate struct {
	auth Authorizer
}

// NewAccessGate wires the gate with the authorization backend.
func NewAccessGate(auth Authorizer) (*AccessGate, error) {
	if auth == nil {
		return nil, eris.New("authorizer is required")
	}
	return &AccessGate{auth: auth}, nil
}

// Level returns the caller's effective permission level on id.
func (g *AccessGate) Level(ctx context.Context, caller Caller, id string) (Level, error) {
	level, err := g.auth.Level(ctx, caller, id)
	if err != nil {
		return LevelNone, eris.Wrapf(err, "querying permission level for %s", id)
	}
	return level, nil
}

// Check returns nil when the caller meets required on id, or an access-denied
// fault otherwise.
func (g *AccessGate) Check(ctx context.Context, caller Caller, id string, required Level) error {
	level, err := g.Level(ctx, caller, id)
	if err != nil {
		return err
	}
	if level < required {
		return AccessDenied("insufficient permissions on %s", id)
	}
	return nil
}

// LevelFor evaluates the permission an arbitrary user holds on id. When
// groups is nil the user's memberships are resolved through the user store;
// an unknown user yields the empty group set.
func (g *AccessGate) LevelFor(ctx context.Context, id, user string, groups []string) (Level, error) {
	if groups == nil {
		resolved, found, err := g.auth.UserGroups(ctx, user)
		if err != nil {
			return LevelNone, eris.Wrapf(err, "resolving groups for user %s", user)
		}
		if found {
			groups = resolved
		} else {
			groups = []string{}
		}
	}

	level, err := g.auth.LevelFor(ctx, id, user, groups)
	if err != nil {
		return LevelNone, eris.Wrapf(err, "querying permission level of %s on %s", user, id)
	}
	return level, nil
}
