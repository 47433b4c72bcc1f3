package session

import (
	"context"
	"time"
)

// Record is the authoritative session row. It is owned by the identity
// store; this subsystem only ever reads it.
type Record struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	IPAddress string    `json:"ipAddress,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// User is the read-only projection of the authoritative user record carried
// alongside a session.
type User struct {
	ID            string   `json:"id"`
	Email         string   `json:"email"`
	Name          string   `json:"name"`
	EmailVerified bool     `json:"emailVerified"`
	Role          string   `json:"role"`
	OrgIDs        []string `json:"orgIds,omitempty"`
}

// Identity is a resolved session: the session row plus its user projection.
// This is the value cached between requests.
type Identity struct {
	Session Record `json:"session"`
	User    User   `json:"user"`
}

// Expired reports whether the session's authoritative expiry has passed.
func (i *Identity) Expired(now time.Time) bool {
	return !i.Session.ExpiresAt.After(now)
}

// Source is the authoritative session/user store collaborator. A nil
// identity with a nil error means the token is unknown. Implementations are
// queried with short, bounded deadlines.
type Source interface {
	SessionByToken(ctx context.Context, token string) (*Identity, error)
}
