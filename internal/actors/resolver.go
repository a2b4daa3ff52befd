// Package actors resolves API credentials to the operator identity recorded
// in the treatment ledger and audit trail.
package actors

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials indicates a missing, malformed, or mismatched key.
var ErrInvalidCredentials = errors.New("actors: invalid credentials")

// Resolver validates API keys of the form "<actor>.<secret>" against the
// bcrypt hash stored for that actor.
type Resolver struct {
	pool *pgxpool.Pool
}

// NewResolver constructs an actor resolver over the shared pool.
func NewResolver(pool *pgxpool.Pool) *Resolver {
	return &Resolver{pool: pool}
}

// Resolve extracts and verifies the request credentials, returning the actor
// name to attribute mutations to.
func (r *Resolver) Resolve(req *http.Request) (string, error) {
	key := req.Header.Get("X-API-Key")
	if key == "" {
		if auth := req.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			key = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	actor, secret, ok := strings.Cut(key, ".")
	if !ok || actor == "" || secret == "" {
		return "", ErrInvalidCredentials
	}
	return r.verify(req.Context(), actor, secret)
}

func (r *Resolver) verify(ctx context.Context, actor, secret string) (string, error) {
	const query = `SELECT key_hash FROM api_keys WHERE actor = $1 AND active`
	var hash string
	if err := r.pool.QueryRow(ctx, query, actor).Scan(&hash); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return "", ErrInvalidCredentials
	}
	return actor, nil
}

// HashSecret produces the bcrypt hash stored for a new API key.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
