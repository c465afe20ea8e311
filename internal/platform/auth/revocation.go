package auth

import (
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// TokenRevocationStore refuses bearer tokens before they expire. A token is
// revoked by its JTI, or wholesale for an actor: every token the actor was
// issued at or before the cutoff is refused, which is how custody rights are
// pulled from someone leaving the ward mid-shift.
type TokenRevocationStore struct {
	tokens      *cache.Cache // jti -> RevocationInfo
	actors      *cache.Cache // actor id -> cutoff time.Time
	maxTokenAge time.Duration
}

// RevocationInfo is one revoked token or actor cutoff.
type RevocationInfo struct {
	JTI       string    `json:"jti,omitempty"`
	ActorID   string    `json:"actor_id,omitempty"`
	Cutoff    time.Time `json:"cutoff,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewTokenRevocationStore keeps actor cutoffs for maxTokenAge, the longest
// lifetime the issuer grants. Token entries expire with their token.
func NewTokenRevocationStore(maxTokenAge time.Duration) *TokenRevocationStore {
	return &TokenRevocationStore{
		tokens:      cache.New(maxTokenAge, 5*time.Minute),
		actors:      cache.New(maxTokenAge, 5*time.Minute),
		maxTokenAge: maxTokenAge,
	}
}

// Revoke refuses the token with this JTI until expiresAt.
func (s *TokenRevocationStore) Revoke(jti string, expiresAt time.Time) {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return
	}
	s.tokens.Set(jti, RevocationInfo{JTI: jti, ExpiresAt: expiresAt}, ttl)
}

// RevokeActor refuses every token issued to actor at or before cutoff.
func (s *TokenRevocationStore) RevokeActor(actor uuid.UUID, cutoff time.Time) {
	s.actors.Set(actor.String(), cutoff, s.maxTokenAge)
}

// IsRevoked reports whether the token described by claims was revoked. A
// token without an issued-at claim is refused once its actor has a cutoff.
func (s *TokenRevocationStore) IsRevoked(actor uuid.UUID, claims *Claims) bool {
	if claims.ID != "" {
		if _, ok := s.tokens.Get(claims.ID); ok {
			return true
		}
	}
	v, ok := s.actors.Get(actor.String())
	if !ok {
		return false
	}
	if claims.IssuedAt == nil {
		return true
	}
	return !claims.IssuedAt.Time.After(v.(time.Time))
}

// Entries returns a snapshot of live revocations.
func (s *TokenRevocationStore) Entries() []RevocationInfo {
	tokens := s.tokens.Items()
	actors := s.actors.Items()
	out := make([]RevocationInfo, 0, len(tokens)+len(actors))
	for _, item := range tokens {
		out = append(out, item.Object.(RevocationInfo))
	}
	for id, item := range actors {
		out = append(out, RevocationInfo{
			ActorID:   id,
			Cutoff:    item.Object.(time.Time),
			ExpiresAt: time.Unix(0, item.Expiration),
		})
	}
	return out
}

func (s *TokenRevocationStore) Count() int {
	return s.tokens.ItemCount() + s.actors.ItemCount()
}
