package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
	"media-pipeline/constant"
	"media-pipeline/repository"
)

// ErrInvalidKey covers every authentication failure: unknown, inactive and
// expired keys all look the same to the caller.
var ErrInvalidKey = errors.New("invalid api key")

// ErrRateLimited is returned when a key exceeds its per-minute budget.
var ErrRateLimited = errors.New("rate limit exceeded")

const apiKeyPrefix = "mp_live_"

// Identity is the resolved caller of an authenticated request.
type Identity struct {
	KeyID   uuid.UUID
	OwnerID uuid.UUID
	Scopes  []constant.Permission
}

func (i *Identity) HasScope(p constant.Permission) bool {
	for _, s := range i.Scopes {
		if s == p {
			return true
		}
	}
	return false
}

// limiterIdleTTL bounds the limiter map: entries for keys not presented
// within this window are dropped on the next sweep, so revoked or expired
// keys do not pin memory.
const limiterIdleTTL = 10 * time.Minute

type keyLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type Authenticator struct {
	repo repository.Repository

	mu        sync.Mutex
	limiters  map[uuid.UUID]*keyLimiter
	lastSweep time.Time
}

func NewAuthenticator(repo repository.Repository) *Authenticator {
	return &Authenticator{
		repo:      repo,
		limiters:  make(map[uuid.UUID]*keyLimiter),
		lastSweep: time.Now(),
	}
}

// Authenticate re-derives the hash of the presented credential and resolves
// the matching key. Unknown, inactive and expired credentials all return
// ErrInvalidKey so the caller learns nothing about whether the key ever
// existed.
func (a *Authenticator) Authenticate(ctx context.Context, credential string) (*Identity, error) {
	if credential == "" {
		return nil, ErrInvalidKey
	}

	key, err := a.repo.FindApiKeyByHash(ctx, HashKey(credential))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, err
	}

	if !key.Active {
		return nil, ErrInvalidKey
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrInvalidKey
	}

	// Rate check first: a rate-limited flood must not cost a write per
	// request. Only admitted requests are recorded as usage.
	if !a.allow(key.ID, key.RateLimitPerMinute) {
		return nil, ErrRateLimited
	}

	if err := a.repo.TouchApiKey(ctx, key.ID); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("key_id", key.ID.String()).Msg("failed to update key last_used_at")
	}

	return &Identity{
		KeyID:   key.ID,
		OwnerID: key.OwnerID,
		Scopes:  key.ScopeList(),
	}, nil
}

// allow applies the key's declared rate_limit_per_minute as a token bucket:
// the bucket holds one minute's worth of tokens and refills at limit/60 per
// second.
func (a *Authenticator) allow(keyId uuid.UUID, perMinute int) bool {
	if perMinute <= 0 {
		return true
	}

	now := time.Now()

	a.mu.Lock()
	a.sweepLocked(now)
	entry, ok := a.limiters[keyId]
	if !ok {
		entry = &keyLimiter{
			limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
		}
		a.limiters[keyId] = entry
	}
	entry.lastSeen = now
	a.mu.Unlock()

	return entry.limiter.Allow()
}

// sweepLocked drops limiters for keys not seen within the idle window. Runs
// at most once per window; callers hold a.mu.
func (a *Authenticator) sweepLocked(now time.Time) {
	if now.Sub(a.lastSweep) < limiterIdleTTL {
		return
	}
	for id, entry := range a.limiters {
		if now.Sub(entry.lastSeen) >= limiterIdleTTL {
			delete(a.limiters, id)
		}
	}
	a.lastSweep = now
}

// ExtractCredential pulls the presented key from either the dedicated key
// header value or a bearer-style authorization value.
func ExtractCredential(apiKeyHeader, authorizationHeader string) string {
	if apiKeyHeader != "" {
		return apiKeyHeader
	}
	if after, ok := strings.CutPrefix(authorizationHeader, "Bearer "); ok {
		return after
	}
	return ""
}

// GenerateKey mints a new plaintext API key plus its display prefix and
// storage hash. The plaintext is returned to the caller exactly once.
func GenerateKey() (plaintext, prefix, hash string, err error) {
	buf := make([]byte, 32)
	if _, err = rand.Read(buf); err != nil {
		return "", "", "", err
	}

	plaintext = apiKeyPrefix + hex.EncodeToString(buf)
	prefix = plaintext[:len(apiKeyPrefix)+8]
	hash = HashKey(plaintext)
	return plaintext, prefix, hash, nil
}

// HashKey is the one-way hash stored in place of the plaintext key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
