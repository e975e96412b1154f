package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-gateway/internal/catalog"
)

// anonymousRPMLimit bounds callers the limiter can't attribute to a virtual
// key — an unrecognized or missing bearer token — so a flood of garbage
// tokens can't bypass rate limiting entirely by failing authentication
// downstream instead of being throttled here.
const anonymousRPMLimit = 30

// VirtualKeyLimiter enforces catalog.VirtualKey.RPMLimit/RPDLimit using the
// same Redis sliding-window script as RPMLimiter, scoped per key instead of
// globally. It satisfies httpapi.RateLimiter's Allow(ctx, key) signature,
// where key is the SHA-256 hash of the caller's bearer token (computed by
// the transport layer before the virtual key is resolved, via
// vkey.HashToken) rather than the virtual key's database ID.
type VirtualKeyLimiter struct {
	rdb  *redis.Client
	keys catalog.VirtualKeyStore
}

// NewVirtualKeyLimiter builds a VirtualKeyLimiter reading limits from keys.
func NewVirtualKeyLimiter(rdb *redis.Client, keys catalog.VirtualKeyStore) *VirtualKeyLimiter {
	return &VirtualKeyLimiter{rdb: rdb, keys: keys}
}

// Allow checks both the per-minute and per-day budget for the virtual key
// that hashedToken resolves to. A hashedToken with no matching key (an
// invalid or anonymous caller) falls back to anonymousRPMLimit so it still
// gets throttled rather than skipped.
func (l *VirtualKeyLimiter) Allow(ctx context.Context, hashedToken string) (bool, error) {
	vk, found, err := l.keys.KeyByHash(ctx, hashedToken)
	if err != nil {
		return true, nil // graceful degradation, same as RPMLimiter.
	}
	if !found {
		return l.check(ctx, "ratelimit:anon:"+hashedToken, time.Minute, anonymousRPMLimit)
	}

	if vk.RPMLimit > 0 {
		allowed, err := l.check(ctx, "ratelimit:vk:"+vk.ID+":rpm", time.Minute, vk.RPMLimit)
		if err != nil || !allowed {
			return allowed, err
		}
	}
	if vk.RPDLimit > 0 {
		return l.check(ctx, "ratelimit:vk:"+vk.ID+":rpd", 24*time.Hour, vk.RPDLimit)
	}
	return true, nil
}

func (l *VirtualKeyLimiter) check(ctx context.Context, key string, window time.Duration, limit int) (bool, error) {
	now := time.Now().UnixNano()
	result, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{key},
		now, window.Nanoseconds(), limit,
	).Int()
	if err != nil {
		// Redis unavailable — allow request (graceful degradation).
		return true, nil
	}
	return result == 1, nil
}
