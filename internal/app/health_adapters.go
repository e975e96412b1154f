package app

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// heartbeatKey is the sorted-set Redis key instances record their liveness
// under. Score is the instance's last-heartbeat Unix timestamp.
const heartbeatKey = "gateway:instances"

// redisHealthAdapter satisfies both health.RedisProbe and
// health.InstanceCensus over a single *redis.Client, reusing one
// connection for both checks rather than dialing twice.
type redisHealthAdapter struct {
	rdb *redis.Client
}

// Ping times a PING round-trip and reads used_memory from INFO memory.
func (a *redisHealthAdapter) Ping(ctx context.Context) (time.Duration, int64, error) {
	start := time.Now()
	if err := a.rdb.Ping(ctx).Err(); err != nil {
		return 0, 0, err
	}
	latency := time.Since(start)

	info, err := a.rdb.Info(ctx, "memory").Result()
	if err != nil {
		return latency, 0, err
	}
	return latency, parseUsedMemory(info), nil
}

// Heartbeats reads every instance's last-recorded heartbeat from the
// heartbeatKey sorted set and returns how long ago each one reported.
func (a *redisHealthAdapter) Heartbeats(ctx context.Context) (map[string]time.Duration, error) {
	members, err := a.rdb.ZRangeWithScores(ctx, heartbeatKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make(map[string]time.Duration, len(members))
	for _, m := range members {
		id, ok := m.Member.(string)
		if !ok {
			continue
		}
		out[id] = now.Sub(time.Unix(int64(m.Score), 0))
	}
	return out, nil
}

// parseUsedMemory extracts the used_memory field from a Redis INFO memory
// section's CRLF-delimited "key:value" lines.
func parseUsedMemory(info string) int64 {
	for _, line := range strings.Split(info, "\r\n") {
		v, ok := strings.CutPrefix(line, "used_memory:")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

// heartbeatLoop records this instance's liveness into heartbeatKey every
// interval until ctx is cancelled or done is closed. Stale members are
// trimmed opportunistically so the set doesn't grow unbounded across
// restarts with changing instance IDs.
func heartbeatLoop(ctx context.Context, rdb *redis.Client, instanceID string, interval time.Duration, done <-chan struct{}) {
	beat := func() {
		now := time.Now()
		rdb.ZAdd(ctx, heartbeatKey, redis.Z{Score: float64(now.Unix()), Member: instanceID})
		rdb.ZRemRangeByScore(ctx, heartbeatKey, "-inf", strconv.FormatInt(now.Add(-24*time.Hour).Unix(), 10))
	}

	beat()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			beat()
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}
