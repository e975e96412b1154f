package cache

import "golang.org/x/sync/singleflight"

// loaderGroup coalesces concurrent loads of the same (region, key) onto a
// single in-flight call, giving the cache entry state machine's Loading
// state its "dog-piling suppression" property. golang.org/x/sync is
// already a direct dependency (errgroup, in internal/app); singleflight
// is the same module.
type loaderGroup struct {
	g singleflight.Group
}

func (l *loaderGroup) do(key string, fn func() (any, error)) (any, error, bool) {
	return l.g.Do(key, fn)
}
