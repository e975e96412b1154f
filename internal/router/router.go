// Package router implements the model router: it turns a tenant-scoped
// logical model alias into a concrete (provider, credential) pair, honoring
// mapping priority, required capabilities, key ordering, and per-provider
// circuit breaker state, and it drives failover across the candidate list
// when an attempt fails.
package router

import (
	"context"
	"sort"

	"github.com/nulpointcorp/llm-gateway/internal/catalog"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// DefaultMaxFailoverAttempts is the default number of failover attempts.
const DefaultMaxFailoverAttempts = 3

// Candidate is one fully-resolved (mapping, provider, credential) tuple the
// pipeline can dial.
type Candidate struct {
	Mapping  catalog.ModelMapping
	Provider catalog.Provider
	Key      catalog.ProviderKey
}

// Router resolves model aliases against the catalog and tracks provider
// health via a CircuitBreaker.
type Router struct {
	providers catalog.ProviderStore
	mappings  catalog.ModelMappingStore
	cb        *CircuitBreaker
}

func New(providers catalog.ProviderStore, mappings catalog.ModelMappingStore, cb *CircuitBreaker) *Router {
	if cb == nil {
		cb = NewCircuitBreaker()
	}
	return &Router{providers: providers, mappings: mappings, cb: cb}
}

func (r *Router) CircuitBreaker() *CircuitBreaker { return r.cb }

// ListAliases returns every alias configured for tenantID, for model
// discovery routes.
func (r *Router) ListAliases(ctx context.Context, tenantID string) ([]string, error) {
	return r.mappings.ListAliases(ctx, tenantID)
}

// requiredCapabilities reports whether mapping's capabilities are a superset
// of required — every capability required must be set on the mapping.
func requiredCapabilities(mapping catalog.Capabilities, required catalog.Capabilities) bool {
	if required.Chat && !mapping.Chat {
		return false
	}
	if required.Vision && !mapping.Vision {
		return false
	}
	if required.Streaming && !mapping.Streaming {
		return false
	}
	if required.FunctionCalling && !mapping.FunctionCalling {
		return false
	}
	if required.Audio && !mapping.Audio {
		return false
	}
	if required.Embeddings && !mapping.Embeddings {
		return false
	}
	if required.ImageGeneration && !mapping.ImageGeneration {
		return false
	}
	if required.Transcription && !mapping.Transcription {
		return false
	}
	if required.TextToSpeech && !mapping.TextToSpeech {
		return false
	}
	if required.Realtime && !mapping.Realtime {
		return false
	}
	return true
}

// Resolve runs the five-step routing algorithm:
//
//  1. Load enabled mappings for (tenantID, alias), ordered by priority then ID.
//  2. Drop mappings that don't satisfy required capabilities.
//  3. For the remaining mappings in order, load the provider and its keys,
//     ordered by (primary first, then ID).
//  4. Skip providers excluded by the caller (already attempted this request)
//     and providers whose circuit breaker is open.
//  5. Return the first usable (mapping, provider, key) tuple.
//
// Returns a KindModelNotFound error if no mapping exists at all, or a
// KindProviderUnavailable error if every candidate was excluded or tripped.
func (r *Router) Resolve(ctx context.Context, tenantID, alias string, required catalog.Capabilities, excludedProviders map[string]bool) (*Candidate, error) {
	mappings, err := r.mappings.MappingsForAlias(ctx, tenantID, alias)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUnexpected, err, "mapping lookup failed")
	}

	// MappingsForAlias implementations are expected to return mappings
	// highest-priority-first; re-sort defensively so callers of this
	// package never depend on a particular store's ordering guarantees.
	sort.SliceStable(mappings, func(i, j int) bool {
		if mappings[i].Priority != mappings[j].Priority {
			return mappings[i].Priority > mappings[j].Priority
		}
		return mappings[i].ID < mappings[j].ID
	})

	sawAnyMapping := false
	sawExcludedOnly := false

	for _, mapping := range mappings {
		if !mapping.Enabled {
			continue
		}
		sawAnyMapping = true
		if !requiredCapabilities(mapping.Capabilities, required) {
			continue
		}

		provider, found, err := r.providers.Provider(ctx, mapping.ProviderID)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindUnexpected, err, "provider lookup failed")
		}
		if !found || !provider.Enabled {
			continue
		}
		if excludedProviders[provider.ID] {
			sawExcludedOnly = true
			continue
		}
		if !r.cb.Allow(provider.ID) {
			sawExcludedOnly = true
			continue
		}

		keys, err := r.providers.ProviderKeys(ctx, provider.ID)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindUnexpected, err, "provider key lookup failed")
		}
		sort.SliceStable(keys, func(i, j int) bool {
			if keys[i].Primary != keys[j].Primary {
				return keys[i].Primary // primary (true) sorts first
			}
			return keys[i].ID < keys[j].ID
		})

		for _, key := range keys {
			if !key.Enabled {
				continue
			}
			return &Candidate{Mapping: mapping, Provider: *provider, Key: key}, nil
		}
	}

	if !sawAnyMapping && !sawExcludedOnly {
		return nil, apierr.Newf(apierr.KindModelNotFound, "no model mapping for alias %q", alias).WithParam("model")
	}
	return nil, apierr.Newf(apierr.KindProviderUnavailable, "no provider available for alias %q", alias)
}
