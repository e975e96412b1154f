package catalog

import (
	"context"

	"github.com/shopspring/decimal"
)

// ProviderStore reads provider records. Owned by the persistence layer;
// the gateway never mutates providers.
type ProviderStore interface {
	Provider(ctx context.Context, id string) (*Provider, bool, error)
	ProviderKeys(ctx context.Context, providerID string) ([]ProviderKey, error)
}

// ModelMappingStore reads the mappings for a logical alias, disabled ones
// included (the router skips those); it is the gateway's sole route to
// "what does gpt-4o_fast mean".
type ModelMappingStore interface {
	MappingsForAlias(ctx context.Context, tenantID, alias string) ([]ModelMapping, error)
	// ListAliases returns every distinct enabled alias configured for a
	// tenant, for GET /v1/models. Order is unspecified.
	ListAliases(ctx context.Context, tenantID string) ([]string, error)
}

// ModelCostStore reads the pricing rule(s) attached to a mapping.
type ModelCostStore interface {
	CostForMapping(ctx context.Context, mappingID string) (*ModelCost, bool, error)
}

// VirtualKeyStore reads virtual keys by their hashed token.
type VirtualKeyStore interface {
	KeyByHash(ctx context.Context, hashedToken string) (*VirtualKey, bool, error)
}

// VirtualKeyGroupStore reads and atomically mutates group balances. The
// mutation methods are the only write surface exposed to the core; they
// must be implemented with single-writer-per-group semantics.
type VirtualKeyGroupStore interface {
	Group(ctx context.Context, id string) (*VirtualKeyGroup, bool, error)
	// ApplyDebit subtracts cost from balance and adds it to lifetime_spent
	// in one transaction, returning the resulting balance.
	ApplyDebit(ctx context.Context, groupID string, cost decimal.Decimal) (decimal.Decimal, error)
}
