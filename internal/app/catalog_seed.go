package app

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/llm-gateway/internal/catalog"
	"github.com/nulpointcorp/llm-gateway/internal/config"
	"github.com/nulpointcorp/llm-gateway/internal/vkey"
)

// capabilityFlags maps a config.ModelMappingSeed.Capabilities entry to the
// catalog.Capabilities bit it sets.
var capabilityFlags = map[string]func(*catalog.Capabilities){
	"chat":             func(c *catalog.Capabilities) { c.Chat = true },
	"vision":           func(c *catalog.Capabilities) { c.Vision = true },
	"streaming":        func(c *catalog.Capabilities) { c.Streaming = true },
	"function_calling": func(c *catalog.Capabilities) { c.FunctionCalling = true },
	"audio":            func(c *catalog.Capabilities) { c.Audio = true },
	"embeddings":       func(c *catalog.Capabilities) { c.Embeddings = true },
	"image_generation": func(c *catalog.Capabilities) { c.ImageGeneration = true },
	"transcription":    func(c *catalog.Capabilities) { c.Transcription = true },
	"text_to_speech":   func(c *catalog.Capabilities) { c.TextToSpeech = true },
	"realtime":         func(c *catalog.Capabilities) { c.Realtime = true },
}

// buildCatalogStore seeds a catalog.MemoryStore from the bootstrap section
// of Config. This module has no persistence layer, so every provider,
// pricing rule, alias mapping, billing group, and virtual key it serves
// must be declared at startup.
func buildCatalogStore(cat config.CatalogConfig) (*catalog.MemoryStore, error) {
	store := catalog.NewMemoryStore()

	for _, p := range cat.Providers {
		store.RegisterProvider(catalog.Provider{
			ID:      p.ID,
			Type:    catalog.ProviderType(p.Type),
			BaseURL: p.BaseURL,
			Enabled: p.Enabled,
		})
	}

	costs := make(map[string]catalog.ModelCost, len(cat.Costs))
	for _, c := range cat.Costs {
		cost, err := parseModelCost(c)
		if err != nil {
			return nil, fmt.Errorf("catalog seed: cost %q: %w", c.ID, err)
		}
		costs[c.ID] = cost
	}

	for _, m := range cat.Mappings {
		mapping := catalog.ModelMapping{
			ID:              m.ID,
			TenantID:        m.TenantID,
			Alias:           m.Alias,
			ProviderID:      m.ProviderID,
			ProviderModelID: m.ProviderModelID,
			Priority:        m.Priority,
			Enabled:         m.Enabled,
		}
		for _, name := range m.Capabilities {
			set, ok := capabilityFlags[name]
			if !ok {
				return nil, fmt.Errorf("catalog seed: mapping %q: unknown capability %q", m.ID, name)
			}
			set(&mapping.Capabilities)
		}

		var cost *catalog.ModelCost
		if m.CostID != "" {
			c, ok := costs[m.CostID]
			if !ok {
				return nil, fmt.Errorf("catalog seed: mapping %q references unknown cost %q", m.ID, m.CostID)
			}
			cost = &c
		}
		store.RegisterMapping(mapping, cost)
	}

	for _, g := range cat.Groups {
		balance, err := parseDecimalOrZero(g.Balance)
		if err != nil {
			return nil, fmt.Errorf("catalog seed: group %q balance: %w", g.ID, err)
		}
		store.RegisterGroup(catalog.VirtualKeyGroup{
			ID:      g.ID,
			Name:    g.Name,
			Balance: balance,
		})
	}

	for _, k := range cat.VirtualKeys {
		if k.Token == "" {
			return nil, fmt.Errorf("catalog seed: virtual key %q has no token", k.ID)
		}
		store.RegisterVirtualKey(catalog.VirtualKey{
			ID:            k.ID,
			HashedToken:   vkey.HashToken(k.Token),
			Name:          k.Name,
			AllowedModels: k.AllowedModels,
			GroupID:       k.GroupID,
			RPMLimit:      k.RPMLimit,
			RPDLimit:      k.RPDLimit,
			Disabled:      k.Disabled,
		})
	}

	return store, nil
}

func parseModelCost(c config.ModelCostSeed) (catalog.ModelCost, error) {
	input, err := parseDecimalOrZero(c.InputCostPerM)
	if err != nil {
		return catalog.ModelCost{}, fmt.Errorf("input_cost_per_m: %w", err)
	}
	output, err := parseDecimalOrZero(c.OutputCostPerM)
	if err != nil {
		return catalog.ModelCost{}, fmt.Errorf("output_cost_per_m: %w", err)
	}
	perSecond, err := parseDecimalOrZero(c.PerSecondRate)
	if err != nil {
		return catalog.ModelCost{}, fmt.Errorf("per_second_rate: %w", err)
	}
	perChar, err := parseDecimalOrZero(c.PerCharacterRate)
	if err != nil {
		return catalog.ModelCost{}, fmt.Errorf("per_character_rate: %w", err)
	}
	perImage, err := parseDecimalOrZero(c.PerImageRate)
	if err != nil {
		return catalog.ModelCost{}, fmt.Errorf("per_image_rate: %w", err)
	}

	return catalog.ModelCost{
		ID:               c.ID,
		Name:             c.Name,
		Model:            catalog.PricingModel(c.PricingModel),
		InputCostPerM:    input,
		OutputCostPerM:   output,
		PerSecondRate:    perSecond,
		PerCharacterRate: perChar,
		PerImageRate:     perImage,
		Priority:         c.Priority,
	}, nil
}

func parseDecimalOrZero(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
