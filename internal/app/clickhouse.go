package app

import (
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/nulpointcorp/llm-gateway/internal/billing"
)

// connectClickHouse dials the ClickHouse cluster backing the usage ledger's
// durable sink. An empty dsn means no durable sink is configured — the
// ledger still runs, recording usage via slog only.
func connectClickHouse(dsn string) (billing.Inserter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	return conn, nil
}
