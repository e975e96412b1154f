package billing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type fakeInserter struct {
	mu      sync.Mutex
	inserts int
	failAll bool
}

func (f *fakeInserter) AsyncInsert(_ context.Context, _ string, _ bool, _ ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts++
	if f.failAll {
		return fmt.Errorf("simulated clickhouse outage")
	}
	return nil
}

func (f *fakeInserter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inserts
}

func TestLedger_RecordFlushesToClickHouse(t *testing.T) {
	store := &fakeInserter{}
	l, err := NewLedger(context.Background(), nil, store)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	defer l.Close()

	l.Record(UsageEvent{ID: uuid.New(), Provider: "groq", Model: "gemma2-9b-it", Cost: decimal.NewFromFloat(0.002)})
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if store.count() != 1 {
		t.Fatalf("clickhouse inserts = %d, want 1", store.count())
	}
}

func TestLedger_ClickHouseFailureIsSwallowed(t *testing.T) {
	store := &fakeInserter{failAll: true}
	l, err := NewLedger(context.Background(), nil, store)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}

	l.Record(UsageEvent{ID: uuid.New(), Provider: "openai"})
	if err := l.Close(); err != nil {
		t.Fatalf("close must not fail even when the sink errors: %v", err)
	}
}

func TestLedger_DroppedEventsStartsAtZero(t *testing.T) {
	l, err := NewLedger(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	defer l.Close()

	l.Record(UsageEvent{ID: uuid.New()})
	time.Sleep(5 * time.Millisecond)

	if l.DroppedEvents() != 0 {
		t.Fatalf("dropped events = %d, want 0 for an unsaturated channel", l.DroppedEvents())
	}
}
