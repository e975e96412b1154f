package billing

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// channelBuffer/batchSize/flushInterval implement a non-blocking buffered
// channel drained in batches by a background goroutine, so billing never
// sits on the request hot path.
const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

const insertQuery = `INSERT INTO usage_events
	(id, tenant_id, virtual_key_id, group_id, provider, model, operation,
	 input_tokens, output_tokens, cost, latency_ms, status, cached, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// UsageEvent is one billed (or failed) request, the record both the slog
// sink and the ClickHouse sink receive.
type UsageEvent struct {
	ID           uuid.UUID
	TenantID     string
	VirtualKeyID string
	GroupID      string
	Provider     string
	Model        string
	Operation    string
	InputTokens  uint32
	OutputTokens uint32
	Cost         decimal.Decimal
	LatencyMs    uint16
	Status       uint16
	Cached       bool
	CreatedAt    time.Time
}

// Inserter is the narrow slice of clickhouse-go/v2's driver.Conn the ledger
// needs. Declared locally so tests can fake it without a live ClickHouse
// server.
type Inserter interface {
	AsyncInsert(ctx context.Context, query string, wait bool, args ...any) error
}

// Ledger is the usage-event emitter. It writes every event to the
// structured logger synchronously-from-the-batcher's-perspective and,
// best-effort, inserts a durable row into ClickHouse. A ClickHouse error
// is logged and swallowed — ledger durability never fails the request that
// already completed (same sink-never-fails principle as metrics/tracing).
type Ledger struct {
	ch        chan UsageEvent
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedEvents int64

	baseCtx context.Context
	log     *slog.Logger
	store   Inserter // nil => ClickHouse sink disabled, slog-only
}

func NewLedger(ctx context.Context, slogger *slog.Logger, store Inserter) (*Ledger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("billing: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	l := &Ledger{
		ch:      make(chan UsageEvent, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
		store:   store,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Record enqueues a usage event. Non-blocking: if the channel is full the
// event is dropped and counted in DroppedEvents rather than blocking the
// caller.
func (l *Ledger) Record(e UsageEvent) {
	select {
	case l.ch <- e:
	default:
		atomic.AddInt64(&l.droppedEvents, 1)
	}
}

func (l *Ledger) DroppedEvents() int64 {
	return atomic.LoadInt64(&l.droppedEvents)
}

func (l *Ledger) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	l.wg.Wait()
	return nil
}

func (l *Ledger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]UsageEvent, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			l.log.InfoContext(ctx, "usage_event",
				slog.String("id", e.ID.String()),
				slog.String("tenant_id", e.TenantID),
				slog.String("virtual_key_id", e.VirtualKeyID),
				slog.String("group_id", e.GroupID),
				slog.String("provider", e.Provider),
				slog.String("model", e.Model),
				slog.String("operation", e.Operation),
				slog.Uint64("input_tokens", uint64(e.InputTokens)),
				slog.Uint64("output_tokens", uint64(e.OutputTokens)),
				slog.String("cost", e.Cost.String()),
				slog.Uint64("latency_ms", uint64(e.LatencyMs)),
				slog.Uint64("status", uint64(e.Status)),
				slog.Bool("cached", e.Cached),
				slog.Time("created_at", normalizeTime(e.CreatedAt)),
			)
			l.insertClickHouse(ctx, e)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func (l *Ledger) insertClickHouse(ctx context.Context, e UsageEvent) {
	if l.store == nil {
		return
	}
	err := l.store.AsyncInsert(ctx, insertQuery, false,
		e.ID, e.TenantID, e.VirtualKeyID, e.GroupID, e.Provider, e.Model, e.Operation,
		e.InputTokens, e.OutputTokens, e.Cost.String(), e.LatencyMs, e.Status, e.Cached,
		normalizeTime(e.CreatedAt),
	)
	if err != nil {
		l.log.WarnContext(ctx, "usage_event_clickhouse_insert_failed",
			slog.String("id", e.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
