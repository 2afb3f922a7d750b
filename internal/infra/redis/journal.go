package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vietddude/courier/internal/infra/rpc/routing"
)

const (
	defaultMaxEntries = 100
	defaultTTL        = 24 * time.Hour
	writeTimeout      = 2 * time.Second
)

// CallRecord is the journaled summary of a settled call.
type CallRecord struct {
	RequestID  string          `json:"request_id"`
	Service    string          `json:"service"`
	Operation  string          `json:"operation"`
	StartedAt  time.Time       `json:"started_at"`
	DurationMs int64           `json:"duration_ms"`
	Outcome    string          `json:"outcome"`
	Error      string          `json:"error,omitempty"`
	Attempts   []AttemptRecord `json:"attempts"`
}

// AttemptRecord is one attempt of a journaled call.
type AttemptRecord struct {
	Peer       string `json:"peer"`
	Outcome    string `json:"outcome"`
	Retried    bool   `json:"retried"`
	DurationMs int64  `json:"duration_ms"`
}

// NewCallRecord summarizes a settled call.
func NewCallRecord(rc *routing.RequestContext, now time.Time) CallRecord {
	req := rc.Request()
	rec := CallRecord{
		RequestID:  rc.ID,
		Service:    req.Service,
		Operation:  req.Operation,
		StartedAt:  rc.StartedAt(),
		DurationMs: now.Sub(rc.StartedAt()).Milliseconds(),
		Outcome:    rc.Outcome(),
	}
	if err := rc.Err(); err != nil {
		rec.Error = err.Error()
	}

	for _, att := range rc.Attempts() {
		rec.Attempts = append(rec.Attempts, AttemptRecord{
			Peer:       att.Peer,
			Outcome:    att.Kind.String(),
			Retried:    att.Retried,
			DurationMs: att.Duration.Milliseconds(),
		})
	}
	return rec
}

// Key helpers
func callsKey(service, operation string) string {
	return fmt.Sprintf("calls:%s:%s", service, operation)
}

// Journal keeps the most recent settled calls per service and operation.
// It implements routing.Observer; writes happen in the background.
type Journal struct {
	rdb        *redis.Client
	maxEntries int
	ttl        time.Duration

	wg sync.WaitGroup
}

// NewJournal creates a journal on client.
func NewJournal(client *Client, cfg Config) *Journal {
	j := &Journal{
		rdb:        client.rdb,
		maxEntries: cfg.MaxEntries,
		ttl:        cfg.TTL,
	}
	if j.maxEntries <= 0 {
		j.maxEntries = defaultMaxEntries
	}
	if j.ttl <= 0 {
		j.ttl = defaultTTL
	}
	return j
}

func (j *Journal) OnAttempt(*routing.RequestContext, routing.Attempt) {}

func (j *Journal) OnSettled(rc *routing.RequestContext) {
	rec := NewCallRecord(rc, time.Now())

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := j.Append(ctx, rec); err != nil {
			slog.Warn("Failed to journal call", "request_id", rec.RequestID, "error", err)
		}
	}()
}

// Append stores rec as the newest entry of its call list.
func (j *Journal) Append(ctx context.Context, rec CallRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal call record: %w", err)
	}

	key := callsKey(rec.Service, rec.Operation)
	_, err = j.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, int64(j.maxEntries-1))
		pipe.Expire(ctx, key, j.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append call record: %w", err)
	}
	return nil
}

// Recent returns up to n records, newest first.
func (j *Journal) Recent(ctx context.Context, service, operation string, n int) ([]CallRecord, error) {
	if n <= 0 {
		n = j.maxEntries
	}

	items, err := j.rdb.LRange(ctx, callsKey(service, operation), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange failed: %w", err)
	}

	records := make([]CallRecord, 0, len(items))
	for _, item := range items {
		var rec CallRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			slog.Debug("Skipping malformed call record", "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Flush waits for background writes to finish.
func (j *Journal) Flush() {
	j.wg.Wait()
}
