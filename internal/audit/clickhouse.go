package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"prodflow-access/internal/client"
	"prodflow-access/internal/models"
	"prodflow-access/internal/util"
)

const (
	chInsertQuery = `INSERT INTO audit_history (
        id, user_id, action, resource_type, resource_id, details,
        outcome, ip_address, user_agent, is_root_admin_override, created_at)`

	chFlushInterval = 5 * time.Second
	chBatchSize     = 500
)

// ClickHouseSink buffers audit entries and flushes them to the columnar
// history table in batches.
type ClickHouseSink struct {
	ch     *client.ClickHouseClient
	mu     sync.Mutex
	buf    [][]interface{}
	stop   chan struct{}
	once   sync.Once
	doneWG sync.WaitGroup
}

func NewClickHouseSink(ch *client.ClickHouseClient) *ClickHouseSink {
	s := &ClickHouseSink{
		ch:   ch,
		stop: make(chan struct{}),
	}
	s.doneWG.Add(1)
	go s.flushLoop()
	return s
}

func (s *ClickHouseSink) Append(ctx context.Context, e *models.AuditEntry) error {
	details := "{}"
	if e.Details != nil {
		if b, err := json.Marshal(e.Details); err == nil {
			details = string(b)
		}
	}

	row := []interface{}{
		e.ID, e.UserID, e.Action, e.ResourceType, e.ResourceID, details,
		string(e.Outcome), e.IPAddress, e.UserAgent, e.RootOverride, e.CreatedAt,
	}

	s.mu.Lock()
	s.buf = append(s.buf, row)
	full := len(s.buf) >= chBatchSize
	s.mu.Unlock()

	if full {
		s.flush()
	}
	return nil
}

func (s *ClickHouseSink) flushLoop() {
	defer s.doneWG.Done()
	ticker := time.NewTicker(chFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.stop:
			s.flush()
			return
		}
	}
}

func (s *ClickHouseSink) flush() {
	s.mu.Lock()
	batch := s.buf
	s.buf = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.ch.BatchInsert(ctx, chInsertQuery, batch); err != nil {
		util.Warn("clickhouse audit flush failed",
			zap.Int("rows", len(batch)),
			zap.Error(err))
	}
}

// Close flushes the remaining buffer and stops the loop.
func (s *ClickHouseSink) Close() {
	s.once.Do(func() { close(s.stop) })
	s.doneWG.Wait()
}
