package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"prodflow-access/internal/models"
	"prodflow-access/internal/store"
	"prodflow-access/internal/util"
)

// Sink receives a copy of every audit entry. Mirrors are best-effort;
// the directory store append is the entry's system of record.
type Sink interface {
	Append(ctx context.Context, e *models.AuditEntry) error
}

// RequestMeta carries request-level enrichment for the trail.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// Entry is the caller-facing shape of one audit record.
type Entry struct {
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	Details      map[string]interface{}
	Outcome      models.AuditOutcome
	RootOverride bool
	Meta         RequestMeta
}

// Logger writes the audit trail. Record never returns an error and
// never blocks the caller on mirror latency: audit failures must not
// fail the operation being audited.
type Logger struct {
	store   store.DirectoryStore
	mirrors []Sink
	now     func() time.Time
	async   func(func())
}

type LoggerOption func(*Logger)

func WithMirror(s Sink) LoggerOption {
	return func(l *Logger) { l.mirrors = append(l.mirrors, s) }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) LoggerOption {
	return func(l *Logger) { l.now = now }
}

// WithSideEffectRunner overrides how mirror writes run; tests use an
// inline runner.
func WithSideEffectRunner(run func(func())) LoggerOption {
	return func(l *Logger) { l.async = run }
}

func NewLogger(st store.DirectoryStore, opts ...LoggerOption) *Logger {
	l := &Logger{
		store: st,
		now:   time.Now,
		async: func(fn func()) { go fn() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends the entry to the store and fans it out to mirrors.
func (l *Logger) Record(ctx context.Context, e Entry) {
	row := &models.AuditEntry{
		ID:           uuid.New().String(),
		UserID:       e.ActorID,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Details:      e.Details,
		Outcome:      e.Outcome,
		IPAddress:    e.Meta.IPAddress,
		UserAgent:    e.Meta.UserAgent,
		RootOverride: e.RootOverride,
		CreatedAt:    l.now(),
	}
	if row.Outcome == "" {
		row.Outcome = models.OutcomeSuccess
	}

	if err := l.store.AppendAuditEntry(ctx, row); err != nil {
		util.Error("audit append failed",
			zap.String("action", row.Action),
			zap.String("actor", row.UserID),
			zap.Error(err))
	}

	for _, m := range l.mirrors {
		mirror := m
		l.async(func() {
			bg, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := mirror.Append(bg, row); err != nil {
				util.Warn("audit mirror append failed",
					zap.String("action", row.Action),
					zap.Error(err))
			}
		})
	}
}
