package audit

import (
	"context"
	"fmt"
	"log/slog"

	"enroll/pkg/requestcontext"
)

// Record is the caller-facing input to the Logger. Request provenance and
// actor identity are filled in from the context; payloads are sanitized
// before persistence.
type Record struct {
	Category string
	Action   string
	Status   Status

	SubjectType  string
	SubjectID    string
	SubjectLabel string

	Message string

	// Arbitrary structured payloads; each is independently sanitized and
	// size-bounded. Nil means absent.
	Before any
	After  any
	Meta   any
}

// Logger is the facade combining context extraction, sanitization, and the
// store. All call sites in this service use LogSafe; Log exists for contexts
// that want to react to logging failure.
type Logger struct {
	store     Store
	publisher Publisher
	log       *slog.Logger
}

// Option configures a Logger.
type Option func(*Logger)

// WithSlog sets the side-channel logger for swallowed failures.
func WithSlog(log *slog.Logger) Option {
	return func(l *Logger) { l.log = log }
}

// WithPublisher adds a best-effort secondary sink for blocked/security entries.
func WithPublisher(p Publisher) Option {
	return func(l *Logger) { l.publisher = p }
}

// NewLogger creates a Logger writing to store.
func NewLogger(store Store, opts ...Option) *Logger {
	l := &Logger{store: store, log: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Log records an activity entry, propagating storage failures to the caller.
func (l *Logger) Log(ctx context.Context, rec Record) error {
	entry := l.buildEntry(ctx, rec)
	if err := l.store.Append(ctx, entry); err != nil {
		return fmt.Errorf("append activity entry: %w", err)
	}
	if l.publisher != nil && entry.Status == StatusBlocked {
		l.publisher.Publish(ctx, entry)
	}
	return nil
}

// LogSafe records an activity entry and never fails: any internal error is
// reported on the side channel and swallowed. Audit logging is best-effort
// and must never abort or alter the outcome of the operation it describes.
func (l *Logger) LogSafe(ctx context.Context, rec Record) {
	defer func() {
		if r := recover(); r != nil {
			l.log.ErrorContext(ctx, "activity log panic", "panic", r, "action", rec.Action)
		}
	}()
	if err := l.Log(ctx, rec); err != nil {
		l.log.ErrorContext(ctx, "activity log write failed",
			"error", err,
			"category", rec.Category,
			"action", rec.Action,
			"request_id", requestcontext.RequestID(ctx),
		)
	}
}

func (l *Logger) buildEntry(ctx context.Context, rec Record) Entry {
	actor := requestcontext.ActorFrom(ctx)

	entry := Entry{
		ActorUserID:  actor.UserID,
		ActorName:    actor.Name,
		ActorEmail:   actor.Email,
		Category:     rec.Category,
		Action:       rec.Action,
		Status:       rec.Status,
		SubjectType:  rec.SubjectType,
		SubjectID:    rec.SubjectID,
		SubjectLabel: rec.SubjectLabel,
		Message:      rec.Message,
		RouteName:    requestcontext.RouteName(ctx),
		HTTPMethod:   requestcontext.HTTPMethod(ctx),
		IPAddress:    requestcontext.ClientIP(ctx),
		UserAgent:    requestcontext.UserAgent(ctx),
		RequestID:    requestcontext.RequestID(ctx),
		CreatedAt:    requestcontext.Now(ctx),
	}

	if v, ok := Sanitize(rec.Before); ok {
		entry.Before = v
	}
	if v, ok := Sanitize(rec.After); ok {
		entry.After = v
	}
	meta := rec.Meta
	if summary := requestcontext.DeviceSummary(ctx); summary != "" {
		meta = withDeviceSummary(meta, summary)
	}
	if v, ok := Sanitize(meta); ok {
		entry.Meta = v
	}

	entry.Normalize()
	return entry
}

// withDeviceSummary folds the UA-derived device summary into the meta payload
// without clobbering caller-supplied metadata.
func withDeviceSummary(meta any, summary string) any {
	switch m := meta.(type) {
	case nil:
		return map[string]any{"device": summary}
	case map[string]any:
		if _, exists := m["device"]; !exists {
			copied := make(map[string]any, len(m)+1)
			for k, v := range m {
				copied[k] = v
			}
			copied["device"] = summary
			return copied
		}
		return m
	default:
		return map[string]any{"device": summary, "data": meta}
	}
}
