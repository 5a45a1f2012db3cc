package audit

import "context"

// Store persists activity-log entries. Append fails only on unrecoverable
// storage errors; the Logger facade absorbs those for its safe variant.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	Query(ctx context.Context, filter Filter, page Page) (*QueryResult, error)
	FilterOptions(ctx context.Context) (*Options, error)
	Stats(ctx context.Context) (*Stats, error)
}

// Publisher fans an entry out to a secondary sink (e.g. a Kafka security
// topic). Publishing is best-effort and must not block the request path.
type Publisher interface {
	Publish(ctx context.Context, entry Entry)
}
