// Package postgres persists the activity log in PostgreSQL. The table is
// append-only: the application never updates or deletes a row after insert.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"enroll/pkg/platform/audit"
	"enroll/pkg/requestcontext"
)

// Store implements audit.Store on a PostgreSQL activity_logs table.
type Store struct {
	db *sql.DB
}

// New creates a PostgreSQL audit store. Schema provisioning is handled by the
// platform postgres package on first use.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append inserts a new activity entry. The surrogate id and created_at are
// assigned at insert time when not supplied.
func (s *Store) Append(ctx context.Context, entry audit.Entry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	beforeJSON, err := marshalPayload(entry.Before)
	if err != nil {
		return fmt.Errorf("marshal before payload: %w", err)
	}
	afterJSON, err := marshalPayload(entry.After)
	if err != nil {
		return fmt.Errorf("marshal after payload: %w", err)
	}
	metaJSON, err := marshalPayload(entry.Meta)
	if err != nil {
		return fmt.Errorf("marshal meta payload: %w", err)
	}

	query := `
		INSERT INTO activity_logs (
			actor_user_id, actor_name, actor_email,
			category, action, status,
			subject_type, subject_id, subject_label,
			message, route_name, http_method, ip_address, user_agent, request_id,
			before_data, after_data, meta, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err = s.db.ExecContext(ctx, query,
		nullString(entry.ActorUserID),
		entry.ActorName,
		entry.ActorEmail,
		entry.Category,
		entry.Action,
		string(entry.Status),
		nullString(entry.SubjectType),
		nullString(entry.SubjectID),
		nullString(entry.SubjectLabel),
		entry.Message,
		nullString(entry.RouteName),
		nullString(entry.HTTPMethod),
		nullString(entry.IPAddress),
		nullString(entry.UserAgent),
		nullString(entry.RequestID),
		beforeJSON,
		afterJSON,
		metaJSON,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert activity entry: %w", err)
	}
	return nil
}

// Query returns one page of matching entries, newest first. A page number
// past the end is clamped to the last available page.
func (s *Store) Query(ctx context.Context, filter audit.Filter, page audit.Page) (*audit.QueryResult, error) {
	where, args := buildWhere(filter)

	var total int
	countQuery := "SELECT COUNT(*) FROM activity_logs" + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count activity entries: %w", err)
	}

	page = page.Clamp()
	totalPages := (total + page.Size - 1) / page.Size
	if totalPages < 1 {
		totalPages = 1
	}
	if page.Number > totalPages {
		page.Number = totalPages
	}
	offset := (page.Number - 1) * page.Size

	query := `
		SELECT id, actor_user_id, actor_name, actor_email,
			   category, action, status,
			   subject_type, subject_id, subject_label,
			   message, route_name, http_method, ip_address, user_agent, request_id,
			   before_data, after_data, meta, created_at
		FROM activity_logs` + where + `
		ORDER BY created_at DESC, id DESC
		LIMIT $` + fmt.Sprint(len(args)+1) + ` OFFSET $` + fmt.Sprint(len(args)+2)

	rows, err := s.db.QueryContext(ctx, query, append(args, page.Size, offset)...)
	if err != nil {
		return nil, fmt.Errorf("query activity entries: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}

	return &audit.QueryResult{
		Rows:       entries,
		Total:      total,
		Page:       page.Number,
		PageSize:   page.Size,
		TotalPages: totalPages,
	}, nil
}

// FilterOptions returns distinct classification values for filter UIs.
func (s *Store) FilterOptions(ctx context.Context) (*audit.Options, error) {
	opts := &audit.Options{}
	for _, col := range []struct {
		name string
		dst  *[]string
	}{
		{"category", &opts.Categories},
		{"action", &opts.Actions},
		{"status", &opts.Statuses},
		{"subject_type", &opts.SubjectTypes},
	} {
		query := fmt.Sprintf(
			`SELECT DISTINCT %s FROM activity_logs WHERE %s IS NOT NULL AND %s <> '' ORDER BY %s`,
			col.name, col.name, col.name, col.name)
		rows, err := s.db.QueryContext(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("distinct %s: %w", col.name, err)
		}
		for rows.Next() {
			var v string
			if err := rows.Scan(&v); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan distinct %s: %w", col.name, err)
			}
			*col.dst = append(*col.dst, v)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterate distinct %s: %w", col.name, err)
		}
		rows.Close()
	}
	return opts, nil
}

// Stats aggregates totals, failures, last-24h activity, and distinct actors
// (actor key = email if present, else name).
func (s *Store) Stats(ctx context.Context) (*audit.Stats, error) {
	now := requestcontext.Now(ctx).UTC()

	args := []any{now.Add(-24 * time.Hour)}
	placeholders := make([]string, len(audit.FailureStatuses))
	for i, status := range audit.FailureStatuses {
		placeholders[i] = fmt.Sprintf("$%d", len(args)+1)
		args = append(args, string(status))
	}
	query := fmt.Sprintf(`
		SELECT COUNT(*),
			   COUNT(*) FILTER (WHERE status IN (%s)),
			   COUNT(*) FILTER (WHERE created_at > $1),
			   COUNT(DISTINCT CASE
					WHEN actor_email <> '' THEN actor_email
					WHEN actor_name <> '' THEN actor_name
			   END)
		FROM activity_logs
	`, strings.Join(placeholders, ", "))

	stats := &audit.Stats{}
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total, &stats.Failures, &stats.Last24h, &stats.DistinctActors)
	if err != nil {
		return nil, fmt.Errorf("aggregate activity stats: %w", err)
	}
	return stats, nil
}

// ClearActor nulls the weak actor reference for a deleted user without
// touching the denormalized snapshots. This is the only permitted mutation of
// written rows and exists to keep the reference weak rather than cascading.
func (s *Store) ClearActor(ctx context.Context, actorUserID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE activity_logs SET actor_user_id = NULL WHERE actor_user_id = $1`, actorUserID)
	if err != nil {
		return fmt.Errorf("clear actor reference: %w", err)
	}
	return nil
}

func buildWhere(filter audit.Filter) (string, []any) {
	var conds []string
	var args []any

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Search != "" {
		p := arg("%" + filter.Search + "%")
		cols := []string{
			"action", "category", "message", "subject_label", "subject_id",
			"route_name", "request_id", "actor_name", "actor_email",
		}
		sub := make([]string, 0, len(cols))
		for _, c := range cols {
			sub = append(sub, fmt.Sprintf("%s ILIKE %s", c, p))
		}
		conds = append(conds, "("+strings.Join(sub, " OR ")+")")
	}
	if filter.Actor != "" {
		p := arg("%" + filter.Actor + "%")
		conds = append(conds, fmt.Sprintf("(actor_name ILIKE %s OR actor_email ILIKE %s)", p, p))
	}
	if filter.Category != "" {
		conds = append(conds, "category = "+arg(filter.Category))
	}
	if filter.Action != "" {
		conds = append(conds, "action = "+arg(filter.Action))
	}
	if filter.Status != "" {
		conds = append(conds, "status = "+arg(filter.Status))
	}
	if filter.SubjectType != "" {
		conds = append(conds, "subject_type = "+arg(filter.SubjectType))
	}

	from, to := filter.Bounds()
	if !from.IsZero() {
		conds = append(conds, "created_at >= "+arg(from))
	}
	if !to.IsZero() {
		conds = append(conds, "created_at <= "+arg(to))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanEntries(rows *sql.Rows) ([]audit.Entry, error) {
	var entries []audit.Entry

	for rows.Next() {
		var (
			e          audit.Entry
			actorUser  sql.NullString
			subjType   sql.NullString
			subjID     sql.NullString
			subjLabel  sql.NullString
			routeName  sql.NullString
			httpMethod sql.NullString
			ipAddress  sql.NullString
			userAgent  sql.NullString
			requestID  sql.NullString
			beforeRaw  []byte
			afterRaw   []byte
			metaRaw    []byte
		)

		err := rows.Scan(
			&e.ID, &actorUser, &e.ActorName, &e.ActorEmail,
			&e.Category, &e.Action, &e.Status,
			&subjType, &subjID, &subjLabel,
			&e.Message, &routeName, &httpMethod, &ipAddress, &userAgent, &requestID,
			&beforeRaw, &afterRaw, &metaRaw, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan activity entry: %w", err)
		}

		e.ActorUserID = actorUser.String
		e.SubjectType = subjType.String
		e.SubjectID = subjID.String
		e.SubjectLabel = subjLabel.String
		e.RouteName = routeName.String
		e.HTTPMethod = httpMethod.String
		e.IPAddress = ipAddress.String
		e.UserAgent = userAgent.String
		e.RequestID = requestID.String

		if e.Before, err = unmarshalPayload(beforeRaw); err != nil {
			return nil, fmt.Errorf("decode before payload: %w", err)
		}
		if e.After, err = unmarshalPayload(afterRaw); err != nil {
			return nil, fmt.Errorf("decode after payload: %w", err)
		}
		if e.Meta, err = unmarshalPayload(metaRaw); err != nil {
			return nil, fmt.Errorf("decode meta payload: %w", err)
		}

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity entries: %w", err)
	}
	return entries, nil
}

func marshalPayload(v audit.Value) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func unmarshalPayload(raw []byte) (audit.Value, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return audit.DecodeValue(raw)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
