package repo

import (
	"context"
	"database/sql"
	"strings"

	"pidestat/internal/domain"
)

// EventFilter narrows event listings; empty fields match everything.
type EventFilter struct {
	SessionID  string
	Type       string
	EntityKind string
	EntityID   string
}

func (f EventFilter) where() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.SessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, f.SessionID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	return strings.Join(clauses, " AND "), args
}

// LatestEvents returns the newest events first.
func (r Repo) LatestEvents(ctx context.Context, limit int, f EventFilter) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, f)
}

// LatestEventsFrom pages backwards: cursor is the id to start below, 0 for the newest.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, f EventFilter) ([]domain.Event, error) {
	where, args := f.where()
	if cursor > 0 {
		if where != "" {
			where += " AND "
		}
		where += "id<?"
		args = append(args, cursor)
	}
	query := `SELECT id,ts,type,COALESCE(session_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with id > cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, sessionID string) ([]domain.Event, error) {
	return r.queryEvents(ctx, `SELECT id,ts,type,COALESCE(session_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json
FROM events WHERE id>? AND session_id=? ORDER BY id LIMIT ?`, cursor, sessionID, limit)
}

// LatestEventID returns the highest event id of a session, 0 when empty.
func (r Repo) LatestEventID(ctx context.Context, sessionID string) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events WHERE session_id=?`, sessionID).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.SessionID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
