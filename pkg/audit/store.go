package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store is the persistence behind the Sink and the search endpoint.
type Store interface {
	Insert(ctx context.Context, entry Entry) error
	Search(ctx context.Context, filter Filter) ([]Entry, error)
	ExpiredBatch(ctx context.Context, cutoff time.Time, limit int) ([]Entry, error)
	DeleteIDs(ctx context.Context, ids []string) (int64, error)
}

// DBStore implements Store on PostgreSQL.
type DBStore struct {
	db *sql.DB
}

// NewDBStore creates a database-backed audit store
func NewDBStore(db *sql.DB) *DBStore {
	return &DBStore{db: db}
}

const entryColumns = `id, actor_id, actor_email, action, target_type, target_id,
	details, ip_address, user_agent, created_at`

// Insert writes one entry, assigning its id and timestamp when unset.
func (s *DBStore) Insert(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	var details []byte
	if e.Details != nil {
		var err error
		details, err = json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal details: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.ActorID, e.ActorEmail, string(e.Action), e.TargetType, e.TargetID,
		details, e.IPAddress, e.UserAgent, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// Search returns entries newest first.
func (s *DBStore) Search(ctx context.Context, filter Filter) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM audit_logs WHERE 1=1`
	args := []interface{}{}
	argCount := 1

	if filter.ActorID != nil {
		query += fmt.Sprintf(" AND actor_id = $%d", argCount)
		args = append(args, *filter.ActorID)
		argCount++
	}

	if len(filter.Actions) > 0 {
		actions := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			actions[i] = string(a)
		}
		query += fmt.Sprintf(" AND action = ANY($%d)", argCount)
		args = append(args, pq.Array(actions))
		argCount++
	}

	if filter.TargetType != "" {
		query += fmt.Sprintf(" AND target_type = $%d", argCount)
		args = append(args, filter.TargetType)
		argCount++
	}

	if filter.TargetID != "" {
		query += fmt.Sprintf(" AND target_id = $%d", argCount)
		args = append(args, filter.TargetID)
		argCount++
	}

	if filter.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argCount)
		args = append(args, *filter.Since)
		argCount++
	}

	if filter.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argCount)
		args = append(args, *filter.Until)
		argCount++
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argCount, argCount+1)
	args = append(args, limit, filter.Offset)

	return s.query(ctx, query, args...)
}

// ExpiredBatch returns up to limit entries created before cutoff, oldest first.
func (s *DBStore) ExpiredBatch(ctx context.Context, cutoff time.Time, limit int) ([]Entry, error) {
	return s.query(ctx, `SELECT `+entryColumns+` FROM audit_logs
		WHERE created_at < $1 ORDER BY created_at ASC LIMIT $2`, cutoff, limit)
}

// DeleteIDs removes the given entries.
func (s *DBStore) DeleteIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("failed to delete audit logs: %w", err)
	}
	return res.RowsAffected()
}

func (s *DBStore) query(ctx context.Context, query string, args ...interface{}) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e         Entry
			actorID   sql.NullInt64
			action    string
			details   []byte
			email     sql.NullString
			tType     sql.NullString
			tID       sql.NullString
			ip        sql.NullString
			userAgent sql.NullString
		)
		if err := rows.Scan(&e.ID, &actorID, &email, &action, &tType, &tID,
			&details, &ip, &userAgent, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		if actorID.Valid {
			id := actorID.Int64
			e.ActorID = &id
		}
		e.Action = Action(action)
		e.ActorEmail = email.String
		e.TargetType = tType.String
		e.TargetID = tID.String
		e.IPAddress = ip.String
		e.UserAgent = userAgent.String
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal details: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
