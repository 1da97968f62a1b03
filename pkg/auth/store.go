package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/tenantgate/pkg/apperr"
)

// ErrAlreadyInitialized is returned when bootstrap runs after any user exists.
var ErrAlreadyInitialized = apperr.Conflict("already initialized")

const uniqueViolation = "23505"

// Store persists users in the control-plane database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a user store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

const userColumns = `id, email, password_hash, display_name, role, auth_provider, is_active,
	external_id, groups, job_title, department, invite_token_hash, invite_expires_at,
	reset_token_hash, reset_expires_at, last_login_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row scanner) (*User, error) {
	var (
		u                                      User
		passwordHash, externalID               sql.NullString
		jobTitle, department                   sql.NullString
		inviteHash, resetHash                  sql.NullString
		inviteExpires, resetExpires, lastLogin sql.NullTime
		groups                                 []string
	)

	err := row.Scan(
		&u.ID, &u.Email, &passwordHash, &u.DisplayName, &u.Role, &u.AuthProvider, &u.IsActive,
		&externalID, pq.Array(&groups), &jobTitle, &department, &inviteHash, &inviteExpires,
		&resetHash, &resetExpires, &lastLogin, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	u.PasswordHash = passwordHash.String
	u.ExternalID = externalID.String
	u.Groups = groups
	u.JobTitle = jobTitle.String
	u.Department = department.String
	u.InviteTokenHash = inviteHash.String
	u.ResetTokenHash = resetHash.String
	if inviteExpires.Valid {
		u.InviteExpiresAt = &inviteExpires.Time
	}
	if resetExpires.Valid {
		u.ResetExpiresAt = &resetExpires.Time
	}
	if lastLogin.Valid {
		u.LastLoginAt = &lastLogin.Time
	}
	return &u, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func (s *Store) getOne(ctx context.Context, where string, arg interface{}) (*User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE "+where, arg)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return u, nil
}

// GetByID loads a user by internal id.
func (s *Store) GetByID(ctx context.Context, id int64) (*User, error) {
	return s.getOne(ctx, "id = $1", id)
}

// GetByEmail loads a user by case-insensitive email.
func (s *Store) GetByEmail(ctx context.Context, email string) (*User, error) {
	return s.getOne(ctx, "lower(email) = $1", NormalizeEmail(email))
}

// GetByExternalID loads a federated user by directory identifier.
func (s *Store) GetByExternalID(ctx context.Context, externalID string) (*User, error) {
	return s.getOne(ctx, "external_id = $1", externalID)
}

// GetByInviteToken loads the user holding an unexpired invite token.
func (s *Store) GetByInviteToken(ctx context.Context, tokenHash string) (*User, error) {
	return s.getOne(ctx, "invite_token_hash = $1", tokenHash)
}

// GetByResetToken loads the user holding a reset token.
func (s *Store) GetByResetToken(ctx context.Context, tokenHash string) (*User, error) {
	return s.getOne(ctx, "reset_token_hash = $1", tokenHash)
}

// CountUsers returns the number of user records.
func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return n, nil
}

// CountActiveUsers returns the number of active user records.
func (s *Store) CountActiveUsers(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE is_active = true`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count active users: %w", err)
	}
	return n, nil
}

const insertUser = `INSERT INTO users (email, password_hash, display_name, role, auth_provider, is_active,
	external_id, groups, invite_token_hash, invite_expires_at, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	RETURNING id`

type execQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *Store) insert(ctx context.Context, q execQuerier, u *User) error {
	now := s.now()
	err := q.QueryRowContext(ctx, insertUser,
		NormalizeEmail(u.Email), nullString(u.PasswordHash), u.DisplayName, u.Role, u.AuthProvider, u.IsActive,
		nullString(u.ExternalID), pq.Array(u.Groups), nullString(u.InviteTokenHash), nullTime(u.InviteExpiresAt), now,
	).Scan(&u.ID)
	if isUniqueViolation(err) {
		return apperr.Conflict("a user with this email already exists")
	}
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	u.Email = NormalizeEmail(u.Email)
	u.CreatedAt = now
	u.UpdatedAt = now
	return nil
}

// Create inserts a new user. A duplicate email is a conflict.
func (s *Store) Create(ctx context.Context, u *User) error {
	return s.insert(ctx, s.db, u)
}

// CreateFirstUser inserts u only if the users table is empty. The table lock
// serializes concurrent bootstrap attempts so exactly one succeeds.
func (s *Store) CreateFirstUser(ctx context.Context, u *User) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `LOCK TABLE users IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return fmt.Errorf("failed to lock users: %w", err)
	}

	var n int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return fmt.Errorf("failed to count users: %w", err)
	}
	if n > 0 {
		return ErrAlreadyInitialized
	}

	if err := s.insert(ctx, tx, u); err != nil {
		return err
	}
	return tx.Commit()
}

// SetPassword stores a new hash and clears any pending reset token.
func (s *Store) SetPassword(ctx context.Context, id int64, hash string) error {
	return s.exec(ctx, `UPDATE users SET password_hash = $1, reset_token_hash = NULL,
		reset_expires_at = NULL, updated_at = $2 WHERE id = $3`, hash, s.now(), id)
}

// SetResetToken records a password reset token hash and expiry.
func (s *Store) SetResetToken(ctx context.Context, id int64, tokenHash string, expiresAt time.Time) error {
	return s.exec(ctx, `UPDATE users SET reset_token_hash = $1, reset_expires_at = $2, updated_at = $3
		WHERE id = $4`, tokenHash, expiresAt, s.now(), id)
}

// ConsumeResetToken sets the password and clears the token in one statement.
// It only matches while the token is still stored, so a replay updates nothing.
func (s *Store) ConsumeResetToken(ctx context.Context, tokenHash, passwordHash string) (bool, error) {
	return s.execAffected(ctx, `UPDATE users SET password_hash = $1, reset_token_hash = NULL,
		reset_expires_at = NULL, updated_at = $2
		WHERE reset_token_hash = $3 AND reset_expires_at > $2`, passwordHash, s.now(), tokenHash)
}

// ConsumeInviteToken activates an invited account, sets its password and
// clears the invite token.
func (s *Store) ConsumeInviteToken(ctx context.Context, tokenHash, passwordHash, displayName string) (bool, error) {
	return s.execAffected(ctx, `UPDATE users SET password_hash = $1, is_active = true,
		display_name = COALESCE(NULLIF($2, ''), display_name),
		invite_token_hash = NULL, invite_expires_at = NULL, updated_at = $3
		WHERE invite_token_hash = $4 AND invite_expires_at > $3`, passwordHash, displayName, s.now(), tokenHash)
}

// TouchLastLogin records a successful login.
func (s *Store) TouchLastLogin(ctx context.Context, id int64) error {
	now := s.now()
	return s.exec(ctx, `UPDATE users SET last_login_at = $1 WHERE id = $2`, now, id)
}

// Update applies admin changes.
func (s *Store) Update(ctx context.Context, id int64, upd UserUpdate) error {
	return s.exec(ctx, `UPDATE users SET
		display_name = COALESCE($1, display_name),
		role = COALESCE($2, role),
		is_active = COALESCE($3, is_active),
		updated_at = $4
		WHERE id = $5`,
		upd.DisplayName, (*string)(upd.Role), upd.IsActive, s.now(), id)
}

// List returns users ordered by email.
func (s *Store) List(ctx context.Context, limit, offset int) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+userColumns+" FROM users ORDER BY email LIMIT $1 OFFSET $2", limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

const upsertFederated = `INSERT INTO users (email, display_name, role, auth_provider, is_active,
	external_id, groups, job_title, department, created_at, updated_at)
	VALUES ($1, $2, $3, 'federated', $4, $5, $6, $7, $8, $9, $9)
	ON CONFLICT (external_id) DO UPDATE SET
		email = EXCLUDED.email,
		display_name = EXCLUDED.display_name,
		role = EXCLUDED.role,
		is_active = EXCLUDED.is_active,
		groups = EXCLUDED.groups,
		job_title = EXCLUDED.job_title,
		department = EXCLUDED.department,
		updated_at = EXCLUDED.updated_at
	RETURNING ` + userColumns

// UpsertFederated creates or refreshes a federated user keyed by external id
// in a single atomic statement.
func (s *Store) UpsertFederated(ctx context.Context, p FederatedProfile) (*User, error) {
	row := s.db.QueryRowContext(ctx, upsertFederated,
		NormalizeEmail(p.Email), p.DisplayName, p.Role, p.IsActive,
		p.ExternalID, pq.Array(p.Groups), nullString(p.JobTitle), nullString(p.Department), s.now(),
	)
	u, err := scanUser(row)
	if isUniqueViolation(err) {
		return nil, apperr.Conflict("email %s belongs to another account", NormalizeEmail(p.Email))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to upsert federated user: %w", err)
	}
	return u, nil
}

// ActiveFederatedExternalIDs returns external ids of active federated users.
func (s *Store) ActiveFederatedExternalIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT external_id FROM users
		WHERE auth_provider = 'federated' AND is_active = true AND external_id IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to list federated users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeactivateByExternalID marks an active federated user inactive. It reports
// whether a row changed, so repeated calls count once.
func (s *Store) DeactivateByExternalID(ctx context.Context, externalID string) (bool, error) {
	return s.execAffected(ctx, `UPDATE users SET is_active = false, updated_at = $1
		WHERE external_id = $2 AND is_active = true`, s.now(), externalID)
}

func (s *Store) exec(ctx context.Context, query string, args ...interface{}) error {
	ok, err := s.execAffected(ctx, query, args...)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("user not found")
	}
	return nil
}

func (s *Store) execAffected(ctx context.Context, query string, args ...interface{}) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if isUniqueViolation(err) {
		return false, apperr.Conflict("a user with this email already exists")
	}
	if err != nil {
		return false, fmt.Errorf("failed to update user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}
