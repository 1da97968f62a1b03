package auth

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/platinummonkey/tenantgate/pkg/apperr"
	"github.com/platinummonkey/tenantgate/pkg/observability"
)

// Notifier delivers invite and password-reset links to users.
type Notifier interface {
	SendInvite(ctx context.Context, email, link string, expiresAt time.Time) error
	SendPasswordReset(ctx context.Context, email, link string, expiresAt time.Time) error
}

// LogNotifier writes delivery events to the structured log. It is the
// default until a mail transport is configured.
type LogNotifier struct {
	Logger *observability.Logger
}

func (n LogNotifier) SendInvite(ctx context.Context, email, link string, expiresAt time.Time) error {
	n.Logger.WithFields(map[string]interface{}{
		"email":      email,
		"link":       link,
		"expires_at": expiresAt,
	}).Info("invite issued")
	return nil
}

func (n LogNotifier) SendPasswordReset(ctx context.Context, email, link string, expiresAt time.Time) error {
	n.Logger.WithFields(map[string]interface{}{
		"email":      email,
		"link":       link,
		"expires_at": expiresAt,
	}).Info("password reset issued")
	return nil
}

// UserLimits exposes the organization's user quota. ok is false when no
// organization exists yet, which means unlimited.
type UserLimits interface {
	MaxUsers(ctx context.Context) (limit int64, ok bool, err error)
}

// OrganizationBootstrapper creates the singleton organization at setup.
type OrganizationBootstrapper interface {
	EnsureOrganization(ctx context.Context, name string) error
}

// ServiceConfig holds account-flow settings.
type ServiceConfig struct {
	BaseURL   string
	InviteTTL time.Duration
	ResetTTL  time.Duration
}

// Service implements the local-credential account flows.
type Service struct {
	store    *Store
	tokens   *TokenService
	notifier Notifier
	limits   UserLimits
	orgs     OrganizationBootstrapper
	cfg      ServiceConfig
	logger   *observability.Logger
	now      func() time.Time
}

// NewService wires the account service. limits and orgs may be nil.
func NewService(store *Store, tokens *TokenService, notifier Notifier, limits UserLimits, orgs OrganizationBootstrapper, cfg ServiceConfig, logger *observability.Logger) *Service {
	if cfg.InviteTTL <= 0 {
		cfg.InviteTTL = DefaultInviteTTL
	}
	if cfg.ResetTTL <= 0 {
		cfg.ResetTTL = DefaultResetTTL
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	return &Service{
		store:    store,
		tokens:   tokens,
		notifier: notifier,
		limits:   limits,
		orgs:     orgs,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Session is a user together with a freshly issued session token.
type Session struct {
	User  *User
	Token string
}

func (s *Service) issue(u *User) (*Session, error) {
	token, err := s.tokens.Issue(ClaimsForUser(u))
	if err != nil {
		return nil, fmt.Errorf("failed to issue session token: %w", err)
	}
	return &Session{User: u, Token: token}, nil
}

func validateEmail(email string) (string, error) {
	email = NormalizeEmail(email)
	at := strings.Index(email, "@")
	if at < 1 || at == len(email)-1 {
		return "", apperr.Validation("a valid email is required")
	}
	return email, nil
}

// SetupInput is the bootstrap request.
type SetupInput struct {
	Email            string `json:"email"`
	Password         string `json:"password"`
	DisplayName      string `json:"displayName"`
	OrganizationName string `json:"organizationName,omitempty"`
}

// Setup creates the sole bootstrap admin. It fails with a conflict once any
// user exists.
func (s *Service) Setup(ctx context.Context, in SetupInput) (*Session, error) {
	n, err := s.store.CountUsers(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, ErrAlreadyInitialized
	}

	u, err := s.newLocalUser(in.Email, in.Password, in.DisplayName, RoleAdmin)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateFirstUser(ctx, u); err != nil {
		return nil, err
	}

	if in.OrganizationName != "" && s.orgs != nil {
		if err := s.orgs.EnsureOrganization(ctx, in.OrganizationName); err != nil {
			s.logger.WithError(err).Warn("setup: organization bootstrap failed")
		}
	}

	return s.issue(u)
}

func (s *Service) newLocalUser(email, password, displayName string, role Role) (*User, error) {
	email, err := validateEmail(email)
	if err != nil {
		return nil, err
	}
	if !role.Valid() {
		return nil, apperr.Validation("unknown role %q", role)
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	if strings.TrimSpace(displayName) == "" {
		displayName = email
	}
	return &User{
		Email:        email,
		PasswordHash: hash,
		DisplayName:  strings.TrimSpace(displayName),
		Role:         role,
		AuthProvider: ProviderLocal,
		IsActive:     true,
	}, nil
}

// CreateLocalUser creates an active local account.
func (s *Service) CreateLocalUser(ctx context.Context, email, password, displayName string, role Role) (*User, error) {
	u, err := s.newLocalUser(email, password, displayName, role)
	if err != nil {
		return nil, err
	}
	if err := s.checkUserQuota(ctx); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Login verifies local credentials. Every failure looks the same to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	invalid := apperr.Auth("invalid email or password")

	u, err := s.store.GetByEmail(ctx, email)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil, invalid
	}
	if err != nil {
		return nil, err
	}
	if u.AuthProvider != ProviderLocal || !u.IsActive || !VerifyPassword(u, password) {
		return nil, invalid
	}

	if err := s.store.TouchLastLogin(ctx, u.ID); err != nil {
		s.logger.WithError(err).Warn("failed to record last login")
	}
	now := s.now()
	u.LastLoginAt = &now

	return s.issue(u)
}

// Me returns the current user, rejecting deactivated accounts.
func (s *Service) Me(ctx context.Context, userID int64) (*User, error) {
	u, err := s.store.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !u.IsActive {
		return nil, apperr.Auth("account is deactivated")
	}
	return u, nil
}

// ChangePassword rotates a local user's password after verifying the current one.
func (s *Service) ChangePassword(ctx context.Context, userID int64, current, next string) error {
	u, err := s.Me(ctx, userID)
	if err != nil {
		return err
	}
	if u.AuthProvider != ProviderLocal {
		return apperr.Validation("federated accounts change their password with the identity provider")
	}
	if !VerifyPassword(u, current) {
		return apperr.Auth("current password is incorrect")
	}
	if err := ValidatePassword(next); err != nil {
		return err
	}
	hash, err := HashPassword(next)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	return s.store.SetPassword(ctx, u.ID, hash)
}

// ForgotPassword issues a reset link when a matching local account exists.
// The outcome is never revealed to the caller; the returned user is only for
// auditing and is nil when nothing was sent.
func (s *Service) ForgotPassword(ctx context.Context, email string) *User {
	u, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		if !apperr.Is(err, apperr.KindNotFound) {
			s.logger.WithError(err).Error("forgot password lookup failed")
		}
		return nil
	}
	if u.AuthProvider != ProviderLocal || !u.IsActive {
		return nil
	}

	token, hash, err := GenerateOneTimeToken()
	if err != nil {
		s.logger.WithError(err).Error("failed to generate reset token")
		return nil
	}
	expiresAt := s.now().Add(s.cfg.ResetTTL)
	if err := s.store.SetResetToken(ctx, u.ID, hash, expiresAt); err != nil {
		s.logger.WithError(err).Error("failed to store reset token")
		return nil
	}
	if err := s.notifier.SendPasswordReset(ctx, u.Email, s.link("/reset-password", token), expiresAt); err != nil {
		s.logger.WithError(err).Error("failed to deliver reset link")
	}
	return u
}

// ResetPassword consumes a reset token. The token is single-use.
func (s *Service) ResetPassword(ctx context.Context, token, password string) (*User, error) {
	if token == "" {
		return nil, apperr.Validation("reset token is required")
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	tokenHash := HashToken(token)
	u, err := s.store.GetByResetToken(ctx, tokenHash)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil, apperr.Validation("invalid or expired reset token")
	}
	if err != nil {
		return nil, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	ok, err := s.store.ConsumeResetToken(ctx, tokenHash, hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Validation("invalid or expired reset token")
	}
	return u, nil
}

// Invite is a pending account with its activation link.
type Invite struct {
	User      *User     `json:"user"`
	Link      string    `json:"link"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CreateInvite creates an inactive local account and sends its activation link.
func (s *Service) CreateInvite(ctx context.Context, email, displayName string, role Role) (*Invite, error) {
	email, err := validateEmail(email)
	if err != nil {
		return nil, err
	}
	if !role.Valid() {
		return nil, apperr.Validation("unknown role %q", role)
	}
	if err := s.checkUserQuota(ctx); err != nil {
		return nil, err
	}

	token, hash, err := GenerateOneTimeToken()
	if err != nil {
		return nil, err
	}
	expiresAt := s.now().Add(s.cfg.InviteTTL)
	if strings.TrimSpace(displayName) == "" {
		displayName = email
	}

	u := &User{
		Email:           email,
		DisplayName:     strings.TrimSpace(displayName),
		Role:            role,
		AuthProvider:    ProviderLocal,
		IsActive:        false,
		InviteTokenHash: hash,
		InviteExpiresAt: &expiresAt,
	}
	if err := s.store.Create(ctx, u); err != nil {
		return nil, err
	}

	link := s.link("/invite/accept", token)
	if err := s.notifier.SendInvite(ctx, email, link, expiresAt); err != nil {
		s.logger.WithError(err).Error("failed to deliver invite")
	}
	return &Invite{User: u, Link: link, ExpiresAt: expiresAt}, nil
}

// ValidateInvite returns the invited user for a live invite token.
func (s *Service) ValidateInvite(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, apperr.Validation("invite token is required")
	}
	u, err := s.store.GetByInviteToken(ctx, HashToken(token))
	if apperr.Is(err, apperr.KindNotFound) {
		return nil, apperr.Validation("invalid or expired invite")
	}
	if err != nil {
		return nil, err
	}
	if u.InviteExpiresAt == nil || !s.now().Before(*u.InviteExpiresAt) {
		return nil, apperr.Validation("invalid or expired invite")
	}
	return u, nil
}

// AcceptInvite sets the password, activates the account and signs the user in.
func (s *Service) AcceptInvite(ctx context.Context, token, password, displayName string) (*Session, error) {
	u, err := s.ValidateInvite(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	ok, err := s.store.ConsumeInviteToken(ctx, HashToken(token), hash, strings.TrimSpace(displayName))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Validation("invalid or expired invite")
	}

	u, err = s.store.GetByID(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	return s.issue(u)
}

// ListUsers pages through users.
func (s *Service) ListUsers(ctx context.Context, limit, offset int) ([]*User, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.List(ctx, limit, offset)
}

// UpdateUser applies admin changes to a user. Deactivation is the only delete.
func (s *Service) UpdateUser(ctx context.Context, id int64, upd UserUpdate) (*User, error) {
	if upd.Role != nil && !upd.Role.Valid() {
		return nil, apperr.Validation("unknown role %q", *upd.Role)
	}
	if upd.DisplayName != nil && strings.TrimSpace(*upd.DisplayName) == "" {
		return nil, apperr.Validation("displayName cannot be empty")
	}
	if err := s.store.Update(ctx, id, upd); err != nil {
		return nil, err
	}
	return s.store.GetByID(ctx, id)
}

// checkUserQuota requires active < limit, so a limit of zero admits nobody.
// Without an organization there is no limit.
func (s *Service) checkUserQuota(ctx context.Context) error {
	if s.limits == nil {
		return nil
	}
	limit, ok, err := s.limits.MaxUsers(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	active, err := s.store.CountActiveUsers(ctx)
	if err != nil {
		return err
	}
	if active >= limit {
		return apperr.QuotaExceeded("users", active, limit)
	}
	return nil
}

func (s *Service) link(path, token string) string {
	return strings.TrimRight(s.cfg.BaseURL, "/") + path + "?token=" + url.QueryEscape(token)
}
