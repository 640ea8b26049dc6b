// Package service implements the authentication flows: login, refresh
// rotation, logout, and the account lifecycle operations around them.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	accountdomain "identity-plane/backend/internal/account/domain"
	accountrepo "identity-plane/backend/internal/account/repository"
	"identity-plane/backend/internal/audit"
	auditdomain "identity-plane/backend/internal/audit/domain"
	evdomain "identity-plane/backend/internal/event/domain"
	"identity-plane/backend/internal/event/publisher"
	"identity-plane/backend/internal/lockout"
	"identity-plane/backend/internal/security"
	tokendomain "identity-plane/backend/internal/token/domain"
	tokensvc "identity-plane/backend/internal/token/service"
)

// Sentinel errors for the auth service; the handler maps them to HTTP codes.
var (
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrAccountLocked          = errors.New("account locked")
	ErrAccountDisabled        = errors.New("account disabled")
	ErrAccountDeleted         = errors.New("account deleted")
	ErrEmailNotVerified       = errors.New("email not verified")
	ErrUsernameAlreadyTaken   = errors.New("username already taken")
	ErrEmailAlreadyRegistered = errors.New("email already registered")
	ErrAccountNotFound        = errors.New("account not found")
)

// LockedError wraps ErrAccountLocked with the unlock time for the response body.
type LockedError struct {
	Until *time.Time
}

func (e *LockedError) Error() string {
	if e.Until == nil {
		return "account locked"
	}
	return fmt.Sprintf("account locked until %s", e.Until.Format(time.RFC3339))
}

func (e *LockedError) Unwrap() error { return ErrAccountLocked }

// AuthResult holds the outcome of Login, LoginWithProvider, or Refresh.
type AuthResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	AccountID    string
}

// TTLConfig carries the lifetimes the auth flows hand to issued artifacts.
type TTLConfig struct {
	Refresh      time.Duration
	Verification time.Duration
	Reset        time.Duration
	Session      time.Duration
}

// RequestMeta carries per-request client metadata into issued sessions.
type RequestMeta struct {
	UserAgent string
	IPAddress string
}

// AuthService composes the credential store, token ledger, and lockout
// policy, and publishes the events downstream services consume.
type AuthService struct {
	accounts accountrepo.Repository
	ledger   *tokensvc.Ledger
	lock     *lockout.Policy
	hasher   *security.Hasher
	tokens   *security.TokenProvider
	pub      publisher.Publisher
	audit    audit.AuditLogger
	ttl      TTLConfig
	log      *slog.Logger
}

// NewAuthService returns an AuthService with the given dependencies.
func NewAuthService(
	accounts accountrepo.Repository,
	ledger *tokensvc.Ledger,
	lock *lockout.Policy,
	hasher *security.Hasher,
	tokens *security.TokenProvider,
	pub publisher.Publisher,
	auditLog audit.AuditLogger,
	ttl TTLConfig,
	log *slog.Logger,
) *AuthService {
	return &AuthService{
		accounts: accounts,
		ledger:   ledger,
		lock:     lock,
		hasher:   hasher,
		tokens:   tokens,
		pub:      pub,
		audit:    auditLog,
		ttl:      ttl,
		log:      log,
	}
}

// Login authenticates an identifier (username or email) and password.
//
// The lock check runs before password verification: a locked account answers
// AccountLocked even to the correct password, without touching the counter.
// A failed verification is recorded durably before the error returns, so the
// attempt survives even if this request dies on the way out.
func (s *AuthService) Login(ctx context.Context, identifier, password string, meta RequestMeta) (*AuthResult, error) {
	if identifier == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	account, err := s.accounts.GetByIdentifier(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if account == nil {
		s.audit.LogEvent(ctx, "", auditdomain.ActionLoginFailure, auditMeta("identifier", identifier))
		return nil, ErrInvalidCredentials
	}

	if _, err := s.lock.MaybeUnlock(ctx, account); err != nil {
		return nil, err
	}
	if account.Locked {
		s.audit.LogEvent(ctx, account.ID, auditdomain.ActionLoginFailure, `{"reason":"locked"}`)
		return nil, &LockedError{Until: account.LockedUntil}
	}

	if err := s.hasher.Compare(account.PasswordHash, []byte(password)); err != nil {
		state, recErr := s.lock.RecordFailure(ctx, account.ID)
		if recErr != nil {
			s.log.Error("failed attempt not recorded", "accountId", account.ID, "error", recErr)
		}
		s.audit.LogEvent(ctx, account.ID, auditdomain.ActionLoginFailure, `{"reason":"bad_password"}`)
		if state != nil && state.Locked {
			s.audit.LogEvent(ctx, account.ID, auditdomain.ActionAccountLocked, "")
			return nil, &LockedError{Until: state.LockedUntil}
		}
		return nil, ErrInvalidCredentials
	}

	if !account.Enabled {
		return nil, ErrAccountDisabled
	}
	if !account.EmailVerified && account.ProviderID == "" {
		return nil, ErrEmailNotVerified
	}
	if account.Deleted {
		// Correct credentials on a soft-deleted account restore it.
		if err := s.accounts.SetDeleted(ctx, account.ID, false); err != nil {
			return nil, err
		}
		s.log.Info("deleted account restored by login", "accountId", account.ID)
	}

	if err := s.lock.RecordSuccess(ctx, account.ID); err != nil {
		s.log.Error("failure counter not reset", "accountId", account.ID, "error", err)
	}
	return s.startSession(ctx, account, meta)
}

// startSession issues a fresh refresh-token family and access token and
// announces the session.
func (s *AuthService) startSession(ctx context.Context, account *accountdomain.Account, meta RequestMeta) (*AuthResult, error) {
	sessionID := uuid.New().String()
	issued, err := s.ledger.Issue(ctx, account.ID, sessionID, tokendomain.TypeRefresh, s.ttl.Refresh)
	if err != nil {
		return nil, err
	}
	accessToken, accessExp, err := s.tokens.IssueAccess(security.Identity{
		AccountID: account.ID,
		Username:  account.Username,
		Email:     account.Email,
		Role:      string(account.Role),
	})
	if err != nil {
		return nil, err
	}

	ev := &evdomain.SessionCreation{
		Envelope:  evdomain.NewEnvelope(),
		SessionID: sessionID,
		AccountID: account.ID,
		UserAgent: meta.UserAgent,
		IPAddress: meta.IPAddress,
		ExpiresAt: time.Now().UTC().Add(s.ttl.Session),
	}
	publisher.PublishAsync(s.pub, evdomain.TopicSessionCreation, account.ID, ev)
	s.audit.LogEvent(ctx, account.ID, auditdomain.ActionLoginSuccess, "")

	return &AuthResult{
		AccessToken:  accessToken,
		RefreshToken: issued.Value,
		ExpiresAt:    accessExp,
		AccountID:    account.ID,
	}, nil
}

// Refresh rotates the presented refresh token. A reused token revokes the
// whole family and terminates its session; the account must still be enabled
// and undeleted or the family is revoked outright.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*AuthResult, error) {
	if refreshToken == "" {
		return nil, tokensvc.ErrInvalidToken
	}
	tok, err := s.ledger.Lookup(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	account, err := s.accounts.GetByID(ctx, tok.AccountID)
	if err != nil {
		return nil, err
	}
	if account == nil || account.Deleted || !account.Enabled {
		if err := s.ledger.RevokeFamily(ctx, tok.RootTokenID); err != nil {
			s.log.Error("family revocation failed", "rootTokenId", tok.RootTokenID, "error", err)
		}
		if account != nil && account.Deleted {
			return nil, ErrAccountDeleted
		}
		return nil, ErrAccountDisabled
	}

	issued, err := s.ledger.Rotate(ctx, refreshToken, s.ttl.Refresh)
	if err != nil {
		if errors.Is(err, tokensvc.ErrTokenReuseDetected) {
			s.audit.LogEvent(ctx, tok.AccountID, auditdomain.ActionTokenReuse, auditMeta("sessionId", tok.SessionID))
			publisher.PublishAsync(s.pub, evdomain.TopicSessionTermination, tok.AccountID, &evdomain.SessionTermination{
				Envelope:  evdomain.NewEnvelope(),
				SessionID: tok.SessionID,
				AccountID: tok.AccountID,
				Reason:    "REVOKED",
			})
		}
		return nil, err
	}

	accessToken, accessExp, err := s.tokens.IssueAccess(security.Identity{
		AccountID: account.ID,
		Username:  account.Username,
		Email:     account.Email,
		Role:      string(account.Role),
	})
	if err != nil {
		return nil, err
	}
	return &AuthResult{
		AccessToken:  accessToken,
		RefreshToken: issued.Value,
		ExpiresAt:    accessExp,
		AccountID:    account.ID,
	}, nil
}

// Logout revokes the presented refresh token's family and terminates its
// session. An unknown or already-dead token is a no-op; logout is idempotent.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	tok, err := s.ledger.Revoke(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, tokensvc.ErrTokenNotFound) {
			return nil
		}
		return err
	}
	if err := s.ledger.RevokeFamily(ctx, tok.RootTokenID); err != nil {
		return err
	}
	publisher.PublishAsync(s.pub, evdomain.TopicSessionTermination, tok.AccountID, &evdomain.SessionTermination{
		Envelope:  evdomain.NewEnvelope(),
		SessionID: tok.SessionID,
		AccountID: tok.AccountID,
		Reason:    "LOGOUT",
	})
	s.audit.LogEvent(ctx, tok.AccountID, auditdomain.ActionLogout, auditMeta("sessionId", tok.SessionID))
	return nil
}

// GlobalLogout revokes every refresh token of the presented token's account
// and terminates all its sessions. Unlike Logout, the presented token must
// still be live: a long-revoked or expired value cannot terminate an
// account's sessions, it only earns an audit entry.
func (s *AuthService) GlobalLogout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return tokensvc.ErrInvalidToken
	}
	tok, err := s.ledger.Lookup(ctx, refreshToken)
	if err != nil {
		return err
	}
	if tok.Type != tokendomain.TypeRefresh || !tok.Valid(time.Now().UTC()) {
		s.audit.LogEvent(ctx, tok.AccountID, auditdomain.ActionGlobalLogoutDenied, auditMeta("tokenId", tok.ID))
		return tokensvc.ErrInvalidToken
	}
	if err := s.ledger.RevokeAllByAccountAndType(ctx, tok.AccountID, tokendomain.TypeRefresh); err != nil {
		return err
	}
	publisher.PublishAsync(s.pub, evdomain.TopicGlobalSessionTermination, tok.AccountID, &evdomain.GlobalSessionTermination{
		Envelope:  evdomain.NewEnvelope(),
		AccountID: tok.AccountID,
		Reason:    "GLOBAL_LOGOUT",
	})
	s.audit.LogEvent(ctx, tok.AccountID, auditdomain.ActionGlobalLogout, "")
	return nil
}

func auditMeta(key, value string) string {
	return fmt.Sprintf("{%q:%q}", key, value)
}
