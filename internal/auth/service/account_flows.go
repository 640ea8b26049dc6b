package service

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	accountdomain "identity-plane/backend/internal/account/domain"
	accountrepo "identity-plane/backend/internal/account/repository"
	auditdomain "identity-plane/backend/internal/audit/domain"
	evdomain "identity-plane/backend/internal/event/domain"
	"identity-plane/backend/internal/event/publisher"
	tokendomain "identity-plane/backend/internal/token/domain"
)

// RegisterResult holds the new account ID and the verification token the
// delivery glue forwards to the user.
type RegisterResult struct {
	AccountID         string
	VerificationToken string
}

// Register creates a password account. The account starts unverified; an
// EMAIL_VERIFICATION token is issued and a UserCreation event announced.
func (s *AuthService) Register(ctx context.Context, username, email, password string) (*RegisterResult, error) {
	username = strings.TrimSpace(username)
	email = normalizeEmail(email)
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}

	hashed, err := s.hasher.Hash([]byte(password))
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	account := &accountdomain.Account{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        email,
		PasswordHash: hashed,
		Role:         accountdomain.RoleUser,
		Enabled:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := account.Validate(); err != nil {
		return nil, err
	}
	if err := s.accounts.Create(ctx, account); err != nil {
		return nil, mapDuplicate(err)
	}

	verification, err := s.ledger.Issue(ctx, account.ID, "", tokendomain.TypeEmailVerification, s.ttl.Verification)
	if err != nil {
		return nil, err
	}
	publisher.PublishAsync(s.pub, evdomain.TopicUserCreation, account.ID, &evdomain.UserCreation{
		Envelope:  evdomain.NewEnvelope(),
		AccountID: account.ID,
		Username:  account.Username,
		Email:     account.Email,
	})
	return &RegisterResult{AccountID: account.ID, VerificationToken: verification.Value}, nil
}

// LoginWithProvider signs in with a provider-verified {email, name,
// providerID} triple, creating a verified account on first contact. The
// provider already proved email ownership, so no verification token is issued.
func (s *AuthService) LoginWithProvider(ctx context.Context, email, name, providerID string, meta RequestMeta) (*AuthResult, error) {
	email = normalizeEmail(email)
	providerID = strings.TrimSpace(providerID)
	if email == "" || providerID == "" {
		return nil, ErrInvalidCredentials
	}
	account, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if account == nil {
		now := time.Now().UTC()
		account = &accountdomain.Account{
			ID:            uuid.New().String(),
			Username:      email,
			Email:         email,
			ProviderID:    providerID,
			Role:          accountdomain.RoleUser,
			EmailVerified: true,
			Enabled:       true,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.accounts.Create(ctx, account); err != nil {
			return nil, mapDuplicate(err)
		}
		publisher.PublishAsync(s.pub, evdomain.TopicUserCreation, account.ID, &evdomain.UserCreation{
			Envelope:    evdomain.NewEnvelope(),
			AccountID:   account.ID,
			Username:    account.Username,
			Email:       account.Email,
			DisplayName: strings.TrimSpace(name),
		})
	}
	if !account.Enabled {
		return nil, ErrAccountDisabled
	}
	if account.Deleted {
		if err := s.accounts.SetDeleted(ctx, account.ID, false); err != nil {
			return nil, err
		}
		s.log.Info("deleted account restored by provider login", "accountId", account.ID)
	}
	return s.startSession(ctx, account, meta)
}

// VerifyEmail consumes an EMAIL_VERIFICATION token and marks the account verified.
func (s *AuthService) VerifyEmail(ctx context.Context, token string) error {
	tok, err := s.ledger.Consume(ctx, token, tokendomain.TypeEmailVerification)
	if err != nil {
		return err
	}
	return s.accounts.SetEmailVerified(ctx, tok.AccountID)
}

// RequestPasswordReset issues a PASSWORD_RESET token for the account behind
// email. An unknown email succeeds silently so callers cannot enumerate
// registered addresses. Token delivery is the caller's concern.
func (s *AuthService) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	account, err := s.accounts.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return "", err
	}
	if account == nil || account.Deleted || !account.Enabled {
		return "", nil
	}
	// A fresh request supersedes any outstanding reset token.
	if err := s.ledger.RevokeAllByAccountAndType(ctx, account.ID, tokendomain.TypePasswordReset); err != nil {
		return "", err
	}
	issued, err := s.ledger.Issue(ctx, account.ID, "", tokendomain.TypePasswordReset, s.ttl.Reset)
	if err != nil {
		return "", err
	}
	s.log.Info("password reset requested", "accountId", account.ID)
	return issued.Value, nil
}

// ConfirmPasswordReset consumes a PASSWORD_RESET token, sets the new
// password, and kills every session and refresh token of the account.
func (s *AuthService) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	tok, err := s.ledger.Consume(ctx, token, tokendomain.TypePasswordReset)
	if err != nil {
		return err
	}
	hashed, err := s.hasher.Hash([]byte(newPassword))
	if err != nil {
		return err
	}
	if err := s.accounts.UpdatePasswordHash(ctx, tok.AccountID, hashed); err != nil {
		return err
	}
	return s.terminateAllSessions(ctx, tok.AccountID, "PASSWORD_CHANGED")
}

// ChangePassword verifies the current password, sets the new one, and kills
// every session and refresh token of the account.
func (s *AuthService) ChangePassword(ctx context.Context, accountID, current, newPassword string) error {
	account, err := s.mustGetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if err := s.hasher.Compare(account.PasswordHash, []byte(current)); err != nil {
		return ErrInvalidCredentials
	}
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	hashed, err := s.hasher.Hash([]byte(newPassword))
	if err != nil {
		return err
	}
	if err := s.accounts.UpdatePasswordHash(ctx, accountID, hashed); err != nil {
		return err
	}
	return s.terminateAllSessions(ctx, accountID, "PASSWORD_CHANGED")
}

// UpdateEmail sets a new email address. The account drops back to unverified
// and a fresh verification token is issued and returned.
func (s *AuthService) UpdateEmail(ctx context.Context, accountID, newEmail string) (string, error) {
	newEmail = normalizeEmail(newEmail)
	if err := validateEmail(newEmail); err != nil {
		return "", err
	}
	if _, err := s.mustGetAccount(ctx, accountID); err != nil {
		return "", err
	}
	if err := s.accounts.UpdateEmail(ctx, accountID, newEmail); err != nil {
		return "", mapDuplicate(err)
	}
	verification, err := s.ledger.Issue(ctx, accountID, "", tokendomain.TypeEmailVerification, s.ttl.Verification)
	if err != nil {
		return "", err
	}
	publisher.PublishAsync(s.pub, evdomain.TopicAccountEmailUpdated, accountID, &evdomain.AccountEmailUpdated{
		Envelope:  evdomain.NewEnvelope(),
		AccountID: accountID,
		Email:     newEmail,
	})
	return verification.Value, nil
}

// UpdateUsername sets a new username and announces the change.
func (s *AuthService) UpdateUsername(ctx context.Context, accountID, newUsername string) error {
	newUsername = strings.TrimSpace(newUsername)
	if err := validateUsername(newUsername); err != nil {
		return err
	}
	if _, err := s.mustGetAccount(ctx, accountID); err != nil {
		return err
	}
	if err := s.accounts.UpdateUsername(ctx, accountID, newUsername); err != nil {
		return mapDuplicate(err)
	}
	publisher.PublishAsync(s.pub, evdomain.TopicAccountUsernameUpdated, accountID, &evdomain.AccountUsernameUpdated{
		Envelope:  evdomain.NewEnvelope(),
		AccountID: accountID,
		Username:  newUsername,
	})
	return nil
}

// DeleteAccount soft-deletes the account and kills every session and token.
// A later login with correct credentials restores it.
func (s *AuthService) DeleteAccount(ctx context.Context, accountID string) error {
	if _, err := s.mustGetAccount(ctx, accountID); err != nil {
		return err
	}
	if err := s.accounts.SetDeleted(ctx, accountID, true); err != nil {
		return err
	}
	if err := s.ledger.RevokeAllByAccount(ctx, accountID); err != nil {
		return err
	}
	publisher.PublishAsync(s.pub, evdomain.TopicGlobalSessionTermination, accountID, &evdomain.GlobalSessionTermination{
		Envelope:  evdomain.NewEnvelope(),
		AccountID: accountID,
		Reason:    "ACCOUNT_DELETED",
	})
	s.audit.LogEvent(ctx, accountID, auditdomain.ActionAccountDeleted, "")
	return nil
}

func (s *AuthService) terminateAllSessions(ctx context.Context, accountID, reason string) error {
	if err := s.ledger.RevokeAllByAccountAndType(ctx, accountID, tokendomain.TypeRefresh); err != nil {
		return err
	}
	publisher.PublishAsync(s.pub, evdomain.TopicGlobalSessionTermination, accountID, &evdomain.GlobalSessionTermination{
		Envelope:  evdomain.NewEnvelope(),
		AccountID: accountID,
		Reason:    reason,
	})
	s.audit.LogEvent(ctx, accountID, auditdomain.ActionPasswordChange, "")
	return nil
}

func (s *AuthService) mustGetAccount(ctx context.Context, accountID string) (*accountdomain.Account, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil || account.Deleted {
		return nil, ErrAccountNotFound
	}
	return account, nil
}

func mapDuplicate(err error) error {
	switch {
	case errors.Is(err, accountrepo.ErrDuplicateUsername):
		return ErrUsernameAlreadyTaken
	case errors.Is(err, accountrepo.ErrDuplicateEmail):
		return ErrEmailAlreadyRegistered
	}
	return err
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

func validateUsername(username string) error {
	if len(username) < 3 || len(username) > 64 {
		return errors.New("username must be 3-64 characters")
	}
	return nil
}

func validateEmail(email string) error {
	if email == "" {
		return errors.New("email is required")
	}
	const simpleEmail = `^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`
	ok, _ := regexp.MatchString(simpleEmail, email)
	if !ok {
		return errors.New("invalid email format")
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < 12 {
		return errors.New("password must be at least 12 characters")
	}
	var hasUpper, hasLower, hasNumber bool
	for _, r := range password {
		switch {
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= 'a' && r <= 'z':
			hasLower = true
		case r >= '0' && r <= '9':
			hasNumber = true
		}
	}
	if !hasUpper || !hasLower || !hasNumber {
		return errors.New("password must contain upper and lower case letters and a number")
	}
	return nil
}
