package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	accountdomain "identity-plane/backend/internal/account/domain"
	accountrepo "identity-plane/backend/internal/account/repository"
	"identity-plane/backend/internal/auth/service"
	"identity-plane/backend/internal/lockout"
	"identity-plane/backend/internal/security"
	"identity-plane/backend/internal/server"
	tokendomain "identity-plane/backend/internal/token/domain"
	tokensvc "identity-plane/backend/internal/token/service"
)

// Compact in-memory stores; the service tests cover their semantics.

type accountStore struct {
	mu       sync.Mutex
	accounts map[string]*accountdomain.Account
}

func newAccountStore() *accountStore {
	return &accountStore{accounts: make(map[string]*accountdomain.Account)}
}

func (s *accountStore) find(match func(*accountdomain.Account) bool) *accountdomain.Account {
	for _, a := range s.accounts {
		if match(a) {
			cp := *a
			return &cp
		}
	}
	return nil
}

func (s *accountStore) GetByID(ctx context.Context, id string) (*accountdomain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.find(func(a *accountdomain.Account) bool { return a.ID == id }), nil
}

func (s *accountStore) GetByIdentifier(ctx context.Context, identifier string) (*accountdomain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.find(func(a *accountdomain.Account) bool {
		return a.Username == identifier || a.Email == identifier
	}), nil
}

func (s *accountStore) GetByEmail(ctx context.Context, email string) (*accountdomain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.find(func(a *accountdomain.Account) bool { return a.Email == email }), nil
}

func (s *accountStore) GetByUsername(ctx context.Context, username string) (*accountdomain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.find(func(a *accountdomain.Account) bool { return a.Username == username }), nil
}

func (s *accountStore) Create(ctx context.Context, a *accountdomain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.accounts {
		if existing.Username == a.Username {
			return accountrepo.ErrDuplicateUsername
		}
		if existing.Email == a.Email {
			return accountrepo.ErrDuplicateEmail
		}
	}
	cp := *a
	s.accounts[a.ID] = &cp
	return nil
}

func (s *accountStore) UpdatePasswordHash(ctx context.Context, id, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[id]; ok {
		a.PasswordHash = passwordHash
	}
	return nil
}

func (s *accountStore) UpdateEmail(ctx context.Context, id, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[id]; ok {
		a.Email = email
		a.EmailVerified = false
	}
	return nil
}

func (s *accountStore) UpdateUsername(ctx context.Context, id, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for otherID, other := range s.accounts {
		if otherID != id && other.Username == username {
			return accountrepo.ErrDuplicateUsername
		}
	}
	if a, ok := s.accounts[id]; ok {
		a.Username = username
	}
	return nil
}

func (s *accountStore) SetEmailVerified(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[id]; ok {
		a.EmailVerified = true
	}
	return nil
}

func (s *accountStore) SetDeleted(ctx context.Context, id string, deleted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[id]; ok {
		a.Deleted = deleted
	}
	return nil
}

func (s *accountStore) RecordFailedAttempt(ctx context.Context, id string, threshold int, lockUntil time.Time) (*accountrepo.LockoutState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, nil
	}
	a.FailedLoginAttempts++
	if a.FailedLoginAttempts >= threshold {
		a.Locked = true
		u := lockUntil
		a.LockedUntil = &u
	}
	return &accountrepo.LockoutState{
		FailedAttempts: a.FailedLoginAttempts,
		Locked:         a.Locked,
		LockedUntil:    a.LockedUntil,
	}, nil
}

func (s *accountStore) ClearLock(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[id]; ok {
		a.Locked = false
		a.LockedUntil = nil
		a.FailedLoginAttempts = 0
	}
	return nil
}

func (s *accountStore) ResetFailedAttempts(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[id]; ok {
		a.FailedLoginAttempts = 0
	}
	return nil
}

type tokenStore struct {
	mu     sync.Mutex
	tokens map[string]*tokendomain.Token
}

func newTokenStore() *tokenStore {
	return &tokenStore{tokens: make(map[string]*tokendomain.Token)}
}

func (s *tokenStore) GetByHash(ctx context.Context, hash string) (*tokendomain.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.Hash == hash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *tokenStore) Create(ctx context.Context, t *tokendomain.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tokens[t.ID] = &cp
	return nil
}

func (s *tokenStore) Revoke(ctx context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok || t.Revoked {
		return false, nil
	}
	t.Revoked = true
	t.RevokedAt = &at
	return true, nil
}

func (s *tokenStore) RotateChild(ctx context.Context, parentID string, at time.Time, child *tokendomain.Token) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, ok := s.tokens[parentID]
	if !ok || parent.Revoked {
		return false, nil
	}
	parent.Revoked = true
	parent.RevokedAt = &at
	cp := *child
	s.tokens[child.ID] = &cp
	return true, nil
}

func (s *tokenStore) RevokeFamily(ctx context.Context, rootTokenID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.tokens {
		if t.RootTokenID == rootTokenID && !t.Revoked {
			t.Revoked = true
			t.RevokedAt = &at
			n++
		}
	}
	return n, nil
}

func (s *tokenStore) MarkReused(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tokens[id]; ok {
		t.Reused = true
	}
	return nil
}

func (s *tokenStore) CountActiveInFamily(ctx context.Context, rootTokenID string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.tokens {
		if t.RootTokenID == rootTokenID && !t.Revoked && t.ExpiresAt.After(now) {
			n++
		}
	}
	return n, nil
}

func (s *tokenStore) RevokeAllByAccount(ctx context.Context, accountID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.AccountID == accountID && !t.Revoked {
			t.Revoked = true
			t.RevokedAt = &at
		}
	}
	return nil
}

func (s *tokenStore) RevokeAllByAccountAndType(ctx context.Context, accountID string, typ tokendomain.Type, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.AccountID == accountID && t.Type == typ && !t.Revoked {
			t.Revoked = true
			t.RevokedAt = &at
		}
	}
	return nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(ctx context.Context, topic, accountID string, event any) error {
	return nil
}

func (nopPublisher) Close() error { return nil }

type nopAudit struct{}

func (nopAudit) LogEvent(ctx context.Context, accountID, action, metadata string) {}

func newTestServer(t *testing.T) (*httptest.Server, *accountStore) {
	t.Helper()
	accounts := newAccountStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	tokens := security.NewTokenProvider([]byte("test-secret"), "identity-plane", "identity-plane", 15*time.Minute)

	svc := service.NewAuthService(
		accounts,
		tokensvc.NewLedger(newTokenStore()),
		lockout.NewPolicy(accounts, 5, 24*time.Hour),
		security.NewHasher(bcrypt.MinCost),
		tokens,
		nopPublisher{},
		nopAudit{},
		service.TTLConfig{
			Refresh:      30 * 24 * time.Hour,
			Verification: 24 * time.Hour,
			Reset:        time.Hour,
			Session:      30 * 24 * time.Hour,
		},
		log,
	)
	h := New(svc, log)
	router := server.NewRouter(log, nil)
	h.RegisterPublicRoutes(router)
	server.Protected(router, tokens, h.RegisterProtectedRoutes)
	return httptest.NewServer(router), accounts
}

func seedAccount(t *testing.T, accounts *accountStore) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("Str0ngPassword!"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	err = accounts.Create(context.Background(), &accountdomain.Account{
		ID:            "acc-1",
		Username:      "alice",
		Email:         "alice@example.com",
		PasswordHash:  string(hash),
		Role:          accountdomain.RoleUser,
		EmailVerified: true,
		Enabled:       true,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func postJSON(t *testing.T, url string, body any, auth string) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	return resp
}

func decodeError(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Code
}

func login(t *testing.T, srv *httptest.Server) tokenResponse {
	t.Helper()
	resp := postJSON(t, srv.URL+"/auth/login", map[string]string{
		"identifier": "alice@example.com",
		"password":   "Str0ngPassword!",
	}, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	var tokens tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return tokens
}

func TestLoginEndpoint(t *testing.T) {
	srv, accounts := newTestServer(t)
	defer srv.Close()
	seedAccount(t, accounts)

	tokens := login(t, srv)
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatal("token response incomplete")
	}
	if tokens.AccessTokenExpiresIn <= 0 || tokens.AccessTokenExpiresIn > 900 {
		t.Errorf("accessTokenExpiresIn = %d, want ~900", tokens.AccessTokenExpiresIn)
	}

	resp := postJSON(t, srv.URL+"/auth/login", map[string]string{
		"identifier": "alice@example.com",
		"password":   "wrong",
	}, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad password status = %d", resp.StatusCode)
	}
	if code := decodeError(t, resp); code != "INVALID_CREDENTIALS" {
		t.Errorf("code = %q", code)
	}
}

func TestLoginEndpoint_LockoutScenario(t *testing.T) {
	srv, accounts := newTestServer(t)
	defer srv.Close()
	seedAccount(t, accounts)

	var lastCode string
	for i := 0; i < 5; i++ {
		resp := postJSON(t, srv.URL+"/auth/login", map[string]string{
			"identifier": "alice@example.com",
			"password":   "wrong",
		}, "")
		lastCode = decodeError(t, resp)
		resp.Body.Close()
	}
	if lastCode != "ACCOUNT_LOCKED" {
		t.Fatalf("5th failure code = %q, want ACCOUNT_LOCKED", lastCode)
	}

	// Correct password during the lock window is still refused.
	resp := postJSON(t, srv.URL+"/auth/login", map[string]string{
		"identifier": "alice@example.com",
		"password":   "Str0ngPassword!",
	}, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("in-window status = %d", resp.StatusCode)
	}
	if code := decodeError(t, resp); code != "ACCOUNT_LOCKED" {
		t.Errorf("in-window code = %q", code)
	}
}

func TestRefreshEndpoint(t *testing.T) {
	srv, accounts := newTestServer(t)
	defer srv.Close()
	seedAccount(t, accounts)
	tokens := login(t, srv)

	resp := postJSON(t, srv.URL+"/auth/refresh", map[string]string{"refreshToken": tokens.RefreshToken}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d", resp.StatusCode)
	}
	var rotated tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&rotated); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	// Replay of the consumed token: 401 INVALID_TOKEN, family revoked.
	resp = postJSON(t, srv.URL+"/auth/refresh", map[string]string{"refreshToken": tokens.RefreshToken}, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("replay status = %d", resp.StatusCode)
	}
	if code := decodeError(t, resp); code != "INVALID_TOKEN" {
		t.Errorf("replay code = %q, reuse must not be distinguishable", code)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/auth/refresh", map[string]string{"refreshToken": rotated.RefreshToken}, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("post-revocation refresh status = %d", resp.StatusCode)
	}

	resp2 := postJSON(t, srv.URL+"/auth/refresh", map[string]string{"refreshToken": "never-issued"}, "")
	defer resp2.Body.Close()
	if code := decodeError(t, resp2); code != "TOKEN_NOT_FOUND" {
		t.Errorf("unknown token code = %q", code)
	}
}

func TestLogoutEndpoint(t *testing.T) {
	srv, accounts := newTestServer(t)
	defer srv.Close()
	seedAccount(t, accounts)
	tokens := login(t, srv)

	resp := postJSON(t, srv.URL+"/auth/logout", map[string]string{"refreshToken": tokens.RefreshToken}, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout status = %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/auth/refresh", map[string]string{"refreshToken": tokens.RefreshToken}, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("refresh after logout status = %d", resp.StatusCode)
	}
}

func TestRegisterEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	body := map[string]string{"username": "bob", "email": "bob@example.com", "password": "Str0ngPassword!"}
	resp := postJSON(t, srv.URL+"/auth/register", body, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/auth/register", body, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate register status = %d", resp.StatusCode)
	}
}

func TestChangePasswordEndpoint(t *testing.T) {
	srv, accounts := newTestServer(t)
	defer srv.Close()
	seedAccount(t, accounts)
	tokens := login(t, srv)
	auth := "Bearer " + tokens.AccessToken

	// Requires a bearer token.
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/account/password", bytes.NewReader([]byte(`{}`)))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", resp.StatusCode)
	}

	payload, _ := json.Marshal(map[string]string{
		"currentPassword": "Str0ngPassword!",
		"newPassword":     "NewStr0ngPass1",
	})
	req, _ = http.NewRequest(http.MethodPut, srv.URL+"/account/password", bytes.NewReader(payload))
	req.Header.Set("Authorization", auth)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("change password status = %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/auth/login", map[string]string{
		"identifier": "alice",
		"password":   "NewStr0ngPass1",
	}, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login with new password status = %d", resp.StatusCode)
	}
}

func TestDeleteAccountEndpoint(t *testing.T) {
	srv, accounts := newTestServer(t)
	defer srv.Close()
	seedAccount(t, accounts)
	tokens := login(t, srv)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/account", nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	a, _ := accounts.GetByID(context.Background(), "acc-1")
	if !a.Deleted {
		t.Error("account not soft-deleted")
	}

	// Login restores the account.
	login(t, srv)
	a, _ = accounts.GetByID(context.Background(), "acc-1")
	if a.Deleted {
		t.Error("login did not restore the account")
	}
}

func TestVerifyEmailEndpoint_InvalidToken(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/auth/verify-email", map[string]string{"token": "bogus"}, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if code := decodeError(t, resp); code != "TOKEN_NOT_FOUND" {
		t.Errorf("code = %q", code)
	}
}

func TestPasswordResetRequestEndpoint_NoEnumeration(t *testing.T) {
	srv, accounts := newTestServer(t)
	defer srv.Close()
	seedAccount(t, accounts)

	for _, email := range []string{"alice@example.com", "ghost@example.com"} {
		resp := postJSON(t, srv.URL+"/auth/password-reset/request", map[string]string{"email": email}, "")
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("reset request for %s status = %d, responses must be uniform", email, resp.StatusCode)
		}
	}
}
