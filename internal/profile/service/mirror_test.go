package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"identity-plane/backend/internal/db"
	"identity-plane/backend/internal/event/dedup"
	evdomain "identity-plane/backend/internal/event/domain"
	"identity-plane/backend/internal/profile/domain"
	"identity-plane/backend/internal/profile/repository"
)

type memGuard struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemGuard() *memGuard { return &memGuard{seen: make(map[string]bool)} }

func (g *memGuard) Process(ctx context.Context, eventID string, occurredAt time.Time, apply func(ctx context.Context, tx db.DBTX) error) error {
	g.mu.Lock()
	if g.seen[eventID] {
		g.mu.Unlock()
		return dedup.ErrDuplicate
	}
	g.mu.Unlock()
	if err := apply(ctx, nil); err != nil {
		return err
	}
	g.mu.Lock()
	g.seen[eventID] = true
	g.mu.Unlock()
	return nil
}

func (g *memGuard) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

// memProfileRepo mirrors the fill-blanks upsert semantics of the Postgres repository.
type memProfileRepo struct {
	mu       sync.Mutex
	profiles map[string]*domain.Profile
}

func newMemProfileRepo() *memProfileRepo {
	return &memProfileRepo{profiles: make(map[string]*domain.Profile)}
}

func (r *memProfileRepo) WithTx(tx db.DBTX) repository.Repository { return r }

func (r *memProfileRepo) GetByAccountID(ctx context.Context, accountID string) (*domain.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.profiles[accountID]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (r *memProfileRepo) Create(ctx context.Context, p *domain.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.profiles[p.AccountID]; ok {
		if existing.Username == "" {
			existing.Username = p.Username
		}
		if existing.Email == "" {
			existing.Email = p.Email
		}
		if existing.DisplayName == "" {
			existing.DisplayName = p.DisplayName
		}
		return nil
	}
	cp := *p
	r.profiles[p.AccountID] = &cp
	return nil
}

func (r *memProfileRepo) UpsertEmail(ctx context.Context, accountID, email string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.profiles[accountID]; ok {
		p.Email = email
		return nil
	}
	r.profiles[accountID] = &domain.Profile{AccountID: accountID, Email: email}
	return nil
}

func (r *memProfileRepo) UpsertUsername(ctx context.Context, accountID, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.profiles[accountID]; ok {
		p.Username = username
		return nil
	}
	r.profiles[accountID] = &domain.Profile{AccountID: accountID, Username: username}
	return nil
}

func (r *memProfileRepo) UpdateDisplayName(ctx context.Context, accountID, displayName string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[accountID]
	if !ok {
		return false, nil
	}
	p.DisplayName = displayName
	return true, nil
}

func newTestMirror() (*Mirror, *memProfileRepo) {
	repo := newMemProfileRepo()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewMirror(repo, newMemGuard(), log), repo
}

func envelope(id string) evdomain.Envelope {
	return evdomain.Envelope{EventID: id, OccurredAt: time.Now().UTC()}
}

func TestApplyUserCreation_RedeliveryIsIdempotent(t *testing.T) {
	mirror, _ := newTestMirror()
	ctx := context.Background()

	ev := &evdomain.UserCreation{
		Envelope:  envelope("ev-1"),
		AccountID: "acc-1",
		Username:  "carol",
		Email:     "carol@example.com",
	}
	for i := 0; i < 3; i++ {
		if err := mirror.ApplyUserCreation(ctx, ev); err != nil {
			t.Fatalf("ApplyUserCreation #%d: %v", i, err)
		}
	}

	p, err := mirror.Get(ctx, "acc-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Username != "carol" || p.Email != "carol@example.com" {
		t.Errorf("profile = %+v", p)
	}
}

func TestUpdateBeforeCreation_Converges(t *testing.T) {
	mirror, _ := newTestMirror()
	ctx := context.Background()

	// The email update outruns the creation event.
	if err := mirror.ApplyEmailUpdated(ctx, &evdomain.AccountEmailUpdated{
		Envelope:  envelope("ev-u"),
		AccountID: "acc-1",
		Email:     "new@example.com",
	}); err != nil {
		t.Fatalf("ApplyEmailUpdated: %v", err)
	}
	if err := mirror.ApplyUserCreation(ctx, &evdomain.UserCreation{
		Envelope:  envelope("ev-c"),
		AccountID: "acc-1",
		Username:  "carol",
		Email:     "old@example.com",
	}); err != nil {
		t.Fatalf("ApplyUserCreation: %v", err)
	}

	p, err := mirror.Get(ctx, "acc-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Email != "new@example.com" {
		t.Errorf("email = %q, stale creation must not overwrite the newer update", p.Email)
	}
	if p.Username != "carol" {
		t.Errorf("username = %q, creation must fill the blank", p.Username)
	}
}

func TestApplyUsernameUpdated_StubForUnknownAccount(t *testing.T) {
	mirror, _ := newTestMirror()
	ctx := context.Background()

	if err := mirror.ApplyUsernameUpdated(ctx, &evdomain.AccountUsernameUpdated{
		Envelope:  envelope("ev-u"),
		AccountID: "acc-9",
		Username:  "dave",
	}); err != nil {
		t.Fatalf("ApplyUsernameUpdated: %v", err)
	}
	p, err := mirror.Get(ctx, "acc-9")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Username != "dave" {
		t.Errorf("username = %q, want dave", p.Username)
	}
}

func TestUpdateDisplayName(t *testing.T) {
	mirror, _ := newTestMirror()
	ctx := context.Background()

	if err := mirror.UpdateDisplayName(ctx, "acc-1", "Carol"); !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("unknown account error = %v, want ErrProfileNotFound", err)
	}

	if err := mirror.ApplyUserCreation(ctx, &evdomain.UserCreation{
		Envelope:  envelope("ev-c"),
		AccountID: "acc-1",
		Username:  "carol",
		Email:     "carol@example.com",
	}); err != nil {
		t.Fatalf("ApplyUserCreation: %v", err)
	}
	if err := mirror.UpdateDisplayName(ctx, "acc-1", "Carol D."); err != nil {
		t.Fatalf("UpdateDisplayName: %v", err)
	}
	p, _ := mirror.Get(ctx, "acc-1")
	if p.DisplayName != "Carol D." {
		t.Errorf("displayName = %q", p.DisplayName)
	}
}
