package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"identity-plane/backend/internal/db"
	"identity-plane/backend/internal/event/dedup"
	evdomain "identity-plane/backend/internal/event/domain"
	"identity-plane/backend/internal/session/domain"
	"identity-plane/backend/internal/session/repository"
)

// memGuard replays the dedup contract in memory: an event ID is applied once.
type memGuard struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemGuard() *memGuard {
	return &memGuard{seen: make(map[string]bool)}
}

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

// memSessionRepo is a map-backed repository with the same conditional-update
// semantics as the Postgres one.
type memSessionRepo struct {
	mu           sync.Mutex
	sessions     map[string]*domain.Session
	terminations map[string]*repository.AccountTermination
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{
		sessions:     make(map[string]*domain.Session),
		terminations: make(map[string]*repository.AccountTermination),
	}
}

func (r *memSessionRepo) WithTx(tx db.DBTX) repository.Repository { return r }

func (r *memSessionRepo) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (r *memSessionRepo) ListByAccount(ctx context.Context, accountID string) ([]*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Session
	for _, s := range r.sessions {
		if s.AccountID == accountID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memSessionRepo) CreateIfAbsent(ctx context.Context, s *domain.Session) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		return false, nil
	}
	cp := *s
	r.sessions[s.ID] = &cp
	return true, nil
}

func (r *memSessionRepo) Terminate(ctx context.Context, id string, reason domain.TerminationReason, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || !s.Active {
		return false, nil
	}
	s.Active = false
	s.TerminationReason = reason
	t := at
	s.TerminatedAt = &t
	return true, nil
}

func (r *memSessionRepo) TerminateAllByAccount(ctx context.Context, accountID string, reason domain.TerminationReason, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.sessions {
		if s.AccountID == accountID && s.Active && !s.CreatedAt.After(at) {
			s.Active = false
			s.TerminationReason = reason
			t := at
			s.TerminatedAt = &t
			n++
		}
	}
	return n, nil
}

func (r *memSessionRepo) RecordAccountTermination(ctx context.Context, t *repository.AccountTermination) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.terminations[t.AccountID]; ok && !prev.TerminatedAt.Before(t.TerminatedAt) {
		return nil
	}
	cp := *t
	r.terminations[t.AccountID] = &cp
	return nil
}

func (r *memSessionRepo) GetAccountTermination(ctx context.Context, accountID string) (*repository.AccountTermination, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.terminations[accountID]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (r *memSessionRepo) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.sessions {
		if s.Active && !s.ExpiresAt.After(now) {
			s.Active = false
			s.TerminationReason = domain.ReasonExpired
			t := now
			s.TerminatedAt = &t
			n++
		}
	}
	return n, nil
}

func newTestLedger() (*Ledger, *memSessionRepo) {
	repo := newMemSessionRepo()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewLedger(repo, newMemGuard(), log), repo
}

func creationEvent(eventID, sessionID, accountID string) *evdomain.SessionCreation {
	return &evdomain.SessionCreation{
		Envelope:  evdomain.Envelope{EventID: eventID, OccurredAt: time.Now().UTC()},
		SessionID: sessionID,
		AccountID: accountID,
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
}

func terminationEvent(eventID, sessionID, accountID string, reason domain.TerminationReason) *evdomain.SessionTermination {
	return &evdomain.SessionTermination{
		Envelope:  evdomain.Envelope{EventID: eventID, OccurredAt: time.Now().UTC()},
		SessionID: sessionID,
		AccountID: accountID,
		Reason:    string(reason),
	}
}

func TestApplyCreation_RedeliveryIsIdempotent(t *testing.T) {
	ledger, repo := newTestLedger()
	ctx := context.Background()

	ev := creationEvent("ev-1", "sess-1", "acc-1")
	for i := 0; i < 3; i++ {
		if err := ledger.ApplyCreation(ctx, ev); err != nil {
			t.Fatalf("ApplyCreation #%d: %v", i, err)
		}
	}

	sessions, _ := repo.ListByAccount(ctx, "acc-1")
	if len(sessions) != 1 {
		t.Fatalf("ledger holds %d sessions after redeliveries, want 1", len(sessions))
	}
	if !sessions[0].Active {
		t.Error("session should be active")
	}
}

func TestTerminationBeforeCreation_Converges(t *testing.T) {
	ledger, repo := newTestLedger()
	ctx := context.Background()

	// Out-of-order delivery: the termination lands first.
	if err := ledger.ApplyTermination(ctx, terminationEvent("ev-t", "sess-1", "acc-1", domain.ReasonLogout)); err != nil {
		t.Fatalf("ApplyTermination: %v", err)
	}
	if err := ledger.ApplyCreation(ctx, creationEvent("ev-c", "sess-1", "acc-1")); err != nil {
		t.Fatalf("ApplyCreation: %v", err)
	}

	s, _ := repo.GetByID(ctx, "sess-1")
	if s == nil {
		t.Fatal("session row missing")
	}
	if s.Active {
		t.Error("late creation must not resurrect a terminated session")
	}
	if s.TerminationReason != domain.ReasonLogout {
		t.Errorf("reason = %q, want LOGOUT", s.TerminationReason)
	}
}

func TestOrderIndependence_CreationAndTermination(t *testing.T) {
	ctx := context.Background()

	// Same event pair applied in both orders must converge.
	run := func(order []func(l *Ledger) error) *domain.Session {
		ledger, repo := newTestLedger()
		for i, step := range order {
			if err := step(ledger); err != nil {
				t.Fatalf("step %d: %v", i, err)
			}
		}
		s, _ := repo.GetByID(ctx, "sess-1")
		return s
	}

	create := func(l *Ledger) error {
		return l.ApplyCreation(ctx, creationEvent("ev-c", "sess-1", "acc-1"))
	}
	terminate := func(l *Ledger) error {
		return l.ApplyTermination(ctx, terminationEvent("ev-t", "sess-1", "acc-1", domain.ReasonRevoked))
	}

	forward := run([]func(*Ledger) error{create, terminate})
	backward := run([]func(*Ledger) error{terminate, create})

	for name, s := range map[string]*domain.Session{"forward": forward, "backward": backward} {
		if s == nil {
			t.Fatalf("%s: session missing", name)
		}
		if s.Active {
			t.Errorf("%s: session active, want terminated", name)
		}
		if s.TerminationReason != domain.ReasonRevoked {
			t.Errorf("%s: reason = %q, want REVOKED", name, s.TerminationReason)
		}
	}
}

func TestGlobalTermination_GatesLateCreations(t *testing.T) {
	ledger, repo := newTestLedger()
	ctx := context.Background()
	cutoff := time.Now().UTC()

	early := creationEvent("ev-c1", "sess-1", "acc-1")
	early.OccurredAt = cutoff.Add(-time.Minute)
	if err := ledger.ApplyCreation(ctx, early); err != nil {
		t.Fatalf("ApplyCreation: %v", err)
	}
	global := &evdomain.GlobalSessionTermination{
		Envelope:  evdomain.Envelope{EventID: "ev-g", OccurredAt: cutoff},
		AccountID: "acc-1",
		Reason:    string(domain.ReasonPasswordChanged),
	}
	if err := ledger.ApplyGlobalTermination(ctx, global); err != nil {
		t.Fatalf("ApplyGlobalTermination: %v", err)
	}

	// A creation event from before the cutoff that was still in flight when
	// the account was terminated.
	inFlight := creationEvent("ev-c2", "sess-2", "acc-1")
	inFlight.OccurredAt = cutoff.Add(-time.Second)
	if err := ledger.ApplyCreation(ctx, inFlight); err != nil {
		t.Fatalf("late ApplyCreation: %v", err)
	}

	for _, id := range []string{"sess-1", "sess-2"} {
		s, _ := repo.GetByID(ctx, id)
		if s == nil {
			t.Fatalf("%s missing", id)
		}
		if s.Active {
			t.Errorf("%s active after global termination", id)
		}
		if s.TerminationReason != domain.ReasonPasswordChanged {
			t.Errorf("%s reason = %q, want PASSWORD_CHANGED", id, s.TerminationReason)
		}
	}
}

func TestGlobalTermination_DoesNotOutliveItself(t *testing.T) {
	ctx := context.Background()
	cutoff := time.Now().UTC()

	global := &evdomain.GlobalSessionTermination{
		Envelope:  evdomain.Envelope{EventID: "ev-g", OccurredAt: cutoff},
		AccountID: "acc-1",
		Reason:    string(domain.ReasonGlobalLogout),
	}
	fresh := creationEvent("ev-c", "sess-new", "acc-1")
	fresh.OccurredAt = cutoff.Add(time.Hour)

	// A login after a global logout must yield a live session in either
	// delivery order.
	for name, steps := range map[string][]func(l *Ledger) error{
		"termination first": {
			func(l *Ledger) error { return l.ApplyGlobalTermination(ctx, global) },
			func(l *Ledger) error { return l.ApplyCreation(ctx, fresh) },
		},
		"creation first": {
			func(l *Ledger) error { return l.ApplyCreation(ctx, fresh) },
			func(l *Ledger) error { return l.ApplyGlobalTermination(ctx, global) },
		},
	} {
		ledger, repo := newTestLedger()
		for i, step := range steps {
			if err := step(ledger); err != nil {
				t.Fatalf("%s step %d: %v", name, i, err)
			}
		}
		s, _ := repo.GetByID(ctx, "sess-new")
		if s == nil {
			t.Fatalf("%s: session missing", name)
		}
		if !s.Active {
			t.Errorf("%s: session from a login after global logout is terminated (%q)", name, s.TerminationReason)
		}
	}
}

func TestGlobalTermination_LatestRecordWins(t *testing.T) {
	ledger, repo := newTestLedger()
	ctx := context.Background()
	cutoff := time.Now().UTC()

	// Two global terminations delivered newest first; the stored cutoff must
	// stay at the later instant.
	newer := &evdomain.GlobalSessionTermination{
		Envelope:  evdomain.Envelope{EventID: "ev-g2", OccurredAt: cutoff},
		AccountID: "acc-1",
		Reason:    string(domain.ReasonGlobalLogout),
	}
	older := &evdomain.GlobalSessionTermination{
		Envelope:  evdomain.Envelope{EventID: "ev-g1", OccurredAt: cutoff.Add(-time.Hour)},
		AccountID: "acc-1",
		Reason:    string(domain.ReasonPasswordChanged),
	}
	if err := ledger.ApplyGlobalTermination(ctx, newer); err != nil {
		t.Fatalf("ApplyGlobalTermination newer: %v", err)
	}
	if err := ledger.ApplyGlobalTermination(ctx, older); err != nil {
		t.Fatalf("ApplyGlobalTermination older: %v", err)
	}

	between := creationEvent("ev-c1", "sess-between", "acc-1")
	between.OccurredAt = cutoff.Add(-time.Minute)
	if err := ledger.ApplyCreation(ctx, between); err != nil {
		t.Fatalf("ApplyCreation between: %v", err)
	}
	after := creationEvent("ev-c2", "sess-after", "acc-1")
	after.OccurredAt = cutoff.Add(time.Minute)
	if err := ledger.ApplyCreation(ctx, after); err != nil {
		t.Fatalf("ApplyCreation after: %v", err)
	}

	if s, _ := repo.GetByID(ctx, "sess-between"); s == nil || s.Active {
		t.Errorf("session before the latest termination should be dead, got %+v", s)
	}
	if s, _ := repo.GetByID(ctx, "sess-after"); s == nil || !s.Active {
		t.Errorf("session after the latest termination should be live, got %+v", s)
	}
}

func TestFirstTerminationWins(t *testing.T) {
	ledger, repo := newTestLedger()
	ctx := context.Background()

	if err := ledger.ApplyCreation(ctx, creationEvent("ev-c", "sess-1", "acc-1")); err != nil {
		t.Fatalf("ApplyCreation: %v", err)
	}
	if err := ledger.ApplyTermination(ctx, terminationEvent("ev-t1", "sess-1", "acc-1", domain.ReasonLogout)); err != nil {
		t.Fatalf("first ApplyTermination: %v", err)
	}
	if err := ledger.ApplyTermination(ctx, terminationEvent("ev-t2", "sess-1", "acc-1", domain.ReasonRevoked)); err != nil {
		t.Fatalf("second ApplyTermination: %v", err)
	}

	s, _ := repo.GetByID(ctx, "sess-1")
	if s.TerminationReason != domain.ReasonLogout {
		t.Errorf("reason = %q, want first writer LOGOUT", s.TerminationReason)
	}
}

func TestTerminateOutOfBand(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	if err := ledger.ApplyCreation(ctx, creationEvent("ev-c", "sess-1", "acc-1")); err != nil {
		t.Fatalf("ApplyCreation: %v", err)
	}
	if err := ledger.Terminate(ctx, "sess-1"); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	// Repeat terminate is idempotent success; unknown session is not found.
	if err := ledger.Terminate(ctx, "sess-1"); err != nil {
		t.Fatalf("repeat Terminate: %v", err)
	}
	if err := ledger.Terminate(ctx, "no-such"); err != ErrSessionNotFound {
		t.Fatalf("Terminate unknown = %v, want ErrSessionNotFound", err)
	}
}

func TestSweepAndListExpiry(t *testing.T) {
	ledger, repo := newTestLedger()
	ctx := context.Background()

	ev := creationEvent("ev-c", "sess-1", "acc-1")
	ev.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	if err := ledger.ApplyCreation(ctx, ev); err != nil {
		t.Fatalf("ApplyCreation: %v", err)
	}

	// Before the sweeper runs the list already reports it inactive.
	list, err := ledger.ListByAccount(ctx, "acc-1")
	if err != nil {
		t.Fatalf("ListByAccount: %v", err)
	}
	if len(list) != 1 || list[0].Active {
		t.Fatalf("expired session presented as active: %+v", list)
	}

	n, err := ledger.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d sessions, want 1", n)
	}
	s, _ := repo.GetByID(ctx, "sess-1")
	if s.Active || s.TerminationReason != domain.ReasonExpired {
		t.Errorf("swept session = %+v, want inactive EXPIRED", s)
	}
}
