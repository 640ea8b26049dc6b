// Package service maintains the session ledger from auth events. Events
// arrive at least once and in no guaranteed order; every apply method is
// idempotent and the set commutes, so any delivery interleaving converges to
// the same ledger state.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"identity-plane/backend/internal/db"
	"identity-plane/backend/internal/event/dedup"
	evdomain "identity-plane/backend/internal/event/domain"
	"identity-plane/backend/internal/session/domain"
	"identity-plane/backend/internal/session/repository"
)

// ErrSessionNotFound is returned when a session ID is unknown to the ledger.
var ErrSessionNotFound = errors.New("session not found")

// Ledger applies auth events to the session read model and serves queries.
type Ledger struct {
	repo  repository.Repository
	guard dedup.Guard
	log   *slog.Logger
}

// NewLedger returns a Ledger over repo, deduplicating through guard.
func NewLedger(repo repository.Repository, guard dedup.Guard, log *slog.Logger) *Ledger {
	return &Ledger{repo: repo, guard: guard, log: log}
}

// ApplyCreation records a new session. If the session was already terminated
// (its tombstone row exists) the insert is a no-op; if the whole account was
// terminated at or after this session started, the session is inserted
// already dead. Sessions that began after the last global termination are
// unaffected by it, so a login following a global logout stays active.
// Redelivery of the same event is skipped by the dedup guard.
func (l *Ledger) ApplyCreation(ctx context.Context, ev *evdomain.SessionCreation) error {
	err := l.guard.Process(ctx, ev.EventID, ev.OccurredAt, func(ctx context.Context, tx db.DBTX) error {
		repo := l.repo.WithTx(tx)
		s := &domain.Session{
			ID:        ev.SessionID,
			AccountID: ev.AccountID,
			Active:    true,
			UserAgent: ev.UserAgent,
			IPAddress: ev.IPAddress,
			CreatedAt: ev.OccurredAt,
			ExpiresAt: ev.ExpiresAt,
		}
		term, err := repo.GetAccountTermination(ctx, ev.AccountID)
		if err != nil {
			return fmt.Errorf("check account termination: %w", err)
		}
		if term != nil && !ev.OccurredAt.After(term.TerminatedAt) {
			s.Active = false
			s.TerminationReason = term.Reason
			at := term.TerminatedAt
			s.TerminatedAt = &at
		}
		inserted, err := repo.CreateIfAbsent(ctx, s)
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		if !inserted {
			l.log.Debug("session creation skipped, tombstone present", "sessionId", ev.SessionID)
		}
		return nil
	})
	if errors.Is(err, dedup.ErrDuplicate) {
		return nil
	}
	return err
}

// ApplyTermination ends one session. If the session is unknown, a tombstone
// is written so a creation event arriving later cannot resurrect it.
func (l *Ledger) ApplyTermination(ctx context.Context, ev *evdomain.SessionTermination) error {
	err := l.guard.Process(ctx, ev.EventID, ev.OccurredAt, func(ctx context.Context, tx db.DBTX) error {
		repo := l.repo.WithTx(tx)
		reason := domain.TerminationReason(ev.Reason)
		done, err := repo.Terminate(ctx, ev.SessionID, reason, ev.OccurredAt)
		if err != nil {
			return fmt.Errorf("terminate session: %w", err)
		}
		if done {
			return nil
		}
		existing, err := repo.GetByID(ctx, ev.SessionID)
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		if existing != nil {
			// Already inactive; first termination wins.
			return nil
		}
		at := ev.OccurredAt
		_, err = repo.CreateIfAbsent(ctx, &domain.Session{
			ID:                ev.SessionID,
			AccountID:         ev.AccountID,
			Active:            false,
			CreatedAt:         ev.OccurredAt,
			ExpiresAt:         ev.OccurredAt,
			TerminationReason: reason,
			TerminatedAt:      &at,
		})
		if err != nil {
			return fmt.Errorf("write tombstone: %w", err)
		}
		return nil
	})
	if errors.Is(err, dedup.ErrDuplicate) {
		return nil
	}
	return err
}

// ApplyGlobalTermination ends every session of the account that existed when
// the termination occurred and records it so in-flight creation events from
// before that instant are inserted dead. Sessions created afterwards, in
// either delivery order, are left alone.
func (l *Ledger) ApplyGlobalTermination(ctx context.Context, ev *evdomain.GlobalSessionTermination) error {
	err := l.guard.Process(ctx, ev.EventID, ev.OccurredAt, func(ctx context.Context, tx db.DBTX) error {
		repo := l.repo.WithTx(tx)
		reason := domain.TerminationReason(ev.Reason)
		n, err := repo.TerminateAllByAccount(ctx, ev.AccountID, reason, ev.OccurredAt)
		if err != nil {
			return fmt.Errorf("terminate account sessions: %w", err)
		}
		if err := repo.RecordAccountTermination(ctx, &repository.AccountTermination{
			AccountID:    ev.AccountID,
			Reason:       reason,
			TerminatedAt: ev.OccurredAt,
		}); err != nil {
			return fmt.Errorf("record account termination: %w", err)
		}
		l.log.Info("account sessions terminated", "accountId", ev.AccountID, "count", n, "reason", ev.Reason)
		return nil
	})
	if errors.Is(err, dedup.ErrDuplicate) {
		return nil
	}
	return err
}

// ListByAccount returns the account's sessions, newest first. Sessions whose
// expiry passed but that the sweeper has not visited yet are presented as
// inactive.
func (l *Ledger) ListByAccount(ctx context.Context, accountID string) ([]*domain.Session, error) {
	sessions, err := l.repo.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for _, s := range sessions {
		if s.Active && s.Expired(now) {
			s.Active = false
			s.TerminationReason = domain.ReasonExpired
		}
	}
	return sessions, nil
}

// GetByID returns one session or ErrSessionNotFound.
func (l *Ledger) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	s, err := l.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Terminate ends one session out of band (operator action). Terminating an
// already-inactive session succeeds without effect.
func (l *Ledger) Terminate(ctx context.Context, id string) error {
	done, err := l.repo.Terminate(ctx, id, domain.ReasonAdminTerminated, time.Now().UTC())
	if err != nil {
		return err
	}
	if done {
		return nil
	}
	s, err := l.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if s == nil {
		return ErrSessionNotFound
	}
	return nil
}

// Sweep terminates active sessions past their expiry.
func (l *Ledger) Sweep(ctx context.Context) (int64, error) {
	return l.repo.SweepExpired(ctx, time.Now().UTC())
}

// RunSweeper sweeps on every tick until ctx is cancelled.
func (l *Ledger) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.Sweep(ctx)
			if err != nil {
				l.log.Error("session sweep failed", "error", err)
				continue
			}
			if n > 0 {
				l.log.Info("expired sessions swept", "count", n)
			}
		}
	}
}
