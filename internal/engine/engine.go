package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"pipeyard/internal/config"
	"pipeyard/internal/engine/auth"
	"pipeyard/internal/events"
	"pipeyard/internal/ledger"
	"pipeyard/internal/repo"
)

// Authorizer answers whether a caller may run operator actions.
type Authorizer interface {
	IsAuthorizedOperator(ctx context.Context, callerID string) (bool, error)
}

// Outbox receives notification intents inside the mutating transaction.
type Outbox interface {
	Enqueue(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID string, payload events.Payload) error
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Outbox Outbox
	Auth   Authorizer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	w := events.Writer{}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: w,
		Outbox: w,
		Auth:   auth.Service{Repo: r},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) ledger() ledger.Ledger {
	return ledger.Ledger{Repo: e.Repo, Now: e.now}
}

func (e Engine) audit() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

func (e Engine) outbox() Outbox {
	if e.Outbox == nil {
		return e.audit()
	}
	if w, ok := e.Outbox.(events.Writer); ok {
		w.Now = e.now
		return w
	}
	return e.Outbox
}

func (e Engine) authorize(ctx context.Context, operatorID string) error {
	if e.Auth == nil {
		return auth.ForbiddenError{ActorID: operatorID, Capability: "operator"}
	}
	ok, err := e.Auth.IsAuthorizedOperator(ctx, operatorID)
	if err != nil {
		return fmt.Errorf("check operator %s: %w", operatorID, err)
	}
	if !ok {
		return auth.ForbiddenError{ActorID: operatorID, Capability: "operator"}
	}
	return nil
}

// inTx runs fn in one write transaction. Any error rolls everything back.
// Contention and commit failures come back as ErrConflict.
func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return conflict(fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return conflict(err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrConflict, err)
	}
	return nil
}

func (e Engine) distribution() ledger.Policy {
	return ledger.Policy(e.Config.Distribution())
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
