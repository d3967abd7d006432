package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"pipeyard/internal/repo"
)

var ErrForbidden = errors.New("not authorized")

// ForbiddenError indicates the caller lacks the operator capability.
type ForbiddenError struct {
	ActorID    string
	Capability string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("actor %q lacks %s capability", e.ActorID, e.Capability)
}

func (e ForbiddenError) Unwrap() error { return ErrForbidden }

// Service answers operator checks from the operators table.
type Service struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (s Service) IsAuthorizedOperator(ctx context.Context, callerID string) (bool, error) {
	if strings.TrimSpace(callerID) == "" {
		return false, nil
	}
	return s.Repo.IsOperator(ctx, s.Repo.DB, callerID)
}

// Grant adds an operator.
func (s Service) Grant(ctx context.Context, tx *sql.Tx, actorID string) error {
	if strings.TrimSpace(actorID) == "" {
		return errors.New("actor_id required")
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return s.Repo.EnsureOperator(ctx, tx, actorID, now().UTC().Format(time.RFC3339))
}

func (s Service) Revoke(ctx context.Context, tx *sql.Tx, actorID string) error {
	return s.Repo.RemoveOperator(ctx, tx, actorID)
}

// Static authorizes a fixed set of operator ids.
type Static []string

func (s Static) IsAuthorizedOperator(_ context.Context, callerID string) (bool, error) {
	for _, id := range s {
		if id == callerID && callerID != "" {
			return true, nil
		}
	}
	return false, nil
}
