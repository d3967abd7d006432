package engine

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"

	"pipeyard/internal/domain"
	"pipeyard/internal/events"
)

type CreateLoadInput struct {
	ID              string
	RequestID       string
	Direction       domain.Direction
	PlannedQuantity int
	ActorID         string
}

// CanCreateLoad reports whether a new load may be opened for the request in
// the given direction: no earlier load may still be new, approved or in
// transit.
func (e Engine) CanCreateLoad(ctx context.Context, requestID string, direction domain.Direction) (bool, error) {
	if !direction.Valid() {
		return false, invalidInput("unknown direction %q", direction)
	}
	if _, err := e.Repo.GetRequestTx(ctx, e.DB, requestID); err != nil {
		return false, err
	}
	n, err := e.Repo.CountActiveLoads(ctx, e.DB, requestID, direction)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// CreateLoad books the next load for a request. It is refused with
// ErrLoadInProgress while an earlier load in the same direction is open.
func (e Engine) CreateLoad(ctx context.Context, in CreateLoadInput) (domain.Load, error) {
	if !in.Direction.Valid() {
		return domain.Load{}, invalidInput("unknown direction %q", in.Direction)
	}
	if in.PlannedQuantity <= 0 {
		return domain.Load{}, invalidInput("planned quantity must be positive")
	}
	var l domain.Load
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		req, err := e.Repo.GetRequestTx(ctx, tx, in.RequestID)
		if err != nil {
			return err
		}
		switch {
		case in.Direction == domain.Inbound && req.Status != domain.RequestApproved:
			return &TransitionError{Entity: "request", ID: req.ID, From: string(req.Status), To: "inbound load"}
		case in.Direction == domain.Outbound && req.Status != domain.RequestApproved && req.Status != domain.RequestCompleted:
			return &TransitionError{Entity: "request", ID: req.ID, From: string(req.Status), To: "outbound load"}
		}
		active, err := e.Repo.CountActiveLoads(ctx, tx, req.ID, in.Direction)
		if err != nil {
			return err
		}
		if active > 0 {
			return ErrLoadInProgress
		}
		seq, err := e.Repo.NextSequenceNumber(ctx, tx, req.ID, in.Direction)
		if err != nil {
			return err
		}
		now := e.stamp()
		l = domain.Load{
			ID:              in.ID,
			RequestID:       req.ID,
			CompanyID:       req.CompanyID,
			Direction:       in.Direction,
			SequenceNumber:  seq,
			Status:          domain.LoadNew,
			PlannedQuantity: in.PlannedQuantity,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if l.ID == "" {
			l.ID = uuid.NewString()
		}
		if err := e.Repo.InsertLoad(ctx, tx, l); err != nil {
			if isUniqueViolation(err) {
				return ErrLoadInProgress
			}
			return err
		}
		if err := e.audit().Audit(ctx, tx, in.ActorID, "CREATE_LOAD", "load", l.ID, events.Payload{
			"request_id":       l.RequestID,
			"direction":        l.Direction,
			"sequence_number":  l.SequenceNumber,
			"planned_quantity": l.PlannedQuantity,
		}); err != nil {
			return err
		}
		return e.outbox().Enqueue(ctx, tx, "load.created", "load", l.ID, loadPayload(l, ""))
	})
	if err != nil {
		return domain.Load{}, err
	}
	return l, nil
}

type TransitionInput struct {
	LoadID     string
	Target     domain.LoadStatus
	OperatorID string
	// Reason is required when rejecting.
	Reason string
	// Issues lists what must be corrected; required for new -> new.
	Issues []string
}

// Transition moves a load along the fixed lifecycle. Completion is not
// reachable here; it only happens through the completion operations, which
// materialize or remove inventory in the same transaction.
func (e Engine) Transition(ctx context.Context, in TransitionInput) (domain.Load, error) {
	if err := e.authorize(ctx, in.OperatorID); err != nil {
		return domain.Load{}, err
	}
	var l domain.Load
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		l, err = e.Repo.GetLoadTx(ctx, tx, in.LoadID)
		if err != nil {
			return err
		}
		from := l.Status
		if err := ensureLoadTransition(l, in.Target); err != nil {
			return err
		}
		now := e.stamp()
		detail := events.Payload{"from": from, "to": in.Target, "planned_quantity": l.PlannedQuantity}
		switch in.Target {
		case domain.LoadApproved:
			l.ApprovedAt = &now
		case domain.LoadInTransit:
			l.DepartedAt = &now
		case domain.LoadRejected:
			if strings.TrimSpace(in.Reason) == "" {
				return invalidInput("rejection reason is required")
			}
			l.RejectionReason = &in.Reason
			l.RejectedAt = &now
			detail["reason"] = in.Reason
		case domain.LoadNew:
			issues := cleanIssues(in.Issues)
			if len(issues) == 0 {
				return invalidInput("a correction request needs at least one issue")
			}
			l.CorrectionIssues = issues
			detail["issues"] = issues
		}
		l.Status = in.Target
		l.UpdatedAt = now
		if err := e.Repo.UpdateLoad(ctx, tx, l, from); err != nil {
			return err
		}
		if err := e.audit().Audit(ctx, tx, in.OperatorID, loadAction(in.Target, from), "load", l.ID, detail); err != nil {
			return err
		}
		payload := loadPayload(l, from)
		if in.Target == domain.LoadRejected {
			payload["reason"] = in.Reason
		}
		if in.Target == domain.LoadNew {
			payload["issues"] = l.CorrectionIssues
		}
		return e.outbox().Enqueue(ctx, tx, loadEvent(in.Target, from), "load", l.ID, payload)
	})
	if err != nil {
		return domain.Load{}, err
	}
	return l, nil
}

// ensureLoadTransition is the load lifecycle table. in_transit -> completed
// is legal only for the completion operations, which call
// ensureLoadCompletion instead.
func ensureLoadTransition(l domain.Load, to domain.LoadStatus) error {
	switch l.Status {
	case domain.LoadNew:
		if to == domain.LoadApproved || to == domain.LoadRejected || to == domain.LoadNew {
			return nil
		}
	case domain.LoadApproved:
		if to == domain.LoadInTransit {
			return nil
		}
	}
	return &TransitionError{Entity: "load", ID: l.ID, From: string(l.Status), To: string(to)}
}

func ensureLoadCompletion(l domain.Load, direction domain.Direction) error {
	if l.Status != domain.LoadInTransit || l.Direction != direction {
		return &TransitionError{Entity: string(direction) + " load", ID: l.ID, From: string(l.Status), To: string(domain.LoadCompleted)}
	}
	return nil
}

func loadAction(to, from domain.LoadStatus) string {
	if to == domain.LoadNew && from == domain.LoadNew {
		return "LOAD_CORRECTION_REQUESTED"
	}
	return "LOAD_" + strings.ToUpper(string(to))
}

func loadEvent(to, from domain.LoadStatus) string {
	if to == domain.LoadNew && from == domain.LoadNew {
		return "load.correction_requested"
	}
	return "load." + string(to)
}

func cleanIssues(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func loadPayload(l domain.Load, from domain.LoadStatus) events.Payload {
	p := events.Payload{
		"load_id":          l.ID,
		"request_id":       l.RequestID,
		"company_id":       l.CompanyID,
		"direction":        l.Direction,
		"sequence_number":  l.SequenceNumber,
		"status":           l.Status,
		"planned_quantity": l.PlannedQuantity,
	}
	if from != "" {
		p["from"] = from
	}
	if l.CompletedQuantity != nil {
		p["completed_quantity"] = *l.CompletedQuantity
	}
	return p
}
