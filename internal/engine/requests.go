package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pipeyard/internal/domain"
	"pipeyard/internal/events"
	"pipeyard/internal/ledger"
)

// CreateRequestInput describes a customer's storage request.
type CreateRequestInput struct {
	ID               string
	CompanyID        string
	CompanyName      string
	Reference        string
	RequiredQuantity int
	// JointLength is the average length of one joint in metres.
	JointLength decimal.Decimal
	Notes       string
	// Submit creates the request as pending instead of draft.
	Submit  bool
	ActorID string
}

func (e Engine) CreateRequest(ctx context.Context, in CreateRequestInput) (domain.StorageRequest, error) {
	if strings.TrimSpace(in.CompanyID) == "" {
		return domain.StorageRequest{}, invalidInput("company is required")
	}
	if in.RequiredQuantity <= 0 {
		return domain.StorageRequest{}, invalidInput("required quantity must be positive")
	}
	if in.JointLength.IsNegative() {
		return domain.StorageRequest{}, invalidInput("joint length must not be negative")
	}
	now := e.stamp()
	req := domain.StorageRequest{
		ID:               in.ID,
		CompanyID:        in.CompanyID,
		Reference:        in.Reference,
		Status:           domain.RequestDraft,
		RequiredQuantity: in.RequiredQuantity,
		JointLength:      in.JointLength,
		Notes:            optionalString(in.Notes),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if in.Submit {
		req.Status = domain.RequestPending
		req.SubmittedAt = &now
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.EnsureCompany(ctx, tx, in.CompanyID, in.CompanyName, now); err != nil {
			return err
		}
		if err := e.Repo.InsertRequest(ctx, tx, req); err != nil {
			return err
		}
		if err := e.audit().Audit(ctx, tx, in.ActorID, "CREATE_REQUEST", "request", req.ID, events.Payload{
			"company_id":        req.CompanyID,
			"required_quantity": req.RequiredQuantity,
			"status":            req.Status,
		}); err != nil {
			return err
		}
		if req.Status == domain.RequestPending {
			return e.outbox().Enqueue(ctx, tx, "request.submitted", "request", req.ID, requestPayload(req))
		}
		return nil
	})
	if err != nil {
		return domain.StorageRequest{}, err
	}
	return req, nil
}

// SubmitRequest moves a draft request into the operator queue.
func (e Engine) SubmitRequest(ctx context.Context, requestID, actorID string) (domain.StorageRequest, error) {
	var req domain.StorageRequest
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		req, err = e.Repo.GetRequestTx(ctx, tx, requestID)
		if err != nil {
			return err
		}
		from := req.Status
		if err := ensureRequestTransition(req, domain.RequestPending); err != nil {
			return err
		}
		now := e.stamp()
		req.Status = domain.RequestPending
		req.SubmittedAt = &now
		req.UpdatedAt = now
		if err := e.Repo.UpdateRequest(ctx, tx, req, from); err != nil {
			return err
		}
		if err := e.audit().Audit(ctx, tx, actorID, "SUBMIT_REQUEST", "request", req.ID, events.Payload{"from": from, "to": req.Status}); err != nil {
			return err
		}
		return e.outbox().Enqueue(ctx, tx, "request.submitted", "request", req.ID, requestPayload(req))
	})
	return req, err
}

// ApproveInput selects the racks an approval may draw on. Split, when set,
// fixes the quantity per rack instead of the configured policy.
type ApproveInput struct {
	RequestID string
	RackIDs   []string
	// RequiredQuantity defaults to the request's own quantity when zero.
	RequiredQuantity int
	OperatorID       string
	Notes            string
	Split            map[string]int
}

type ApprovalResult struct {
	Request     domain.StorageRequest `json:"request"`
	Allocations []domain.Allocation   `json:"allocations"`
	// Idempotent is set when the request was already approved and nothing
	// changed.
	Idempotent bool `json:"idempotent"`
}

// Approve validates capacity, holds it across the chosen racks and marks the
// request approved, all in one transaction.
func (e Engine) Approve(ctx context.Context, in ApproveInput) (ApprovalResult, error) {
	if err := e.authorize(ctx, in.OperatorID); err != nil {
		return ApprovalResult{}, err
	}
	if len(in.RackIDs) == 0 {
		return ApprovalResult{}, invalidInput("at least one rack is required")
	}
	if in.RequiredQuantity < 0 {
		return ApprovalResult{}, invalidInput("required quantity must not be negative")
	}
	var res ApprovalResult
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		req, err := e.Repo.GetRequestTx(ctx, tx, in.RequestID)
		if err != nil {
			return err
		}
		if req.Status == domain.RequestApproved || req.Status == domain.RequestCompleted {
			allocs, err := e.Repo.ListAllocations(ctx, tx, req.ID)
			if err != nil {
				return err
			}
			res = ApprovalResult{Request: req, Allocations: allocs, Idempotent: true}
			return nil
		}
		if err := ensureRequestTransition(req, domain.RequestApproved); err != nil {
			return err
		}
		required := in.RequiredQuantity
		if required == 0 {
			required = req.RequiredQuantity
		}
		l := e.ledger()
		avail, err := l.Available(ctx, tx, in.RackIDs)
		if err != nil {
			return err
		}
		if avail.Count < required {
			return &CapacityError{Code: ErrInsufficientCapacity, RackIDs: in.RackIDs, Requested: required, Available: avail.Count}
		}
		changes, err := e.distribute(required, in, avail, req.JointLength)
		if err != nil {
			return err
		}
		if err := l.Hold(ctx, tx, req.ID, changes); err != nil {
			if errors.Is(err, ledger.ErrOverflow) {
				return &CapacityError{Code: ErrInsufficientCapacity, RackIDs: in.RackIDs, Requested: required, Available: avail.Count}
			}
			return err
		}
		now := e.stamp()
		req.Status = domain.RequestApproved
		req.RequiredQuantity = required
		req.ApprovedBy = &in.OperatorID
		req.ApprovedAt = &now
		req.UpdatedAt = now
		if in.Notes != "" {
			req.Notes = &in.Notes
		}
		if err := e.Repo.UpdateRequest(ctx, tx, req, domain.RequestPending); err != nil {
			return err
		}
		req.AssignedRackIDs = nil
		var allocs []domain.Allocation
		for _, c := range changes {
			a := domain.Allocation{RequestID: req.ID, RackID: c.RackID, Quantity: c.Quantity, Linear: c.Linear, Held: c.Quantity, HeldLinear: c.Linear}
			if err := e.Repo.InsertAllocation(ctx, tx, a); err != nil {
				return err
			}
			allocs = append(allocs, a)
			req.AssignedRackIDs = append(req.AssignedRackIDs, c.RackID)
		}
		if err := e.audit().Audit(ctx, tx, in.OperatorID, "APPROVE_REQUEST", "request", req.ID, events.Payload{
			"rack_ids":          req.AssignedRackIDs,
			"required_quantity": required,
			"allocations":       allocationPayload(allocs),
			"notes":             in.Notes,
		}); err != nil {
			return err
		}
		payload := requestPayload(req)
		payload["allocations"] = allocationPayload(allocs)
		if err := e.outbox().Enqueue(ctx, tx, "request.approved", "request", req.ID, payload); err != nil {
			return err
		}
		res = ApprovalResult{Request: req, Allocations: allocs}
		return nil
	})
	if err != nil {
		return ApprovalResult{}, err
	}
	return res, nil
}

// distribute orders the free space the way the caller listed the racks and
// splits required across it.
func (e Engine) distribute(required int, in ApproveInput, avail ledger.Availability, jointLength decimal.Decimal) ([]ledger.Change, error) {
	byID := map[string]ledger.RackAvailability{}
	for _, ra := range avail.PerRack {
		byID[ra.RackID] = ra
	}
	var ordered []ledger.RackAvailability
	for _, id := range in.RackIDs {
		ra, ok := byID[id]
		if !ok {
			continue
		}
		ordered = append(ordered, ra)
		delete(byID, id)
	}
	var (
		changes []ledger.Change
		err     error
	)
	if len(in.Split) > 0 {
		changes, err = ledger.Split(required, in.Split, ordered, jointLength)
	} else {
		changes, err = ledger.Distribute(e.distribution(), required, ordered, jointLength)
	}
	if errors.Is(err, ledger.ErrShortfall) {
		return nil, &CapacityError{Code: ErrInsufficientCapacity, RackIDs: in.RackIDs, Requested: required, Available: avail.Count}
	}
	if err != nil {
		return nil, invalidInput("%v", err)
	}
	return changes, nil
}

type RejectInput struct {
	RequestID  string
	Reason     string
	OperatorID string
}

// Reject closes a pending request without touching capacity.
func (e Engine) Reject(ctx context.Context, in RejectInput) (domain.StorageRequest, error) {
	if err := e.authorize(ctx, in.OperatorID); err != nil {
		return domain.StorageRequest{}, err
	}
	if strings.TrimSpace(in.Reason) == "" {
		return domain.StorageRequest{}, invalidInput("rejection reason is required")
	}
	var req domain.StorageRequest
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		req, err = e.Repo.GetRequestTx(ctx, tx, in.RequestID)
		if err != nil {
			return err
		}
		if err := ensureRequestTransition(req, domain.RequestRejected); err != nil {
			return err
		}
		now := e.stamp()
		req.Status = domain.RequestRejected
		req.RejectionReason = &in.Reason
		req.RejectedAt = &now
		req.UpdatedAt = now
		if err := e.Repo.UpdateRequest(ctx, tx, req, domain.RequestPending); err != nil {
			return err
		}
		if err := e.audit().Audit(ctx, tx, in.OperatorID, "REJECT_REQUEST", "request", req.ID, events.Payload{"reason": in.Reason}); err != nil {
			return err
		}
		payload := requestPayload(req)
		payload["reason"] = in.Reason
		return e.outbox().Enqueue(ctx, tx, "request.rejected", "request", req.ID, payload)
	})
	return req, err
}

type CloseRequestInput struct {
	RequestID  string
	OperatorID string
	Reason     string
}

// CloseRequest completes an approved request before full delivery and gives
// back whatever capacity it still holds.
func (e Engine) CloseRequest(ctx context.Context, in CloseRequestInput) (domain.StorageRequest, error) {
	if err := e.authorize(ctx, in.OperatorID); err != nil {
		return domain.StorageRequest{}, err
	}
	var req domain.StorageRequest
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		req, err = e.Repo.GetRequestTx(ctx, tx, in.RequestID)
		if err != nil {
			return err
		}
		if err := ensureRequestTransition(req, domain.RequestCompleted); err != nil {
			return err
		}
		active, err := e.Repo.CountActiveLoads(ctx, tx, req.ID, domain.Inbound)
		if err != nil {
			return err
		}
		if active > 0 {
			return ErrLoadInProgress
		}
		return e.completeRequest(ctx, tx, &req, in.OperatorID, in.Reason)
	})
	return req, err
}

// completeRequest marks an approved request completed, releases its
// remaining holds and records the change.
func (e Engine) completeRequest(ctx context.Context, tx *sql.Tx, req *domain.StorageRequest, actorID, reason string) error {
	released, err := e.releaseHolds(ctx, tx, req.ID)
	if err != nil {
		return err
	}
	now := e.stamp()
	req.Status = domain.RequestCompleted
	req.CompletedAt = &now
	req.UpdatedAt = now
	if err := e.Repo.UpdateRequest(ctx, tx, *req, domain.RequestApproved); err != nil {
		return err
	}
	detail := events.Payload{
		"delivered_quantity": req.DeliveredQuantity,
		"required_quantity":  req.RequiredQuantity,
		"released_hold":      released,
	}
	if reason != "" {
		detail["reason"] = reason
	}
	if err := e.audit().Audit(ctx, tx, actorID, "COMPLETE_REQUEST", "request", req.ID, detail); err != nil {
		return err
	}
	return e.outbox().Enqueue(ctx, tx, "request.completed", "request", req.ID, requestPayload(*req))
}

// releaseHolds gives back every outstanding hold of a request and returns
// the released count.
func (e Engine) releaseHolds(ctx context.Context, tx *sql.Tx, requestID string) (int, error) {
	allocs, err := e.Repo.ListAllocations(ctx, tx, requestID)
	if err != nil {
		return 0, err
	}
	var changes []ledger.Change
	total := 0
	for _, a := range allocs {
		if a.Held == 0 && a.HeldLinear.IsZero() {
			continue
		}
		changes = append(changes, ledger.Change{RackID: a.RackID, Quantity: a.Held, Linear: a.HeldLinear})
		total += a.Held
	}
	if len(changes) == 0 {
		return 0, nil
	}
	if err := e.ledger().Unhold(ctx, tx, requestID, changes); err != nil {
		return 0, err
	}
	for _, c := range changes {
		if err := e.Repo.SetAllocationHeld(ctx, tx, requestID, c.RackID, 0, 0); err != nil {
			return 0, err
		}
	}
	return total, nil
}

func ensureRequestTransition(req domain.StorageRequest, to domain.RequestStatus) error {
	switch req.Status {
	case domain.RequestDraft:
		if to == domain.RequestPending {
			return nil
		}
	case domain.RequestPending:
		if to == domain.RequestApproved || to == domain.RequestRejected {
			return nil
		}
	case domain.RequestApproved:
		if to == domain.RequestCompleted {
			return nil
		}
	}
	return &TransitionError{Entity: "request", ID: req.ID, From: string(req.Status), To: string(to)}
}

func requestPayload(req domain.StorageRequest) events.Payload {
	return events.Payload{
		"request_id":         req.ID,
		"company_id":         req.CompanyID,
		"reference":          req.Reference,
		"status":             req.Status,
		"required_quantity":  req.RequiredQuantity,
		"delivered_quantity": req.DeliveredQuantity,
		"rack_ids":           req.AssignedRackIDs,
	}
}

func allocationPayload(allocs []domain.Allocation) []map[string]any {
	out := make([]map[string]any, 0, len(allocs))
	for _, a := range allocs {
		out = append(out, map[string]any{"rack_id": a.RackID, "quantity": a.Quantity, "linear": a.Linear.String()})
	}
	return out
}
