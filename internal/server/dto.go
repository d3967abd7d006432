package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shopspring/decimal"

	"pipeyard/internal/domain"
	"pipeyard/internal/ledger"
)

// Request payloads. Linear measures travel as decimal strings in metres.

type UpsertRackRequest struct {
	ID             string `json:"id,omitempty"`
	Area           string `json:"area"`
	Name           string `json:"name,omitempty"`
	Mode           string `json:"allocation_mode,omitempty" enum:"count,slot"`
	Capacity       int    `json:"capacity" minimum:"0"`
	CapacityLinear string `json:"capacity_linear,omitempty" example:"1200.000"`
}

type CreateStorageRequestRequest struct {
	ID               string `json:"id,omitempty"`
	CompanyID        string `json:"company_id,omitempty" doc:"Defaults to the caller's company for company-scoped tokens"`
	CompanyName      string `json:"company_name,omitempty"`
	Reference        string `json:"reference,omitempty"`
	RequiredQuantity int    `json:"required_quantity" minimum:"1"`
	JointLength      string `json:"joint_length,omitempty" example:"12.190"`
	Notes            string `json:"notes,omitempty"`
	Submit           bool   `json:"submit,omitempty"`
}

type ApproveRequestRequest struct {
	RackIDs          []string       `json:"rack_ids"`
	RequiredQuantity int            `json:"required_quantity,omitempty"`
	Notes            string         `json:"notes,omitempty"`
	Split            map[string]int `json:"split,omitempty"`
}

type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CreateLoadRequest struct {
	ID              string `json:"id,omitempty"`
	Direction       string `json:"direction" enum:"inbound,outbound"`
	PlannedQuantity int    `json:"planned_quantity" minimum:"1"`
}

type TransitionLoadRequest struct {
	Status string   `json:"status" enum:"new,approved,in_transit,completed,rejected"`
	Reason string   `json:"reason,omitempty"`
	Issues []string `json:"issues,omitempty"`
}

type ManifestLineRequest struct {
	Reference string `json:"reference,omitempty"`
	Grade     string `json:"grade,omitempty"`
	Quantity  int    `json:"quantity"`
	Length    string `json:"length,omitempty"`
}

type ManifestRequest struct {
	TotalQuantity int                   `json:"total_quantity"`
	LineItems     []ManifestLineRequest `json:"line_items,omitempty"`
}

type CompleteInboundRequest struct {
	RackID         string          `json:"rack_id"`
	ActualQuantity int             `json:"actual_quantity"`
	Manifest       ManifestRequest `json:"manifest"`
}

type CompleteOutboundRequest struct {
	UnitIDs        []string `json:"unit_ids"`
	ActualQuantity int      `json:"actual_quantity"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	// CompanyID scopes the token to one customer company.
	CompanyID string `json:"company_id,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID   string `json:"actor_id"`
	CompanyID string `json:"company_id,omitempty"`
	Source    string `json:"source"`
	Operator  bool   `json:"operator"`
}

type RackResponse struct {
	domain.Rack
	Available       int    `json:"available"`
	AvailableLinear string `json:"available_linear"`
}

type RackAvailabilityResponse struct {
	RackID string `json:"rack_id"`
	Count  int    `json:"count"`
	Linear string `json:"linear"`
}

type AvailabilityResponse struct {
	Count  int                        `json:"count"`
	Linear string                     `json:"linear"`
	Racks  []RackAvailabilityResponse `json:"racks"`
}

type GateResponse struct {
	RequestID string `json:"request_id"`
	Direction string `json:"direction"`
	CanCreate bool   `json:"can_create"`
}

type AuditResponse struct {
	ID         string         `json:"id"`
	TS         string         `json:"ts"`
	ActorID    string         `json:"actor_id"`
	Action     string         `json:"action"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Detail     map[string]any `json:"detail,omitempty"`
}

type NotificationResponse struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts"`
	Type        string         `json:"type"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id"`
	Payload     map[string]any `json:"payload,omitempty"`
	Attempts    int            `json:"attempts"`
	DeliveredAt *string        `json:"delivered_at,omitempty"`
	LastError   *string        `json:"last_error,omitempty"`
}

func rackResponse(rk domain.Rack) RackResponse {
	return RackResponse{
		Rack:            rk,
		Available:       rk.Available(),
		AvailableLinear: rk.AvailableLinear().StringFixed(3),
	}
}

func mapRacks(items []domain.Rack) []RackResponse {
	out := make([]RackResponse, 0, len(items))
	for _, rk := range items {
		out = append(out, rackResponse(rk))
	}
	return out
}

func availabilityResponse(a ledger.Availability) AvailabilityResponse {
	res := AvailabilityResponse{Count: a.Count, Linear: a.Linear.StringFixed(3), Racks: []RackAvailabilityResponse{}}
	for _, r := range a.PerRack {
		res.Racks = append(res.Racks, RackAvailabilityResponse{RackID: r.RackID, Count: r.Count, Linear: r.Linear.StringFixed(3)})
	}
	return res
}

func auditResponse(a domain.AuditEntry) AuditResponse {
	return AuditResponse{
		ID:         a.ID,
		TS:         a.TS,
		ActorID:    a.ActorID,
		Action:     a.Action,
		EntityKind: a.EntityKind,
		EntityID:   a.EntityID,
		Detail:     decodeJSONMap(&a.Detail),
	}
}

func notificationResponse(n domain.NotificationIntent) NotificationResponse {
	return NotificationResponse{
		ID:          n.ID,
		TS:          n.TS,
		Type:        n.Type,
		EntityKind:  n.EntityKind,
		EntityID:    n.EntityID,
		Payload:     decodeJSONMap(&n.Payload),
		Attempts:    n.Attempts,
		DeliveredAt: n.DeliveredAt,
		LastError:   n.LastError,
	}
}

func manifestFromRequest(m ManifestRequest) (domain.Manifest, huma.StatusError) {
	out := domain.Manifest{TotalQuantity: m.TotalQuantity}
	for i, line := range m.LineItems {
		length, err := parseMetres("manifest.line_items.length", line.Length)
		if err != nil {
			return domain.Manifest{}, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"line": i})
		}
		out.LineItems = append(out.LineItems, domain.ManifestLine{
			Reference: line.Reference,
			Grade:     line.Grade,
			Quantity:  line.Quantity,
			Length:    length,
		})
	}
	return out, nil
}

// parseMetres reads an optional decimal field; empty means zero.
func parseMetres(field, raw string) (decimal.Decimal, huma.StatusError) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, newAPIError(http.StatusBadRequest, "bad_request", field+" must be a decimal number of metres", map[string]any{"field": field, "value": raw})
	}
	return d, nil
}

// JSON helpers

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
