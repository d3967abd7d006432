package yardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Client is a minimal Pipeyard HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://localhost:8080/v1.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Rack struct {
	ID              string          `json:"id"`
	Area            string          `json:"area"`
	Name            string          `json:"name"`
	Mode            string          `json:"allocation_mode"`
	Capacity        int             `json:"capacity"`
	Occupied        int             `json:"occupied"`
	Reserved        int             `json:"reserved"`
	Available       int             `json:"available"`
	CapacityLinear  decimal.Decimal `json:"capacity_linear"`
	OccupiedLinear  decimal.Decimal `json:"occupied_linear"`
	ReservedLinear  decimal.Decimal `json:"reserved_linear"`
	AvailableLinear decimal.Decimal `json:"available_linear"`
	SlotOwner       string          `json:"slot_owner,omitempty"`
}

type StorageRequest struct {
	ID                string          `json:"id"`
	CompanyID         string          `json:"company_id"`
	Reference         string          `json:"reference,omitempty"`
	Status            string          `json:"status"`
	RequiredQuantity  int             `json:"required_quantity"`
	DeliveredQuantity int             `json:"delivered_quantity"`
	JointLength       decimal.Decimal `json:"joint_length"`
	AssignedRackIDs   []string        `json:"assigned_rack_ids,omitempty"`
	RejectionReason   string          `json:"rejection_reason,omitempty"`
	ApprovedBy        string          `json:"approved_by,omitempty"`
	UpdatedAt         string          `json:"updated_at"`
}

type Allocation struct {
	RequestID string          `json:"request_id"`
	RackID    string          `json:"rack_id"`
	Quantity  int             `json:"quantity"`
	Linear    decimal.Decimal `json:"linear"`
	Held      int             `json:"held"`
}

// Approval is the outcome of approving a request.
type Approval struct {
	Request     StorageRequest `json:"request"`
	Allocations []Allocation   `json:"allocations"`
	Idempotent  bool           `json:"idempotent"`
}

type Load struct {
	ID                string   `json:"id"`
	RequestID         string   `json:"request_id"`
	Direction         string   `json:"direction"`
	SequenceNumber    int      `json:"sequence_number"`
	Status            string   `json:"status"`
	PlannedQuantity   int      `json:"planned_quantity"`
	CompletedQuantity *int     `json:"completed_quantity,omitempty"`
	RackID            string   `json:"rack_id,omitempty"`
	RejectionReason   string   `json:"rejection_reason,omitempty"`
	CorrectionIssues  []string `json:"correction_issues,omitempty"`
}

type InventoryUnit struct {
	ID           string          `json:"id"`
	CompanyID    string          `json:"company_id"`
	RequestID    string          `json:"request_id"`
	RackID       string          `json:"rack_id"`
	Reference    string          `json:"reference,omitempty"`
	Grade        string          `json:"grade,omitempty"`
	Quantity     int             `json:"quantity"`
	Length       decimal.Decimal `json:"length"`
	Status       string          `json:"status"`
	OriginLoadID string          `json:"origin_load_id"`
}

// Completion is the outcome of completing a load.
type Completion struct {
	Load    Load            `json:"load"`
	Request StorageRequest  `json:"request"`
	Units   []InventoryUnit `json:"units"`
}

type ManifestLine struct {
	Reference string          `json:"reference,omitempty"`
	Grade     string          `json:"grade,omitempty"`
	Quantity  int             `json:"quantity"`
	Length    decimal.Decimal `json:"length"`
}

type Manifest struct {
	TotalQuantity int            `json:"total_quantity"`
	LineItems     []ManifestLine `json:"line_items,omitempty"`
}

type AuditEntry struct {
	ID         string         `json:"id"`
	TS         string         `json:"ts"`
	ActorID    string         `json:"actor_id"`
	Action     string         `json:"action"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// CreateRequest describes a new storage request.
type CreateRequest struct {
	ID               string          `json:"id,omitempty"`
	CompanyID        string          `json:"company_id"`
	CompanyName      string          `json:"company_name,omitempty"`
	Reference        string          `json:"reference,omitempty"`
	RequiredQuantity int             `json:"required_quantity"`
	JointLength      decimal.Decimal `json:"joint_length"`
	Notes            string          `json:"notes,omitempty"`
	Submit           bool            `json:"submit,omitempty"`
}

// APIError wraps non-2xx responses. Code is the machine-readable error code
// from the response envelope when one was present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// DevLogin mints a token on servers started with dev login enabled and
// stores it on the client.
func (c *Client) DevLogin(ctx context.Context, actorID string) error {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", map[string]any{"actor_id": actorID}, &resp); err != nil {
		return err
	}
	c.BearerToken = resp.Token
	return nil
}

func (c *Client) Racks(ctx context.Context, area string) ([]Rack, error) {
	endpoint := "racks"
	if area != "" {
		endpoint += "?area=" + url.QueryEscape(area)
	}
	var resp []Rack
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Rack(ctx context.Context, id string) (Rack, error) {
	var resp Rack
	err := c.do(ctx, http.MethodGet, "racks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) CreateRequest(ctx context.Context, in CreateRequest) (StorageRequest, error) {
	var resp StorageRequest
	err := c.do(ctx, http.MethodPost, "requests", in, &resp)
	return resp, err
}

func (c *Client) Request(ctx context.Context, id string) (StorageRequest, error) {
	var resp StorageRequest
	err := c.do(ctx, http.MethodGet, "requests/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) SubmitRequest(ctx context.Context, id string) (StorageRequest, error) {
	var resp StorageRequest
	err := c.do(ctx, http.MethodPost, c.requestPath(id, "submit"), nil, &resp)
	return resp, err
}

// Approve approves a pending request against the given racks. A zero
// quantity keeps the request's own.
func (c *Client) Approve(ctx context.Context, id string, rackIDs []string, quantity int) (Approval, error) {
	body := map[string]any{"rack_ids": rackIDs}
	if quantity > 0 {
		body["required_quantity"] = quantity
	}
	var resp Approval
	err := c.do(ctx, http.MethodPost, c.requestPath(id, "approve"), body, &resp)
	return resp, err
}

func (c *Client) Reject(ctx context.Context, id, reason string) (StorageRequest, error) {
	var resp StorageRequest
	err := c.do(ctx, http.MethodPost, c.requestPath(id, "reject"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

func (c *Client) CloseRequest(ctx context.Context, id, reason string) (StorageRequest, error) {
	var resp StorageRequest
	err := c.do(ctx, http.MethodPost, c.requestPath(id, "close"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// CanCreateLoad reports whether the request has no open load in direction.
func (c *Client) CanCreateLoad(ctx context.Context, requestID, direction string) (bool, error) {
	var resp struct {
		CanCreate bool `json:"can_create"`
	}
	endpoint := c.requestPath(requestID, "gate") + "?direction=" + url.QueryEscape(direction)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.CanCreate, err
}

func (c *Client) CreateLoad(ctx context.Context, requestID, direction string, planned int) (Load, error) {
	body := map[string]any{"direction": direction, "planned_quantity": planned}
	var resp Load
	err := c.do(ctx, http.MethodPost, c.requestPath(requestID, "loads"), body, &resp)
	return resp, err
}

func (c *Client) Loads(ctx context.Context, requestID string) ([]Load, error) {
	var resp []Load
	err := c.do(ctx, http.MethodGet, c.requestPath(requestID, "loads"), nil, &resp)
	return resp, err
}

// TransitionLoad moves a load to status. Rejections need a reason.
func (c *Client) TransitionLoad(ctx context.Context, loadID, status, reason string, issues ...string) (Load, error) {
	body := map[string]any{"status": status}
	if reason != "" {
		body["reason"] = reason
	}
	if len(issues) > 0 {
		body["issues"] = issues
	}
	var resp Load
	err := c.do(ctx, http.MethodPost, c.loadPath(loadID, "transition"), body, &resp)
	return resp, err
}

func (c *Client) CompleteInbound(ctx context.Context, loadID, rackID string, actual int, manifest Manifest) (Completion, error) {
	lines := make([]map[string]any, 0, len(manifest.LineItems))
	for _, li := range manifest.LineItems {
		lines = append(lines, map[string]any{
			"reference": li.Reference,
			"grade":     li.Grade,
			"quantity":  li.Quantity,
			"length":    li.Length.String(),
		})
	}
	body := map[string]any{
		"rack_id":         rackID,
		"actual_quantity": actual,
		"manifest":        map[string]any{"total_quantity": manifest.TotalQuantity, "line_items": lines},
	}
	var resp Completion
	err := c.do(ctx, http.MethodPost, c.loadPath(loadID, "complete-inbound"), body, &resp)
	return resp, err
}

func (c *Client) CompleteOutbound(ctx context.Context, loadID string, unitIDs []string, actual int) (Completion, error) {
	body := map[string]any{"unit_ids": unitIDs, "actual_quantity": actual}
	var resp Completion
	err := c.do(ctx, http.MethodPost, c.loadPath(loadID, "complete-outbound"), body, &resp)
	return resp, err
}

// Inventory lists units; filters are passed as query parameters such as
// company_id, rack_id, request_id or status.
func (c *Client) Inventory(ctx context.Context, filters map[string]string) ([]InventoryUnit, error) {
	var resp []InventoryUnit
	err := c.do(ctx, http.MethodGet, withQuery("inventory", filters), nil, &resp)
	return resp, err
}

func (c *Client) Audit(ctx context.Context, entityKind, entityID string, limit int) ([]AuditEntry, error) {
	q := map[string]string{"entity_kind": entityKind, "entity_id": entityID}
	if limit > 0 {
		q["limit"] = strconv.Itoa(limit)
	}
	var resp []AuditEntry
	err := c.do(ctx, http.MethodGet, withQuery("audit", q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(status int, body []byte) error {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
	}
	return apiErr
}

func withQuery(endpoint string, q map[string]string) string {
	v := url.Values{}
	for k, val := range q {
		if val != "" {
			v.Set(k, val)
		}
	}
	if len(v) == 0 {
		return endpoint
	}
	return endpoint + "?" + v.Encode()
}

func (c *Client) requestPath(id, action string) string {
	return fmt.Sprintf("requests/%s/%s", url.PathEscape(id), action)
}

func (c *Client) loadPath(id, action string) string {
	return fmt.Sprintf("loads/%s/%s", url.PathEscape(id), action)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
