package domain

import "github.com/shopspring/decimal"

type AllocationMode string

const (
	AllocationCount AllocationMode = "count"
	AllocationSlot  AllocationMode = "slot"
)

// Rack is a physical storage location. Occupied tracks stock on the rack,
// Reserved tracks capacity held for approved requests that has not been
// delivered yet.
type Rack struct {
	ID             string          `json:"id"`
	Area           string          `json:"area"`
	Name           string          `json:"name"`
	Mode           AllocationMode  `json:"allocation_mode"`
	Capacity       int             `json:"capacity"`
	Occupied       int             `json:"occupied"`
	Reserved       int             `json:"reserved"`
	CapacityLinear decimal.Decimal `json:"capacity_linear"`
	OccupiedLinear decimal.Decimal `json:"occupied_linear"`
	ReservedLinear decimal.Decimal `json:"reserved_linear"`
	SlotOwner      *string         `json:"slot_owner,omitempty"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
}

// InUse is the part of the rack that cannot be handed out again.
func (r Rack) InUse() int { return r.Occupied + r.Reserved }

func (r Rack) Available() int {
	if r.Mode == AllocationSlot && r.SlotOwner != nil {
		return 0
	}
	return r.Capacity - r.InUse()
}

func (r Rack) AvailableLinear() decimal.Decimal {
	if r.Mode == AllocationSlot && r.SlotOwner != nil {
		return decimal.Zero
	}
	return r.CapacityLinear.Sub(r.OccupiedLinear).Sub(r.ReservedLinear)
}

type RequestStatus string

const (
	RequestDraft     RequestStatus = "draft"
	RequestPending   RequestStatus = "pending"
	RequestApproved  RequestStatus = "approved"
	RequestRejected  RequestStatus = "rejected"
	RequestCompleted RequestStatus = "completed"
)

func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestRejected
}

type StorageRequest struct {
	ID                string          `json:"id"`
	CompanyID         string          `json:"company_id"`
	Reference         string          `json:"reference,omitempty"`
	Status            RequestStatus   `json:"status"`
	RequiredQuantity  int             `json:"required_quantity"`
	DeliveredQuantity int             `json:"delivered_quantity"`
	JointLength       decimal.Decimal `json:"joint_length"`
	AssignedRackIDs   []string        `json:"assigned_rack_ids,omitempty"`
	RejectionReason   *string         `json:"rejection_reason,omitempty"`
	ApprovedBy        *string         `json:"approved_by,omitempty"`
	Notes             *string         `json:"notes,omitempty"`
	CreatedAt         string          `json:"created_at"`
	UpdatedAt         string          `json:"updated_at"`
	SubmittedAt       *string         `json:"submitted_at,omitempty"`
	ApprovedAt        *string         `json:"approved_at,omitempty"`
	RejectedAt        *string         `json:"rejected_at,omitempty"`
	CompletedAt       *string         `json:"completed_at,omitempty"`
}

// Allocation is the share of an approved request placed on one rack.
// Held is the part of that share still waiting for delivery.
type Allocation struct {
	RequestID  string          `json:"request_id"`
	RackID     string          `json:"rack_id"`
	Quantity   int             `json:"quantity"`
	Linear     decimal.Decimal `json:"linear"`
	Held       int             `json:"held"`
	HeldLinear decimal.Decimal `json:"held_linear"`
}

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

func (d Direction) Valid() bool { return d == Inbound || d == Outbound }

type LoadStatus string

const (
	LoadNew       LoadStatus = "new"
	LoadApproved  LoadStatus = "approved"
	LoadInTransit LoadStatus = "in_transit"
	LoadCompleted LoadStatus = "completed"
	LoadRejected  LoadStatus = "rejected"
)

func (s LoadStatus) Terminal() bool {
	return s == LoadCompleted || s == LoadRejected
}

type Load struct {
	ID                string     `json:"id"`
	RequestID         string     `json:"request_id"`
	CompanyID         string     `json:"company_id"`
	Direction         Direction  `json:"direction"`
	SequenceNumber    int        `json:"sequence_number"`
	Status            LoadStatus `json:"status"`
	PlannedQuantity   int        `json:"planned_quantity"`
	CompletedQuantity *int       `json:"completed_quantity,omitempty"`
	RackID            *string    `json:"rack_id,omitempty"`
	RejectionReason   *string    `json:"rejection_reason,omitempty"`
	CorrectionIssues  []string   `json:"correction_issues,omitempty"`
	CreatedAt         string     `json:"created_at"`
	UpdatedAt         string     `json:"updated_at"`
	ApprovedAt        *string    `json:"approved_at,omitempty"`
	DepartedAt        *string    `json:"departed_at,omitempty"`
	CompletedAt       *string    `json:"completed_at,omitempty"`
	RejectedAt        *string    `json:"rejected_at,omitempty"`
}

type UnitStatus string

const (
	UnitPending   UnitStatus = "pending"
	UnitInStorage UnitStatus = "in_storage"
	UnitPickedUp  UnitStatus = "picked_up"
)

type InventoryUnit struct {
	ID             string          `json:"id"`
	CompanyID      string          `json:"company_id"`
	RequestID      string          `json:"request_id"`
	RackID         string          `json:"rack_id"`
	Reference      string          `json:"reference,omitempty"`
	Grade          string          `json:"grade,omitempty"`
	Quantity       int             `json:"quantity"`
	Length         decimal.Decimal `json:"length"`
	Status         UnitStatus      `json:"status"`
	OriginLoadID   string          `json:"origin_load_id"`
	DisposalLoadID *string         `json:"disposal_load_id,omitempty"`
	CreatedAt      string          `json:"created_at"`
	PickedUpAt     *string         `json:"picked_up_at,omitempty"`
}

// ManifestLine is one extracted line of a shipment manifest.
type ManifestLine struct {
	Reference string          `json:"reference,omitempty"`
	Grade     string          `json:"grade,omitempty"`
	Quantity  int             `json:"quantity"`
	Length    decimal.Decimal `json:"length"`
}

// Manifest is the validated output of document extraction for one load.
type Manifest struct {
	TotalQuantity int            `json:"total_quantity"`
	LineItems     []ManifestLine `json:"line_items,omitempty"`
}

type Company struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

type AuditEntry struct {
	ID         string `json:"id"`
	TS         string `json:"ts"`
	ActorID    string `json:"actor_id"`
	Action     string `json:"action"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	Detail     string `json:"detail_json"`
}

type NotificationIntent struct {
	ID          int64   `json:"id"`
	TS          string  `json:"ts"`
	Type        string  `json:"type"`
	EntityKind  string  `json:"entity_kind"`
	EntityID    string  `json:"entity_id"`
	Payload     string  `json:"payload_json"`
	Attempts    int     `json:"attempts"`
	DeliveredAt *string `json:"delivered_at,omitempty"`
	LastError   *string `json:"last_error,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at"`
}

type AreaCapacity struct {
	Area           string          `json:"area"`
	Racks          int             `json:"racks"`
	Capacity       int             `json:"capacity"`
	Occupied       int             `json:"occupied"`
	Reserved       int             `json:"reserved"`
	Available      int             `json:"available"`
	CapacityLinear decimal.Decimal `json:"capacity_linear"`
	OccupiedLinear decimal.Decimal `json:"occupied_linear"`
	ReservedLinear decimal.Decimal `json:"reserved_linear"`
}
