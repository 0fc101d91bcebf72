package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Status string

const (
	StatusPending              Status = "pending"
	StatusAssigned             Status = "assigned"
	StatusQuoted               Status = "quoted"
	StatusAwaitingPayment      Status = "awaiting_payment"
	StatusPaid                 Status = "paid"
	StatusAccepted             Status = "accepted" // legacy rows only
	StatusDenied               Status = "denied"
	StatusEnRoute              Status = "en_route"
	StatusInProgress           Status = "in_progress"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusCompleted            Status = "completed"
	StatusCancelled            Status = "cancelled"
)

type ServiceType string

const (
	ServiceTowing         ServiceType = "towing"
	ServiceFuelDelivery   ServiceType = "fuel_delivery"
	ServiceTireChange     ServiceType = "tire_change"
	ServiceJumpStart      ServiceType = "jump_start"
	ServiceLockout        ServiceType = "lockout"
	ServiceMobileMechanic ServiceType = "mobile_mechanic"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
)

// Assignment is present from assigned onwards.
type Assignment struct {
	ProviderID string    `json:"provider_id"`
	AssignedAt time.Time `json:"assigned_at"`
	AssignedBy *string   `json:"assigned_by,omitempty"` // nil for auto-assignment
}

// Quote is present from quoted onwards. ProviderSharePct is frozen when the
// quote is submitted so later changes to the default split never rewrite it.
type Quote struct {
	Amount           decimal.Decimal `json:"amount"`
	Description      string          `json:"description,omitempty"`
	Currency         string          `json:"currency"`
	ProviderSharePct decimal.Decimal `json:"provider_share_pct"`
	QuotedAt         time.Time       `json:"quoted_at"`
}

// Payment is opened when the customer approves a quote.
type Payment struct {
	Reference string          `json:"reference"`
	Status    PaymentStatus   `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	PaidAt    *time.Time      `json:"paid_at,omitempty"`
}

// Settlement tracks the transfer of the provider's share.
type Settlement struct {
	TransferID  string     `json:"transfer_id,omitempty"`
	Attempts    int        `json:"attempts"`
	InitiatedAt *time.Time `json:"initiated_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// PayoutOutstanding reports whether the customer has confirmed but no
// transfer has been recorded. A nil Settlement counts: the attempt may have
// been lost before it was stored.
func (r *ServiceRequest) PayoutOutstanding() bool {
	if r.CustomerConfirmedAt == nil {
		return false
	}
	if r.Status != StatusAwaitingConfirmation && r.Status != StatusCompleted {
		return false
	}
	return r.Settlement == nil || r.Settlement.TransferID == ""
}

type ServiceRequest struct {
	ID           string      `json:"id"`
	TrackingCode string      `json:"tracking_code"`
	CustomerID   *string     `json:"customer_id,omitempty"`
	PhoneNumber  *string     `json:"phone_number,omitempty"`
	ServiceType  ServiceType `json:"service_type"`
	Location     string      `json:"location"`
	Description  string      `json:"description,omitempty"`
	CustomerLoc  *Coord      `json:"customer_loc,omitempty"`
	ProviderLoc  *Coord      `json:"provider_loc,omitempty"`
	Status       Status      `json:"status"`
	Version      int         `json:"version"`

	Assignment      *Assignment `json:"assignment,omitempty"`
	Quote           *Quote      `json:"quote,omitempty"`
	QuoteApprovedAt *time.Time  `json:"quote_approved_at,omitempty"`
	Payment         *Payment    `json:"payment,omitempty"`
	Settlement      *Settlement `json:"settlement,omitempty"`

	CustomerConfirmedAt        *time.Time `json:"customer_confirmed_at,omitempty"`
	ProviderConfirmedPaymentAt *time.Time `json:"provider_confirmed_payment_at,omitempty"`
	CompletedAt                *time.Time `json:"completed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProviderID returns the assigned provider, if any.
func (r *ServiceRequest) ProviderID() (string, bool) {
	if r.Assignment == nil {
		return "", false
	}
	return r.Assignment.ProviderID, true
}

// Clone returns a deep copy so a transition can be prepared without touching
// the stored value until it commits.
func (r *ServiceRequest) Clone() *ServiceRequest {
	c := *r
	c.CustomerID = cloneString(r.CustomerID)
	c.PhoneNumber = cloneString(r.PhoneNumber)
	c.CustomerLoc = cloneCoord(r.CustomerLoc)
	c.ProviderLoc = cloneCoord(r.ProviderLoc)
	if r.Assignment != nil {
		a := *r.Assignment
		a.AssignedBy = cloneString(r.Assignment.AssignedBy)
		c.Assignment = &a
	}
	if r.Quote != nil {
		q := *r.Quote
		c.Quote = &q
	}
	if r.Payment != nil {
		p := *r.Payment
		p.PaidAt = cloneTime(r.Payment.PaidAt)
		c.Payment = &p
	}
	if r.Settlement != nil {
		s := *r.Settlement
		s.InitiatedAt = cloneTime(r.Settlement.InitiatedAt)
		s.FailedAt = cloneTime(r.Settlement.FailedAt)
		c.Settlement = &s
	}
	c.QuoteApprovedAt = cloneTime(r.QuoteApprovedAt)
	c.CustomerConfirmedAt = cloneTime(r.CustomerConfirmedAt)
	c.ProviderConfirmedPaymentAt = cloneTime(r.ProviderConfirmedPaymentAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	return &c
}

type Provider struct {
	ID            string        `json:"id"`
	Loc           *Coord        `json:"loc,omitempty"`
	Available     bool          `json:"available"`
	Active        bool          `json:"active"`
	Rating        float64       `json:"rating"`
	ServiceTypes  []ServiceType `json:"service_types,omitempty"`
	PayoutAccount string        `json:"payout_account,omitempty"`
	Updated       time.Time     `json:"updated"`
}

// Offers reports whether the provider performs the given service. An empty
// list means the provider takes any job.
func (p Provider) Offers(st ServiceType) bool {
	if st == "" || len(p.ServiceTypes) == 0 {
		return true
	}
	for _, s := range p.ServiceTypes {
		if s == st {
			return true
		}
	}
	return false
}

// Candidate is a provider ranked against a customer coordinate.
type Candidate struct {
	Provider   Provider `json:"provider"`
	DistanceKm float64  `json:"distance_km"`
}

type Party string

const (
	PartyProvider Party = "provider"
	PartyCustomer Party = "customer"
)

type PositionSample struct {
	EntityID   string    `json:"entity_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	CapturedAt time.Time `json:"captured_at"`
}

func (s PositionSample) Coord() Coord { return Coord{Lat: s.Lat, Lng: s.Lng} }

type Transaction struct {
	ID               string          `json:"id"`
	RequestID        string          `json:"request_id"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	ProviderSharePct decimal.Decimal `json:"provider_share_pct"`
	ProviderAmount   decimal.Decimal `json:"provider_amount"`
	PlatformAmount   decimal.Decimal `json:"platform_amount"`
	TransferID       string          `json:"transfer_id,omitempty"`
	ConfirmedAt      time.Time       `json:"confirmed_at"`
}

type Role string

const (
	RoleCustomer Role = "customer"
	RoleProvider Role = "provider"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
)

type Actor struct {
	Role Role   `json:"role"`
	ID   string `json:"id,omitempty"`
}

// ChangeEvent is emitted after every committed transition.
type ChangeEvent struct {
	RequestID    string          `json:"request_id"`
	TrackingCode string          `json:"tracking_code"`
	From         Status          `json:"from"`
	To           Status          `json:"to"`
	Actor        Actor           `json:"actor"`
	At           time.Time       `json:"at"`
	Request      *ServiceRequest `json:"request"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneCoord(c *Coord) *Coord {
	if c == nil {
		return nil
	}
	v := *c
	return &v
}
