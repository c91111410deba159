package workflow

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusInReview Status = "in_review"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusInReview, StatusApproved, StatusRejected}

func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInReview, StatusApproved, StatusRejected:
		return true
	default:
		return false
	}
}

func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", Validation("status", "unknown status "+raw)
	}
	return s, nil
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

func ParsePriority(raw string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(raw)))
	if !p.Valid() {
		return "", Validation("priority", "unknown priority "+raw)
	}
	return p, nil
}

type ReviewStage string

const (
	StageAdvisor           ReviewStage = "advisor"
	StageInternalCommittee ReviewStage = "internal_committee"
	StagePartnersCommittee ReviewStage = "partners_committee"
)

func ParseReviewStage(raw string) (ReviewStage, error) {
	stage := ReviewStage(strings.ToLower(strings.TrimSpace(raw)))
	switch stage {
	case StageAdvisor, StageInternalCommittee, StagePartnersCommittee:
		return stage, nil
	default:
		return "", Validation("stage", "unknown review stage "+raw)
	}
}

const DefaultRiskLevel = "Medium"

// Actor identifies who performs an operation. It is always passed explicitly.
type Actor struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Role   string `json:"role"`
}

type Client struct {
	Name  string `json:"name" validate:"required"`
	Email string `json:"email" validate:"omitempty,email"`
	Phone string `json:"phone"`
}

type Vehicle struct {
	Brand string          `json:"brand"`
	Model string          `json:"model"`
	Year  int             `json:"year" validate:"omitempty,gte=1900,lte=2100"`
	Value decimal.Decimal `json:"value"`
}

type Financing struct {
	RequestedAmount decimal.Decimal `json:"requestedAmount"`
	FinancedAmount  decimal.Decimal `json:"financedAmount"`
	MonthlyPayment  decimal.Decimal `json:"monthlyPayment"`
	TermMonths      int             `json:"termMonths" validate:"gte=0,lte=120"`
	TierCode        string          `json:"tierCode"`
}

type Origin struct {
	AgencyName   string `json:"agencyName"`
	DealerName   string `json:"dealerName"`
	PromoterCode string `json:"promoterCode"`
}

type Competitor struct {
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

type StageReview struct {
	ReviewerID string    `json:"reviewerId"`
	ReviewedAt time.Time `json:"reviewedAt"`
}

type AuthorizationRequest struct {
	ID                string                      `json:"id"`
	SimulationID      *string                     `json:"simulationId,omitempty"`
	QuoteID           *string                     `json:"quoteId,omitempty"`
	Status            Status                      `json:"status"`
	Priority          Priority                    `json:"priority"`
	RiskLevel         string                      `json:"riskLevel"`
	Client            Client                      `json:"client"`
	Vehicle           Vehicle                     `json:"vehicle"`
	Financing         Financing                   `json:"financing"`
	Origin            Origin                      `json:"origin"`
	CreatedByUserID   *string                     `json:"createdByUserId,omitempty"`
	AssignedToUserID  *string                     `json:"assignedToUserId,omitempty"`
	StageReviews      map[ReviewStage]StageReview `json:"stageReviews,omitempty"`
	ClientComments    string                      `json:"clientComments"`
	InternalNotes     string                      `json:"internalNotes"`
	ApprovalNotes     string                      `json:"approvalNotes"`
	DecidedBy         *string                     `json:"decidedBy,omitempty"`
	DecidedAt         *time.Time                  `json:"decidedAt,omitempty"`
	AuthorizationData AuthorizationData           `json:"authorizationData"`
	CompetitorsData   []Competitor                `json:"competitorsData"`
	Version           int64                       `json:"version"`
	CreatedAt         time.Time                   `json:"createdAt"`
	UpdatedAt         time.Time                   `json:"updatedAt"`
}

// PriorityAmount is the amount priority derivation looks at.
func (r AuthorizationRequest) PriorityAmount() decimal.Decimal {
	if r.Financing.FinancedAmount.IsPositive() {
		return r.Financing.FinancedAmount
	}
	return r.Financing.RequestedAmount
}

// Clone returns a copy that shares no mutable state with r.
func (r AuthorizationRequest) Clone() AuthorizationRequest {
	out := r
	out.SimulationID = cloneString(r.SimulationID)
	out.QuoteID = cloneString(r.QuoteID)
	out.CreatedByUserID = cloneString(r.CreatedByUserID)
	out.AssignedToUserID = cloneString(r.AssignedToUserID)
	out.DecidedBy = cloneString(r.DecidedBy)
	if r.DecidedAt != nil {
		at := *r.DecidedAt
		out.DecidedAt = &at
	}
	if r.StageReviews != nil {
		out.StageReviews = make(map[ReviewStage]StageReview, len(r.StageReviews))
		for k, v := range r.StageReviews {
			out.StageReviews[k] = v
		}
	}
	out.CompetitorsData = append([]Competitor(nil), r.CompetitorsData...)
	out.AuthorizationData = r.AuthorizationData.Clone()
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
