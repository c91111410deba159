package store

import (
	"time"

	"creditauth/api/internal/workflow"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type Filter struct {
	AssigneeID string
	Status     workflow.Status
	Priority   workflow.Priority
	SearchTerm string
	// IDs restricts the result to these requests, usually the hits of a
	// search index. An empty non-nil slice matches nothing.
	IDs []string
}

type Page struct {
	Number int
	Size   int
}

// Normalized applies the default size and caps it.
func (p Page) Normalized() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size <= 0 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

func (p Page) offset() int {
	return (p.Number - 1) * p.Size
}

type StageReviewPatch struct {
	Stage  workflow.ReviewStage
	Review workflow.StageReview
}

// Patch lists the columns an update writes. Nil fields are left as stored.
// UpdatedAt is always written.
type Patch struct {
	Status            *workflow.Status
	Priority          *workflow.Priority
	RiskLevel         *string
	AssignedToUserID  *string
	ApprovalNotes     *string
	DecidedBy         *string
	DecidedAt         *time.Time
	StageReview       *StageReviewPatch
	Client            *workflow.Client
	Vehicle           *workflow.Vehicle
	Financing         *workflow.Financing
	Origin            *workflow.Origin
	ClientComments    *string
	AuthorizationData *workflow.AuthorizationData
	CompetitorsData   *[]workflow.Competitor
	UpdatedAt         time.Time
}
