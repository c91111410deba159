package workflow

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"creditauth/api/internal/util"
	"creditauth/api/internal/viability"
)

var (
	highPriorityThreshold   = decimal.NewFromInt(500000)
	mediumPriorityThreshold = decimal.NewFromInt(300000)
)

// NoteSeparator sits between consecutive internal-note entries.
const NoteSeparator = "\n\n"

// CreateInput carries the snapshot copied from a simulation and quote, or raw
// client and vehicle data.
type CreateInput struct {
	SimulationID     *string      `json:"simulationId"`
	QuoteID          *string      `json:"quoteId"`
	Client           Client       `json:"client"`
	Vehicle          Vehicle      `json:"vehicle"`
	Financing        Financing    `json:"financing"`
	Origin           Origin       `json:"origin"`
	Priority         *Priority    `json:"priority"`
	AssignedToUserID *string      `json:"assignedToUserId"`
	ClientComments   string       `json:"clientComments" validate:"max=4000"`
	CompetitorsData  []Competitor `json:"competitorsData" validate:"max=20"`
}

type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// Engine enforces the request lifecycle. It mutates the request it is handed
// and never persists anything.
type Engine struct {
	now      func() time.Time
	validate *validator.Validate
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		now:      time.Now,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DerivePriority applies the fixed amount thresholds.
func DerivePriority(amount decimal.Decimal) Priority {
	switch {
	case amount.GreaterThanOrEqual(highPriorityThreshold):
		return PriorityHigh
	case amount.GreaterThanOrEqual(mediumPriorityThreshold):
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Create builds a new request. When the actor is known and no assignee is
// given the actor is assigned and review starts immediately.
func (e *Engine) Create(actor Actor, in CreateInput) (*AuthorizationRequest, error) {
	in.Client = trimClient(in.Client)
	if err := e.validateInput(in); err != nil {
		return nil, err
	}
	if in.Priority != nil && !in.Priority.Valid() {
		return nil, Validation("priority", "unknown priority "+string(*in.Priority))
	}

	now := e.now().UTC()
	req := &AuthorizationRequest{
		ID:              util.NewID("auth"),
		SimulationID:    blankToNil(in.SimulationID),
		QuoteID:         blankToNil(in.QuoteID),
		Status:          StatusPending,
		RiskLevel:       DefaultRiskLevel,
		Client:          in.Client,
		Vehicle:         in.Vehicle,
		Financing:       in.Financing,
		Origin:          in.Origin,
		ClientComments:  strings.TrimSpace(in.ClientComments),
		CompetitorsData: append([]Competitor{}, in.CompetitorsData...),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if in.Priority != nil {
		req.Priority = *in.Priority
	} else {
		req.Priority = DerivePriority(req.PriorityAmount())
	}

	creator := strings.TrimSpace(actor.UserID)
	if creator != "" {
		req.CreatedByUserID = &creator
	}
	switch assignee := blankToNil(in.AssignedToUserID); {
	case assignee != nil:
		req.AssignedToUserID = assignee
		req.Status = StatusInReview
	case creator != "":
		owner := creator
		req.AssignedToUserID = &owner
		req.Status = StatusInReview
	}

	data := NewAuthorizationData()
	data.MonthLabels = DeriveMonthLabels(now)
	data.Financial.RequestedAmount = in.Financing.RequestedAmount
	data.Financial.TermMonths = in.Financing.TermMonths
	data.Financial.MonthlyPayment = in.Financing.MonthlyPayment
	data.Vehicle = VehicleReview{
		Agency:    in.Origin.AgencyName,
		Brand:     in.Vehicle.Brand,
		Model:     in.Vehicle.Model,
		Year:      in.Vehicle.Year,
		SaleValue: in.Vehicle.Value,
	}
	data.Applicant.FullName = req.Client.Name
	data.Competitors = append([]Competitor{}, in.CompetitorsData...)
	req.AuthorizationData = data
	e.refreshAggregates(req)
	return req, nil
}

func (e *Engine) validateInput(in CreateInput) error {
	if err := e.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return Validation(lowerFirst(first.Namespace()), "failed "+first.Tag())
		}
		return Validation("", err.Error())
	}
	amounts := map[string]decimal.Decimal{
		"financing.requestedAmount": in.Financing.RequestedAmount,
		"financing.financedAmount":  in.Financing.FinancedAmount,
		"financing.monthlyPayment":  in.Financing.MonthlyPayment,
		"vehicle.value":             in.Vehicle.Value,
	}
	for field, amount := range amounts {
		if amount.IsNegative() {
			return Validation(field, "must not be negative")
		}
	}
	for _, c := range in.CompetitorsData {
		if strings.TrimSpace(c.Name) == "" {
			return Validation("competitorsData.name", "must not be blank")
		}
	}
	return nil
}

// Assign is legal from pending or in review and always promotes to in review.
func (e *Engine) Assign(req *AuthorizationRequest, userID string) error {
	if req.Status.IsTerminal() {
		return InvalidTransition(req.Status, "assign")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Validation("userId", "required")
	}
	req.AssignedToUserID = &userID
	req.Status = StatusInReview
	e.touch(req)
	return nil
}

// Decide moves an in-review request to a terminal status. Notes are checked
// before the state, so empty notes are reported as a validation failure.
func (e *Engine) Decide(req *AuthorizationRequest, outcome Status, notes, reviewerID string) error {
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return Validation("notes", "required for a decision")
	}
	if !outcome.IsTerminal() {
		return Validation("outcome", "must be approved or rejected")
	}
	reviewerID = strings.TrimSpace(reviewerID)
	if reviewerID == "" {
		return Validation("reviewerId", "required")
	}
	if req.Status != StatusInReview {
		return InvalidTransition(req.Status, "decide")
	}
	e.touch(req)
	decidedAt := req.UpdatedAt
	req.ApprovalNotes = notes
	req.DecidedBy = &reviewerID
	req.DecidedAt = &decidedAt
	req.Status = outcome
	return nil
}

// SetPriority returns false without error when the request is already
// decided; priority is metadata and not a workflow signal.
func (e *Engine) SetPriority(req *AuthorizationRequest, p Priority) (bool, error) {
	if !p.Valid() {
		return false, Validation("priority", "unknown priority "+string(p))
	}
	if req.Status.IsTerminal() {
		return false, nil
	}
	req.Priority = p
	e.touch(req)
	return true, nil
}

func (e *Engine) SetRiskLevel(req *AuthorizationRequest, level string) error {
	level = strings.TrimSpace(level)
	if level == "" {
		return Validation("riskLevel", "required")
	}
	req.RiskLevel = level
	e.touch(req)
	return nil
}

// AppendNote adds a timestamped entry and returns it as stored.
func (e *Engine) AppendNote(req *AuthorizationRequest, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", Validation("text", "required")
	}
	e.touch(req)
	entry := FormatNote(req.UpdatedAt, text)
	req.InternalNotes = JoinNotes(req.InternalNotes, entry)
	return entry, nil
}

func FormatNote(at time.Time, text string) string {
	return at.UTC().Format(time.RFC3339) + ": " + text
}

func JoinNotes(existing, entry string) string {
	if existing == "" {
		return entry
	}
	return existing + NoteSeparator + entry
}

// RecordStageReview stamps a committee or advisor review.
func (e *Engine) RecordStageReview(req *AuthorizationRequest, stage ReviewStage, reviewerID string) error {
	if _, err := ParseReviewStage(string(stage)); err != nil {
		return err
	}
	reviewerID = strings.TrimSpace(reviewerID)
	if reviewerID == "" {
		return Validation("reviewerId", "required")
	}
	if req.Status.IsTerminal() {
		return InvalidTransition(req.Status, "review")
	}
	e.touch(req)
	if req.StageReviews == nil {
		req.StageReviews = make(map[ReviewStage]StageReview)
	}
	req.StageReviews[stage] = StageReview{ReviewerID: reviewerID, ReviewedAt: req.UpdatedAt}
	return nil
}

// UpdateFinancialSnapshot merges patch into the authorization data. It is
// allowed in every status so decided requests can receive audit corrections.
func (e *Engine) UpdateFinancialSnapshot(req *AuthorizationRequest, patch SnapshotPatch) error {
	if err := patch.validate(); err != nil {
		return err
	}
	data := req.AuthorizationData.merge(patch)
	if !data.LabelsFrozen && data.MonthLabels == ([viability.Months]string{}) {
		data.MonthLabels = DeriveMonthLabels(req.CreatedAt)
	}
	req.AuthorizationData = data
	if patch.Competitors != nil {
		req.CompetitorsData = append([]Competitor{}, data.Competitors...)
	}
	e.refreshAggregates(req)
	e.touch(req)
	return nil
}

// RequestPatch replaces whole sections of the request's own details. Nil
// sections are left as they are.
type RequestPatch struct {
	Client         *Client    `json:"client,omitempty"`
	Vehicle        *Vehicle   `json:"vehicle,omitempty"`
	Financing      *Financing `json:"financing,omitempty"`
	Origin         *Origin    `json:"origin,omitempty"`
	ClientComments *string    `json:"clientComments,omitempty"`
}

func (p RequestPatch) Empty() bool {
	return p.Client == nil && p.Vehicle == nil && p.Financing == nil &&
		p.Origin == nil && p.ClientComments == nil
}

// UpdateRequestSnapshot edits client, vehicle, financing, origin or comments
// of an undecided request. The edited request must pass the same checks as
// a new one. Priority is not re-derived.
func (e *Engine) UpdateRequestSnapshot(req *AuthorizationRequest, patch RequestPatch) error {
	if req.Status.IsTerminal() {
		return InvalidTransition(req.Status, "edit")
	}
	if patch.Empty() {
		return Validation("", "nothing to update")
	}
	next := CreateInput{
		Client:         req.Client,
		Vehicle:        req.Vehicle,
		Financing:      req.Financing,
		Origin:         req.Origin,
		ClientComments: req.ClientComments,
	}
	if patch.Client != nil {
		next.Client = trimClient(*patch.Client)
	}
	if patch.Vehicle != nil {
		next.Vehicle = *patch.Vehicle
	}
	if patch.Financing != nil {
		next.Financing = *patch.Financing
	}
	if patch.Origin != nil {
		next.Origin = *patch.Origin
	}
	if patch.ClientComments != nil {
		next.ClientComments = strings.TrimSpace(*patch.ClientComments)
	}
	if err := e.validateInput(next); err != nil {
		return err
	}
	req.Client = next.Client
	req.Vehicle = next.Vehicle
	req.Financing = next.Financing
	req.Origin = next.Origin
	req.ClientComments = next.ClientComments
	e.refreshAggregates(req)
	e.touch(req)
	return nil
}

// MonthlyPayment is the financing payment, or the one captured on the form
// when the request carries none.
func MonthlyPayment(req AuthorizationRequest) decimal.Decimal {
	if req.Financing.MonthlyPayment.IsPositive() {
		return req.Financing.MonthlyPayment
	}
	return req.AuthorizationData.Financial.MonthlyPayment
}

// Viability evaluates the request's current financial table.
func Viability(req AuthorizationRequest) viability.Result {
	data := req.AuthorizationData
	return viability.Evaluate(data.Months, MonthlyPayment(req), data.Financial.DeclaredCapacityRef())
}

func (e *Engine) refreshAggregates(req *AuthorizationRequest) {
	res := Viability(*req)
	req.AuthorizationData.Aggregates = &res
}

// touch keeps UpdatedAt strictly increasing even when the clock does not move.
// The step is a microsecond so it survives a PostgreSQL round trip.
func (e *Engine) touch(req *AuthorizationRequest) {
	now := e.now().UTC()
	if !now.After(req.UpdatedAt) {
		now = req.UpdatedAt.Add(time.Microsecond)
	}
	req.UpdatedAt = now
}

func blankToNil(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func trimClient(c Client) Client {
	return Client{
		Name:  strings.TrimSpace(c.Name),
		Email: strings.TrimSpace(c.Email),
		Phone: strings.TrimSpace(c.Phone),
	}
}

func lowerFirst(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToLower(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, ".")
}
