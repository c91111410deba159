package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"creditauth/api/internal/stats"
	"creditauth/api/internal/workflow"
)

const uniqueViolation = "23505"

const requestColumns = `id, simulation_id, quote_id, status, priority, risk_level,
	client_name, client_email, client_phone,
	vehicle_brand, vehicle_model, vehicle_year, vehicle_value,
	requested_amount, financed_amount, monthly_payment, term_months, tier_code,
	agency_name, dealer_name, promoter_code,
	created_by_user_id, assigned_to_user_id,
	advisor_id, advisor_reviewed_at,
	internal_committee_id, internal_committee_reviewed_at,
	partners_committee_id, partners_committee_reviewed_at,
	client_comments, internal_notes, approval_notes,
	decided_by, decided_at,
	authorization_data, competitors_data,
	version, created_at, updated_at`

var stageColumns = map[workflow.ReviewStage][2]string{
	workflow.StageAdvisor:           {"advisor_id", "advisor_reviewed_at"},
	workflow.StageInternalCommittee: {"internal_committee_id", "internal_committee_reviewed_at"},
	workflow.StagePartnersCommittee: {"partners_committee_id", "partners_committee_reviewed_at"},
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return workflow.Persistence("ping", err)
	}
	return nil
}

// Create inserts req and sets its version to 1.
func (s *PostgresStore) Create(ctx context.Context, req *workflow.AuthorizationRequest) error {
	authData, err := json.Marshal(req.AuthorizationData)
	if err != nil {
		return fmt.Errorf("encode authorization data: %w", err)
	}
	competitors, err := json.Marshal(nonNilCompetitors(req.CompetitorsData))
	if err != nil {
		return fmt.Errorf("encode competitors: %w", err)
	}
	advisor, internal, partners := stageValues(req.StageReviews)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO authorization_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33, $34, $35, $36, 1, $37, $38)
	`,
		req.ID, req.SimulationID, req.QuoteID, string(req.Status), string(req.Priority), req.RiskLevel,
		req.Client.Name, req.Client.Email, req.Client.Phone,
		req.Vehicle.Brand, req.Vehicle.Model, req.Vehicle.Year, req.Vehicle.Value,
		req.Financing.RequestedAmount, req.Financing.FinancedAmount, req.Financing.MonthlyPayment, req.Financing.TermMonths, req.Financing.TierCode,
		req.Origin.AgencyName, req.Origin.DealerName, req.Origin.PromoterCode,
		req.CreatedByUserID, req.AssignedToUserID,
		advisor.id, advisor.at,
		internal.id, internal.at,
		partners.id, partners.at,
		req.ClientComments, req.InternalNotes, req.ApprovalNotes,
		req.DecidedBy, req.DecidedAt,
		authData, competitors,
		req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.SQLState() == uniqueViolation {
			return workflow.Conflict("authorization request " + req.ID + " already exists")
		}
		return workflow.Persistence("insert authorization request", err)
	}
	req.Version = 1
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (workflow.AuthorizationRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM authorization_requests WHERE id=$1`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.AuthorizationRequest{}, workflow.NotFound("authorization request", id)
	}
	if err != nil {
		return workflow.AuthorizationRequest{}, workflow.Persistence("get authorization request", err)
	}
	return req, nil
}

// Update writes patch when the stored version still equals expectedVersion
// and returns the stored row. A stale version is a conflict.
func (s *PostgresStore) Update(ctx context.Context, id string, expectedVersion int64, patch Patch) (workflow.AuthorizationRequest, error) {
	sets, args, err := patchAssignments(patch)
	if err != nil {
		return workflow.AuthorizationRequest{}, err
	}
	args = append(args, id, expectedVersion)
	query := fmt.Sprintf(`
		UPDATE authorization_requests
		SET %s, version = version + 1
		WHERE id = $%d AND version = $%d
		RETURNING `+requestColumns, strings.Join(sets, ", "), len(args)-1, len(args))

	req, err := scanRequest(s.db.QueryRowContext(ctx, query, args...))
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return workflow.AuthorizationRequest{}, workflow.Persistence("update authorization request", err)
	}

	var current int64
	err = s.db.QueryRowContext(ctx, `SELECT version FROM authorization_requests WHERE id=$1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.AuthorizationRequest{}, workflow.NotFound("authorization request", id)
	}
	if err != nil {
		return workflow.AuthorizationRequest{}, workflow.Persistence("check authorization request version", err)
	}
	return workflow.AuthorizationRequest{}, workflow.Conflict(fmt.Sprintf("authorization request %s is at version %d, not %d", id, current, expectedVersion))
}

func patchAssignments(p Patch) ([]string, []any, error) {
	var sets []string
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if p.Status != nil {
		add("status", string(*p.Status))
	}
	if p.Priority != nil {
		add("priority", string(*p.Priority))
	}
	if p.RiskLevel != nil {
		add("risk_level", *p.RiskLevel)
	}
	if p.AssignedToUserID != nil {
		add("assigned_to_user_id", *p.AssignedToUserID)
	}
	if p.ApprovalNotes != nil {
		add("approval_notes", *p.ApprovalNotes)
	}
	if p.DecidedBy != nil {
		add("decided_by", *p.DecidedBy)
	}
	if p.DecidedAt != nil {
		add("decided_at", *p.DecidedAt)
	}
	if p.StageReview != nil {
		cols, ok := stageColumns[p.StageReview.Stage]
		if !ok {
			return nil, nil, workflow.Validation("stage", "unknown review stage "+string(p.StageReview.Stage))
		}
		add(cols[0], p.StageReview.Review.ReviewerID)
		add(cols[1], p.StageReview.Review.ReviewedAt)
	}
	if p.Client != nil {
		add("client_name", p.Client.Name)
		add("client_email", p.Client.Email)
		add("client_phone", p.Client.Phone)
	}
	if p.Vehicle != nil {
		add("vehicle_brand", p.Vehicle.Brand)
		add("vehicle_model", p.Vehicle.Model)
		add("vehicle_year", p.Vehicle.Year)
		add("vehicle_value", p.Vehicle.Value)
	}
	if p.Financing != nil {
		add("requested_amount", p.Financing.RequestedAmount)
		add("financed_amount", p.Financing.FinancedAmount)
		add("monthly_payment", p.Financing.MonthlyPayment)
		add("term_months", p.Financing.TermMonths)
		add("tier_code", p.Financing.TierCode)
	}
	if p.Origin != nil {
		add("agency_name", p.Origin.AgencyName)
		add("dealer_name", p.Origin.DealerName)
		add("promoter_code", p.Origin.PromoterCode)
	}
	if p.ClientComments != nil {
		add("client_comments", *p.ClientComments)
	}
	if p.AuthorizationData != nil {
		raw, err := json.Marshal(p.AuthorizationData)
		if err != nil {
			return nil, nil, fmt.Errorf("encode authorization data: %w", err)
		}
		add("authorization_data", raw)
	}
	if p.CompetitorsData != nil {
		raw, err := json.Marshal(nonNilCompetitors(*p.CompetitorsData))
		if err != nil {
			return nil, nil, fmt.Errorf("encode competitors: %w", err)
		}
		add("competitors_data", raw)
	}

	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	add("updated_at", updatedAt)
	return sets, args, nil
}

func (s *PostgresStore) List(ctx context.Context, filter Filter, page Page) ([]workflow.AuthorizationRequest, error) {
	items := make([]workflow.AuthorizationRequest, 0)
	if filter.IDs != nil && len(filter.IDs) == 0 {
		return items, nil
	}
	page = page.Normalized()

	var where []string
	var args []any
	arg := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.AssigneeID != "" {
		where = append(where, "assigned_to_user_id = "+arg(filter.AssigneeID))
	}
	if filter.Status != "" {
		where = append(where, "status = "+arg(string(filter.Status)))
	}
	if filter.Priority != "" {
		where = append(where, "priority = "+arg(string(filter.Priority)))
	}
	if filter.IDs != nil {
		where = append(where, "id = ANY("+arg(filter.IDs)+")")
	} else if term := strings.TrimSpace(filter.SearchTerm); term != "" {
		p := arg("%" + escapeLike(term) + "%")
		where = append(where, fmt.Sprintf(
			"(client_name ILIKE %[1]s OR client_email ILIKE %[1]s OR vehicle_brand ILIKE %[1]s OR vehicle_model ILIKE %[1]s OR agency_name ILIKE %[1]s OR dealer_name ILIKE %[1]s OR promoter_code ILIKE %[1]s OR id ILIKE %[1]s)", p))
	}

	query := `SELECT ` + requestColumns + ` FROM authorization_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id LIMIT " + arg(page.Size) + " OFFSET " + arg(page.offset())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, workflow.Persistence("list authorization requests", err)
	}
	defer rows.Close()

	for rows.Next() {
		item, err := scanRequest(rows)
		if err != nil {
			return nil, workflow.Persistence("scan authorization request", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, workflow.Persistence("iterate authorization requests", err)
	}
	return items, nil
}

// AppendNote concatenates entry onto the stored notes in one statement so
// concurrent appends never drop each other.
func (s *PostgresStore) AppendNote(ctx context.Context, id, entry string) (workflow.AuthorizationRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE authorization_requests
		SET internal_notes = CASE WHEN internal_notes = '' THEN $2 ELSE internal_notes || E'\n\n' || $2 END,
			version = version + 1,
			updated_at = GREATEST(NOW(), updated_at + INTERVAL '1 microsecond')
		WHERE id = $1
		RETURNING `+requestColumns, id, entry)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.AuthorizationRequest{}, workflow.NotFound("authorization request", id)
	}
	if err != nil {
		return workflow.AuthorizationRequest{}, workflow.Persistence("append note", err)
	}
	return req, nil
}

// Aggregate computes the dashboard summary in the database.
func (s *PostgresStore) Aggregate(ctx context.Context) (stats.Summary, error) {
	summary := stats.NewSummary()
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM authorization_requests GROUP BY status`)
	if err != nil {
		return stats.Summary{}, workflow.Persistence("count by status", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats.Summary{}, workflow.Persistence("scan status count", err)
		}
		summary.PerStatus[workflow.Status(status)] = count
		summary.Total += count
	}
	if err := rows.Err(); err != nil {
		return stats.Summary{}, workflow.Persistence("iterate status counts", err)
	}

	var avgSeconds float64
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(AVG(EXTRACT(EPOCH FROM (decided_at - created_at))), 0)::float8
		FROM authorization_requests
		WHERE status IN ('approved', 'rejected') AND decided_at IS NOT NULL
	`).Scan(&summary.Decided, &avgSeconds)
	if err != nil {
		return stats.Summary{}, workflow.Persistence("average decision time", err)
	}
	summary.AvgDecisionTimeSeconds = avgSeconds
	summary.AverageDecisionTime = time.Duration(avgSeconds * float64(time.Second))
	return summary, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (workflow.AuthorizationRequest, error) {
	var (
		req                   workflow.AuthorizationRequest
		status, priority      string
		advisor, internal     nullableReview
		partners              nullableReview
		authData, competitors []byte
	)
	err := row.Scan(
		&req.ID, &req.SimulationID, &req.QuoteID, &status, &priority, &req.RiskLevel,
		&req.Client.Name, &req.Client.Email, &req.Client.Phone,
		&req.Vehicle.Brand, &req.Vehicle.Model, &req.Vehicle.Year, &req.Vehicle.Value,
		&req.Financing.RequestedAmount, &req.Financing.FinancedAmount, &req.Financing.MonthlyPayment, &req.Financing.TermMonths, &req.Financing.TierCode,
		&req.Origin.AgencyName, &req.Origin.DealerName, &req.Origin.PromoterCode,
		&req.CreatedByUserID, &req.AssignedToUserID,
		&advisor.id, &advisor.at,
		&internal.id, &internal.at,
		&partners.id, &partners.at,
		&req.ClientComments, &req.InternalNotes, &req.ApprovalNotes,
		&req.DecidedBy, &req.DecidedAt,
		&authData, &competitors,
		&req.Version, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return workflow.AuthorizationRequest{}, err
	}
	req.Status = workflow.Status(status)
	req.Priority = workflow.Priority(priority)

	reviews := map[workflow.ReviewStage]nullableReview{
		workflow.StageAdvisor:           advisor,
		workflow.StageInternalCommittee: internal,
		workflow.StagePartnersCommittee: partners,
	}
	for stage, r := range reviews {
		if r.id == nil || r.at == nil {
			continue
		}
		if req.StageReviews == nil {
			req.StageReviews = make(map[workflow.ReviewStage]workflow.StageReview)
		}
		req.StageReviews[stage] = workflow.StageReview{ReviewerID: *r.id, ReviewedAt: *r.at}
	}

	data, err := workflow.DecodeAuthorizationData(authData)
	if err != nil {
		return workflow.AuthorizationRequest{}, fmt.Errorf("decode authorization data for %s: %w", req.ID, err)
	}
	req.AuthorizationData = data
	req.CompetitorsData = make([]workflow.Competitor, 0)
	if len(competitors) > 0 {
		if err := json.Unmarshal(competitors, &req.CompetitorsData); err != nil {
			return workflow.AuthorizationRequest{}, fmt.Errorf("decode competitors for %s: %w", req.ID, err)
		}
	}
	return req, nil
}

type nullableReview struct {
	id *string
	at *time.Time
}

func stageValues(reviews map[workflow.ReviewStage]workflow.StageReview) (advisor, internal, partners nullableReview) {
	pick := func(stage workflow.ReviewStage) nullableReview {
		r, ok := reviews[stage]
		if !ok {
			return nullableReview{}
		}
		id, at := r.ReviewerID, r.ReviewedAt
		return nullableReview{id: &id, at: &at}
	}
	return pick(workflow.StageAdvisor), pick(workflow.StageInternalCommittee), pick(workflow.StagePartnersCommittee)
}

func nonNilCompetitors(items []workflow.Competitor) []workflow.Competitor {
	if items == nil {
		return []workflow.Competitor{}
	}
	return items
}

func escapeLike(term string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(term)
}
