package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditauth/api/internal/workflow"
)

var created = time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func columnNames() []string {
	parts := strings.Split(requestColumns, ",")
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		names = append(names, strings.TrimSpace(p))
	}
	return names
}

type rowOverrides struct {
	status        string
	version       int64
	internalNotes string
	authData      string
	assignee      any
	advisorID     any
	advisorAt     any
}

func requestRow(id string, o rowOverrides) []driver.Value {
	if o.status == "" {
		o.status = "in_review"
	}
	if o.version == 0 {
		o.version = 1
	}
	if o.authData == "" {
		o.authData = `{"schemaVersion": 2, "applicant": {"fullName": "Ana Torres"}}`
	}
	return []driver.Value{
		id, "sim-1", nil, o.status, "high", "Medium",
		"Ana Torres", "ana@example.com", "",
		"Mazda", "CX-5", int64(2024), "650000.00",
		"400000.00", "520000.00", "9500.00", int64(48), "A",
		"Norte", "Dealer 3", "PR-7",
		"promoter-9", o.assignee,
		o.advisorID, o.advisorAt,
		nil, nil,
		nil, nil,
		"", o.internalNotes, "",
		nil, nil,
		[]byte(o.authData), []byte(`[{"name": "Bank A", "price": "410000"}]`),
		o.version, created, created,
	}
}

func TestCreateInsertsAtVersionOne(t *testing.T) {
	s, mock := newMockStore(t)
	engine := workflow.NewEngine(workflow.WithClock(func() time.Time { return created }))
	req, err := engine.Create(workflow.Actor{UserID: "promoter-9"}, workflow.CreateInput{
		Client:    workflow.Client{Name: "Ana Torres"},
		Financing: workflow.Financing{FinancedAmount: decimal.NewFromInt(520000)},
	})
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO authorization_requests")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Create(context.Background(), req))
	assert.Equal(t, int64(1), req.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateDuplicateIsConflict(t *testing.T) {
	s, mock := newMockStore(t)
	req := &workflow.AuthorizationRequest{ID: "auth_1", Status: workflow.StatusPending, Priority: workflow.PriorityLow}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO authorization_requests")).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key"})

	err := s.Create(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, workflow.ErrConflict))
	assert.Equal(t, int64(0), req.Version)
}

func TestCreateDriverFailureIsPersistence(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO authorization_requests")).
		WillReturnError(sql.ErrConnDone)

	err := s.Create(context.Background(), &workflow.AuthorizationRequest{ID: "auth_1"})
	assert.True(t, errors.Is(err, workflow.ErrPersistence))
	assert.True(t, errors.Is(err, sql.ErrConnDone))
}

func TestGetDecodesRow(t *testing.T) {
	s, mock := newMockStore(t)
	reviewedAt := created.Add(time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta("FROM authorization_requests WHERE id=$1")).
		WithArgs("auth_1").
		WillReturnRows(sqlmock.NewRows(columnNames()).AddRow(requestRow("auth_1", rowOverrides{
			assignee:  "advisor-1",
			advisorID: "advisor-1",
			advisorAt: reviewedAt,
		})...))

	req, err := s.Get(context.Background(), "auth_1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusInReview, req.Status)
	assert.Equal(t, workflow.PriorityHigh, req.Priority)
	assert.Equal(t, "sim-1", *req.SimulationID)
	assert.Nil(t, req.QuoteID)
	assert.Equal(t, "advisor-1", *req.AssignedToUserID)
	assert.True(t, req.Financing.FinancedAmount.Equal(decimal.NewFromInt(520000)))
	assert.Equal(t, "Ana Torres", req.AuthorizationData.Applicant.FullName)
	require.Len(t, req.CompetitorsData, 1)
	assert.Equal(t, "Bank A", req.CompetitorsData[0].Name)
	assert.Equal(t, workflow.StageReview{ReviewerID: "advisor-1", ReviewedAt: reviewedAt}, req.StageReviews[workflow.StageAdvisor])
	_, hasCommittee := req.StageReviews[workflow.StageInternalCommittee]
	assert.False(t, hasCommittee)
}

func TestGetUpgradesLegacyAuthorizationData(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM authorization_requests WHERE id=$1")).
		WillReturnRows(sqlmock.NewRows(columnNames()).AddRow(requestRow("auth_1", rowOverrides{
			authData: `{"incomes": [{"payroll": "12000"}], "competitors": {"Bank Z": "1"}}`,
		})...))

	req, err := s.Get(context.Background(), "auth_1")
	require.NoError(t, err)
	assert.Equal(t, workflow.CurrentSchemaVersion, req.AuthorizationData.SchemaVersion)
	assert.Equal(t, "12000", req.AuthorizationData.Months[0].Payroll.String())
	assert.Equal(t, "Bank Z", req.AuthorizationData.Competitors[0].Name)
}

func TestGetMissingIsNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM authorization_requests WHERE id=$1")).
		WillReturnError(sql.ErrNoRows)

	_, err := s.Get(context.Background(), "auth_missing")
	assert.True(t, errors.Is(err, workflow.ErrNotFound))
}

func TestUpdateChecksVersion(t *testing.T) {
	s, mock := newMockStore(t)
	status := workflow.StatusInReview
	assignee := "advisor-2"
	at := created.Add(time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("SET status = $1, assigned_to_user_id = $2, updated_at = $3, version = version + 1")).
		WithArgs("in_review", "advisor-2", at, "auth_1", int64(3)).
		WillReturnRows(sqlmock.NewRows(columnNames()).AddRow(requestRow("auth_1", rowOverrides{version: 4, assignee: "advisor-2"})...))

	req, err := s.Update(context.Background(), "auth_1", 3, Patch{Status: &status, AssignedToUserID: &assignee, UpdatedAt: at})
	require.NoError(t, err)
	assert.Equal(t, int64(4), req.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStaleVersionIsConflict(t *testing.T) {
	s, mock := newMockStore(t)
	risk := "High"
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE authorization_requests")).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM authorization_requests WHERE id=$1")).
		WithArgs("auth_1").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(7)))

	_, err := s.Update(context.Background(), "auth_1", 5, Patch{RiskLevel: &risk})
	require.Error(t, err)
	assert.True(t, errors.Is(err, workflow.ErrConflict))
	assert.Contains(t, err.Error(), "version 7, not 5")
}

func TestUpdateMissingIsNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	risk := "High"
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE authorization_requests")).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM authorization_requests")).
		WillReturnError(sql.ErrNoRows)

	_, err := s.Update(context.Background(), "auth_missing", 1, Patch{RiskLevel: &risk})
	assert.True(t, errors.Is(err, workflow.ErrNotFound))
}

func TestUpdateStageReviewColumns(t *testing.T) {
	sets, args, err := patchAssignments(Patch{
		StageReview: &StageReviewPatch{
			Stage:  workflow.StagePartnersCommittee,
			Review: workflow.StageReview{ReviewerID: "partner-1", ReviewedAt: created},
		},
		UpdatedAt: created,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"partners_committee_id = $1", "partners_committee_reviewed_at = $2", "updated_at = $3"}, sets)
	assert.Equal(t, []any{"partner-1", created, created}, args)

	_, _, err = patchAssignments(Patch{StageReview: &StageReviewPatch{Stage: "board"}})
	assert.True(t, errors.Is(err, workflow.ErrValidation))
}

func TestListBuildsFilters(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE assigned_to_user_id = $1 AND status = $2 AND priority = $3 AND (client_name ILIKE $4")).
		WithArgs("advisor-1", "in_review", "high", `%50\% off%`, 20, 20).
		WillReturnRows(sqlmock.NewRows(columnNames()).
			AddRow(requestRow("auth_1", rowOverrides{})...).
			AddRow(requestRow("auth_2", rowOverrides{})...))

	items, err := s.List(context.Background(), Filter{
		AssigneeID: "advisor-1",
		Status:     workflow.StatusInReview,
		Priority:   workflow.PriorityHigh,
		SearchTerm: " 50% off ",
	}, Page{Number: 2})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "auth_2", items[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListWithoutFiltersCapsPageSize(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM authorization_requests ORDER BY created_at DESC, id LIMIT $1 OFFSET $2")).
		WithArgs(MaxPageSize, 0).
		WillReturnRows(sqlmock.NewRows(columnNames()))

	items, err := s.List(context.Background(), Filter{}, Page{Size: 1000})
	require.NoError(t, err)
	assert.NotNil(t, items)
	assert.Empty(t, items)
}

func TestListWithEmptyIDsSkipsQuery(t *testing.T) {
	s, mock := newMockStore(t)
	items, err := s.List(context.Background(), Filter{IDs: []string{}}, Page{})
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendNoteConcatenatesInDatabase(t *testing.T) {
	s, mock := newMockStore(t)
	entry := "2024-06-15T10:00:00Z: payroll slips received"
	mock.ExpectQuery(regexp.QuoteMeta(`internal_notes || E'\n\n' || $2`)).
		WithArgs("auth_1", entry).
		WillReturnRows(sqlmock.NewRows(columnNames()).AddRow(requestRow("auth_1", rowOverrides{internalNotes: entry, version: 2})...))

	req, err := s.AppendNote(context.Background(), "auth_1", entry)
	require.NoError(t, err)
	assert.Equal(t, entry, req.InternalNotes)
	assert.Equal(t, int64(2), req.Version)
}

func TestAppendNoteMissingIsNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE authorization_requests")).
		WillReturnError(sql.ErrNoRows)

	_, err := s.AppendNote(context.Background(), "auth_missing", "x")
	assert.True(t, errors.Is(err, workflow.ErrNotFound))
}

func TestAggregate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY status")).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("pending", int64(2)).
			AddRow("approved", int64(3)).
			AddRow("rejected", int64(1)))
	mock.ExpectQuery(regexp.QuoteMeta("AVG(EXTRACT(EPOCH FROM (decided_at - created_at)))")).
		WillReturnRows(sqlmock.NewRows([]string{"count", "avg"}).AddRow(int64(4), float64(5400)))

	summary, err := s.Aggregate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, summary.Total)
	assert.Equal(t, 2, summary.PerStatus[workflow.StatusPending])
	assert.Equal(t, 0, summary.PerStatus[workflow.StatusInReview])
	assert.Equal(t, 4, summary.Decided)
	assert.Equal(t, 90*time.Minute, summary.AverageDecisionTime)
	assert.Equal(t, float64(5400), summary.AvgDecisionTimeSeconds)
}
