package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"creditauth/api/internal/autosave"
	"creditauth/api/internal/config"
	"creditauth/api/internal/draft"
	"creditauth/api/internal/search"
	"creditauth/api/internal/stats"
	"creditauth/api/internal/store"
	"creditauth/api/internal/workflow"
)

// fakeStore keeps requests in memory with the same version semantics as the
// PostgreSQL store. The Fn fields override individual calls.
type fakeStore struct {
	mu       sync.Mutex
	requests map[string]workflow.AuthorizationRequest
	creates  int
	updates  []store.Patch
	notes    []string
	lastList store.Filter

	updateFn func(context.Context, string, int64, store.Patch) (workflow.AuthorizationRequest, error)
	pingFn   func(context.Context) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{requests: make(map[string]workflow.AuthorizationRequest)}
}

func (f *fakeStore) put(req workflow.AuthorizationRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.Version == 0 {
		req.Version = 1
	}
	f.requests[req.ID] = req.Clone()
}

func (f *fakeStore) get(id string) workflow.AuthorizationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[id].Clone()
}

func (f *fakeStore) Create(_ context.Context, req *workflow.AuthorizationRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.requests[req.ID]; ok {
		return workflow.Conflict("duplicate " + req.ID)
	}
	req.Version = 1
	f.requests[req.ID] = req.Clone()
	f.creates++
	return nil
}

func (f *fakeStore) Get(_ context.Context, id string) (workflow.AuthorizationRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[id]
	if !ok {
		return workflow.AuthorizationRequest{}, workflow.NotFound("authorization request", id)
	}
	return req.Clone(), nil
}

func (f *fakeStore) Update(ctx context.Context, id string, expected int64, p store.Patch) (workflow.AuthorizationRequest, error) {
	if f.updateFn != nil {
		return f.updateFn(ctx, id, expected, p)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[id]
	if !ok {
		return workflow.AuthorizationRequest{}, workflow.NotFound("authorization request", id)
	}
	if req.Version != expected {
		return workflow.AuthorizationRequest{}, workflow.Conflict(fmt.Sprintf("authorization request %s is at version %d, not %d", id, req.Version, expected))
	}
	if p.Status != nil {
		req.Status = *p.Status
	}
	if p.Priority != nil {
		req.Priority = *p.Priority
	}
	if p.RiskLevel != nil {
		req.RiskLevel = *p.RiskLevel
	}
	if p.AssignedToUserID != nil {
		req.AssignedToUserID = p.AssignedToUserID
	}
	if p.ApprovalNotes != nil {
		req.ApprovalNotes = *p.ApprovalNotes
	}
	if p.DecidedBy != nil {
		req.DecidedBy = p.DecidedBy
	}
	if p.DecidedAt != nil {
		req.DecidedAt = p.DecidedAt
	}
	if p.StageReview != nil {
		if req.StageReviews == nil {
			req.StageReviews = make(map[workflow.ReviewStage]workflow.StageReview)
		}
		req.StageReviews[p.StageReview.Stage] = p.StageReview.Review
	}
	if p.Client != nil {
		req.Client = *p.Client
	}
	if p.Vehicle != nil {
		req.Vehicle = *p.Vehicle
	}
	if p.Financing != nil {
		req.Financing = *p.Financing
	}
	if p.Origin != nil {
		req.Origin = *p.Origin
	}
	if p.ClientComments != nil {
		req.ClientComments = *p.ClientComments
	}
	if p.AuthorizationData != nil {
		req.AuthorizationData = p.AuthorizationData.Clone()
	}
	if p.CompetitorsData != nil {
		req.CompetitorsData = append([]workflow.Competitor{}, (*p.CompetitorsData)...)
	}
	req.UpdatedAt = p.UpdatedAt
	req.Version++
	f.requests[id] = req
	f.updates = append(f.updates, p)
	return req.Clone(), nil
}

func (f *fakeStore) List(_ context.Context, filter store.Filter, page store.Page) ([]workflow.AuthorizationRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastList = filter
	out := make([]workflow.AuthorizationRequest, 0)
	if filter.IDs != nil {
		for _, id := range filter.IDs {
			if req, ok := f.requests[id]; ok {
				out = append(out, req.Clone())
			}
		}
		return out, nil
	}
	for _, req := range f.requests {
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		out = append(out, req.Clone())
	}
	return out, nil
}

func (f *fakeStore) AppendNote(_ context.Context, id, entry string) (workflow.AuthorizationRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[id]
	if !ok {
		return workflow.AuthorizationRequest{}, workflow.NotFound("authorization request", id)
	}
	req.InternalNotes = workflow.JoinNotes(req.InternalNotes, entry)
	req.Version++
	f.requests[id] = req
	f.notes = append(f.notes, entry)
	return req.Clone(), nil
}

func (f *fakeStore) Aggregate(context.Context) (stats.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := make([]workflow.AuthorizationRequest, 0, len(f.requests))
	for _, req := range f.requests {
		all = append(all, req)
	}
	return stats.Aggregate(all), nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

type fakeSearch struct {
	mu      sync.Mutex
	ids     []string
	ok      bool
	indexed []search.RequestRecord
}

func (f *fakeSearch) SearchIDs(string, int) ([]string, bool) {
	return f.ids, f.ok
}

func (f *fakeSearch) IndexRequest(rec search.RequestRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, rec)
}

type fakeDrafts struct {
	mu       sync.Mutex
	copies   map[string]workflow.AuthorizationData
	locked   map[string]bool
	discards []string
	pingErr  error
}

func newFakeDrafts() *fakeDrafts {
	return &fakeDrafts{copies: make(map[string]workflow.AuthorizationData), locked: make(map[string]bool)}
}

func (f *fakeDrafts) SaveWorkingCopy(_ context.Context, key string, data workflow.AuthorizationData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copies[key] = data.Clone()
	return nil
}

func (f *fakeDrafts) LoadWorkingCopy(_ context.Context, key string) (workflow.AuthorizationData, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.copies[key]
	return data, ok, nil
}

func (f *fakeDrafts) Discard(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.copies, key)
	f.discards = append(f.discards, key)
	return nil
}

func (f *fakeDrafts) ObtainCreateLock(_ context.Context, key string) (func(context.Context) error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locked[key] {
		return nil, draft.ErrCreateInProgress
	}
	f.locked[key] = true
	return func(context.Context) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.locked, key)
		return nil
	}, nil
}

func (f *fakeDrafts) Ping(context.Context) error {
	return f.pingErr
}

type fakeArchive struct {
	mu       sync.Mutex
	archived []workflow.AuthorizationRequest
	err      error
}

func (f *fakeArchive) ArchiveDecision(_ context.Context, req workflow.AuthorizationRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.archived = append(f.archived, req)
	return "decisions/" + req.ID, nil
}

// stillClock never fires timers, so only explicit saves reach the store.
type stillClock struct{}

type stillTimer struct{}

func (stillTimer) Stop() bool { return true }

func (stillClock) Now() time.Time { return time.Now() }

func (stillClock) AfterFunc(time.Duration, func()) autosave.Timer { return stillTimer{} }

const testSecret = "test-secret"

type testDeps struct {
	store   *fakeStore
	search  *fakeSearch
	drafts  *fakeDrafts
	archive *fakeArchive
}

func newTestService(fs *fakeStore) *Service {
	return New(config.Config{JWTSecret: testSecret}, Dependencies{
		Store:  fs,
		Clock:  stillClock{},
		Logger: zerolog.Nop(),
	})
}

func newFullTestService() (*Service, testDeps) {
	deps := testDeps{
		store:   newFakeStore(),
		search:  &fakeSearch{},
		drafts:  newFakeDrafts(),
		archive: &fakeArchive{},
	}
	svc := New(config.Config{JWTSecret: testSecret}, Dependencies{
		Store:   deps.store,
		Search:  deps.search,
		Drafts:  deps.drafts,
		Archive: deps.archive,
		Clock:   stillClock{},
		Logger:  zerolog.Nop(),
	})
	return svc, deps
}

var (
	advisor   = Session{UserID: "usr_advisor", UserName: "Avery", Role: "advisor"}
	committee = Session{UserID: "usr_committee", UserName: "Casey", Role: "committee"}
	promoter  = Session{UserID: "usr_promoter", UserName: "Pat", Role: "promoter"}
	viewer    = Session{UserID: "usr_viewer", UserName: "Vic", Role: "viewer"}
)
