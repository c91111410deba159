package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"creditauth/api/internal/auth"
	"creditauth/api/internal/autosave"
	"creditauth/api/internal/completion"
	"creditauth/api/internal/config"
	"creditauth/api/internal/rbac"
	"creditauth/api/internal/search"
	"creditauth/api/internal/stats"
	"creditauth/api/internal/store"
	"creditauth/api/internal/viability"
	"creditauth/api/internal/workflow"
)

// searchLimit bounds how many index hits are resolved against the database.
const searchLimit = 1000

type Session struct {
	UserID   string
	UserName string
	Role     rbac.Role
}

func (s Session) actor() workflow.Actor {
	return workflow.Actor{UserID: s.UserID, Name: s.UserName, Role: string(s.Role)}
}

type dataStore interface {
	Create(context.Context, *workflow.AuthorizationRequest) error
	Get(context.Context, string) (workflow.AuthorizationRequest, error)
	Update(context.Context, string, int64, store.Patch) (workflow.AuthorizationRequest, error)
	List(context.Context, store.Filter, store.Page) ([]workflow.AuthorizationRequest, error)
	AppendNote(context.Context, string, string) (workflow.AuthorizationRequest, error)
	Aggregate(context.Context) (stats.Summary, error)
	Ping(context.Context) error
}

type searchIndex interface {
	SearchIDs(term string, limit int) ([]string, bool)
	IndexRequest(search.RequestRecord)
}

type draftCache interface {
	SaveWorkingCopy(context.Context, string, workflow.AuthorizationData) error
	LoadWorkingCopy(context.Context, string) (workflow.AuthorizationData, bool, error)
	Discard(context.Context, string) error
	ObtainCreateLock(context.Context, string) (func(context.Context) error, error)
	Ping(context.Context) error
}

type decisionArchive interface {
	ArchiveDecision(context.Context, workflow.AuthorizationRequest) (string, error)
}

// Dependencies are the collaborators of a Service. Search, Drafts and
// Archive are optional and must be left nil when not configured.
type Dependencies struct {
	Store   dataStore
	Search  searchIndex
	Drafts  draftCache
	Archive decisionArchive
	Engine  *workflow.Engine
	Clock   autosave.Clock
	Logger  zerolog.Logger
}

type Service struct {
	cfg     config.Config
	store   dataStore
	search  searchIndex
	drafts  draftCache
	archive decisionArchive
	engine  *workflow.Engine
	clock   autosave.Clock
	log     zerolog.Logger
	memo    viability.Memo

	reviewDelay      time.Duration
	applicationDelay time.Duration

	sessionsMu sync.Mutex
	sessions   map[string]*formSession
}

func New(cfg config.Config, deps Dependencies) *Service {
	engine := deps.Engine
	if engine == nil {
		engine = workflow.NewEngine()
	}
	reviewDelay := cfg.ReviewAutosaveDelay
	if reviewDelay <= 0 {
		reviewDelay = autosave.ReviewFormDelay
	}
	applicationDelay := cfg.ApplicationAutosaveDelay
	if applicationDelay <= 0 {
		applicationDelay = autosave.ApplicationFormDelay
	}
	return &Service{
		cfg:              cfg,
		store:            deps.Store,
		search:           deps.Search,
		drafts:           deps.Drafts,
		archive:          deps.Archive,
		engine:           engine,
		clock:            deps.Clock,
		log:              deps.Logger,
		reviewDelay:      reviewDelay,
		applicationDelay: applicationDelay,
		sessions:         make(map[string]*formSession),
	}
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	name := claims.Name
	if name == "" {
		name = claims.Subject
	}
	return Session{
		UserID:   claims.Subject,
		UserName: name,
		Role:     rbac.Normalize(claims.Role),
	}, nil
}

// Ping checks the database.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingDrafts(ctx context.Context) (bool, error) {
	if s.drafts == nil {
		return false, nil
	}
	return true, s.drafts.Ping(ctx)
}

func (s *Service) authorize(session Session, action rbac.Action) error {
	if !rbac.Can(session.Role, action) {
		return forbidden(string(action))
	}
	return nil
}

func (s *Service) CreateRequest(ctx context.Context, session Session, in workflow.CreateInput) (workflow.AuthorizationRequest, error) {
	if err := s.authorize(session, rbac.ActionCreate); err != nil {
		return workflow.AuthorizationRequest{}, err
	}
	req, err := s.engine.Create(session.actor(), in)
	if err != nil {
		return workflow.AuthorizationRequest{}, err
	}
	if err := s.store.Create(ctx, req); err != nil {
		return workflow.AuthorizationRequest{}, err
	}
	s.log.Info().
		Str("request_id", req.ID).
		Str("status", string(req.Status)).
		Str("priority", string(req.Priority)).
		Str("user_id", session.UserID).
		Msg("authorization request created")
	s.index(*req)
	return *req, nil
}

func (s *Service) GetRequest(ctx context.Context, session Session, id string) (workflow.AuthorizationRequest, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return workflow.AuthorizationRequest{}, err
	}
	return s.store.Get(ctx, id)
}

type ListInput struct {
	AssigneeID string
	Status     string
	Priority   string
	SearchTerm string
	Page       int
	Size       int
}

type ListResult struct {
	Items  []workflow.AuthorizationRequest `json:"items"`
	Page   int                             `json:"page"`
	Size   int                             `json:"size"`
	Source string                          `json:"source"`
}

// ListRequests resolves a search term through the index when it is healthy
// and through database matching otherwise.
func (s *Service) ListRequests(ctx context.Context, session Session, in ListInput) (ListResult, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return ListResult{}, err
	}

	filter := store.Filter{AssigneeID: strings.TrimSpace(in.AssigneeID)}
	if in.Status != "" {
		status, err := workflow.ParseStatus(in.Status)
		if err != nil {
			return ListResult{}, err
		}
		filter.Status = status
	}
	if in.Priority != "" {
		priority, err := workflow.ParsePriority(in.Priority)
		if err != nil {
			return ListResult{}, err
		}
		filter.Priority = priority
	}

	source := "database"
	if term := strings.TrimSpace(in.SearchTerm); term != "" {
		filter.SearchTerm = term
		if s.search != nil {
			if ids, ok := s.search.SearchIDs(term, searchLimit); ok {
				filter.IDs = ids
				filter.SearchTerm = ""
				source = "index"
			}
		}
	}

	page := store.Page{Number: in.Page, Size: in.Size}.Normalized()
	items, err := s.store.List(ctx, filter, page)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Page: page.Number, Size: page.Size, Source: source}, nil
}

func (s *Service) Assign(ctx context.Context, session Session, id, userID string) (workflow.AuthorizationRequest, error) {
	if err := s.authorize(session, rbac.ActionAssign); err != nil {
		return workflow.AuthorizationRequest{}, err
	}
	req, err := s.store.Get(ctx, id)
	if err != nil {
		return workflow.AuthorizationRequest{}, err
	}
	if err := s.engine.Assign(&req, userID); err != nil {
		return workflow.AuthorizationRequest{}, err
	}
	return s.persist(ctx, req, store.Patch{
		Status:           &req.Status,
		AssignedToUserID: req.AssignedToUserID,
		UpdatedAt:        req.UpdatedAt,
	})
}

// Decide flushes every open form on the request first so the decision is
// taken on the latest saved review data. A failed flush aborts the decision.
func (s *Service) Decide(ctx context.Context, session Session, id string, outcome workflow.Status, notes string) (workflow.AuthorizationRequest, error) {
	if err := s.authorize(session, rbac.ActionDecide); err != nil {
		return workflow.AuthorizationRequest{}, err
	}
	if err := s.flushRequestSessions(ctx, id); err != nil {
		return workflow.AuthorizationRequest{}, err
	}

	req, err := s.store.Get(ctx, id)
	if err != nil {
		return workflow.AuthorizationRequest{}, err
	}
	if err := s.engine.Decide(&req, outcome, notes, session.UserID); err != nil {
		return workflow.AuthorizationRequest{}, err
	}
	decided, err := s.persist(ctx, req, store.Patch{
		Status:        &req.Status,
		ApprovalNotes: &req.ApprovalNotes,
		DecidedBy:     req.DecidedBy,
		DecidedAt:     req.DecidedAt,
		UpdatedAt:     req.UpdatedAt,
	})
	if err != nil {
		return workflow.AuthorizationRequest{}, err
	}

	s.log.Info().
		Str("request_id", decided.ID).
		Str("status", string(decided.Status)).
		Str("user_id", session.UserID).
		Msg("authorization request decided")
	if s.archive != nil {
		if key, err := s.archive.ArchiveDecision(ctx, decided); err != nil {
			s.log.Warn().Err(err).Str("request_id", decided.ID).Msg("archive decision")
		} else {
			s.log.Debug().Str("request_id", decided.ID).Str("key", key).Msg("decision archived")
		}
	}
	return decided, nil
}

// SetPriority reports applied=false when the request is already decided.
func (s *Service) SetPriority(ctx context.Context, session Session, id string, priority workflow.Priority) (workflow.AuthorizationRequest, bool, error) {
	if err := s.authorize(session, rbac.ActionReview); err != nil {
		return workflow.AuthorizationRequest{}, false, err
	}
	req, err := s.store.Get(ctx, id)
	if err != nil {
		return workflow.AuthorizationRequest{}, false, err
	}
	applied, err := s.engine.SetPriority(&req, priority)
	if err != nil {
		return workflow.AuthorizationRequest{}, false, err
	}
	if !applied {
		return req, false, nil
	}
	updated, err := s.persist(ctx, req, store.Patch{Priority: &req.Priority, UpdatedAt: req.UpdatedAt})
	if err != nil {
		return workflow.AuthorizationRequest{}, false, err
	}
	return updated, true, nil
}

func (s *Service) SetRiskLevel(ctx context.Context, session Session, id, level string) (workflow.AuthorizationRequest, error) {
	if err := s.authorize(session, rbac.ActionReview); err != nil {
		return workflow.AuthorizationRequest{}, err
	}
	req, err := s.store.Get(ctx, id)
	if err != nil {
		return workflow.AuthorizationRequest{}, err
	}
	if err := s.engine.SetRiskLevel(&req, level); err != nil {
		return workflow.AuthorizationRequest{}, err
	}
	return s.persist(ctx, req, store.Patch{RiskLevel: &req.RiskLevel, UpdatedAt: req.UpdatedAt})
}

// UpdateRequestDetails edits the client, vehicle, financing, origin or
// comments of an undecided request. The version must match the stored one.
func (s *Service) UpdateRequestDetails(ctx context.Context, session Session, id string, version int64, patch workflow.RequestPatch) (workflow.AuthorizationRequest, error) {
	if err := s.authorize(session, rbac.ActionReview); err != nil {
		return workflow.AuthorizationRequest{}, err
	}
	if version <= 0 {
		return workflow.AuthorizationRequest{}, workflow.Validation("version", "required")
	}
	req, err := s.store.Get(ctx, id)
	if err != nil {
		return workflow.AuthorizationRequest{}, err
	}
	if req.Version != version {
		return workflow.AuthorizationRequest{}, workflow.Conflict("authorization request was modified, reload and retry")
	}
	if err := s.engine.UpdateRequestSnapshot(&req, patch); err != nil {
		return workflow.AuthorizationRequest{}, err
	}
	p := detailsPatch(req, patch)
	p.AuthorizationData = &req.AuthorizationData
	return s.persist(ctx, req, p)
}

// detailsPatch writes the sections present in patch with their values from
// the already edited req.
func detailsPatch(req workflow.AuthorizationRequest, patch workflow.RequestPatch) store.Patch {
	p := store.Patch{UpdatedAt: req.UpdatedAt}
	if patch.Client != nil {
		p.Client = &req.Client
	}
	if patch.Vehicle != nil {
		p.Vehicle = &req.Vehicle
	}
	if patch.Financing != nil {
		p.Financing = &req.Financing
	}
	if patch.Origin != nil {
		p.Origin = &req.Origin
	}
	if patch.ClientComments != nil {
		p.ClientComments = &req.ClientComments
	}
	return p
}

// AppendNote formats the entry with the engine clock and lets the store
// concatenate it, so concurrent notes never overwrite each other.
func (s *Service) AppendNote(ctx context.Context, session Session, id, text string) (workflow.AuthorizationRequest, error) {
	if err := s.authorize(session, rbac.ActionReview); err != nil {
		return workflow.AuthorizationRequest{}, err
	}
	req, err := s.store.Get(ctx, id)
	if err != nil {
		return workflow.AuthorizationRequest{}, err
	}
	entry, err := s.engine.AppendNote(&req, text)
	if err != nil {
		return workflow.AuthorizationRequest{}, err
	}
	return s.store.AppendNote(ctx, id, entry)
}

func (s *Service) RecordStageReview(ctx context.Context, session Session, id string, stage workflow.ReviewStage) (workflow.AuthorizationRequest, error) {
	if err := s.authorize(session, rbac.ActionReview); err != nil {
		return workflow.AuthorizationRequest{}, err
	}
	req, err := s.store.Get(ctx, id)
	if err != nil {
		return workflow.AuthorizationRequest{}, err
	}
	if err := s.engine.RecordStageReview(&req, stage, session.UserID); err != nil {
		return workflow.AuthorizationRequest{}, err
	}
	return s.persist(ctx, req, store.Patch{
		StageReview: &store.StageReviewPatch{Stage: stage, Review: req.StageReviews[stage]},
		UpdatedAt:   req.UpdatedAt,
	})
}

// UpdateFinancialSnapshot applies patch on top of the version the caller
// last read; a newer stored version is a conflict.
func (s *Service) UpdateFinancialSnapshot(ctx context.Context, session Session, id string, version int64, patch workflow.SnapshotPatch) (workflow.AuthorizationRequest, error) {
	if err := s.authorize(session, rbac.ActionReview); err != nil {
		return workflow.AuthorizationRequest{}, err
	}
	req, err := s.store.Get(ctx, id)
	if err != nil {
		return workflow.AuthorizationRequest{}, err
	}
	if version > 0 && req.Version != version {
		return workflow.AuthorizationRequest{}, workflow.Conflict("authorization request was modified, reload and retry")
	}
	return s.saveSnapshot(ctx, req, patch)
}

func (s *Service) saveSnapshot(ctx context.Context, req workflow.AuthorizationRequest, patch workflow.SnapshotPatch) (workflow.AuthorizationRequest, error) {
	if err := s.engine.UpdateFinancialSnapshot(&req, patch); err != nil {
		return workflow.AuthorizationRequest{}, err
	}
	return s.persist(ctx, req, store.Patch{
		AuthorizationData: &req.AuthorizationData,
		CompetitorsData:   &req.CompetitorsData,
		UpdatedAt:         req.UpdatedAt,
	})
}

type ViabilityView struct {
	viability.Result
	SuggestedRisk string `json:"suggestedRisk,omitempty"`
	RiskLevel     string `json:"riskLevel"`
}

func (s *Service) EvaluateViability(ctx context.Context, session Session, id string) (ViabilityView, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return ViabilityView{}, err
	}
	req, err := s.store.Get(ctx, id)
	if err != nil {
		return ViabilityView{}, err
	}
	data := req.AuthorizationData
	result := s.memo.Evaluate(data.Months, workflow.MonthlyPayment(req), data.Financial.DeclaredCapacityRef())
	return ViabilityView{
		Result:        result,
		SuggestedRisk: viability.SuggestedRisk(result.Classification),
		RiskLevel:     req.RiskLevel,
	}, nil
}

func (s *Service) ScoreCompleteness(ctx context.Context, session Session, id string) (completion.Report, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return completion.Report{}, err
	}
	req, err := s.store.Get(ctx, id)
	if err != nil {
		return completion.Report{}, err
	}
	return completion.Score(req.AuthorizationData), nil
}

func (s *Service) Stats(ctx context.Context, session Session) (stats.Summary, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return stats.Summary{}, err
	}
	return s.store.Aggregate(ctx)
}

func (s *Service) persist(ctx context.Context, req workflow.AuthorizationRequest, patch store.Patch) (workflow.AuthorizationRequest, error) {
	updated, err := s.store.Update(ctx, req.ID, req.Version, patch)
	if err != nil {
		return workflow.AuthorizationRequest{}, err
	}
	s.index(updated)
	return updated, nil
}

func (s *Service) index(req workflow.AuthorizationRequest) {
	if s.search == nil {
		return
	}
	s.search.IndexRequest(search.RecordFromRequest(req))
}
