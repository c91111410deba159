package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"creditauth/api/internal/autosave"
	"creditauth/api/internal/completion"
	"creditauth/api/internal/rbac"
	"creditauth/api/internal/util"
	"creditauth/api/internal/viability"
	"creditauth/api/internal/workflow"
)

type formKind string

const (
	formReview      formKind = "review"
	formApplication formKind = "application"
)

// formSession is one open review or application form. Its coordinator owns
// all persistence; the session only routes edits to it.
type formSession struct {
	id       string
	kind     formKind
	userID   string
	draftKey string
	payment  decimal.Decimal
	openedAt time.Time
	memo     viability.Memo
	coord    *autosave.Coordinator
	cancel   context.CancelFunc
}

func (f *formSession) requestID() string {
	return f.coord.State().RequestID
}

type StateView struct {
	autosave.State
	Error string `json:"error,omitempty"`
}

func newStateView(st autosave.State) StateView {
	view := StateView{State: st}
	if st.LastError != nil {
		view.Error = st.LastError.Error()
	}
	return view
}

type SessionView struct {
	ID        string                      `json:"id"`
	Kind      string                      `json:"kind"`
	RequestID string                      `json:"requestId,omitempty"`
	OpenedAt  time.Time                   `json:"openedAt"`
	State     StateView                   `json:"state"`
	Data      *workflow.AuthorizationData `json:"data,omitempty"`
	Recovered *workflow.AuthorizationData `json:"recovered,omitempty"`
}

type EditFeedback struct {
	State        StateView         `json:"state"`
	Completeness completion.Report `json:"completeness"`
	Viability    viability.Result  `json:"viability"`
}

func (s *Service) OpenReviewSession(ctx context.Context, session Session, requestID string) (SessionView, error) {
	if err := s.authorize(session, rbac.ActionReview); err != nil {
		return SessionView{}, err
	}
	req, err := s.store.Get(ctx, requestID)
	if err != nil {
		return SessionView{}, err
	}
	baseline := req.AuthorizationData.Clone()
	baseKey, err := baseline.Canonical()
	if err != nil {
		return SessionView{}, workflow.Persistence("encode stored authorization data", err)
	}

	f := &formSession{
		id:       util.NewID("ses"),
		kind:     formReview,
		userID:   session.UserID,
		draftKey: "request:" + req.ID + ":user:" + session.UserID,
		payment:  workflow.MonthlyPayment(req),
	}
	persister := &reviewPersister{svc: s, base: baseKey}
	s.openSession(f, persister, s.reviewDelay, req.ID, req.Version, &baseline)

	view := s.sessionView(f)
	view.Data = &baseline
	view.Recovered = s.recover(ctx, f.draftKey, baseKey)
	return view, nil
}

// OpenApplicationSession starts a form for a request that does not exist
// yet. The request is created by the first save.
func (s *Service) OpenApplicationSession(ctx context.Context, session Session) (SessionView, error) {
	if err := s.authorize(session, rbac.ActionCreate); err != nil {
		return SessionView{}, err
	}
	f := &formSession{
		id:       util.NewID("ses"),
		kind:     formApplication,
		userID:   session.UserID,
		draftKey: "application:" + session.UserID,
	}
	persister := &applicationPersister{svc: s, session: session, draftKey: f.draftKey}
	s.openSession(f, persister, s.applicationDelay, "", 0, nil)

	view := s.sessionView(f)
	view.Recovered = s.recover(ctx, f.draftKey, "")
	return view, nil
}

func (s *Service) openSession(f *formSession, persister autosave.Persister, delay time.Duration, requestID string, version int64, baseline *workflow.AuthorizationData) {
	sessCtx, cancel := context.WithCancel(context.Background())
	logger := s.log.With().Str("session_id", f.id).Str("form", string(f.kind)).Logger()
	f.cancel = cancel
	f.openedAt = time.Now().UTC()
	f.coord = autosave.New(sessCtx, persister, autosave.Options{
		Delay:     delay,
		Clock:     s.clock,
		Logger:    logger,
		RequestID: requestID,
		Version:   version,
		Baseline:  baseline,
		OnSaved: func(id string, version int64, _ workflow.AuthorizationData) {
			logger.Debug().Str("request_id", id).Int64("version", version).Msg("form saved")
		},
	})

	s.sessionsMu.Lock()
	s.sessions[f.id] = f
	s.sessionsMu.Unlock()
	logger.Info().Str("user_id", f.userID).Str("request_id", requestID).Msg("form session opened")
}

// recover returns the cached working copy when it differs from what is stored.
func (s *Service) recover(ctx context.Context, draftKey, storedKey string) *workflow.AuthorizationData {
	if s.drafts == nil {
		return nil
	}
	data, found, err := s.drafts.LoadWorkingCopy(ctx, draftKey)
	if err != nil {
		s.log.Warn().Err(err).Str("draft_key", draftKey).Msg("load working copy")
		return nil
	}
	if !found {
		return nil
	}
	if key, err := data.Canonical(); err == nil && key == storedKey {
		return nil
	}
	return &data
}

func (s *Service) lookupSession(session Session, sessionID string) (*formSession, error) {
	s.sessionsMu.Lock()
	f, ok := s.sessions[sessionID]
	s.sessionsMu.Unlock()
	if !ok {
		return nil, workflow.NotFound("session", sessionID)
	}
	if f.userID != session.UserID {
		return nil, forbidden("session")
	}
	return f, nil
}

func (s *Service) sessionView(f *formSession) SessionView {
	st := f.coord.State()
	return SessionView{
		ID:        f.id,
		Kind:      string(f.kind),
		RequestID: st.RequestID,
		OpenedAt:  f.openedAt,
		State:     newStateView(st),
	}
}

// ApplyEdit hands the working copy to the autosave coordinator and returns
// live completeness and viability figures for it.
func (s *Service) ApplyEdit(ctx context.Context, session Session, sessionID string, data workflow.AuthorizationData) (EditFeedback, error) {
	f, err := s.lookupSession(session, sessionID)
	if err != nil {
		return EditFeedback{}, err
	}
	if err := f.coord.ApplyEdit(data); err != nil {
		if errors.Is(err, autosave.ErrClosed) {
			return EditFeedback{}, workflow.NotFound("session", sessionID)
		}
		return EditFeedback{}, err
	}
	if s.drafts != nil {
		if err := s.drafts.SaveWorkingCopy(ctx, f.draftKey, data); err != nil {
			s.log.Warn().Err(err).Str("session_id", f.id).Msg("cache working copy")
		}
	}
	// Application forms capture the payment themselves.
	payment := f.payment
	if f.kind == formApplication || payment.IsZero() {
		payment = data.Financial.MonthlyPayment
	}
	return EditFeedback{
		State:        newStateView(f.coord.State()),
		Completeness: completion.Score(data),
		Viability:    f.memo.Evaluate(data.Months, payment, data.Financial.DeclaredCapacityRef()),
	}, nil
}

// SaveSession saves immediately, skipping the debounce delay.
func (s *Service) SaveSession(ctx context.Context, session Session, sessionID string) (SessionView, error) {
	f, err := s.lookupSession(session, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	err = f.coord.SaveNow(ctx)
	return s.sessionView(f), err
}

func (s *Service) SessionState(session Session, sessionID string) (SessionView, error) {
	f, err := s.lookupSession(session, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	return s.sessionView(f), nil
}

// CloseSession flushes pending edits and forgets the session. The cached
// working copy is only discarded when the flush succeeded.
func (s *Service) CloseSession(ctx context.Context, session Session, sessionID string) (SessionView, error) {
	f, err := s.lookupSession(session, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	closeErr := s.closeSession(ctx, f)
	return s.sessionView(f), closeErr
}

func (s *Service) closeSession(ctx context.Context, f *formSession) error {
	err := f.coord.Close(ctx)

	s.sessionsMu.Lock()
	delete(s.sessions, f.id)
	s.sessionsMu.Unlock()
	f.cancel()

	if err != nil {
		s.log.Warn().Err(err).Str("session_id", f.id).Msg("form session closed with unsaved edits")
		return err
	}
	if s.drafts != nil {
		if err := s.drafts.Discard(ctx, f.draftKey); err != nil {
			s.log.Warn().Err(err).Str("session_id", f.id).Msg("discard working copy")
		}
	}
	return nil
}

// CloseAllSessions flushes every open form. Used on shutdown.
func (s *Service) CloseAllSessions(ctx context.Context) error {
	var errs []error
	for _, f := range s.openSessions("") {
		if err := s.closeSession(ctx, f); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", f.id, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) openSessions(requestID string) []*formSession {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	out := make([]*formSession, 0, len(s.sessions))
	for _, f := range s.sessions {
		out = append(out, f)
	}
	if requestID == "" {
		return out
	}
	matching := out[:0]
	for _, f := range out {
		if f.requestID() == requestID {
			matching = append(matching, f)
		}
	}
	return matching
}

func (s *Service) flushRequestSessions(ctx context.Context, requestID string) error {
	for _, f := range s.openSessions(requestID) {
		if err := f.coord.Flush(ctx); err != nil {
			return fmt.Errorf("flush form session %s: %w", f.id, err)
		}
	}
	return nil
}

// reviewPersister saves a review form on an existing request. It refuses to
// overwrite authorization data that changed since this form last saved it;
// unrelated writes such as notes or priority do not conflict.
type reviewPersister struct {
	svc  *Service
	mu   sync.Mutex
	base string
}

func (p *reviewPersister) CreateDraft(context.Context, workflow.AuthorizationData) (string, int64, error) {
	return "", 0, errors.New("review form has no request to save")
}

func (p *reviewPersister) SaveDraft(ctx context.Context, id string, _ int64, data workflow.AuthorizationData) (int64, error) {
	req, err := p.svc.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	current, err := req.AuthorizationData.Canonical()
	if err != nil {
		return 0, workflow.Persistence("encode stored authorization data", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if current != p.base {
		return 0, workflow.Conflict(fmt.Sprintf("authorization data of %s was changed by another session", id))
	}
	updated, err := p.svc.saveSnapshot(ctx, req, workflow.FullPatch(data))
	if err != nil {
		return 0, err
	}
	if key, err := updated.AuthorizationData.Canonical(); err == nil {
		p.base = key
	}
	return updated.Version, nil
}

// applicationPersister creates the request on the first save and updates it
// afterwards. Creation is additionally guarded across instances by the draft
// cache lock so two tabs of the same user cannot create twice.
type applicationPersister struct {
	svc      *Service
	session  Session
	draftKey string
}

func (p *applicationPersister) CreateDraft(ctx context.Context, data workflow.AuthorizationData) (string, int64, error) {
	if strings.TrimSpace(data.Applicant.FullName) == "" {
		return "", 0, fmt.Errorf("%w: %w", autosave.ErrNotReady,
			workflow.Validation("applicant.fullName", "required before the request can be created"))
	}
	if p.svc.drafts != nil {
		release, err := p.svc.drafts.ObtainCreateLock(ctx, p.draftKey)
		if err != nil {
			return "", 0, err
		}
		defer func() {
			if err := release(ctx); err != nil {
				p.svc.log.Warn().Err(err).Str("draft_key", p.draftKey).Msg("release create lock")
			}
		}()
	}

	in := workflow.CreateInput{
		Client: workflow.Client{Name: data.Applicant.FullName},
		Vehicle: workflow.Vehicle{
			Brand: data.Vehicle.Brand,
			Model: data.Vehicle.Model,
			Year:  data.Vehicle.Year,
			Value: data.Vehicle.SaleValue,
		},
		Financing: workflow.Financing{
			RequestedAmount: data.Financial.RequestedAmount,
			MonthlyPayment:  data.Financial.MonthlyPayment,
			TermMonths:      data.Financial.TermMonths,
		},
		Origin:          workflow.Origin{AgencyName: data.Vehicle.Agency},
		CompetitorsData: data.Competitors,
	}
	req, err := p.svc.engine.Create(p.session.actor(), in)
	if err != nil {
		return "", 0, err
	}
	if err := p.svc.engine.UpdateFinancialSnapshot(req, workflow.FullPatch(data)); err != nil {
		return "", 0, err
	}
	if err := p.svc.store.Create(ctx, req); err != nil {
		return "", 0, err
	}
	p.svc.log.Info().
		Str("request_id", req.ID).
		Str("user_id", p.session.UserID).
		Msg("authorization request created from application form")
	p.svc.index(*req)
	return req.ID, req.Version, nil
}

func (p *applicationPersister) SaveDraft(ctx context.Context, id string, version int64, data workflow.AuthorizationData) (int64, error) {
	req, err := p.svc.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if req.Version != version {
		return 0, workflow.Conflict(fmt.Sprintf("authorization request %s is at version %d, not %d", id, req.Version, version))
	}
	if req.Status.IsTerminal() {
		updated, err := p.svc.saveSnapshot(ctx, req, workflow.FullPatch(data))
		if err != nil {
			return 0, err
		}
		return updated.Version, nil
	}

	details := applicationDetails(req, data)
	if err := p.svc.engine.UpdateRequestSnapshot(&req, details); err != nil {
		return 0, err
	}
	if err := p.svc.engine.UpdateFinancialSnapshot(&req, workflow.FullPatch(data)); err != nil {
		return 0, err
	}
	patch := detailsPatch(req, details)
	patch.AuthorizationData = &req.AuthorizationData
	patch.CompetitorsData = &req.CompetitorsData
	updated, err := p.svc.persist(ctx, req, patch)
	if err != nil {
		return 0, err
	}
	return updated.Version, nil
}

// applicationDetails derives the request sections an application form
// edits. Fields the form does not capture keep their stored values.
func applicationDetails(req workflow.AuthorizationRequest, data workflow.AuthorizationData) workflow.RequestPatch {
	client := req.Client
	client.Name = data.Applicant.FullName
	vehicle := workflow.Vehicle{
		Brand: data.Vehicle.Brand,
		Model: data.Vehicle.Model,
		Year:  data.Vehicle.Year,
		Value: data.Vehicle.SaleValue,
	}
	financing := req.Financing
	financing.RequestedAmount = data.Financial.RequestedAmount
	financing.MonthlyPayment = data.Financial.MonthlyPayment
	financing.TermMonths = data.Financial.TermMonths
	origin := req.Origin
	origin.AgencyName = data.Vehicle.Agency
	return workflow.RequestPatch{
		Client:    &client,
		Vehicle:   &vehicle,
		Financing: &financing,
		Origin:    &origin,
	}
}
