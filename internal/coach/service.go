package coach

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/thynklab/thynkbot/internal/ai"
	"github.com/thynklab/thynkbot/internal/alerts"
	"github.com/thynklab/thynkbot/internal/moderation"
)

const (
	defaultProvider = "ollama"
	defaultModel    = "llama3:latest"

	// localSessionRoom tags sessions running outside any classroom hub.
	localSessionRoom = alerts.LocalSession

	// BusyFallback is appended when the model call fails. The ledger and
	// lock state are left untouched; the student simply tries again.
	BusyFallback = "Systems are a bit busy. Let's try again in a moment!"

	// OverrideAck is appended after a teacher clears a safety lock.
	OverrideAck = "Safety Lock released by teacher. How can I help you get back on track with your engineering?"
)

// Tenant is the school-level configuration: one shared secret gates both the
// initial unlock and the safety override.
type Tenant struct {
	SchoolName      string
	ChatbotPassword string
	AIBudgetLimit   float64
}

// Notifier receives incidents out-of-band (e.g. email to the safeguarding
// lead). Called best-effort on its own goroutine.
type Notifier interface {
	NotifyIncident(inc Incident)
}

// Service is the coaching session controller. It owns the lock state machine
// and the usage ledger and orchestrates one turn end-to-end.
type Service struct {
	repo              *Repo
	registry          *ai.Registry
	broadcaster       alerts.Broadcaster
	tenant            Tenant
	contextWindowSize int
	notifier          Notifier

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewService(repo *Repo, registry *ai.Registry, broadcaster alerts.Broadcaster, tenant Tenant, contextWindowSize int) *Service {
	if contextWindowSize <= 0 || contextWindowSize > 100 {
		contextWindowSize = 20
	}
	return &Service{
		repo:              repo,
		registry:          registry,
		broadcaster:       broadcaster,
		tenant:            tenant,
		contextWindowSize: contextWindowSize,
		inFlight:          make(map[string]struct{}),
	}
}

// SetNotifier installs an out-of-band incident notifier.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// Tenant returns the tenant configuration the service was built with.
func (s *Service) Tenant() Tenant { return s.tenant }

func validStage(stage string) bool {
	switch stage {
	case StageMake, StageThynk, StageTweak, StageTest:
		return true
	}
	return false
}

// CreateSession opens a new coaching session in the LockAuth state.
func (s *Service) CreateSession(ctx context.Context, stage, room, provider, model string) (*Session, error) {
	if !validStage(stage) {
		stage = StageMake
	}
	if room = strings.TrimSpace(room); room == "" {
		room = localSessionRoom
	}
	if provider == "" {
		provider = defaultProvider
	}
	if model == "" {
		model = defaultModel
	}

	session := &Session{
		SessionID: NewSessionID(),
		Stage:     stage,
		Room:      room,
		Provider:  provider,
		Model:     model,
		LockState: LockAuth,
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Service) codeMatches(code string) bool {
	return strings.EqualFold(strings.TrimSpace(code), s.tenant.ChatbotPassword)
}

// Unlock moves LockAuth -> LockUnlocked on the correct access code. A wrong
// code returns ErrBadCode with no transition and no attempt limit.
func (s *Service) Unlock(ctx context.Context, sessionID, code string) (*Session, error) {
	session, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.LockState != LockAuth {
		return nil, ErrWrongState
	}
	if !s.codeMatches(code) {
		return nil, ErrBadCode
	}
	if err := s.repo.UpdateLockState(ctx, sessionID, LockUnlocked, nil); err != nil {
		return nil, err
	}
	session.LockState = LockUnlocked
	return session, nil
}

// Override clears a safety lock with the teacher password: LockSafety ->
// LockUnlocked, active incident reference cleared, release message appended.
func (s *Service) Override(ctx context.Context, sessionID, code string) (*Session, error) {
	session, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.LockState != LockSafety {
		return nil, ErrWrongState
	}
	if !s.codeMatches(code) {
		return nil, ErrBadCode
	}
	if err := s.repo.UpdateLockState(ctx, sessionID, LockUnlocked, nil); err != nil {
		return nil, err
	}
	if err := s.repo.InsertMessage(ctx, &Message{
		SessionID: sessionID,
		Role:      "assistant",
		Content:   OverrideAck,
	}); err != nil {
		return nil, err
	}
	session.LockState = LockUnlocked
	session.ActiveIncidentID = nil
	return session, nil
}

// TurnResult is the outcome of one coaching turn.
type TurnResult struct {
	// Reply is the assistant text appended to the transcript. Empty when
	// the turn ended in a safety lock.
	Reply          string
	AssistantMsgID uint64

	// Locked is set when the turn tripped the safeguarding watchdog.
	Locked   bool
	Incident *Incident

	// Fallback is set when the model call failed and Reply is BusyFallback.
	Fallback bool

	// Cost and Spend reflect the ledger after a metered turn.
	Cost           float64
	Spend          float64
	BudgetExceeded bool
}

func (s *Service) beginTurn(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[sessionID]; busy {
		return false
	}
	s.inFlight[sessionID] = struct{}{}
	return true
}

func (s *Service) endTurn(sessionID string) {
	s.mu.Lock()
	delete(s.inFlight, sessionID)
	s.mu.Unlock()
}

func lockStateErr(state LockState) error {
	switch state {
	case LockAuth:
		return ErrAuthLocked
	case LockSafety:
		return ErrSafetyLocked
	case LockBudget:
		return ErrBudgetExceeded
	}
	return nil
}

// RunTurn runs one conversational turn end-to-end: precondition checks,
// optimistic user-message insert, one provider call, moderation, then either
// ledger update + reply or incident + broadcast + safety lock.
//
// Turns are strictly sequential per session within one Service instance: a
// second attempt while one is outstanding is rejected with ErrTurnInFlight
// and dropped, never queued. The guard is process-local; a session routed
// through both the API and the worker at once is not serialized across them.
func (s *Service) RunTurn(ctx context.Context, sessionID, content string) (*TurnResult, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrBlankMessage
	}

	session, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := lockStateErr(session.LockState); err != nil {
		return nil, err
	}
	if BudgetExceeded(session.Spend, s.tenant.AIBudgetLimit) {
		// ledger already at the ceiling but state not yet written
		// (e.g. ceiling lowered between turns)
		_ = s.repo.UpdateLockState(ctx, sessionID, LockBudget, session.ActiveIncidentID)
		return nil, ErrBudgetExceeded
	}

	if !s.beginTurn(sessionID) {
		return nil, ErrTurnInFlight
	}
	defer s.endTurn(sessionID)

	provider, err := s.registry.Get(ctx, session.Provider, session.Model)
	if err != nil {
		return nil, err
	}

	// optimistic append: the user message lands even if the model call fails
	if err := s.repo.InsertMessage(ctx, &Message{
		SessionID: sessionID,
		Role:      "user",
		Content:   content,
	}); err != nil {
		return nil, err
	}

	recentDesc, err := s.repo.ListRecentMessagesDesc(ctx, sessionID, s.contextWindowSize)
	if err != nil {
		return nil, err
	}
	providerMsgs := make([]ai.Message, 0, len(recentDesc))
	for i := len(recentDesc) - 1; i >= 0; i-- {
		m := recentDesc[i]
		providerMsgs = append(providerMsgs, ai.Message{Role: m.Role, Content: m.Content})
	}

	raw, err := provider.Chat(ctx, SystemInstruction(s.tenant.SchoolName, session.Stage), providerMsgs)
	if err != nil {
		log.Printf("coach: provider call failed session=%s err=%v", sessionID, err)
		fallback := &Message{SessionID: sessionID, Role: "assistant", Content: BusyFallback}
		if err := s.repo.InsertMessage(ctx, fallback); err != nil {
			return nil, err
		}
		return &TurnResult{Reply: BusyFallback, AssistantMsgID: fallback.ID, Fallback: true, Spend: session.Spend}, nil
	}

	// moderation runs before any ledger accounting
	res := moderation.Parse(raw)
	if res.Kind == moderation.KindTrigger {
		return s.handleTrigger(ctx, session, content, res.Reason)
	}

	cost := EstimateTurnCost(content, res.Text)
	spend := session.Spend + cost
	state := session.LockState
	if BudgetExceeded(spend, s.tenant.AIBudgetLimit) && state.CanTransition(LockBudget) {
		state = LockBudget
	}
	if err := s.repo.UpdateSpend(ctx, sessionID, spend, state); err != nil {
		return nil, err
	}

	assistantMsg := &Message{SessionID: sessionID, Role: "assistant", Content: res.Text}
	if err := s.repo.InsertMessage(ctx, assistantMsg); err != nil {
		return nil, err
	}

	return &TurnResult{
		Reply:          res.Text,
		AssistantMsgID: assistantMsg.ID,
		Cost:           cost,
		Spend:          spend,
		BudgetExceeded: state == LockBudget,
	}, nil
}

// handleTrigger records the breach, locks the session and fans the incident
// out. The flagged turn gets no assistant reply.
func (s *Service) handleTrigger(ctx context.Context, session *Session, userText, reason string) (*TurnResult, error) {
	inc := &Incident{
		ID:         uuid.NewString(),
		SessionID:  session.SessionID,
		Room:       session.Room,
		Stage:      session.Stage,
		Message:    userText,
		Reason:     reason,
		SchoolName: s.tenant.SchoolName,
		OccurredAt: time.Now(),
	}
	if err := s.repo.CreateIncident(ctx, inc); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateLockState(ctx, session.SessionID, LockSafety, &inc.ID); err != nil {
		return nil, err
	}

	if err := s.broadcaster.Publish(ctx, alerts.IncidentAlert{
		Message:    inc.Message,
		Timestamp:  inc.OccurredAt.Format("15:04:05"),
		Stage:      inc.Stage,
		Reason:     inc.Reason,
		SchoolName: inc.SchoolName,
		SessionID:  inc.Room,
	}); err != nil {
		// best-effort fan-out: the incident row is the source of truth
		log.Printf("coach: alert publish failed incident=%s err=%v", inc.ID, err)
	}

	if s.notifier != nil {
		go s.notifier.NotifyIncident(*inc)
	}

	return &TurnResult{Locked: true, Incident: inc, Spend: session.Spend}, nil
}

// Usage reports the session ledger against the tenant ceiling.
func (s *Service) Usage(ctx context.Context, sessionID string) (spend, ceiling float64, state LockState, err error) {
	session, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		return 0, 0, "", err
	}
	return session.Spend, s.tenant.AIBudgetLimit, session.LockState, nil
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return s.repo.GetSessionBySessionID(ctx, sessionID)
}

func (s *Service) ListMessages(ctx context.Context, sessionID string, limit int, beforeID uint64) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.ListMessages(ctx, sessionID, limit, beforeID)
}

func (s *Service) ListIncidents(ctx context.Context, room string, limit int) ([]Incident, error) {
	return s.repo.ListIncidents(ctx, room, limit)
}

// DismissIncident removes one incident. A dismissed incident stays dismissed;
// the safety lock on its session is released only through Override.
func (s *Service) DismissIncident(ctx context.Context, id string) error {
	return s.repo.DeleteIncident(ctx, id)
}

func (s *Service) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	return s.repo.CreateJobOrGetExisting(ctx, job)
}

func (s *Service) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return s.repo.GetJobByID(ctx, jobID)
}
