package coach

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/thynklab/thynkbot/internal/ai"
	"github.com/thynklab/thynkbot/internal/alerts"
	"github.com/thynklab/thynkbot/internal/moderation"
	"gorm.io/gorm"
)

// scriptedProvider returns canned replies in order and records what it saw.
type scriptedProvider struct {
	replies []string
	err     error
	calls   int
	system  string
	last    []ai.Message
	started chan struct{} // receives once per Chat entry when set
	block   chan struct{} // when set, Chat waits until the channel closes
}

func (p *scriptedProvider) Chat(ctx context.Context, system string, messages []ai.Message) (string, error) {
	_ = ctx
	if p.started != nil {
		p.started <- struct{}{}
	}
	if p.block != nil {
		<-p.block
	}
	p.calls++
	p.system = system
	p.last = append([]ai.Message(nil), messages...)
	if p.err != nil {
		return "", p.err
	}
	if len(p.replies) == 0 {
		return "ok", nil
	}
	r := p.replies[0]
	p.replies = p.replies[1:]
	return r, nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// one named in-memory database per test so counts don't leak across tests
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Session{}, &Message{}, &Incident{}, &Job{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

var testTenant = Tenant{
	SchoolName:      "Thynk Academy Primary",
	ChatbotPassword: "thynkbot123",
	AIBudgetLimit:   50.00,
}

func newTestService(t *testing.T, prov ai.Provider) (*Service, *gorm.DB, *alerts.MemoryBus) {
	t.Helper()
	db := openTestDB(t)
	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		_ = model
		return prov, nil
	})
	bus := alerts.NewMemoryBus()
	svc := NewService(NewRepo(db), reg, bus, testTenant, 20)
	return svc, db, bus
}

func newUnlockedSession(t *testing.T, svc *Service, stage, room string) *Session {
	t.Helper()
	sess, err := svc.CreateSession(context.Background(), stage, room, "fake", "default")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if sess.LockState != LockAuth {
		t.Fatalf("new session must start locked_auth, got %s", sess.LockState)
	}
	if _, err := svc.Unlock(context.Background(), sess.SessionID, "thynkbot123"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	return sess
}

func sessionMessages(t *testing.T, db *gorm.DB, sessionID string) []Message {
	t.Helper()
	var msgs []Message
	if err := db.Where("session_id = ?", sessionID).Order("id ASC").Find(&msgs).Error; err != nil {
		t.Fatalf("query messages: %v", err)
	}
	return msgs
}

func TestUnlock_CaseInsensitiveCode(t *testing.T) {
	svc, _, _ := newTestService(t, &scriptedProvider{})
	sess, err := svc.CreateSession(context.Background(), StageMake, "", "fake", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if _, err := svc.Unlock(context.Background(), sess.SessionID, "wrong"); !errors.Is(err, ErrBadCode) {
		t.Fatalf("expected ErrBadCode, got %v", err)
	}
	got, err := svc.GetSession(context.Background(), sess.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.LockState != LockAuth {
		t.Fatalf("failed unlock must not transition, got %s", got.LockState)
	}

	if _, err := svc.Unlock(context.Background(), sess.SessionID, "THYNKBOT123"); err != nil {
		t.Fatalf("case-insensitive unlock: %v", err)
	}
	got, _ = svc.GetSession(context.Background(), sess.SessionID)
	if got.LockState != LockUnlocked {
		t.Fatalf("expected unlocked, got %s", got.LockState)
	}
}

func TestRunTurn_RequiresUnlock(t *testing.T) {
	prov := &scriptedProvider{}
	svc, db, _ := newTestService(t, prov)
	sess, err := svc.CreateSession(context.Background(), StageMake, "", "fake", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if _, err := svc.RunTurn(context.Background(), sess.SessionID, "hello"); !errors.Is(err, ErrAuthLocked) {
		t.Fatalf("expected ErrAuthLocked, got %v", err)
	}
	if prov.calls != 0 {
		t.Fatalf("no provider call may happen before unlock")
	}
	if msgs := sessionMessages(t, db, sess.SessionID); len(msgs) != 0 {
		t.Fatalf("rejected turn must not touch the transcript, got %d messages", len(msgs))
	}
}

func TestRunTurn_NormalReply(t *testing.T) {
	prov := &scriptedProvider{replies: []string{"Friction can be reduced by adding an axle."}}
	svc, db, _ := newTestService(t, prov)
	sess := newUnlockedSession(t, svc, StageThynk, "")

	res, err := svc.RunTurn(context.Background(), sess.SessionID, "how do axles reduce friction?")
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if res.Locked || res.Fallback {
		t.Fatalf("unexpected result flags: %+v", res)
	}
	if res.Reply != "Friction can be reduced by adding an axle." {
		t.Fatalf("unexpected reply: %q", res.Reply)
	}
	if res.Cost <= 0 || res.Spend != res.Cost {
		t.Fatalf("ledger must grow by a positive computed amount: cost=%v spend=%v", res.Cost, res.Spend)
	}

	msgs := sessionMessages(t, db, sess.SessionID)
	if len(msgs) != 2 {
		t.Fatalf("expected user + assistant messages, got %d", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("unexpected roles: %q %q", msgs[0].Role, msgs[1].Role)
	}

	got, _ := svc.GetSession(context.Background(), sess.SessionID)
	if got.LockState != LockUnlocked {
		t.Fatalf("lock state must be unchanged, got %s", got.LockState)
	}
	if got.Spend != res.Spend {
		t.Fatalf("persisted spend %v != result spend %v", got.Spend, res.Spend)
	}

	// the persona prompt must carry the school, the stage and the sentinel contract
	for _, want := range []string{testTenant.SchoolName, StageThynk, moderation.TriggerSentinel} {
		if !strings.Contains(prov.system, want) {
			t.Fatalf("system instruction missing %q", want)
		}
	}
}

func TestRunTurn_LedgerAccumulates(t *testing.T) {
	prov := &scriptedProvider{replies: []string{"one", "two", "three"}}
	svc, _, _ := newTestService(t, prov)
	sess := newUnlockedSession(t, svc, StageMake, "")

	inputs := []string{"first question", "second question", "third question"}
	replies := []string{"one", "two", "three"}
	var want float64
	for i, in := range inputs {
		res, err := svc.RunTurn(context.Background(), sess.SessionID, in)
		if err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
		want += EstimateTurnCost(in, replies[i])
		if res.Spend != want {
			t.Fatalf("turn %d: spend %v, want running sum %v", i, res.Spend, want)
		}
	}
}

func TestRunTurn_SafetyTrigger(t *testing.T) {
	prov := &scriptedProvider{replies: []string{
		moderation.TriggerSentinel + " Disrespectful language detected.",
	}}
	svc, db, bus := newTestService(t, prov)
	sess := newUnlockedSession(t, svc, StageMake, "ABCDEF")

	sub, err := bus.Subscribe(context.Background(), "ABCDEF")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	res, err := svc.RunTurn(context.Background(), sess.SessionID, "you are stupid and I hate this")
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if !res.Locked || res.Incident == nil {
		t.Fatalf("expected locked result with incident, got %+v", res)
	}
	if res.Incident.Reason != "Disrespectful language detected." {
		t.Fatalf("unexpected reason: %q", res.Incident.Reason)
	}
	if res.Incident.Message != "you are stupid and I hate this" {
		t.Fatalf("incident must capture the flagged text, got %q", res.Incident.Message)
	}
	if res.Incident.SchoolName != testTenant.SchoolName || res.Incident.Room != "ABCDEF" {
		t.Fatalf("incident context wrong: %+v", res.Incident)
	}

	// the flagged turn gets no assistant reply
	msgs := sessionMessages(t, db, sess.SessionID)
	if len(msgs) != 1 || msgs[0].Role != "user" {
		t.Fatalf("transcript must hold only the user message, got %d", len(msgs))
	}

	got, _ := svc.GetSession(context.Background(), sess.SessionID)
	if got.LockState != LockSafety {
		t.Fatalf("expected locked_safety, got %s", got.LockState)
	}
	if got.ActiveIncidentID == nil || *got.ActiveIncidentID != res.Incident.ID {
		t.Fatalf("active incident reference not set")
	}
	if got.Spend != 0 {
		t.Fatalf("a triggered turn must not be metered, spend=%v", got.Spend)
	}

	// exactly one incident row and one broadcast publish
	var count int64
	if err := db.Model(&Incident{}).Count(&count).Error; err != nil {
		t.Fatalf("count incidents: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one incident, got %d", count)
	}
	select {
	case a := <-sub.Events():
		if a.Reason != "Disrespectful language detected." || a.SessionID != "ABCDEF" {
			t.Fatalf("unexpected alert: %+v", a)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected one broadcast event")
	}
	select {
	case a := <-sub.Events():
		t.Fatalf("expected a single publish, got second alert %+v", a)
	case <-time.After(50 * time.Millisecond):
	}

	// further turns are rejected at the precondition check
	if _, err := svc.RunTurn(context.Background(), sess.SessionID, "sorry"); !errors.Is(err, ErrSafetyLocked) {
		t.Fatalf("expected ErrSafetyLocked, got %v", err)
	}
}

func TestRunTurn_TriggerWithoutReasonUsesDefault(t *testing.T) {
	prov := &scriptedProvider{replies: []string{moderation.TriggerSentinel}}
	svc, _, _ := newTestService(t, prov)
	sess := newUnlockedSession(t, svc, StageMake, "")

	res, err := svc.RunTurn(context.Background(), sess.SessionID, "something awful")
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if !res.Locked || res.Incident.Reason != moderation.DefaultReason {
		t.Fatalf("expected default reason, got %+v", res.Incident)
	}
	if res.Incident.Room != alerts.LocalSession {
		t.Fatalf("roomless session must tag incidents as local, got %q", res.Incident.Room)
	}
}

func TestOverride(t *testing.T) {
	prov := &scriptedProvider{replies: []string{moderation.TriggerSentinel + " Bullying detected."}}
	svc, db, _ := newTestService(t, prov)
	sess := newUnlockedSession(t, svc, StageMake, "")

	if _, err := svc.RunTurn(context.Background(), sess.SessionID, "mean words"); err != nil {
		t.Fatalf("run turn: %v", err)
	}

	// wrong code: no transition
	if _, err := svc.Override(context.Background(), sess.SessionID, "nope"); !errors.Is(err, ErrBadCode) {
		t.Fatalf("expected ErrBadCode, got %v", err)
	}
	got, _ := svc.GetSession(context.Background(), sess.SessionID)
	if got.LockState != LockSafety || got.ActiveIncidentID == nil {
		t.Fatalf("failed override must not change state: %+v", got)
	}

	// correct code, case-insensitive: unlock + clear incident ref + ack message
	if _, err := svc.Override(context.Background(), sess.SessionID, "ThynkBot123"); err != nil {
		t.Fatalf("override: %v", err)
	}
	got, _ = svc.GetSession(context.Background(), sess.SessionID)
	if got.LockState != LockUnlocked {
		t.Fatalf("expected unlocked after override, got %s", got.LockState)
	}
	if got.ActiveIncidentID != nil {
		t.Fatalf("active incident reference must be cleared")
	}
	msgs := sessionMessages(t, db, sess.SessionID)
	last := msgs[len(msgs)-1]
	if last.Role != "assistant" || last.Content != OverrideAck {
		t.Fatalf("expected override ack message, got %q", last.Content)
	}
}

func TestOverride_OnlyFromSafetyLock(t *testing.T) {
	svc, _, _ := newTestService(t, &scriptedProvider{})
	sess := newUnlockedSession(t, svc, StageMake, "")
	if _, err := svc.Override(context.Background(), sess.SessionID, "thynkbot123"); !errors.Is(err, ErrWrongState) {
		t.Fatalf("expected ErrWrongState, got %v", err)
	}
}

func TestRunTurn_ProviderFailure(t *testing.T) {
	prov := &scriptedProvider{err: errors.New("upstream timeout")}
	svc, db, _ := newTestService(t, prov)
	sess := newUnlockedSession(t, svc, StageMake, "")

	res, err := svc.RunTurn(context.Background(), sess.SessionID, "hello?")
	if err != nil {
		t.Fatalf("a provider failure is not a turn error: %v", err)
	}
	if !res.Fallback || res.Reply != BusyFallback {
		t.Fatalf("expected busy fallback, got %+v", res)
	}

	msgs := sessionMessages(t, db, sess.SessionID)
	if len(msgs) != 2 || msgs[1].Content != BusyFallback {
		t.Fatalf("expected user message + fallback reply, got %d", len(msgs))
	}

	got, _ := svc.GetSession(context.Background(), sess.SessionID)
	if got.Spend != 0 || got.LockState != LockUnlocked {
		t.Fatalf("failure must not touch ledger or lock: spend=%v state=%s", got.Spend, got.LockState)
	}
}

func TestRunTurn_EmptyReplyGetsFiller(t *testing.T) {
	prov := &scriptedProvider{replies: []string{""}}
	svc, _, _ := newTestService(t, prov)
	sess := newUnlockedSession(t, svc, StageMake, "")

	res, err := svc.RunTurn(context.Background(), sess.SessionID, "hello")
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if res.Reply != moderation.FillerReply {
		t.Fatalf("expected filler reply, got %q", res.Reply)
	}
}

func TestRunTurn_BlankMessageRejected(t *testing.T) {
	prov := &scriptedProvider{}
	svc, _, _ := newTestService(t, prov)
	sess := newUnlockedSession(t, svc, StageMake, "")

	for _, in := range []string{"", "   ", "\n\t"} {
		if _, err := svc.RunTurn(context.Background(), sess.SessionID, in); !errors.Is(err, ErrBlankMessage) {
			t.Fatalf("expected ErrBlankMessage for %q, got %v", in, err)
		}
	}
	if prov.calls != 0 {
		t.Fatalf("blank input must not reach the provider")
	}
}

func TestRunTurn_BudgetCrossing(t *testing.T) {
	// reply sized so the turn costs roughly $0.02: cost = out_chars/4/1e6*0.30
	// -> ~267k chars. Use a 280_000-char reply for ~$0.021.
	bigReply := make([]byte, 280_000)
	for i := range bigReply {
		bigReply[i] = 'x'
	}
	prov := &scriptedProvider{replies: []string{string(bigReply)}}
	svc, db, _ := newTestService(t, prov)
	sess := newUnlockedSession(t, svc, StageMake, "")

	if err := db.Model(&Session{}).Where("session_id = ?", sess.SessionID).
		Update("spend", 49.99).Error; err != nil {
		t.Fatalf("seed spend: %v", err)
	}

	res, err := svc.RunTurn(context.Background(), sess.SessionID, "one more question")
	if err != nil {
		t.Fatalf("the crossing turn itself must succeed: %v", err)
	}
	if res.Spend <= 50.00 {
		t.Fatalf("ledger must record the crossing total, got %v", res.Spend)
	}
	if !res.BudgetExceeded {
		t.Fatalf("crossing turn must report budget exceeded")
	}

	got, _ := svc.GetSession(context.Background(), sess.SessionID)
	if got.LockState != LockBudget {
		t.Fatalf("expected budget_exceeded, got %s", got.LockState)
	}

	calls := prov.calls
	if _, err := svc.RunTurn(context.Background(), sess.SessionID, "another"); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
	if prov.calls != calls {
		t.Fatalf("blocked turn must not call the provider")
	}
}

func TestRunTurn_SingleFlight(t *testing.T) {
	started := make(chan struct{}, 1)
	block := make(chan struct{})
	prov := &scriptedProvider{replies: []string{"slow reply"}, started: started, block: block}
	svc, _, _ := newTestService(t, prov)
	sess := newUnlockedSession(t, svc, StageMake, "")

	done := make(chan error, 1)
	go func() {
		_, err := svc.RunTurn(context.Background(), sess.SessionID, "first")
		done <- err
	}()

	// wait until the first turn is inside the provider call
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatalf("first turn never reached the provider")
	}

	if _, err := svc.RunTurn(context.Background(), sess.SessionID, "second"); !errors.Is(err, ErrTurnInFlight) {
		t.Fatalf("expected ErrTurnInFlight, got %v", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first turn: %v", err)
	}
}

func TestDismissIncident(t *testing.T) {
	prov := &scriptedProvider{replies: []string{moderation.TriggerSentinel + " Toxic."}}
	svc, db, _ := newTestService(t, prov)
	sess := newUnlockedSession(t, svc, StageMake, "ROOM01")

	res, err := svc.RunTurn(context.Background(), sess.SessionID, "bad words")
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}

	incs, err := svc.ListIncidents(context.Background(), "ROOM01", 0)
	if err != nil || len(incs) != 1 {
		t.Fatalf("expected one incident, got %d (err=%v)", len(incs), err)
	}

	if err := svc.DismissIncident(context.Background(), res.Incident.ID); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	var count int64
	if err := db.Model(&Incident{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("dismissal must remove the incident")
	}

	if err := svc.DismissIncident(context.Background(), res.Incident.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected not found on double dismissal, got %v", err)
	}
}
