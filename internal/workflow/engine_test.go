package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pitabwire/adoption/internal/authz"
	"github.com/pitabwire/adoption/model"
)

// --- Test helpers ---

var (
	staff       = model.Actor{ID: "staff-1", Role: model.RoleStaff}
	admin       = model.Actor{ID: "admin-1", Role: model.RoleAdmin}
	volunteer   = model.Actor{ID: "vol-1", Role: model.RoleInterviewer}
	otherVol    = model.Actor{ID: "vol-2", Role: model.RoleInterviewer}
	alice       = model.Actor{ID: "alice", Role: model.RoleApplicant}
	bob         = model.Actor{ID: "bob", Role: model.RoleApplicant}
	testWindow  = 7 * 24 * time.Hour
	tokenSecret = []byte("0123456789abcdef0123456789abcdef")
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []model.NotificationEvent
}

func (n *recordingNotifier) Emit(ev model.NotificationEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) count(kind model.NotificationKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, ev := range n.events {
		if ev.Kind == kind {
			c++
		}
	}
	return c
}

func (n *recordingNotifier) last(kind model.NotificationKind) (model.NotificationEvent, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.events) - 1; i >= 0; i-- {
		if n.events[i].Kind == kind {
			return n.events[i], true
		}
	}
	return model.NotificationEvent{}, false
}

func (n *recordingNotifier) len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type fixture struct {
	t      *testing.T
	store  *MemoryEntityStore
	engine *Engine
	notes  *recordingNotifier
	now    time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		store: NewMemoryEntityStore(),
		notes: &recordingNotifier{},
		now:   time.Now().UTC().Truncate(time.Second),
	}
	var seq atomic.Int64
	base := []Option{
		WithClock(func() time.Time { return f.now }),
		WithIDGenerator(func() string { return fmt.Sprintf("id-%d", seq.Add(1)) }),
		WithContractWindow(testWindow),
	}
	f.engine = NewEngine(f.store, authz.NewGate(nil), f.notes, append(base, opts...)...)
	return f
}

// publishedAnimal registers a published animal whose assigned interviewer is
// the volunteer.
func (f *fixture) publishedAnimal(code string) {
	f.t.Helper()
	_, err := f.engine.RegisterAnimal(context.Background(), staff, NewAnimal{
		Code:                code,
		Name:                "Biscuit",
		Species:             "dog",
		AssignedInterviewer: volunteer.ID,
		Status:              model.AnimalPublished,
	})
	if err != nil {
		f.t.Fatalf("RegisterAnimal(%s) error = %v", code, err)
	}
}

func (f *fixture) submit(actor model.Actor, code string) string {
	f.t.Helper()
	res, err := f.engine.SubmitApplication(context.Background(), actor, NewApplication{
		AnimalCode:     code,
		ApplicantName:  actor.ID,
		ApplicantEmail: actor.ID + "@example.com",
	})
	if err != nil {
		f.t.Fatalf("SubmitApplication error = %v", err)
	}
	return res.EntityID
}

// scheduled takes a fresh application to interview_scheduled with a timed
// interview and returns the application and interview ids.
func (f *fixture) scheduled(actor model.Actor, code string) (appID, interviewID string) {
	f.t.Helper()
	appID = f.submit(actor, code)
	f.mustDo(staff, model.KindApplication, appID, model.TransitionReview, model.Payload{})
	at := f.now.Add(48 * time.Hour)
	res, err := f.engine.CreateInterview(context.Background(), staff, NewInterview{
		ApplicationID: appID,
		ScheduledAt:   &at,
	})
	if err != nil {
		f.t.Fatalf("CreateInterview error = %v", err)
	}
	return appID, res.EntityID
}

func (f *fixture) do(actor model.Actor, kind model.EntityKind, id string, tr model.TransitionName, p model.Payload) (*model.TransitionResult, error) {
	return f.engine.RequestTransition(context.Background(), actor, model.TransitionRequest{
		Kind:       kind,
		EntityID:   id,
		Transition: tr,
		Payload:    p,
	})
}

func (f *fixture) mustDo(actor model.Actor, kind model.EntityKind, id string, tr model.TransitionName, p model.Payload) *model.TransitionResult {
	f.t.Helper()
	res, err := f.do(actor, kind, id, tr, p)
	if err != nil {
		f.t.Fatalf("%s %s %s as %s: error = %v", kind, id, tr, actor.Role, err)
	}
	return res
}

func (f *fixture) status(kind model.EntityKind, id string) string {
	f.t.Helper()
	e, err := f.engine.Get(context.Background(), kind, id)
	if err != nil {
		f.t.Fatalf("Get(%s, %s) error = %v", kind, id, err)
	}
	return e.Status()
}

func (f *fixture) application(id string) *model.Application {
	f.t.Helper()
	e, err := f.engine.Get(context.Background(), model.KindApplication, id)
	if err != nil {
		f.t.Fatalf("Get(application, %s) error = %v", id, err)
	}
	return e.(*model.Application)
}

func (f *fixture) animal(code string) *model.Animal {
	f.t.Helper()
	e, err := f.engine.Get(context.Background(), model.KindAnimal, code)
	if err != nil {
		f.t.Fatalf("Get(animal, %s) error = %v", code, err)
	}
	return e.(*model.Animal)
}

func createdContract(t *testing.T, res *model.TransitionResult) string {
	t.Helper()
	for _, ref := range res.Created {
		if ref.Kind == model.KindContract {
			return ref.ID
		}
	}
	t.Fatalf("no contract created; created = %+v", res.Created)
	return ""
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("error = nil, want %s", code)
	}
	if !model.IsCode(err, code) {
		t.Fatalf("error = %v, want %s", err, code)
	}
}

func hasChange(changes []model.Change, kind model.EntityKind, id, to string) bool {
	for _, c := range changes {
		if c.Kind == kind && c.ID == id && c.To == to {
			return true
		}
	}
	return false
}

// --- Scenarios ---

func TestEngine_InterviewApprovalReservesAnimalAndClosesSiblings(t *testing.T) {
	f := newFixture(t)
	f.publishedAnimal("SFP-001")
	app1, iv1 := f.scheduled(alice, "SFP-001")
	app2, iv2 := f.scheduled(bob, "SFP-001")

	res := f.mustDo(volunteer, model.KindInterview, iv1, model.TransitionApprove, model.Payload{Result: "great fit"})

	if res.NewState != string(model.DecisionApproved) {
		t.Errorf("NewState = %q, want approved", res.NewState)
	}
	if !hasChange(res.Cascaded, model.KindApplication, app1, string(model.ApplicationApproved)) {
		t.Errorf("cascade missing %s -> approved: %+v", app1, res.Cascaded)
	}
	if !hasChange(res.Cascaded, model.KindAnimal, "SFP-001", string(model.AnimalReserved)) {
		t.Errorf("cascade missing SFP-001 -> reserved: %+v", res.Cascaded)
	}
	if !hasChange(res.Cascaded, model.KindApplication, app2, string(model.ApplicationRejected)) {
		t.Errorf("cascade missing %s -> rejected: %+v", app2, res.Cascaded)
	}

	if got := f.status(model.KindApplication, app1); got != string(model.ApplicationApproved) {
		t.Errorf("app1 = %q, want approved", got)
	}
	animal := f.animal("SFP-001")
	if animal.State != model.AnimalReserved {
		t.Errorf("animal = %q, want reserved", animal.State)
	}
	if animal.ReservedFor != app1 {
		t.Errorf("ReservedFor = %q, want %q", animal.ReservedFor, app1)
	}
	closed := f.application(app2)
	if closed.State != model.ApplicationRejected || !closed.AutoClosed {
		t.Errorf("app2 = %q auto_closed=%v, want rejected and auto-closed", closed.State, closed.AutoClosed)
	}

	contractID := createdContract(t, res)
	if got := f.status(model.KindContract, contractID); got != string(model.ContractPendingSignature) {
		t.Errorf("contract = %q, want pending_signature", got)
	}

	// The competing interview can no longer approve its application.
	_, err := f.do(volunteer, model.KindInterview, iv2, model.TransitionApprove, model.Payload{})
	wantCode(t, err, model.ErrCascadeConflict)
	if got := f.status(model.KindInterview, iv2); got != string(model.DecisionPending) {
		t.Errorf("iv2 = %q, want pending after failed approval", got)
	}

	for kind, want := range map[model.NotificationKind]int{
		model.NotifyApplicationApproved: 1,
		model.NotifyAnimalReserved:      1,
		model.NotifyApplicationRejected: 1,
		model.NotifyContractReady:       1,
	} {
		if got := f.notes.count(kind); got != want {
			t.Errorf("%s events = %d, want %d", kind, got, want)
		}
	}
}

func TestEngine_RejectingClosedSiblingInterviewKeepsApplicationRejected(t *testing.T) {
	f := newFixture(t)
	f.publishedAnimal("SFP-013")
	_, iv1 := f.scheduled(alice, "SFP-013")
	app2, iv2 := f.scheduled(bob, "SFP-013")
	f.mustDo(volunteer, model.KindInterview, iv1, model.TransitionApprove, model.Payload{})
	rejections := f.notes.count(model.NotifyApplicationRejected)

	res := f.mustDo(volunteer, model.KindInterview, iv2, model.TransitionReject, model.Payload{Result: "no longer available"})
	if len(res.Cascaded) != 0 {
		t.Errorf("Cascaded = %+v, want none", res.Cascaded)
	}
	closed := f.application(app2)
	if closed.State != model.ApplicationRejected || closed.StatusReason != reasonSiblingApproved {
		t.Errorf("app2 = %q (%q), want rejected by the sibling approval", closed.State, closed.StatusReason)
	}
	if got := f.notes.count(model.NotifyApplicationRejected); got != rejections {
		t.Errorf("application_rejected events = %d, want %d", got, rejections)
	}
}

func TestEngine_ConcurrentApprovalsSerializePerAnimal(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		f.publishedAnimal("SFP-001")
		app1, _ := f.scheduled(alice, "SFP-001")
		app2, _ := f.scheduled(bob, "SFP-001")

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for j, id := range []string{app1, app2} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[j] = f.do(staff, model.KindApplication, id, model.TransitionApprove, model.Payload{})
			}()
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			switch {
			case err == nil:
				wins++
			case model.IsCode(err, model.ErrCascadeConflict):
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if wins != 1 {
			t.Fatalf("run %d: %d approvals succeeded, want exactly 1", i, wins)
		}

		animal := f.animal("SFP-001")
		if animal.State != model.AnimalReserved {
			t.Fatalf("animal = %q, want reserved", animal.State)
		}
		winner := app1
		if errs[0] != nil {
			winner = app2
		}
		if animal.ReservedFor != winner {
			t.Errorf("ReservedFor = %q, want %q", animal.ReservedFor, winner)
		}
		if got := f.notes.count(model.NotifyAnimalReserved); got != 1 {
			t.Errorf("animal_reserved events = %d, want 1", got)
		}
	}
}

func TestEngine_ApprovalClosesEveryOpenSibling(t *testing.T) {
	f := newFixture(t)
	f.publishedAnimal("SFP-002")
	winner, _ := f.scheduled(alice, "SFP-002")
	submitted := f.submit(bob, "SFP-002")
	reviewing := f.submit(model.Actor{ID: "carol", Role: model.RoleApplicant}, "SFP-002")
	f.mustDo(staff, model.KindApplication, reviewing, model.TransitionReview, model.Payload{})
	withdrawn := f.submit(model.Actor{ID: "dave", Role: model.RoleApplicant}, "SFP-002")
	f.mustDo(model.Actor{ID: "dave", Role: model.RoleApplicant}, model.KindApplication, withdrawn, model.TransitionWithdraw, model.Payload{Reason: "moved away"})

	f.mustDo(staff, model.KindApplication, winner, model.TransitionApprove, model.Payload{})

	want := map[string]model.ApplicationStatus{
		winner:    model.ApplicationApproved,
		submitted: model.ApplicationRejected,
		reviewing: model.ApplicationRejected,
		withdrawn: model.ApplicationWithdrawn,
	}
	snapshot := func() map[string]string {
		out := map[string]string{}
		for id := range want {
			out[id] = f.status(model.KindApplication, id)
		}
		return out
	}
	first := snapshot()
	for id, status := range want {
		if first[id] != string(status) {
			t.Errorf("%s = %q, want %q", id, first[id], status)
		}
	}
	if f.application(withdrawn).AutoClosed {
		t.Error("withdrawn application must not be marked auto-closed")
	}

	// Approving again changes nothing.
	_, err := f.do(staff, model.KindApplication, winner, model.TransitionApprove, model.Payload{})
	wantCode(t, err, model.ErrInvalidTransition)
	second := snapshot()
	for id := range want {
		if first[id] != second[id] {
			t.Errorf("%s changed from %q to %q on repeat approval", id, first[id], second[id])
		}
	}
}

func TestEngine_ConflictingInterview(t *testing.T) {
	f := newFixture(t)
	f.publishedAnimal("SFP-003")
	appID, _ := f.scheduled(alice, "SFP-003")

	_, err := f.engine.CreateInterview(context.Background(), staff, NewInterview{ApplicationID: appID})
	wantCode(t, err, model.ErrConflictingInterview)
}

func TestEngine_InterviewOpensOnlyForReviewedApplications(t *testing.T) {
	f := newFixture(t)
	f.publishedAnimal("SFP-004")
	appID := f.submit(alice, "SFP-004")

	_, err := f.engine.CreateInterview(context.Background(), staff, NewInterview{ApplicationID: appID})
	wantCode(t, err, model.ErrInvalidTransition)
}

func TestEngine_CreateInterviewCascades(t *testing.T) {
	f := newFixture(t)
	f.publishedAnimal("SFP-005")
	appID := f.submit(alice, "SFP-005")
	f.mustDo(staff, model.KindApplication, appID, model.TransitionReview, model.Payload{})

	res, err := f.engine.CreateInterview(context.Background(), staff, NewInterview{ApplicationID: appID})
	if err != nil {
		t.Fatalf("CreateInterview error = %v", err)
	}
	if res.Kind != model.KindInterview || res.NewState != string(model.DecisionPending) {
		t.Errorf("result = %+v, want pending interview", res)
	}
	if got := f.status(model.KindApplication, appID); got != string(model.ApplicationInterviewScheduled) {
		t.Errorf("application = %q, want interview_scheduled", got)
	}
	if got := f.status(model.KindAnimal, "SFP-005"); got != string(model.AnimalInterviewing) {
		t.Errorf("animal = %q, want interviewing", got)
	}
	iv, _ := f.engine.Get(context.Background(), model.KindInterview, res.EntityID)
	if got := iv.(*model.Interview).InterviewerID; got != volunteer.ID {
		t.Errorf("InterviewerID = %q, want the animal's assigned interviewer", got)
	}
}

func TestEngine_InterviewRejectionLeavesAnimalUntouched(t *testing.T) {
	f := newFixture(t)
	f.publishedAnimal("SFP-006")
	appID, ivID := f.scheduled(alice, "SFP-006")
	before := f.animal("SFP-006")

	res := f.mustDo(volunteer, model.KindInterview, ivID, model.TransitionReject, model.Payload{Result: "not a match"})

	if !hasChange(res.Cascaded, model.KindApplication, appID, string(model.ApplicationRejected)) {
		t.Errorf("cascade missing application -> rejected: %+v", res.Cascaded)
	}
	if got := f.status(model.KindApplication, appID); got != string(model.ApplicationRejected) {
		t.Errorf("application = %q, want rejected", got)
	}
	after := f.animal("SFP-006")
	if after.State != before.State || after.Version != before.Version {
		t.Errorf("animal changed: %s v%d -> %s v%d", before.State, before.Version, after.State, after.Version)
	}

	// The decision is final.
	_, err := f.do(volunteer, model.KindInterview, ivID, model.TransitionApprove, model.Payload{})
	wantCode(t, err, model.ErrForbidden)
}

func TestEngine_InterviewApprovalRequiresScheduledTime(t *testing.T) {
	f := newFixture(t)
	f.publishedAnimal("SFP-007")
	appID := f.submit(alice, "SFP-007")
	f.mustDo(staff, model.KindApplication, appID, model.TransitionReview, model.Payload{})
	res, err := f.engine.CreateInterview(context.Background(), staff, NewInterview{ApplicationID: appID})
	if err != nil {
		t.Fatalf("CreateInterview error = %v", err)
	}

	_, err = f.do(volunteer, model.KindInterview, res.EntityID, model.TransitionApprove, model.Payload{})
	wantCode(t, err, model.ErrValidationError)
	if got := f.status(model.KindApplication, appID); got != string(model.ApplicationInterviewScheduled) {
		t.Errorf("application = %q, want unchanged interview_scheduled", got)
	}

	at := f.now.Add(time.Hour)
	f.mustDo(volunteer, model.KindInterview, res.EntityID, model.TransitionSchedule, model.Payload{ScheduledAt: &at})
	f.mustDo(volunteer, model.KindInterview, res.EntityID, model.TransitionApprove, model.Payload{})
	if got := f.status(model.KindApplication, appID); got != string(model.ApplicationApproved) {
		t.Errorf("application = %q, want approved", got)
	}
}

func TestEngine_ContractCompletionAdoptsAnimal(t *testing.T) {
	f := newFixture(t)
	f.publishedAnimal("SFP-008")
	appID, ivID := f.scheduled(alice, "SFP-008")
	lateID := f.submit(bob, "SFP-008")
	res := f.mustDo(volunteer, model.KindInterview, ivID, model.TransitionApprove, model.Payload{})
	contractID := createdContract(t, res)

	_, err := f.do(alice, model.KindContract, contractID, model.TransitionSubmit, model.Payload{Signature: "Alice"})
	wantCode(t, err, model.ErrValidationError)

	f.mustDo(alice, model.KindContract, contractID, model.TransitionSubmit, model.Payload{
		Signature:    "Alice",
		PaymentProof: "receipt-42",
	})
	done := f.mustDo(staff, model.KindContract, contractID, model.TransitionComplete, model.Payload{})

	if !hasChange(done.Cascaded, model.KindAnimal, "SFP-008", string(model.AnimalAdopted)) {
		t.Errorf("cascade missing animal -> adopted: %+v", done.Cascaded)
	}
	animal := f.animal("SFP-008")
	if animal.State != model.AnimalAdopted {
		t.Errorf("animal = %q, want adopted", animal.State)
	}
	if animal.ReservedFor != appID {
		t.Errorf("ReservedFor = %q, want %q", animal.ReservedFor, appID)
	}
	if got := f.status(model.KindApplication, lateID); got != string(model.ApplicationRejected) {
		t.Errorf("sibling = %q, want rejected", got)
	}

	_, err = f.do(staff, model.KindContract, contractID, model.TransitionComplete, model.Payload{})
	wantCode(t, err, model.ErrInvalidTransition)
	if got := f.notes.count(model.NotifyAnimalAdopted); got != 1 {
		t.Errorf("animal_adopted events = %d, want 1", got)
	}
}

func TestEngine_ContractExpiryReleasesAnimal(t *testing.T) {
	f := newFixture(t)
	f.publishedAnimal("SFP-001")
	appID, _ := f.scheduled(alice, "SFP-001")
	res := f.mustDo(staff, model.KindApplication, appID, model.TransitionApprove, model.Payload{})
	contractID := createdContract(t, res)

	n, err := f.engine.ProcessExpirations(context.Background(), f.now)
	if err != nil || n != 0 {
		t.Fatalf("early sweep = %d, %v; want 0, nil", n, err)
	}

	f.now = f.now.Add(testWindow + time.Minute)
	n, err = f.engine.ProcessExpirations(context.Background(), f.now)
	if err != nil {
		t.Fatalf("ProcessExpirations error = %v", err)
	}
	if n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}

	if got := f.status(model.KindContract, contractID); got != string(model.ContractExpired) {
		t.Errorf("contract = %q, want expired", got)
	}
	animal := f.animal("SFP-001")
	if animal.State != model.AnimalPublished {
		t.Errorf("animal = %q, want published", animal.State)
	}
	if animal.ReservedFor != "" {
		t.Errorf("ReservedFor = %q, want cleared", animal.ReservedFor)
	}
	lapsed := f.application(appID)
	if lapsed.State != model.ApplicationRejected || !lapsed.AutoClosed {
		t.Errorf("application = %q auto_closed=%v, want rejected and auto-closed", lapsed.State, lapsed.AutoClosed)
	}
	if lapsed.StatusReason != reasonContractLapsed {
		t.Errorf("StatusReason = %q, want %q", lapsed.StatusReason, reasonContractLapsed)
	}
	if ev, ok := f.notes.last(model.NotifyContractExpired); !ok || ev.ActorID != model.SystemActor().ID {
		t.Errorf("contract_expired event = %+v, want one attributed to the system actor", ev)
	}

	n, _ = f.engine.ProcessExpirations(context.Background(), f.now)
	if n != 0 {
		t.Errorf("second sweep expired %d, want 0", n)
	}
}

func TestEngine_AdoptionAfterLapsedContractRejectsEarlierApplication(t *testing.T) {
	f := newFixture(t)
	f.publishedAnimal("SFP-011")
	first, _ := f.scheduled(alice, "SFP-011")
	f.mustDo(staff, model.KindApplication, first, model.TransitionApprove, model.Payload{})

	f.now = f.now.Add(testWindow + time.Minute)
	if n, err := f.engine.ProcessExpirations(context.Background(), f.now); err != nil || n != 1 {
		t.Fatalf("ProcessExpirations = %d, %v; want 1, nil", n, err)
	}

	second, ivID := f.scheduled(bob, "SFP-011")
	res := f.mustDo(volunteer, model.KindInterview, ivID, model.TransitionApprove, model.Payload{})
	contractID := createdContract(t, res)
	f.mustDo(bob, model.KindContract, contractID, model.TransitionSubmit, model.Payload{
		Signature:    "Bob",
		PaymentProof: "receipt-7",
	})
	f.mustDo(staff, model.KindContract, contractID, model.TransitionComplete, model.Payload{})

	if got := f.animal("SFP-011").State; got != model.AnimalAdopted {
		t.Errorf("animal = %q, want adopted", got)
	}
	if got := f.status(model.KindApplication, second); got != string(model.ApplicationApproved) {
		t.Errorf("adopting application = %q, want approved", got)
	}
	if got := f.status(model.KindApplication, first); got != string(model.ApplicationRejected) {
		t.Errorf("lapsed application = %q, want rejected", got)
	}

	// The lapsed application cannot be approved again.
	_, err := f.do(staff, model.KindApplication, first, model.TransitionApprove, model.Payload{})
	wantCode(t, err, model.ErrCascadeConflict)
}

func TestEngine_ApprovedApplicationCannotBeRejectedOnRequest(t *testing.T) {
	f := newFixture(t)
	f.publishedAnimal("SFP-012")
	appID, _ := f.scheduled(alice, "SFP-012")
	f.mustDo(staff, model.KindApplication, appID, model.TransitionApprove, model.Payload{})

	_, err := f.do(staff, model.KindApplication, appID, model.TransitionReject, model.Payload{Reason: "changed mind"})
	wantCode(t, err, model.ErrInvalidTransition)
	if got := f.animal("SFP-012").State; got != model.AnimalReserved {
		t.Errorf("animal = %q, want reserved", got)
	}
}

func TestEngine_SubmitAfterWindowCloses(t *testing.T) {
	f := newFixture(t)
	f.publishedAnimal("SFP-009")
	appID, _ := f.scheduled(alice, "SFP-009")
	contractID := createdContract(t, f.mustDo(staff, model.KindApplication, appID, model.TransitionApprove, model.Payload{}))

	f.now = f.now.Add(testWindow)
	_, err := f.do(alice, model.KindContract, contractID, model.TransitionSubmit, model.Payload{
		Signature:    "Alice",
		PaymentProof: "receipt",
	})
	wantCode(t, err, model.ErrInvalidTransition)
}

func TestEngine_ReleaseBlockedByActiveContract(t *testing.T) {
	f := newFixture(t)
	f.publishedAnimal("SFP-010")
	appID, _ := f.scheduled(alice, "SFP-010")
	f.mustDo(staff, model.KindApplication, appID, model.TransitionApprove, model.Payload{})

	_, err := f.do(staff, model.KindAnimal, "SFP-010", model.TransitionRelease, model.Payload{})
	wantCode(t, err, model.ErrCascadeConflict)
	if got := f.status(model.KindAnimal, "SFP-010"); got != string(model.AnimalReserved) {
		t.Errorf("animal = %q, want reserved", got)
	}
}

func TestEngine_ContractTokenLetsPublicSubmit(t *testing.T) {
	tokens, err := authz.NewContractTokens(tokenSecret, "adoption-test")
	if err != nil {
		t.Fatalf("NewContractTokens error = %v", err)
	}
	f := newFixture(t, WithContractTokens(tokens))
	f.publishedAnimal("SFP-011")
	appID, _ := f.scheduled(alice, "SFP-011")
	contractID := createdContract(t, f.mustDo(staff, model.KindApplication, appID, model.TransitionApprove, model.Payload{}))

	ready, ok := f.notes.last(model.NotifyContractReady)
	if !ok {
		t.Fatal("no contract_ready event")
	}
	token, _ := ready.Data["contract_token"].(string)
	if token == "" {
		t.Fatal("contract_ready event carries no token")
	}

	payload := model.Payload{Signature: "Alice", PaymentProof: "receipt", ContractToken: "not-a-token"}
	_, err = f.do(model.PublicActor(), model.KindContract, contractID, model.TransitionSubmit, payload)
	wantCode(t, err, model.ErrForbidden)

	payload.ContractToken = token
	res := f.mustDo(model.PublicActor(), model.KindContract, contractID, model.TransitionSubmit, payload)
	if res.NewState != string(model.ContractSubmitted) {
		t.Errorf("NewState = %q, want submitted", res.NewState)
	}
}

func TestEngine_ForbiddenRequestsChangeNothing(t *testing.T) {
	f := newFixture(t)
	f.publishedAnimal("SFP-012")
	appID, ivID := f.scheduled(alice, "SFP-012")

	tests := []struct {
		name  string
		actor model.Actor
		kind  model.EntityKind
		id    string
		tr    model.TransitionName
	}{
		{"applicant approves own application", alice, model.KindApplication, appID, model.TransitionApprove},
		{"public reviews application", model.PublicActor(), model.KindApplication, appID, model.TransitionReview},
		{"unassigned interviewer decides", otherVol, model.KindInterview, ivID, model.TransitionApprove},
		{"other applicant withdraws", bob, model.KindApplication, appID, model.TransitionWithdraw},
		{"admin requests unknown transition", admin, model.KindApplication, appID, "teleport"},
		{"system archives animal", model.SystemActor(), model.KindAnimal, "SFP-012", model.TransitionArchive},
		{"staff overrides animal", staff, model.KindAnimal, "SFP-012", model.TransitionOverride},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := f.notes.len()
			_, err := f.do(tt.actor, tt.kind, tt.id, tt.tr, model.Payload{OverrideStatus: "published"})
			wantCode(t, err, model.ErrForbidden)
			if f.notes.len() != before {
				t.Error("a denied request emitted notifications")
			}
		})
	}

	if got := f.status(model.KindApplication, appID); got != string(model.ApplicationInterviewScheduled) {
		t.Errorf("application = %q, want unchanged", got)
	}
	if got := f.status(model.KindInterview, ivID); got != string(model.DecisionPending) {
		t.Errorf("interview = %q, want unchanged", got)
	}
}

func TestEngine_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.do(staff, model.KindApplication, "missing", model.TransitionReview, model.Payload{})
	wantCode(t, err, model.ErrNotFound)

	_, err = f.engine.SubmitApplication(context.Background(), alice, NewApplication{
		AnimalCode:     "NOPE-1",
		ApplicantName:  "Alice",
		ApplicantEmail: "alice@example.com",
	})
	wantCode(t, err, model.ErrNotFound)

	_, err = f.engine.ListApplications(context.Background(), "NOPE-1")
	wantCode(t, err, model.ErrNotFound)
}

func TestEngine_AdminOverrideSkipsTableAndCascades(t *testing.T) {
	f := newFixture(t)
	f.publishedAnimal("SFP-013")
	appID := f.submit(alice, "SFP-013")

	res := f.mustDo(admin, model.KindAnimal, "SFP-013", model.TransitionOverride, model.Payload{OverrideStatus: string(model.AnimalAdopted)})
	if res.NewState != string(model.AnimalAdopted) || len(res.Cascaded) != 0 {
		t.Errorf("result = %+v, want adopted with no cascades", res)
	}
	if got := f.status(model.KindApplication, appID); got != string(model.ApplicationSubmitted) {
		t.Errorf("application = %q, want untouched", got)
	}

	_, err := f.do(admin, model.KindAnimal, "SFP-013", model.TransitionOverride, model.Payload{OverrideStatus: "lost"})
	wantCode(t, err, model.ErrValidationError)
}

func TestEngine_SubmitApplicationNeedsPublishedAnimal(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.RegisterAnimal(context.Background(), staff, NewAnimal{Code: "SFP-014", Name: "Pip", Species: "cat"}); err != nil {
		t.Fatalf("RegisterAnimal error = %v", err)
	}

	_, err := f.engine.SubmitApplication(context.Background(), model.PublicActor(), NewApplication{
		AnimalCode:     "SFP-014",
		ApplicantName:  "Walk-in",
		ApplicantEmail: "walkin@example.com",
	})
	wantCode(t, err, model.ErrInvalidTransition)

	f.mustDo(staff, model.KindAnimal, "SFP-014", model.TransitionMarkReady, model.Payload{})
	f.mustDo(staff, model.KindAnimal, "SFP-014", model.TransitionPublish, model.Payload{})
	res, err := f.engine.SubmitApplication(context.Background(), model.PublicActor(), NewApplication{
		AnimalCode:     "SFP-014",
		ApplicantName:  "Walk-in",
		ApplicantEmail: "walkin@example.com",
	})
	if err != nil {
		t.Fatalf("SubmitApplication error = %v", err)
	}
	if res.NewState != string(model.ApplicationSubmitted) {
		t.Errorf("NewState = %q, want submitted", res.NewState)
	}
	if got := f.notes.count(model.NotifyApplicationReceived); got != 1 {
		t.Errorf("application_received events = %d, want 1", got)
	}
}

func TestEngine_RegisterAnimalValidation(t *testing.T) {
	f := newFixture(t)
	f.publishedAnimal("SFP-015")

	_, err := f.engine.RegisterAnimal(context.Background(), staff, NewAnimal{Code: "SFP-015", Name: "Dup", Species: "dog"})
	wantCode(t, err, model.ErrConflict)

	_, err = f.engine.RegisterAnimal(context.Background(), staff, NewAnimal{Code: "SFP-016"})
	wantCode(t, err, model.ErrValidationError)
	ee, _ := model.AsEnvelope(err)
	if len(ee.Details) != 2 {
		t.Errorf("details = %+v, want name and species", ee.Details)
	}

	_, err = f.engine.RegisterAnimal(context.Background(), staff, NewAnimal{Code: "SFP-017", Name: "X", Species: "dog", Status: model.AnimalReserved})
	wantCode(t, err, model.ErrValidationError)

	_, err = f.engine.RegisterAnimal(context.Background(), alice, NewAnimal{Code: "SFP-018", Name: "X", Species: "dog"})
	wantCode(t, err, model.ErrForbidden)
}

func TestEngine_CreateContractWhenNotAutoOpened(t *testing.T) {
	f := newFixture(t, WithAutoOpenContract(false))
	f.publishedAnimal("SFP-019")
	appID, _ := f.scheduled(alice, "SFP-019")

	res := f.mustDo(staff, model.KindApplication, appID, model.TransitionApprove, model.Payload{})
	if len(res.Created) != 0 {
		t.Fatalf("created = %+v, want no contract", res.Created)
	}

	out, err := f.engine.CreateContract(context.Background(), staff, appID)
	if err != nil {
		t.Fatalf("CreateContract error = %v", err)
	}
	if out.Kind != model.KindContract || out.NewState != string(model.ContractPendingSignature) {
		t.Errorf("result = %+v, want pending contract", out)
	}

	_, err = f.engine.CreateContract(context.Background(), staff, appID)
	wantCode(t, err, model.ErrConflict)
}

// --- Idempotency ---

type mapCache struct {
	mu       sync.Mutex
	entries  map[string]cacheEntry
	inflight map[string]bool
}

func newMapCache() *mapCache {
	return &mapCache{entries: map[string]cacheEntry{}, inflight: map[string]bool{}}
}

type cacheEntry struct {
	hash   string
	result model.TransitionResult
}

func (c *mapCache) Check(_ context.Context, key, hash string) (*model.TransitionResult, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if e.hash != hash {
		return nil, true, model.NewConflictError("request token reused")
	}
	r := e.result
	return &r, true, nil
}

func (c *mapCache) Store(_ context.Context, key, hash string, result model.TransitionResult, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{hash: hash, result: result}
	return nil
}

func (c *mapCache) Reserve(_ context.Context, key, _ string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[key] {
		return false, nil
	}
	c.inflight[key] = true
	return true, nil
}

func (c *mapCache) Release(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, key)
	return nil
}

func (c *mapCache) held(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight[key]
}

func TestEngine_RequestTokenReplay(t *testing.T) {
	cache := newMapCache()
	f := newFixture(t, WithResultCache(cache, time.Hour))
	f.publishedAnimal("SFP-020")
	appID, _ := f.scheduled(alice, "SFP-020")
	contractID := createdContract(t, f.mustDo(staff, model.KindApplication, appID, model.TransitionApprove, model.Payload{}))

	req := model.TransitionRequest{
		Kind:         model.KindContract,
		EntityID:     contractID,
		Transition:   model.TransitionSubmit,
		Payload:      model.Payload{Signature: "Alice", PaymentProof: "receipt"},
		RequestToken: "submit-1",
	}
	first, err := f.engine.RequestTransition(context.Background(), alice, req)
	if err != nil {
		t.Fatalf("first submit error = %v", err)
	}
	events := f.notes.len()

	again, err := f.engine.RequestTransition(context.Background(), alice, req)
	if err != nil {
		t.Fatalf("replayed submit error = %v", err)
	}
	if !again.Replayed || first.Replayed {
		t.Errorf("Replayed = %v/%v, want false then true", first.Replayed, again.Replayed)
	}
	if again.NewState != first.NewState {
		t.Errorf("replayed NewState = %q, want %q", again.NewState, first.NewState)
	}
	if f.notes.len() != events {
		t.Error("replay emitted notifications")
	}

	req.Payload.Signature = "Someone else"
	_, err = f.engine.RequestTransition(context.Background(), alice, req)
	wantCode(t, err, model.ErrConflict)
}

func TestEngine_RequestTokenInFlightIsConflict(t *testing.T) {
	cache := newMapCache()
	f := newFixture(t, WithResultCache(cache, time.Hour))
	f.publishedAnimal("SFP-023")
	appID := f.submit(alice, "SFP-023")

	const key = "idem:staff:staff-1:review-1"
	cache.inflight[key] = true
	req := model.TransitionRequest{
		Kind: model.KindApplication, EntityID: appID, Transition: model.TransitionReview, RequestToken: "review-1",
	}

	_, err := f.engine.RequestTransition(context.Background(), staff, req)
	wantCode(t, err, model.ErrConflict)
	if got := f.status(model.KindApplication, appID); got != string(model.ApplicationSubmitted) {
		t.Fatalf("application = %q, want unchanged while the token is held", got)
	}

	_ = cache.Release(context.Background(), key)
	res, err := f.engine.RequestTransition(context.Background(), staff, req)
	if err != nil {
		t.Fatalf("RequestTransition after release error = %v", err)
	}
	if res.Replayed || res.NewState != string(model.ApplicationUnderReview) {
		t.Errorf("result = %+v, want a fresh under_review", res)
	}
	if cache.held(key) {
		t.Error("reservation still held after the request finished")
	}
}

func TestEngine_RequestTokenReleasedOnFailure(t *testing.T) {
	cache := newMapCache()
	f := newFixture(t, WithResultCache(cache, time.Hour))
	f.publishedAnimal("SFP-024")
	appID := f.submit(alice, "SFP-024")

	_, err := f.engine.RequestTransition(context.Background(), staff, model.TransitionRequest{
		Kind: model.KindApplication, EntityID: appID, Transition: model.TransitionApprove, RequestToken: "approve-1",
	})
	wantCode(t, err, model.ErrInvalidTransition)
	if cache.held("idem:staff:staff-1:approve-1") {
		t.Error("failed request kept its reservation")
	}
}

func TestEngine_ConcurrentRetriesRunOnce(t *testing.T) {
	cache := newMapCache()
	f := newFixture(t, WithResultCache(cache, time.Hour))
	f.publishedAnimal("SFP-025")
	appID := f.submit(alice, "SFP-025")
	req := model.TransitionRequest{
		Kind: model.KindApplication, EntityID: appID, Transition: model.TransitionReview, RequestToken: "review-2",
	}

	const retries = 8
	var (
		wg        sync.WaitGroup
		ran       atomic.Int32
		replayed  atomic.Int32
		conflicts atomic.Int32
	)
	for range retries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.RequestTransition(context.Background(), staff, req)
			switch {
			case model.IsCode(err, model.ErrConflict):
				conflicts.Add(1)
			case err != nil:
				t.Errorf("RequestTransition error = %v", err)
			case res.Replayed:
				replayed.Add(1)
			default:
				ran.Add(1)
			}
		}()
	}
	wg.Wait()

	if ran.Load() != 1 {
		t.Errorf("transition ran %d times, want once", ran.Load())
	}
	if got := ran.Load() + replayed.Load() + conflicts.Load(); got != retries {
		t.Errorf("accounted for %d of %d retries", got, retries)
	}
}

// --- Store failures ---

// flakyStore fails the first n units of work with a transport error.
type flakyStore struct {
	*MemoryEntityStore
	failures atomic.Int32
	calls    atomic.Int32
}

func (s *flakyStore) Atomically(ctx context.Context, code string, fn func(context.Context, Tx) error) error {
	s.calls.Add(1)
	if s.failures.Add(-1) >= 0 {
		return errors.New("read tcp 10.0.0.7:5432: connection reset by peer")
	}
	return s.MemoryEntityStore.Atomically(ctx, code, fn)
}

func TestEngine_StoreFailureRetriedOnce(t *testing.T) {
	f := newFixture(t)
	f.publishedAnimal("SFP-021")
	appID := f.submit(alice, "SFP-021")

	flaky := &flakyStore{MemoryEntityStore: f.store}
	flaky.failures.Store(1)
	engine := NewEngine(flaky, nil, f.notes, WithClock(func() time.Time { return f.now }))

	res, err := engine.RequestTransition(context.Background(), staff, model.TransitionRequest{
		Kind: model.KindApplication, EntityID: appID, Transition: model.TransitionReview,
	})
	if err != nil {
		t.Fatalf("RequestTransition error = %v", err)
	}
	if res.NewState != string(model.ApplicationUnderReview) {
		t.Errorf("NewState = %q, want under_review", res.NewState)
	}
	if got := flaky.calls.Load(); got != 2 {
		t.Errorf("store calls = %d, want 2", got)
	}
}

func TestEngine_PersistentStoreFailureIsStorageUnavailable(t *testing.T) {
	f := newFixture(t)
	f.publishedAnimal("SFP-022")
	appID := f.submit(alice, "SFP-022")

	flaky := &flakyStore{MemoryEntityStore: f.store}
	flaky.failures.Store(5)
	engine := NewEngine(flaky, nil, f.notes, WithClock(func() time.Time { return f.now }))
	events := f.notes.len()

	_, err := engine.RequestTransition(context.Background(), staff, model.TransitionRequest{
		Kind: model.KindApplication, EntityID: appID, Transition: model.TransitionReview,
	})
	wantCode(t, err, model.ErrStorageUnavailable)
	ee, _ := model.AsEnvelope(err)
	if ee.Message != model.NewStorageUnavailableError().Message {
		t.Errorf("message = %q leaks store detail", ee.Message)
	}
	if got := flaky.calls.Load(); got != 2 {
		t.Errorf("store calls = %d, want 2", got)
	}
	if got := f.status(model.KindApplication, appID); got != string(model.ApplicationSubmitted) {
		t.Errorf("application = %q, want unchanged", got)
	}
	if f.notes.len() != events {
		t.Error("failed transition emitted notifications")
	}
}

func TestEngine_PolicyErrorsAreNotRetried(t *testing.T) {
	f := newFixture(t)
	f.publishedAnimal("SFP-023")
	appID := f.submit(alice, "SFP-023")

	flaky := &flakyStore{MemoryEntityStore: f.store}
	engine := NewEngine(flaky, nil, nil)

	_, err := engine.RequestTransition(context.Background(), staff, model.TransitionRequest{
		Kind: model.KindApplication, EntityID: appID, Transition: model.TransitionApprove,
	})
	wantCode(t, err, model.ErrInvalidTransition)
	if got := flaky.calls.Load(); got != 1 {
		t.Errorf("store calls = %d, want 1", got)
	}
}
