package flow

import (
	"reflect"
	"testing"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

// validAnswers fills one cycle in slot order.
var validAnswers = []string{
	"Max", "Mustermann", "19.02.2001", "max@example.de", "+49 170 1234567",
	"Hauptstraße", "12a", "10115", "Berlin", "Deutschland",
}

// invalidAnswers holds one rejected answer per slot in slot order.
var invalidAnswers = []string{"", "   ", "19/02/2001", "test@test", "12345", "", "a12", "1234", "", "DE"}

func newTestController(t *testing.T) *Controller {
	t.Helper()
	c, err := CatalogFor(LanguageGerman)
	if err != nil {
		t.Fatalf("CatalogFor: %v", err)
	}
	return NewController(DefaultTable(), c)
}

func TestController_StartIgnoresInput(t *testing.T) {
	c := newTestController(t)
	sess := *models.NewSession("conv-1", "user-1", "test")

	tr := c.Step(sess, "whatever the user says")
	if tr.Kind != TransitionStarted {
		t.Fatalf("Kind = %s, want started", tr.Kind)
	}
	if tr.Session.PendingSlot != models.SlotFirstName {
		t.Errorf("PendingSlot = %s, want FIRST_NAME", tr.Session.PendingSlot)
	}
	if len(tr.Session.Profile) != 0 {
		t.Errorf("profile should be empty, got %v", tr.Session.Profile)
	}
	if !reflect.DeepEqual(tr.Messages, []string{c.Catalog().Opening}) {
		t.Errorf("Messages = %v", tr.Messages)
	}
}

func TestController_FullCycle(t *testing.T) {
	c := newTestController(t)
	sess := c.Step(*models.NewSession("conv-1", "", "test"), "").Session

	for i, answer := range validAnswers {
		slot := models.SlotOrder[i]
		if sess.PendingSlot != slot {
			t.Fatalf("step %d: PendingSlot = %s, want %s", i, sess.PendingSlot, slot)
		}
		tr := c.Step(sess, answer)

		if slot.Terminal() {
			if tr.Kind != TransitionCompleted {
				t.Fatalf("Kind = %s, want completed", tr.Kind)
			}
			if len(tr.Messages) != 0 {
				t.Errorf("completed transition should leave the closing message to the engine, got %v", tr.Messages)
			}
			if tr.Submission == nil {
				t.Fatal("completed transition must carry a submission")
			}
			want := models.RegistrationRequest{
				ConversationID: "conv-1", Cycle: 1,
				FirstName: "Max", LastName: "Mustermann", DateOfBirth: "2001-02-19",
				Email: "max@example.de", Phone: "+49 170 1234567", Street: "Hauptstraße",
				HouseNumber: "12a", PostalCode: "10115", City: "Berlin", Country: "Deutschland",
			}
			if *tr.Submission != want {
				t.Errorf("Submission = %+v, want %+v", *tr.Submission, want)
			}
			if tr.Session.PendingSlot != models.SlotNone || len(tr.Session.Profile) != 0 ||
				tr.Session.BirthDateISO != "" || tr.Session.CompletedCycles != 1 {
				t.Errorf("session not reset: %+v", tr.Session)
			}
			return
		}

		if tr.Kind != TransitionAdvanced {
			t.Fatalf("step %d: Kind = %s, want advanced", i, tr.Kind)
		}
		if tr.Session.PendingSlot != slot.Next() {
			t.Errorf("step %d: PendingSlot = %s, want %s", i, tr.Session.PendingSlot, slot.Next())
		}
		if len(tr.Messages) != 2 || tr.Messages[1] != c.Catalog().Prompt(slot.Next()) {
			t.Errorf("step %d: Messages = %v", i, tr.Messages)
		}
		if got := len(tr.Session.Profile.Filled()); got != i+1 {
			t.Errorf("step %d: %d slots filled, want %d", i, got, i+1)
		}
		sess = tr.Session
	}
	t.Fatal("cycle never completed")
}

func TestController_RejectionIsIdempotent(t *testing.T) {
	c := newTestController(t)
	sess := c.Step(*models.NewSession("conv-1", "", "test"), "").Session

	for i, slot := range models.SlotOrder {
		before := sess.Clone()
		first := c.Step(sess, invalidAnswers[i])
		second := c.Step(sess, invalidAnswers[i])

		if first.Kind != TransitionRejected {
			t.Fatalf("%s: %q should be rejected, got %s", slot, invalidAnswers[i], first.Kind)
		}
		if len(first.Messages) != 1 || first.Messages[0] == "" {
			t.Errorf("%s: want exactly one rejection message, got %v", slot, first.Messages)
		}
		if !reflect.DeepEqual(first.Messages, second.Messages) {
			t.Errorf("%s: rejection not idempotent: %v vs %v", slot, first.Messages, second.Messages)
		}
		if !reflect.DeepEqual(first.Session, before) {
			t.Errorf("%s: rejection changed the session: %+v", slot, first.Session)
		}
		if !reflect.DeepEqual(sess, before) {
			t.Errorf("%s: Step modified its input", slot)
		}
		if first.Submission != nil {
			t.Errorf("%s: rejection must not submit", slot)
		}

		sess = c.Step(sess, validAnswers[i]).Session
	}
}

func TestController_InputIsTrimmed(t *testing.T) {
	c := newTestController(t)
	sess := c.Step(*models.NewSession("conv-1", "", "test"), "").Session

	tr := c.Step(sess, "  Max \n")
	if tr.Session.Profile[models.SlotFirstName] != "Max" {
		t.Errorf("stored %q, want trimmed value", tr.Session.Profile[models.SlotFirstName])
	}
	if tr.Messages[0] != "Hallo Max!" {
		t.Errorf("ack = %q", tr.Messages[0])
	}
}

func TestController_ImpossibleDateKeepsLocaleForm(t *testing.T) {
	c := newTestController(t)
	sess := c.Step(*models.NewSession("conv-1", "", "test"), "").Session

	answers := append([]string(nil), validAnswers...)
	answers[2] = "31.02.2001"

	var tr Transition
	for _, a := range answers {
		tr = c.Step(sess, a)
		if tr.Kind == TransitionRejected {
			t.Fatalf("unexpected rejection for %q: %v", a, tr.Messages)
		}
		if tr.Kind == TransitionAdvanced && sess.PendingSlot == models.SlotDateOfBirth && tr.Session.BirthDateISO != "" {
			t.Errorf("BirthDateISO = %q, want empty after failed conversion", tr.Session.BirthDateISO)
		}
		sess = tr.Session
	}
	if tr.Submission == nil || tr.Submission.DateOfBirth != "31.02.2001" {
		t.Fatalf("submission should carry the locale date, got %+v", tr.Submission)
	}
}

func TestController_SecondCycleStartsClean(t *testing.T) {
	c := newTestController(t)
	sess := c.Step(*models.NewSession("conv-1", "", "test"), "").Session
	for _, a := range validAnswers {
		sess = c.Step(sess, a).Session
	}

	tr := c.Step(sess, "hello again")
	if tr.Kind != TransitionStarted || tr.Session.PendingSlot != models.SlotFirstName {
		t.Fatalf("second cycle did not start: %+v", tr)
	}
	if tr.Session.CompletedCycles != 1 || len(tr.Session.Profile) != 0 {
		t.Errorf("unexpected session: %+v", tr.Session)
	}
}

func TestController_UnknownSlotRestarts(t *testing.T) {
	c := newTestController(t)
	sess := *models.NewSession("conv-1", "", "test")
	sess.PendingSlot = models.Slot("MIDDLE_NAME")
	sess.Profile[models.SlotFirstName] = "stale"

	tr := c.Step(sess, "x")
	if tr.Kind != TransitionStarted || tr.Session.PendingSlot != models.SlotFirstName || len(tr.Session.Profile) != 0 {
		t.Errorf("expected a clean restart, got %+v", tr)
	}
}

func TestController_EnglishCatalog(t *testing.T) {
	en, _ := CatalogFor(LanguageEnglish)
	c := NewController(nil, en)
	sess := c.Step(*models.NewSession("conv-1", "", "test"), "").Session

	tr := c.Step(sess, "Ada")
	want := []string{"Hi Ada!", "What is your last name?"}
	if !reflect.DeepEqual(tr.Messages, want) {
		t.Errorf("Messages = %v, want %v", tr.Messages, want)
	}
}
