package flow

import (
	"log/slog"
	"strings"

	"github.com/BTreeMap/IntakePipe/internal/models"
	"github.com/BTreeMap/IntakePipe/internal/registration"
)

// TransitionKind classifies what a single Step did.
type TransitionKind string

const (
	// TransitionStarted asked the first question of a new cycle.
	TransitionStarted TransitionKind = "started"
	// TransitionRejected left the session unchanged after a failed rule.
	TransitionRejected TransitionKind = "rejected"
	// TransitionAdvanced stored an answer and asked the next question.
	TransitionAdvanced TransitionKind = "advanced"
	// TransitionCompleted stored the last answer and reset the session.
	TransitionCompleted TransitionKind = "completed"
)

// Transition is the outcome of one Step. Session is the state to persist.
// Submission is set only on TransitionCompleted, and in that case Messages
// is empty: the closing message depends on how the submission went.
type Transition struct {
	Session    models.Session
	Kind       TransitionKind
	Messages   []string
	Submission *models.RegistrationRequest
}

// Controller is the pure dialog state machine. It is safe for concurrent use.
type Controller struct {
	table   *Table
	catalog *Catalog
}

// NewController creates a Controller. Nil arguments select the defaults.
func NewController(table *Table, catalog *Catalog) *Controller {
	if table == nil {
		table = DefaultTable()
	}
	if catalog == nil {
		catalog, _ = CatalogFor(DefaultLanguage)
	}
	return &Controller{table: table, catalog: catalog}
}

// Catalog returns the texts the controller renders with.
func (c *Controller) Catalog() *Catalog {
	return c.catalog
}

// Step applies one answer to current and returns the next state. current is
// never modified.
func (c *Controller) Step(current models.Session, input string) Transition {
	next := current.Clone()

	slot := next.PendingSlot
	if !slot.Valid() {
		slog.Warn("Controller.Step: unknown pending slot, restarting cycle",
			"conversationID", current.ConversationID, "slot", slot)
		slot = models.SlotNone
	}

	if slot == models.SlotNone {
		next.PendingSlot = models.SlotFirstName
		next.Profile = models.Profile{}
		next.BirthDateISO = ""
		return Transition{Session: next, Kind: TransitionStarted, Messages: []string{c.catalog.Opening}}
	}

	row, _ := c.table.Lookup(slot)
	outcome := row.Validate(strings.TrimSpace(input))
	if !outcome.Valid {
		slog.Debug("Controller.Step: answer rejected", "conversationID", current.ConversationID,
			"slot", slot, "rule", outcome.Rejection)
		return Transition{
			Session:  current.Clone(),
			Kind:     TransitionRejected,
			Messages: []string{c.catalog.Reject(outcome.Rejection)},
		}
	}

	next.Profile[slot] = outcome.Value
	if slot == models.SlotDateOfBirth {
		iso, err := ToISODate(outcome.Value)
		if err != nil {
			slog.Warn("Controller.Step: keeping locale birth date", "conversationID", current.ConversationID, "error", err)
		}
		next.BirthDateISO = iso
	}

	if !slot.Terminal() {
		next.PendingSlot = row.Next
		slog.Debug("Controller.Step: slot filled", "conversationID", current.ConversationID,
			"slot", slot, "next", row.Next)
		return Transition{
			Session:  next,
			Kind:     TransitionAdvanced,
			Messages: []string{c.catalog.Ack(slot, outcome.Value), c.catalog.Prompt(row.Next)},
		}
	}

	req, err := registration.Assemble(next.Profile, next.BirthDateISO)
	next.Profile = models.Profile{}
	next.BirthDateISO = ""
	next.PendingSlot = models.SlotNone
	next.CompletedCycles++
	if err != nil {
		// Only reachable with a corrupted stored profile.
		slog.Error("Controller.Step: cannot assemble registration, discarding cycle",
			"conversationID", current.ConversationID, "error", err)
		return Transition{Session: next, Kind: TransitionCompleted, Messages: []string{c.catalog.TurnFailed}}
	}
	req.ConversationID = current.ConversationID
	req.Cycle = next.CompletedCycles

	slog.Debug("Controller.Step: profile complete", "conversationID", current.ConversationID, "cycle", req.Cycle)
	return Transition{Session: next, Kind: TransitionCompleted, Submission: &req}
}
