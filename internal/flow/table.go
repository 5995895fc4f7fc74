package flow

import (
	"fmt"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

// SlotSpec is one row of the transition table: how to check the answer for
// Slot and which slot is asked for next.
type SlotSpec struct {
	Slot     models.Slot
	Validate Validator
	Next     models.Slot
}

// Table maps every fillable slot to its SlotSpec.
type Table struct {
	rows map[models.Slot]SlotSpec
}

// DefaultValidators holds the validator of every fillable slot.
func DefaultValidators() map[models.Slot]Validator {
	return map[models.Slot]Validator{
		models.SlotFirstName:   Required(RejectEmptyName),
		models.SlotLastName:    Required(RejectEmptyName),
		models.SlotDateOfBirth: ValidateDateOfBirth,
		models.SlotEmail:       ValidateEmail,
		models.SlotTelephone:   ValidateTelephone,
		models.SlotStreet:      Required(RejectEmptyStreet),
		models.SlotHouseNumber: ValidateHouseNumber,
		models.SlotPostalCode:  ValidatePostalCode,
		models.SlotCity:        Required(RejectEmptyCity),
		models.SlotCountry:     ValidateCountry,
	}
}

// NewTable builds a table over models.SlotOrder. Every fillable slot needs a
// validator.
func NewTable(validators map[models.Slot]Validator) (*Table, error) {
	t := &Table{rows: make(map[models.Slot]SlotSpec, len(models.SlotOrder))}
	for _, s := range models.SlotOrder {
		v, ok := validators[s]
		if !ok || v == nil {
			return nil, fmt.Errorf("no validator for slot %s", s)
		}
		t.rows[s] = SlotSpec{Slot: s, Validate: v, Next: s.Next()}
	}
	if len(validators) != len(models.SlotOrder) {
		return nil, fmt.Errorf("validators given for %d slots, want %d", len(validators), len(models.SlotOrder))
	}
	return t, nil
}

// DefaultTable is the table built from DefaultValidators.
func DefaultTable() *Table {
	t, err := NewTable(DefaultValidators())
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup returns the row for a fillable slot. NONE has none.
func (t *Table) Lookup(slot models.Slot) (SlotSpec, bool) {
	row, ok := t.rows[slot]
	return row, ok
}
