package models

import (
	"fmt"
	"strings"
)

// Slot identifies one field of the profile being collected.
type Slot string

const (
	// SlotNone means no slot is pending: the conversation awaits its opening prompt.
	SlotNone        Slot = "NONE"
	SlotFirstName   Slot = "FIRST_NAME"
	SlotLastName    Slot = "LAST_NAME"
	SlotDateOfBirth Slot = "DATE_OF_BIRTH"
	SlotEmail       Slot = "EMAIL"
	SlotTelephone   Slot = "TELEPHONE_NUMBER"
	SlotStreet      Slot = "STREET"
	SlotHouseNumber Slot = "HOUSE_NUMBER"
	SlotPostalCode  Slot = "POSTAL_CODE"
	SlotCity        Slot = "CITY"
	SlotCountry     Slot = "COUNTRY"
)

// SlotOrder is the fixed collection order. COUNTRY is terminal.
var SlotOrder = []Slot{
	SlotFirstName,
	SlotLastName,
	SlotDateOfBirth,
	SlotEmail,
	SlotTelephone,
	SlotStreet,
	SlotHouseNumber,
	SlotPostalCode,
	SlotCity,
	SlotCountry,
}

var slotIndex = func() map[Slot]int {
	idx := make(map[Slot]int, len(SlotOrder))
	for i, s := range SlotOrder {
		idx[s] = i
	}
	return idx
}()

// Fillable reports whether s is one of the ten collected slots.
func (s Slot) Fillable() bool {
	_, ok := slotIndex[s]
	return ok
}

// Valid reports whether s is a fillable slot or SlotNone.
func (s Slot) Valid() bool {
	return s == SlotNone || s.Fillable()
}

// Index returns the position of s in SlotOrder, or -1 for SlotNone.
func (s Slot) Index() int {
	if i, ok := slotIndex[s]; ok {
		return i
	}
	return -1
}

// Next returns the slot that follows s. The successor of COUNTRY is SlotNone,
// and the successor of SlotNone is the first slot.
func (s Slot) Next() Slot {
	if s == SlotNone {
		return SlotOrder[0]
	}
	i, ok := slotIndex[s]
	if !ok || i == len(SlotOrder)-1 {
		return SlotNone
	}
	return SlotOrder[i+1]
}

// Terminal reports whether filling s completes a profile.
func (s Slot) Terminal() bool {
	return s == SlotOrder[len(SlotOrder)-1]
}

// ParseSlot converts a stored value back into a Slot. Empty input maps to SlotNone.
func ParseSlot(v string) (Slot, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return SlotNone, nil
	}
	s := Slot(strings.ToUpper(v))
	if !s.Valid() {
		return SlotNone, fmt.Errorf("unknown slot %q", v)
	}
	return s, nil
}
