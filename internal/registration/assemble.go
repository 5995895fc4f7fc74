// Package registration turns a completed profile into a creation request and
// delivers it to the external registration service.
package registration

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

// ErrIncompleteProfile is returned by Assemble when a fillable slot is missing.
var ErrIncompleteProfile = errors.New("profile is incomplete")

// KeyStyle selects the JSON field names sent to the registration service.
type KeyStyle string

const (
	// KeyStyleStandard emits first_name, last_name, ... (the default).
	KeyStyleStandard KeyStyle = "standard"
	// KeyStyleGerman emits vorname, nachname, ... as expected by the legacy user API.
	KeyStyleGerman KeyStyle = "german"
)

// ParseKeyStyle maps a config value to a KeyStyle. Empty selects the standard style.
func ParseKeyStyle(v string) (KeyStyle, error) {
	switch KeyStyle(v) {
	case "", KeyStyleStandard:
		return KeyStyleStandard, nil
	case KeyStyleGerman:
		return KeyStyleGerman, nil
	default:
		return "", fmt.Errorf("unknown registration key style %q", v)
	}
}

// Assemble builds the creation request from a profile in which every slot
// has been filled. isoDate replaces the locale-formatted birth date when set.
func Assemble(profile models.Profile, isoDate string) (models.RegistrationRequest, error) {
	if !profile.Complete() {
		var missing []models.Slot
		for _, s := range models.SlotOrder {
			if _, ok := profile[s]; !ok {
				missing = append(missing, s)
			}
		}
		return models.RegistrationRequest{}, fmt.Errorf("%w: missing %v", ErrIncompleteProfile, missing)
	}

	dob := profile[models.SlotDateOfBirth]
	if isoDate != "" {
		dob = isoDate
	}
	return models.RegistrationRequest{
		FirstName:   profile[models.SlotFirstName],
		LastName:    profile[models.SlotLastName],
		DateOfBirth: dob,
		Email:       profile[models.SlotEmail],
		Phone:       profile[models.SlotTelephone],
		Street:      profile[models.SlotStreet],
		HouseNumber: profile[models.SlotHouseNumber],
		PostalCode:  profile[models.SlotPostalCode],
		City:        profile[models.SlotCity],
		Country:     profile[models.SlotCountry],
	}, nil
}

// germanRequest mirrors models.RegistrationRequest with the legacy key names.
type germanRequest struct {
	Vorname       string `json:"vorname"`
	Nachname      string `json:"nachname"`
	Geburtsdatum  string `json:"geburtsdatum"`
	Email         string `json:"email"`
	Telefonnummer string `json:"telefonnummer"`
	Strasse       string `json:"strasse"`
	Hausnummer    string `json:"hausnummer"`
	PLZ           string `json:"plz"`
	Ort           string `json:"ort"`
	Land          string `json:"land"`
}

// Encode renders req as the request body for the given key style.
func Encode(req models.RegistrationRequest, style KeyStyle) ([]byte, error) {
	if style != KeyStyleGerman {
		return json.Marshal(req)
	}
	return json.Marshal(germanRequest{
		Vorname:       req.FirstName,
		Nachname:      req.LastName,
		Geburtsdatum:  req.DateOfBirth,
		Email:         req.Email,
		Telefonnummer: req.Phone,
		Strasse:       req.Street,
		Hausnummer:    req.HouseNumber,
		PLZ:           req.PostalCode,
		Ort:           req.City,
		Land:          req.Country,
	})
}
