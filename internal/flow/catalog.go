package flow

import (
	"fmt"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

// Language selects a message catalog.
type Language string

const (
	LanguageGerman  Language = "de"
	LanguageEnglish Language = "en"
)

// DefaultLanguage is used when no language is configured.
const DefaultLanguage = LanguageGerman

// Rejection identifies one validation rule that an answer failed.
type Rejection string

const (
	RejectEmptyName        Rejection = "empty_name"
	RejectEmptyStreet      Rejection = "empty_street"
	RejectEmptyCity        Rejection = "empty_city"
	RejectDateFormat       Rejection = "date_format"
	RejectDateDay          Rejection = "date_day"
	RejectDateMonth        Rejection = "date_month"
	RejectDateYear         Rejection = "date_year"
	RejectEmptyEmail       Rejection = "empty_email"
	RejectEmailMissingAt   Rejection = "email_missing_at"
	RejectEmailDomain      Rejection = "email_domain"
	RejectEmptyPhone       Rejection = "empty_phone"
	RejectPhoneChars       Rejection = "phone_chars"
	RejectPhoneLength      Rejection = "phone_length"
	RejectEmptyHouseNumber Rejection = "empty_house_number"
	RejectHouseNumberStart Rejection = "house_number_start"
	RejectEmptyPostalCode  Rejection = "empty_postal_code"
	RejectPostalCodeDigits Rejection = "postal_code_digits"
	RejectPostalCodeLength Rejection = "postal_code_length"
	RejectEmptyCountry     Rejection = "empty_country"
	RejectCountryLength    Rejection = "country_length"
)

// AllRejections lists every rejection key; each catalog must translate all of them.
var AllRejections = []Rejection{
	RejectEmptyName, RejectEmptyStreet, RejectEmptyCity,
	RejectDateFormat, RejectDateDay, RejectDateMonth, RejectDateYear,
	RejectEmptyEmail, RejectEmailMissingAt, RejectEmailDomain,
	RejectEmptyPhone, RejectPhoneChars, RejectPhoneLength,
	RejectEmptyHouseNumber, RejectHouseNumberStart,
	RejectEmptyPostalCode, RejectPostalCodeDigits, RejectPostalCodeLength,
	RejectEmptyCountry, RejectCountryLength,
}

// Catalog holds every user-facing text of one language.
//
// Acks are fmt templates with a single %s for the accepted value. The
// terminal slot has no ack: its turn ends with exactly one of Completion,
// ConnectionError, RetryQueued or ServerRejected.
type Catalog struct {
	Language        Language
	Opening         string
	Prompts         map[models.Slot]string
	Acks            map[models.Slot]string
	Completion      string // %s = first name
	ConnectionError string
	RetryQueued     string
	ServerRejected  string
	TurnFailed      string
	Rejections      map[Rejection]string
}

// CatalogFor returns the catalog for lang. Empty selects DefaultLanguage.
func CatalogFor(lang Language) (*Catalog, error) {
	switch lang {
	case "", LanguageGerman:
		return germanCatalog(), nil
	case LanguageEnglish:
		return englishCatalog(), nil
	default:
		return nil, fmt.Errorf("unsupported bot language %q", lang)
	}
}

// Prompt returns the question asked when slot becomes pending.
func (c *Catalog) Prompt(slot models.Slot) string {
	return c.Prompts[slot]
}

// Ack echoes an accepted value.
func (c *Catalog) Ack(slot models.Slot, value string) string {
	return fmt.Sprintf(c.Acks[slot], value)
}

// Reject returns the message for a failed rule.
func (c *Catalog) Reject(r Rejection) string {
	return c.Rejections[r]
}

// Completed returns the closing message after a successful submission.
func (c *Catalog) Completed(firstName string) string {
	return fmt.Sprintf(c.Completion, firstName)
}

// Missing lists the texts c lacks for a fillable slot or rejection key.
func (c *Catalog) Missing() []string {
	var missing []string
	for _, s := range models.SlotOrder {
		if c.Prompts[s] == "" {
			missing = append(missing, "prompt:"+string(s))
		}
		if !s.Terminal() && c.Acks[s] == "" {
			missing = append(missing, "ack:"+string(s))
		}
	}
	for _, r := range AllRejections {
		if c.Rejections[r] == "" {
			missing = append(missing, "rejection:"+string(r))
		}
	}
	for name, text := range map[string]string{
		"opening":          c.Opening,
		"completion":       c.Completion,
		"connection_error": c.ConnectionError,
		"retry_queued":     c.RetryQueued,
		"server_rejected":  c.ServerRejected,
		"turn_failed":      c.TurnFailed,
	} {
		if text == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

func germanCatalog() *Catalog {
	prompts := map[models.Slot]string{
		models.SlotFirstName:   "Wie lautet Ihr Vorname?",
		models.SlotLastName:    "Wie lautet Ihr Nachname?",
		models.SlotDateOfBirth: "Wann wurden Sie geboren? (TT.MM.JJJJ)",
		models.SlotEmail:       "Wie lautet Ihre E-Mail-Adresse?",
		models.SlotTelephone:   "Wie lautet Ihre Telefonnummer?",
		models.SlotStreet:      "In welcher Straße wohnen Sie?",
		models.SlotHouseNumber: "Wie lautet Ihre Hausnummer?",
		models.SlotPostalCode:  "Wie lautet Ihre Postleitzahl?",
		models.SlotCity:        "In welcher Stadt leben Sie?",
		models.SlotCountry:     "In welchem Land leben Sie?",
	}
	return &Catalog{
		Language: LanguageGerman,
		Opening:  "Dann fangen wir mal an. " + prompts[models.SlotFirstName],
		Prompts:  prompts,
		Acks: map[models.Slot]string{
			models.SlotFirstName:   "Hallo %s!",
			models.SlotLastName:    "Ihr Nachname ist %s.",
			models.SlotDateOfBirth: "Ihr Geburtsdatum ist der %s.",
			models.SlotEmail:       "Ihre E-Mail-Adresse ist %s.",
			models.SlotTelephone:   "Ihre Telefonnummer ist %s.",
			models.SlotStreet:      "Sie wohnen in der Straße %s.",
			models.SlotHouseNumber: "Ihre Hausnummer lautet %s.",
			models.SlotPostalCode:  "Ihre Postleitzahl ist %s.",
			models.SlotCity:        "Ihre Stadt heißt %s.",
		},
		Completion:      "Das war's, %s! Vielen Dank, Ihre Angaben wurden übermittelt.",
		ConnectionError: "Verbindungsfehler: Konnte den Server nicht erreichen.",
		RetryQueued:     "Verbindungsfehler: Konnte den Server nicht erreichen. Ihre Angaben werden automatisch erneut übermittelt.",
		ServerRejected:  "Ihre Angaben wurden vom Server abgelehnt. Schreiben Sie mir, um von vorne zu beginnen.",
		TurnFailed:      "⚠️ Bei der Verarbeitung Ihrer Nachricht ist ein Fehler aufgetreten. Bitte versuchen Sie es erneut.",
		Rejections: map[Rejection]string{
			RejectEmptyName:        "Bitte geben Sie einen Namen ein, der mindestens einen Buchstaben enthält.",
			RejectEmptyStreet:      "Bitte geben Sie den Namen Ihrer Straße ein.",
			RejectEmptyCity:        "Bitte geben Sie den Namen Ihrer Stadt ein.",
			RejectDateFormat:       "Das konnte ich nicht als Datum verstehen. Bitte verwenden Sie das Format TT.MM.JJJJ.",
			RejectDateDay:          "Der Tag muss zwischen 1 und 31 liegen.",
			RejectDateMonth:        "Der Monat muss zwischen 1 und 12 liegen.",
			RejectDateYear:         "Das Jahr muss zwischen 1900 und 2100 liegen.",
			RejectEmptyEmail:       "Bitte geben Sie Ihre E-Mail-Adresse ein.",
			RejectEmailMissingAt:   "Eine E-Mail-Adresse muss ein @ enthalten.",
			RejectEmailDomain:      "Nach dem @ muss eine Domain mit Punkt folgen, z. B. beispiel.de.",
			RejectEmptyPhone:       "Bitte geben Sie Ihre Telefonnummer ein.",
			RejectPhoneChars:       "Die Telefonnummer darf nur Ziffern und ein führendes + enthalten.",
			RejectPhoneLength:      "Die Telefonnummer muss zwischen 7 und 15 Ziffern haben.",
			RejectEmptyHouseNumber: "Bitte geben Sie Ihre Hausnummer ein.",
			RejectHouseNumberStart: "Die Hausnummer muss mit einer Ziffer beginnen, z. B. 12 oder 12a.",
			RejectEmptyPostalCode:  "Bitte geben Sie Ihre Postleitzahl ein.",
			RejectPostalCodeDigits: "Die Postleitzahl darf nur Ziffern enthalten.",
			RejectPostalCodeLength: "Die Postleitzahl muss genau 5 Ziffern haben.",
			RejectEmptyCountry:     "Bitte geben Sie das Land ein, in dem Sie leben.",
			RejectCountryLength:    "Der Name des Landes muss mindestens 4 Zeichen lang sein.",
		},
	}
}

func englishCatalog() *Catalog {
	prompts := map[models.Slot]string{
		models.SlotFirstName:   "What is your first name?",
		models.SlotLastName:    "What is your last name?",
		models.SlotDateOfBirth: "When were you born? (DD.MM.YYYY)",
		models.SlotEmail:       "What is your email address?",
		models.SlotTelephone:   "What is your telephone number?",
		models.SlotStreet:      "Which street do you live on?",
		models.SlotHouseNumber: "What is your house number?",
		models.SlotPostalCode:  "What is your postal code?",
		models.SlotCity:        "Which city do you live in?",
		models.SlotCountry:     "Which country do you live in?",
	}
	return &Catalog{
		Language: LanguageEnglish,
		Opening:  "Let's get started. " + prompts[models.SlotFirstName],
		Prompts:  prompts,
		Acks: map[models.Slot]string{
			models.SlotFirstName:   "Hi %s!",
			models.SlotLastName:    "Your last name is %s.",
			models.SlotDateOfBirth: "You were born on %s.",
			models.SlotEmail:       "Your email address is %s.",
			models.SlotTelephone:   "Your telephone number is %s.",
			models.SlotStreet:      "You live on %s.",
			models.SlotHouseNumber: "Your house number is %s.",
			models.SlotPostalCode:  "Your postal code is %s.",
			models.SlotCity:        "Your city is %s.",
		},
		Completion:      "That's it, %s! Thank you, your details have been submitted.",
		ConnectionError: "Connection error: could not reach the server.",
		RetryQueued:     "Connection error: could not reach the server. Your details will be resubmitted automatically.",
		ServerRejected:  "The server rejected your details. Send me a message to start over.",
		TurnFailed:      "⚠️ Something went wrong while processing your message. Please try again.",
		Rejections: map[Rejection]string{
			RejectEmptyName:        "Please enter a name with at least one letter.",
			RejectEmptyStreet:      "Please enter the name of your street.",
			RejectEmptyCity:        "Please enter the name of your city.",
			RejectDateFormat:       "I couldn't read that as a date. Please use the format DD.MM.YYYY.",
			RejectDateDay:          "The day must be between 1 and 31.",
			RejectDateMonth:        "The month must be between 1 and 12.",
			RejectDateYear:         "The year must be between 1900 and 2100.",
			RejectEmptyEmail:       "Please enter your email address.",
			RejectEmailMissingAt:   "An email address must contain an @.",
			RejectEmailDomain:      "The @ must be followed by a domain with a dot, e.g. example.com.",
			RejectEmptyPhone:       "Please enter your telephone number.",
			RejectPhoneChars:       "A telephone number may only contain digits and a leading +.",
			RejectPhoneLength:      "A telephone number must have between 7 and 15 digits.",
			RejectEmptyHouseNumber: "Please enter your house number.",
			RejectHouseNumberStart: "A house number must start with a digit, e.g. 12 or 12a.",
			RejectEmptyPostalCode:  "Please enter your postal code.",
			RejectPostalCodeDigits: "A postal code may only contain digits.",
			RejectPostalCodeLength: "A postal code must have exactly 5 digits.",
			RejectEmptyCountry:     "Please enter the country you live in.",
			RejectCountryLength:    "The country name must be at least 4 characters long.",
		},
	}
}
