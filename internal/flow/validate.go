package flow

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	minBirthYear    = 1900
	maxBirthYear    = 2100
	minPhoneDigits  = 7
	maxPhoneDigits  = 15
	postalCodeLen   = 5
	minCountryRunes = 4

	localeDateLayout = "02.01.2006"
	isoDateLayout    = "2006-01-02"
)

// Outcome is the result of validating one answer. Value is the normalized
// text to store; Rejection names the failed rule when Valid is false.
type Outcome struct {
	Valid     bool
	Value     string
	Rejection Rejection
}

// Validator checks an answer that has already been trimmed.
type Validator func(input string) Outcome

func accept(value string) Outcome {
	return Outcome{Valid: true, Value: value}
}

func reject(r Rejection) Outcome {
	return Outcome{Rejection: r}
}

// Required accepts any non-empty answer verbatim.
func Required(r Rejection) Validator {
	return func(input string) Outcome {
		if input == "" {
			return reject(r)
		}
		return accept(input)
	}
}

// ValidateDateOfBirth accepts D.M.YYYY through DD.MM.YYYY and normalizes to
// zero-padded DD.MM.YYYY. Ranges are checked per field, not per calendar.
func ValidateDateOfBirth(input string) Outcome {
	parts := strings.Split(input, ".")
	if len(parts) != 3 {
		return reject(RejectDateFormat)
	}
	dayText, monthText, yearText := parts[0], parts[1], parts[2]
	if !isDigits(dayText) || len(dayText) > 2 ||
		!isDigits(monthText) || len(monthText) > 2 ||
		!isDigits(yearText) || len(yearText) != 4 {
		return reject(RejectDateFormat)
	}

	day, _ := strconv.Atoi(dayText)
	month, _ := strconv.Atoi(monthText)
	year, _ := strconv.Atoi(yearText)
	switch {
	case day < 1 || day > 31:
		return reject(RejectDateDay)
	case month < 1 || month > 12:
		return reject(RejectDateMonth)
	case year < minBirthYear || year > maxBirthYear:
		return reject(RejectDateYear)
	}
	return accept(fmt.Sprintf("%02d.%02d.%04d", day, month, year))
}

// ToISODate converts a normalized DD.MM.YYYY date to YYYY-MM-DD. It fails
// for dates that pass ValidateDateOfBirth but do not exist, e.g. 31.02.2001.
func ToISODate(value string) (string, error) {
	t, err := time.Parse(localeDateLayout, value)
	if err != nil {
		return "", fmt.Errorf("convert %q to ISO date: %w", value, err)
	}
	return t.Format(isoDateLayout), nil
}

// ValidateEmail requires an @ followed somewhere by a dot.
func ValidateEmail(input string) Outcome {
	if input == "" {
		return reject(RejectEmptyEmail)
	}
	at := strings.IndexByte(input, '@')
	if at < 0 {
		return reject(RejectEmailMissingAt)
	}
	if !strings.Contains(input[at+1:], ".") {
		return reject(RejectEmailDomain)
	}
	return accept(input)
}

// ValidateTelephone counts digits after removing spaces and one leading +.
// The answer is stored as typed.
func ValidateTelephone(input string) Outcome {
	compact := stripSpaces(input)
	if compact == "" {
		return reject(RejectEmptyPhone)
	}
	digits := strings.TrimPrefix(compact, "+")
	if digits != "" && !isDigits(digits) {
		return reject(RejectPhoneChars)
	}
	if n := len(digits); n < minPhoneDigits || n > maxPhoneDigits {
		return reject(RejectPhoneLength)
	}
	return accept(input)
}

// ValidateHouseNumber requires a leading digit; suffixes like "12a" are kept.
func ValidateHouseNumber(input string) Outcome {
	compact := stripSpaces(input)
	if compact == "" {
		return reject(RejectEmptyHouseNumber)
	}
	if !isDigit(compact[0]) {
		return reject(RejectHouseNumberStart)
	}
	return accept(input)
}

// ValidatePostalCode requires exactly five digits once spaces are removed.
func ValidatePostalCode(input string) Outcome {
	compact := stripSpaces(input)
	if compact == "" {
		return reject(RejectEmptyPostalCode)
	}
	if !isDigits(compact) {
		return reject(RejectPostalCodeDigits)
	}
	if len(compact) != postalCodeLen {
		return reject(RejectPostalCodeLength)
	}
	return accept(input)
}

// ValidateCountry requires at least four characters.
func ValidateCountry(input string) Outcome {
	if input == "" {
		return reject(RejectEmptyCountry)
	}
	if utf8.RuneCountInString(input) < minCountryRunes {
		return reject(RejectCountryLength)
	}
	return accept(input)
}

func stripSpaces(s string) string {
	return strings.ReplaceAll(s, " ", "")
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

// isDigits reports whether s is non-empty and ASCII digits only.
func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return true
}
