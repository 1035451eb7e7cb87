package api

import (
	"regexp"
	"strconv"
	"unicode/utf8"
)

// maxNameLen is the maximum length for name fields (rule names, menu names).
const maxNameLen = 200

// maxPatternLen is the maximum length for regex pattern fields.
const maxPatternLen = 500

// maxBodyLen is the maximum SMS body length accepted at the API; the
// messaging plane enforces its own segment limits on top.
const maxBodyLen = 1600

// maxPasswordLen is the maximum length for admin passwords.
const maxPasswordLen = 256

// minPasswordLen is the minimum length for admin passwords.
const minPasswordLen = 8

// numberRe validates dialable numbers: optional +, then digits, max 20.
var numberRe = regexp.MustCompile(`^\+?\d{1,20}$`)

// usernameRe validates admin account names.
var usernameRe = regexp.MustCompile(`^[a-zA-Z0-9._\-]{3,64}$`)

// digitRe validates a single DTMF digit.
var digitRe = regexp.MustCompile(`^[0-9*#A-D]$`)

// validateStringLen checks that a string does not exceed maxLen runes.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not exceed maxLen runes.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

// validateNumber checks that a string is a dialable number.
func validateNumber(field, value string) string {
	if value == "" {
		return field + " is required"
	}
	if !numberRe.MatchString(value) {
		return field + " must be digits with an optional leading + (max 20)"
	}
	return ""
}

// validateUsername checks an admin account name.
func validateUsername(field, value string) string {
	if value == "" {
		return field + " is required"
	}
	if !usernameRe.MatchString(value) {
		return field + " must be 3-64 characters of letters, digits, dot, dash or underscore"
	}
	return ""
}

// validatePassword checks an admin password's length bounds.
func validatePassword(field, value string) string {
	if value == "" {
		return field + " is required"
	}
	if len(value) < minPasswordLen {
		return field + " must be at least " + strconv.Itoa(minPasswordLen) + " characters"
	}
	if len(value) > maxPasswordLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validatePattern checks that a string compiles as a regular expression.
func validatePattern(field, value string) string {
	if value == "" {
		return field + " is required"
	}
	if len(value) > maxPatternLen {
		return field + " exceeds maximum length"
	}
	if _, err := regexp.Compile(value); err != nil {
		return field + " is not a valid regular expression"
	}
	return ""
}

// validateOptionalPattern is validatePattern for fields that may be empty.
func validateOptionalPattern(field, value string) string {
	if value == "" {
		return ""
	}
	return validatePattern(field, value)
}

// validateDigit checks a single DTMF digit (0-9, *, #, A-D).
func validateDigit(field, value string) string {
	if !digitRe.MatchString(value) {
		return field + " must be a single DTMF digit (0-9, *, #, A-D)"
	}
	return ""
}

// validateDirection checks a direction filter value.
func validateDirection(value string) string {
	if value != "" && value != "inbound" && value != "outbound" {
		return "direction must be \"inbound\" or \"outbound\""
	}
	return ""
}

// containsControlChars checks whether a string has control characters
// (except common whitespace like \n, \r, \t).
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			return true
		}
	}
	return false
}

// validateNoControlChars rejects strings with control characters.
func validateNoControlChars(field, value string) string {
	if containsControlChars(value) {
		return field + " contains invalid characters"
	}
	return ""
}
