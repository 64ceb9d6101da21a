// Package validation checks caller input before any upstream call is made.
package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MessageMaxLength  = 2000
	IDMinLength       = 15
	IDMaxLength       = 20
	TimeoutMinMinutes = 1
	TimeoutMaxMinutes = 28 * 24 * 60
	MessageLimitMin   = 1
	MessageLimitMax   = 100
	BanDeleteDaysMin  = 0
	BanDeleteDaysMax  = 7
	ReasonMaxLength   = 512
)

// Error names the offending field.
type Error struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validator holds the input rules. The zero value is ready to use.
type Validator struct{}

// New returns a Validator.
func New() *Validator { return &Validator{} }

// ID checks a snowflake: digits only, 15-20 characters.
func (v *Validator) ID(field, id string) error {
	if id == "" {
		return &Error{Field: field, Reason: "is required"}
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return &Error{Field: field, Reason: "must contain only digits"}
		}
	}
	if len(id) < IDMinLength || len(id) > IDMaxLength {
		return &Error{Field: field, Reason: fmt.Sprintf("must be %d-%d digits", IDMinLength, IDMaxLength)}
	}
	return nil
}

// Content checks message text: non-blank and at most 2000 characters.
func (v *Validator) Content(field, content string) error {
	if strings.TrimSpace(content) == "" {
		return &Error{Field: field, Reason: "cannot be empty"}
	}
	if n := utf8.RuneCountInString(content); n > MessageMaxLength {
		return &Error{Field: field, Reason: fmt.Sprintf("is too long (%d characters, maximum %d)", n, MessageMaxLength)}
	}
	return nil
}

// Reason checks an audit-log reason. Empty is allowed.
func (v *Validator) Reason(reason string) error {
	if n := utf8.RuneCountInString(reason); n > ReasonMaxLength {
		return &Error{Field: "reason", Reason: fmt.Sprintf("is too long (%d characters, maximum %d)", n, ReasonMaxLength)}
	}
	return nil
}

func (v *Validator) TimeoutMinutes(minutes int) error {
	return inRange("duration_minutes", minutes, TimeoutMinMinutes, TimeoutMaxMinutes)
}

func (v *Validator) MessageLimit(limit int) error {
	return inRange("limit", limit, MessageLimitMin, MessageLimitMax)
}

func (v *Validator) BanDeleteDays(days int) error {
	return inRange("delete_message_days", days, BanDeleteDaysMin, BanDeleteDaysMax)
}

func inRange(field string, value, lo, hi int) error {
	if value < lo || value > hi {
		return &Error{Field: field, Reason: fmt.Sprintf("must be between %d and %d (got %d)", lo, hi, value)}
	}
	return nil
}
