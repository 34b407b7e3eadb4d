package domain

import (
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dmitrijs2005/roomies/internal/common"
)

const (
	MaxDisplayNameLen   = 50
	MaxHouseholdNameLen = 80
	MaxTaskTitleLen     = 200
)

// Recurrence values accepted for tasks. Empty means one-off.
const (
	RecurrenceNone    = ""
	RecurrenceDaily   = "daily"
	RecurrenceWeekly  = "weekly"
	RecurrenceMonthly = "monthly"
)

// User is a member profile.
type User struct {
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	HouseholdID string `json:"householdId,omitempty"`
	AvatarColor string `json:"avatarColor,omitempty"`
}

func (*User) Kind() Kind { return KindUser }

func (u *User) Validate() error {
	if err := ValidateDisplayName(u.DisplayName); err != nil {
		return err
	}
	return ValidateEmail(u.Email)
}

// Household groups members who share tasks.
type Household struct {
	Name       string `json:"name"`
	InviteCode string `json:"inviteCode,omitempty"`
	OwnerID    string `json:"ownerId,omitempty"`
}

func (*Household) Kind() Kind { return KindHousehold }

func (h *Household) Validate() error {
	n := utf8.RuneCountInString(strings.TrimSpace(h.Name))
	if n == 0 || n > MaxHouseholdNameLen {
		return common.NewValidationError("name", "must be 1-80 characters")
	}
	return nil
}

// Task is a chore belonging to a household.
type Task struct {
	HouseholdID string     `json:"householdId"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	AssigneeID  string     `json:"assigneeId,omitempty"`
	DueAt       *time.Time `json:"dueAt,omitempty"`
	Points      int        `json:"points"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Recurrence  string     `json:"recurrence,omitempty"`
}

func (*Task) Kind() Kind { return KindTask }

func (t *Task) Validate() error {
	if t.HouseholdID == "" {
		return common.NewValidationError("householdId", "is required")
	}
	n := utf8.RuneCountInString(strings.TrimSpace(t.Title))
	if n == 0 || n > MaxTaskTitleLen {
		return common.NewValidationError("title", "must be 1-200 characters")
	}
	if t.Points < 0 {
		return common.NewValidationError("points", "must not be negative")
	}
	switch t.Recurrence {
	case RecurrenceNone, RecurrenceDaily, RecurrenceWeekly, RecurrenceMonthly:
	default:
		return common.NewValidationError("recurrence", "must be daily, weekly or monthly")
	}
	if t.CompletedAt != nil && !t.Completed {
		return common.NewValidationError("completedAt", "set on an open task")
	}
	return nil
}

// ValidateEmail checks that s is a bare e-mail address.
func ValidateEmail(s string) error {
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s || !strings.Contains(s[strings.LastIndex(s, "@"):], ".") {
		return common.NewValidationError("email", "is not a valid e-mail address")
	}
	return nil
}

// ValidateDisplayName requires 1-50 characters after trimming.
func ValidateDisplayName(s string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(s))
	if n == 0 || n > MaxDisplayNameLen {
		return common.NewValidationError("displayName", "must be 1-50 characters")
	}
	return nil
}

// ValidateSecret requires at least 8 characters with an upper-case letter, a
// lower-case letter and a digit.
func ValidateSecret(s string) error {
	if utf8.RuneCountInString(s) < 8 {
		return common.NewValidationError("secret", "must be at least 8 characters")
	}
	var upper, lower, digit bool
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= '0' && r <= '9':
			digit = true
		}
	}
	if !upper || !lower || !digit {
		return common.NewValidationError("secret", "needs upper-case, lower-case and digit")
	}
	return nil
}
