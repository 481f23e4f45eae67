package store

import (
	"time"

	"personfinder/pkg/domain"
)

// Store defines persistence operations for users, cases, and notifications.
type Store interface {
	// users
	SaveUser(domain.User) error
	HasUsername(username string) (bool, error)
	GetUserByUsername(username string) (domain.User, bool, error)
	GetUserByID(id string) (domain.User, bool, error)
	ListUsersByRole(role domain.UserRole) ([]domain.User, error)

	// cases
	SaveCase(domain.Case) error
	GetCase(id string) (domain.Case, bool, error)
	ListCasesByOwner(ownerID string) ([]domain.Case, error)
	ListCasesByStatus(status domain.CaseStatus) ([]domain.Case, error)
	// UpdateCaseStatus performs an atomic compare-and-set on the status
	// column. The bool reports whether the row matched `from` and was
	// updated; callers distinguish missing rows from CAS misses with GetCase.
	UpdateCaseStatus(id string, from, to domain.CaseStatus, foundAt time.Time) (bool, error)

	// notifications
	// InsertNotification is a no-op returning false when a notification with
	// the same (eventKey, recipient) pair already exists.
	InsertNotification(n domain.Notification, eventKey string) (bool, error)
	GetNotification(id string) (domain.Notification, bool, error)
	ListNotifications(recipientID string) ([]domain.Notification, error)
	SetNotificationRead(id string) error
}

// SessionStore issues and validates session tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
}
