// Package notify records lifecycle notifications and delivers case events to
// affected users.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"personfinder/internal/util"
	"personfinder/pkg/domain"
	"personfinder/pkg/store"
)

var (
	// ErrNotFound is returned when the notification does not exist.
	ErrNotFound = errors.New("notification not found")
	// ErrNotRecipient is returned when a caller touches someone else's notification.
	ErrNotRecipient = errors.New("not the notification recipient")
)

// FoundEvent describes a case resolution to be fanned out to users.
type FoundEvent struct {
	CaseID   string
	CaseName string
	OwnerID  string
}

// EventKey is the idempotency key for a resolution event; together with the
// recipient it deduplicates at-least-once deliveries.
func (ev FoundEvent) EventKey() string {
	return "case.found:" + ev.CaseID
}

// Service reads and mutates a user's notifications.
type Service struct {
	store        store.Store
	notifyAdmins bool
}

// NewService builds the notification service. When notifyAdmins is set,
// resolution events also fan out to admin users.
func NewService(st store.Store, notifyAdmins bool) *Service {
	return &Service{store: st, notifyAdmins: notifyAdmins}
}

// Enqueue appends an unread notification. Duplicate (eventKey, recipient)
// pairs are silently dropped, so redelivered events are harmless.
func (s *Service) Enqueue(ctx context.Context, recipientID, message, caseID, eventKey string) error {
	_ = ctx
	n := domain.Notification{
		ID:          util.NewID(),
		RecipientID: recipientID,
		Message:     message,
		CaseID:      caseID,
		IsRead:      false,
		CreatedAt:   time.Now().UTC(),
	}
	if _, err := s.store.InsertNotification(n, eventKey); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// List returns the user's notifications, newest first.
func (s *Service) List(ctx context.Context, userID string) ([]domain.Notification, error) {
	_ = ctx
	return s.store.ListNotifications(userID)
}

// MarkRead acknowledges a notification. Only the recipient may acknowledge;
// marking an already-read notification succeeds with no state change.
func (s *Service) MarkRead(ctx context.Context, id, actingUserID string) error {
	_ = ctx
	n, ok, err := s.store.GetNotification(id)
	if err != nil {
		return fmt.Errorf("fetch notification: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	if n.RecipientID != actingUserID {
		return ErrNotRecipient
	}
	if n.IsRead {
		return nil
	}
	return s.store.SetNotificationRead(id)
}

// DeliverCaseFound records notifications for everyone affected by a
// resolution: always the case owner, plus admins when configured.
func (s *Service) DeliverCaseFound(ctx context.Context, ev FoundEvent) error {
	message := fmt.Sprintf("Update: Your registered case for '%s' has been marked as found by an administrator.", ev.CaseName)
	if err := s.Enqueue(ctx, ev.OwnerID, message, ev.CaseID, ev.EventKey()); err != nil {
		return err
	}
	if !s.notifyAdmins {
		return nil
	}
	admins, err := s.store.ListUsersByRole(domain.RoleAdmin)
	if err != nil {
		return fmt.Errorf("list admins: %w", err)
	}
	adminMsg := fmt.Sprintf("Case '%s' has been marked as found.", ev.CaseName)
	for _, admin := range admins {
		if admin.ID == ev.OwnerID {
			continue
		}
		if err := s.Enqueue(ctx, admin.ID, adminMsg, ev.CaseID, ev.EventKey()); err != nil {
			return err
		}
	}
	return nil
}
