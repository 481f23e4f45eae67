package store

import (
	"sort"
	"sync"
	"time"

	"personfinder/pkg/domain"
)

// MemoryStore keeps all records in-process. Used in tests and single-node
// development runs; semantics mirror GormStore, including the status CAS.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]domain.User
	usernames     map[string]string // username -> user ID
	cases         map[string]domain.Case
	caseOrder     []string
	notifications map[string]domain.Notification
	notifOrder    []string
	eventKeys     map[string]struct{} // eventKey + "|" + recipientID
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]domain.User),
		usernames:     make(map[string]string),
		cases:         make(map[string]domain.Case),
		notifications: make(map[string]domain.Notification),
		eventKeys:     make(map[string]struct{}),
	}
}

// SaveUser registers or updates a user.
func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	m.usernames[u.Username] = u.ID
	return nil
}

// HasUsername checks if the username exists.
func (m *MemoryStore) HasUsername(username string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.usernames[username]
	return ok, nil
}

// GetUserByUsername looks up a user by username.
func (m *MemoryStore) GetUserByUsername(username string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.usernames[username]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// ListUsersByRole returns users holding the given role.
func (m *MemoryStore) ListUsersByRole(role domain.UserRole) ([]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.User, 0)
	for _, u := range m.users {
		if u.Role == role {
			res = append(res, u)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

// SaveCase stores or replaces a case record.
func (m *MemoryStore) SaveCase(c domain.Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.cases[c.ID]; !exists {
		m.caseOrder = append(m.caseOrder, c.ID)
	}
	m.cases[c.ID] = c
	return nil
}

// GetCase retrieves a case by ID.
func (m *MemoryStore) GetCase(id string) (domain.Case, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cases[id]
	return c, ok, nil
}

// ListCasesByOwner returns the user's cases, newest first.
func (m *MemoryStore) ListCasesByOwner(ownerID string) ([]domain.Case, error) {
	return m.listCases(func(c domain.Case) bool { return c.OwnerID == ownerID }), nil
}

// ListCasesByStatus returns cases in the given status, newest first.
func (m *MemoryStore) ListCasesByStatus(status domain.CaseStatus) ([]domain.Case, error) {
	return m.listCases(func(c domain.Case) bool { return c.Status == status }), nil
}

func (m *MemoryStore) listCases(keep func(domain.Case) bool) []domain.Case {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Case, 0, len(m.caseOrder))
	// caseOrder is insertion order; walk backwards for newest-first.
	for i := len(m.caseOrder) - 1; i >= 0; i-- {
		if c, ok := m.cases[m.caseOrder[i]]; ok && keep(c) {
			res = append(res, c)
		}
	}
	return res
}

// UpdateCaseStatus performs the compare-and-set under the store lock.
func (m *MemoryStore) UpdateCaseStatus(id string, from, to domain.CaseStatus, foundAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[id]
	if !ok || c.Status != from {
		return false, nil
	}
	c.Status = to
	if to == domain.CaseFound {
		at := foundAt
		c.FoundAt = &at
	}
	m.cases[id] = c
	return true, nil
}

// InsertNotification appends a notification unless the (eventKey, recipient)
// pair was already delivered.
func (m *MemoryStore) InsertNotification(n domain.Notification, eventKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dedup := eventKey + "|" + n.RecipientID
	if _, seen := m.eventKeys[dedup]; seen {
		return false, nil
	}
	m.eventKeys[dedup] = struct{}{}
	m.notifications[n.ID] = n
	m.notifOrder = append(m.notifOrder, n.ID)
	return true, nil
}

// GetNotification retrieves a notification by ID.
func (m *MemoryStore) GetNotification(id string) (domain.Notification, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notifications[id]
	return n, ok, nil
}

// ListNotifications returns the recipient's notifications, newest first.
func (m *MemoryStore) ListNotifications(recipientID string) ([]domain.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Notification, 0)
	for i := len(m.notifOrder) - 1; i >= 0; i-- {
		if n, ok := m.notifications[m.notifOrder[i]]; ok && n.RecipientID == recipientID {
			res = append(res, n)
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

// SetNotificationRead marks a notification read; idempotent.
func (m *MemoryStore) SetNotificationRead(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil
	}
	n.IsRead = true
	m.notifications[id] = n
	return nil
}
