package domain

import "time"

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

type CaseStatus string

const (
	CaseActive CaseStatus = "active"
	CaseFound  CaseStatus = "found"
)

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Case is a missing-person record. FoundAt is non-nil exactly when
// Status == CaseFound; the only legal transition is active -> found.
type Case struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"ownerId"`
	Name      string     `json:"name"`
	Age       int        `json:"age"`
	Gender    string     `json:"gender"`
	Location  string     `json:"loc"`
	PhotoKey  string     `json:"-"`
	PhotoURL  string     `json:"photoUrl,omitempty"`
	Feature   []float32  `json:"-"`
	Status    CaseStatus `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	FoundAt   *time.Time `json:"foundAt,omitempty"`
}

// MatchResult is computed per search request and never persisted.
type MatchResult struct {
	CaseID    string     `json:"caseId"`
	Score     float64    `json:"similarityScore"`
	Name      string     `json:"name"`
	Age       int        `json:"age"`
	Gender    string     `json:"gender"`
	Location  string     `json:"loc"`
	PhotoURL  string     `json:"photoUrl,omitempty"`
	Status    CaseStatus `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
}

type Notification struct {
	ID          string    `json:"id"`
	RecipientID string    `json:"recipientId"`
	Message     string    `json:"message"`
	CaseID      string    `json:"caseId,omitempty"`
	IsRead      bool      `json:"isRead"`
	CreatedAt   time.Time `json:"createdAt"`
}
