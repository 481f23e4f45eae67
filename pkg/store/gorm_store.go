package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"personfinder/pkg/domain"
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
// The target database must have the pgvector extension installed.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return nil, fmt.Errorf("enable pgvector: %w", err)
	}
	if err := db.AutoMigrate(&UserModel{}, &CaseModel{}, &NotificationModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "password_hash", "role"}),
	}).Create(&model).Error
}

// HasUsername checks if the username exists.
func (s *GormStore) HasUsername(username string) (bool, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByUsername looks up a user by username.
func (s *GormStore) GetUserByUsername(username string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("username = ?", username).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// ListUsersByRole returns users holding the given role.
func (s *GormStore) ListUsersByRole(role domain.UserRole) ([]domain.User, error) {
	var models []UserModel
	if err := s.db.Where("role = ?", string(role)).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.User, 0, len(models))
	for _, m := range models {
		res = append(res, userFromModel(m))
	}
	return res, nil
}

// SaveCase stores a case record with its feature vector.
func (s *GormStore) SaveCase(c domain.Case) error {
	model := caseToModel(c)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "age", "gender", "location", "photo_key", "status", "found_at"}),
	}).Create(&model).Error
}

// GetCase retrieves a case by ID.
func (s *GormStore) GetCase(id string) (domain.Case, bool, error) {
	var model CaseModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Case{}, false, nil
		}
		return domain.Case{}, false, err
	}
	return caseFromModel(model), true, nil
}

// ListCasesByOwner returns all cases created by the user, newest first.
func (s *GormStore) ListCasesByOwner(ownerID string) ([]domain.Case, error) {
	return s.listCases("owner_id = ?", ownerID)
}

// ListCasesByStatus returns all cases in the given status, newest first.
func (s *GormStore) ListCasesByStatus(status domain.CaseStatus) ([]domain.Case, error) {
	return s.listCases("status = ?", string(status))
}

func (s *GormStore) listCases(cond string, arg any) ([]domain.Case, error) {
	var models []CaseModel
	if err := s.db.Where(cond, arg).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Case, 0, len(models))
	for _, m := range models {
		res = append(res, caseFromModel(m))
	}
	return res, nil
}

// UpdateCaseStatus is a conditional UPDATE guarded on the current status, so
// two concurrent transitions on the same case resolve with exactly one winner.
func (s *GormStore) UpdateCaseStatus(id string, from, to domain.CaseStatus, foundAt time.Time) (bool, error) {
	updates := map[string]any{"status": string(to)}
	if to == domain.CaseFound {
		updates["found_at"] = foundAt
	}
	res := s.db.Model(&CaseModel{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// InsertNotification appends a notification unless the (eventKey, recipient)
// pair was already delivered.
func (s *GormStore) InsertNotification(n domain.Notification, eventKey string) (bool, error) {
	model := notificationToModel(n, eventKey)
	res := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_key"}, {Name: "recipient_id"}},
		DoNothing: true,
	}).Create(&model)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// GetNotification retrieves a notification by ID.
func (s *GormStore) GetNotification(id string) (domain.Notification, bool, error) {
	var model NotificationModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Notification{}, false, nil
		}
		return domain.Notification{}, false, err
	}
	return notificationFromModel(model), true, nil
}

// ListNotifications returns the recipient's notifications, newest first.
func (s *GormStore) ListNotifications(recipientID string) ([]domain.Notification, error) {
	var models []NotificationModel
	if err := s.db.Where("recipient_id = ?", recipientID).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Notification, 0, len(models))
	for _, m := range models {
		res = append(res, notificationFromModel(m))
	}
	return res, nil
}

// SetNotificationRead marks a notification read. Already-read rows are left
// unchanged without error.
func (s *GormStore) SetNotificationRead(id string) error {
	return s.db.Model(&NotificationModel{}).Where("id = ?", id).Update("is_read", true).Error
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Username:     u.Username,
		PasswordHash: u.PasswordHash,
		Role:         string(u.Role),
		CreatedAt:    u.CreatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Username:     m.Username,
		PasswordHash: m.PasswordHash,
		Role:         domain.UserRole(m.Role),
		CreatedAt:    m.CreatedAt,
	}
}

func caseToModel(c domain.Case) CaseModel {
	return CaseModel{
		ID:        c.ID,
		OwnerID:   c.OwnerID,
		Name:      c.Name,
		Age:       c.Age,
		Gender:    c.Gender,
		Location:  c.Location,
		PhotoKey:  c.PhotoKey,
		Feature:   pgvector.NewVector(c.Feature),
		Status:    string(c.Status),
		CreatedAt: c.CreatedAt,
		FoundAt:   c.FoundAt,
	}
}

func caseFromModel(m CaseModel) domain.Case {
	return domain.Case{
		ID:        m.ID,
		OwnerID:   m.OwnerID,
		Name:      m.Name,
		Age:       m.Age,
		Gender:    m.Gender,
		Location:  m.Location,
		PhotoKey:  m.PhotoKey,
		Feature:   m.Feature.Slice(),
		Status:    domain.CaseStatus(m.Status),
		CreatedAt: m.CreatedAt,
		FoundAt:   m.FoundAt,
	}
}

func notificationToModel(n domain.Notification, eventKey string) NotificationModel {
	meta, _ := json.Marshal(map[string]string{"caseId": n.CaseID})
	return NotificationModel{
		ID:          n.ID,
		RecipientID: n.RecipientID,
		EventKey:    eventKey,
		Message:     n.Message,
		CaseID:      n.CaseID,
		Meta:        meta,
		IsRead:      n.IsRead,
		CreatedAt:   n.CreatedAt,
	}
}

func notificationFromModel(m NotificationModel) domain.Notification {
	return domain.Notification{
		ID:          m.ID,
		RecipientID: m.RecipientID,
		Message:     m.Message,
		CaseID:      m.CaseID,
		IsRead:      m.IsRead,
		CreatedAt:   m.CreatedAt,
	}
}
