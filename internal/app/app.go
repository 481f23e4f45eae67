// Package app holds the use-case layer: registration, login, case lifecycle,
// photo-match search and notifications. HTTP concerns stay in internal/server.
package app

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"personfinder/internal/util"
	"personfinder/pkg/domain"
	"personfinder/pkg/facevec"
	"personfinder/pkg/match"
	"personfinder/pkg/notify"
	"personfinder/pkg/storage"
	"personfinder/pkg/store"
)

// Options tunes policy knobs that are deployment choices, not domain rules.
type Options struct {
	// AllowUserSearch lets the regular "user" role run photo searches.
	// Default is admin-only search.
	AllowUserSearch bool
	// PhotoURLTTL is the lifetime of presigned photo view URLs.
	PhotoURLTTL time.Duration
}

// App wires the stores and services behind the HTTP surface.
type App struct {
	store      store.Store
	sessions   store.SessionStore
	extractor  facevec.Extractor
	engine     *match.Engine
	photos     storage.PhotoStore
	notifier   *notify.Service
	dispatcher notify.Dispatcher
	opts       Options
}

// New constructs the application. photos may be nil when object storage is
// not configured; photo URLs are then omitted from responses.
func New(st store.Store, sessions store.SessionStore, extractor facevec.Extractor, engine *match.Engine, photos storage.PhotoStore, notifier *notify.Service, dispatcher notify.Dispatcher, opts Options) *App {
	if opts.PhotoURLTTL <= 0 {
		opts.PhotoURLTTL = 15 * time.Minute
	}
	return &App{
		store:      st,
		sessions:   sessions,
		extractor:  extractor,
		engine:     engine,
		photos:     photos,
		notifier:   notifier,
		dispatcher: dispatcher,
		opts:       opts,
	}
}

// Register creates a new account with the "user" role.
func (a *App) Register(ctx context.Context, username, password string) (domain.User, error) {
	return a.createUser(ctx, username, password, domain.RoleUser)
}

// EnsureAdmin creates the bootstrap admin account if it does not exist yet.
// An existing account with the same username is left untouched.
func (a *App) EnsureAdmin(ctx context.Context, username, password string) error {
	_, err := a.createUser(ctx, username, password, domain.RoleAdmin)
	if err == ErrUsernameTaken {
		return nil
	}
	return err
}

func (a *App) createUser(ctx context.Context, username, password string, role domain.UserRole) (domain.User, error) {
	_ = ctx
	username = strings.TrimSpace(username)
	if username == "" {
		return domain.User{}, fmt.Errorf("%w: username is required", ErrValidation)
	}
	if err := validatePassword(password); err != nil {
		return domain.User{}, err
	}
	taken, err := a.store.HasUsername(username)
	if err != nil {
		return domain.User{}, fmt.Errorf("check username: %w", err)
	}
	if taken {
		return domain.User{}, ErrUsernameTaken
	}
	hash, err := hashPassword(password)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	user := domain.User{
		ID:           util.NewID(),
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}
	if err := a.store.SaveUser(user); err != nil {
		return domain.User{}, fmt.Errorf("save user: %w", err)
	}
	return user, nil
}

// Login verifies credentials and issues a session token.
func (a *App) Login(ctx context.Context, username, password string) (string, domain.User, error) {
	_ = ctx
	user, ok, err := a.store.GetUserByUsername(strings.TrimSpace(username))
	if err != nil {
		return "", domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok || !checkPassword(password, user.PasswordHash) {
		return "", domain.User{}, ErrInvalidCredentials
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return "", domain.User{}, fmt.Errorf("issue session: %w", err)
	}
	return token, user, nil
}

// UserFromToken resolves a bearer token to its user.
func (a *App) UserFromToken(ctx context.Context, token string) (domain.User, error) {
	_ = ctx
	if strings.TrimSpace(token) == "" {
		return domain.User{}, ErrTokenInvalid
	}
	userID, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil {
		return domain.User{}, fmt.Errorf("validate token: %w", err)
	}
	if !ok {
		return domain.User{}, ErrTokenInvalid
	}
	user, ok, err := a.store.GetUserByID(userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.User{}, ErrTokenInvalid
	}
	return user, nil
}

// CaseInput is the caller-supplied portion of a new case.
type CaseInput struct {
	Name     string
	Age      int
	Gender   string
	Location string
}

func (in CaseInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if in.Age < 0 || in.Age > 150 {
		return fmt.Errorf("%w: age must be between 0 and 150", ErrValidation)
	}
	if strings.TrimSpace(in.Gender) == "" {
		return fmt.Errorf("%w: gender is required", ErrValidation)
	}
	if strings.TrimSpace(in.Location) == "" {
		return fmt.Errorf("%w: location is required", ErrValidation)
	}
	return nil
}

// RegisterCase stores the photo, extracts the face feature vector and saves
// the case as active. Creation is all-or-nothing: if feature extraction
// fails, the uploaded photo is removed again and no case is recorded.
func (a *App) RegisterCase(ctx context.Context, actor domain.User, in CaseInput, photo []byte, filename, contentType string) (domain.Case, error) {
	if err := in.validate(); err != nil {
		return domain.Case{}, err
	}
	if len(photo) == 0 {
		return domain.Case{}, fmt.Errorf("%w: photo is required", ErrValidation)
	}

	var photoKey string
	if a.photos != nil {
		key, err := a.photos.Put(ctx, filename, bytes.NewReader(photo), int64(len(photo)), contentType)
		if err != nil {
			return domain.Case{}, fmt.Errorf("%w: store photo: %v", ErrDependency, err)
		}
		photoKey = key
	}

	feature, err := a.extractor.Extract(ctx, photo)
	if err != nil {
		if photoKey != "" {
			if delErr := a.photos.Delete(context.WithoutCancel(ctx), photoKey); delErr != nil {
				slog.Warn("cleanup orphaned photo", "key", photoKey, "err", delErr)
			}
		}
		return domain.Case{}, fmt.Errorf("%w: extract features: %v", ErrDependency, err)
	}

	c := domain.Case{
		ID:        util.NewID(),
		OwnerID:   actor.ID,
		Name:      strings.TrimSpace(in.Name),
		Age:       in.Age,
		Gender:    strings.TrimSpace(in.Gender),
		Location:  strings.TrimSpace(in.Location),
		PhotoKey:  photoKey,
		Feature:   feature,
		Status:    domain.CaseActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.SaveCase(c); err != nil {
		return domain.Case{}, fmt.Errorf("save case: %w", err)
	}
	return a.withPhotoURL(ctx, c), nil
}

// Search extracts a feature vector from the probe photo and ranks all active
// cases against it. Admins always may search; the user role only when the
// deployment enables it.
func (a *App) Search(ctx context.Context, actor domain.User, photo []byte, strictness float64) ([]domain.MatchResult, error) {
	if actor.Role != domain.RoleAdmin && !a.opts.AllowUserSearch {
		return nil, ErrForbidden
	}
	if len(photo) == 0 {
		return nil, fmt.Errorf("%w: photo is required", ErrValidation)
	}
	probe, err := a.extractor.Extract(ctx, photo)
	if err != nil {
		return nil, fmt.Errorf("%w: extract features: %v", ErrDependency, err)
	}
	candidates, err := a.store.ListCasesByStatus(domain.CaseActive)
	if err != nil {
		return nil, fmt.Errorf("list active cases: %w", err)
	}
	results, err := a.engine.Search(ctx, probe, strictness, candidates)
	if err != nil {
		return nil, fmt.Errorf("score candidates: %w", err)
	}
	if a.photos != nil {
		keys := make(map[string]string, len(candidates))
		for _, c := range candidates {
			keys[c.ID] = c.PhotoKey
		}
		for i := range results {
			results[i].PhotoURL = a.presign(ctx, keys[results[i].CaseID])
		}
	}
	return results, nil
}

// MyCases lists the caller's own cases, newest first.
func (a *App) MyCases(ctx context.Context, actor domain.User) ([]domain.Case, error) {
	cases, err := a.store.ListCasesByOwner(actor.ID)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	return a.withPhotoURLs(ctx, cases), nil
}

// FoundCases lists resolved cases. Visible to any authenticated user.
func (a *App) FoundCases(ctx context.Context, _ domain.User) ([]domain.Case, error) {
	cases, err := a.store.ListCasesByStatus(domain.CaseFound)
	if err != nil {
		return nil, fmt.Errorf("list found cases: %w", err)
	}
	return a.withPhotoURLs(ctx, cases), nil
}

// AllActiveCases lists every unresolved case. Admin only.
func (a *App) AllActiveCases(ctx context.Context, actor domain.User) ([]domain.Case, error) {
	if actor.Role != domain.RoleAdmin {
		return nil, ErrForbidden
	}
	cases, err := a.store.ListCasesByStatus(domain.CaseActive)
	if err != nil {
		return nil, fmt.Errorf("list active cases: %w", err)
	}
	return a.withPhotoURLs(ctx, cases), nil
}

// MarkFound resolves a case. The transition is one-way and first-writer-wins:
// a concurrent second call observes ErrAlreadyFound, and the owner is
// notified exactly once per case.
func (a *App) MarkFound(ctx context.Context, actor domain.User, caseID string) (domain.Case, error) {
	if actor.Role != domain.RoleAdmin {
		return domain.Case{}, ErrForbidden
	}
	foundAt := time.Now().UTC()
	swapped, err := a.store.UpdateCaseStatus(caseID, domain.CaseActive, domain.CaseFound, foundAt)
	if err != nil {
		return domain.Case{}, fmt.Errorf("update case status: %w", err)
	}
	c, ok, err := a.store.GetCase(caseID)
	if err != nil {
		return domain.Case{}, fmt.Errorf("fetch case: %w", err)
	}
	if !ok {
		return domain.Case{}, ErrNotFound
	}
	if !swapped {
		return domain.Case{}, ErrAlreadyFound
	}

	ev := notify.FoundEvent{CaseID: c.ID, CaseName: c.Name, OwnerID: c.OwnerID}
	if err := a.dispatcher.PublishCaseFound(ctx, ev); err != nil {
		// The case stays resolved; the notification is retried by the
		// stream consumer or lost only if no broker is configured.
		slog.Error("publish case.found event", "case_id", c.ID, "err", err)
	}
	slog.Info("security_event", "event", "case_marked_found", "case_id", c.ID, "admin_id", actor.ID)
	return a.withPhotoURL(ctx, c), nil
}

// Notifications lists the caller's notifications, newest first.
func (a *App) Notifications(ctx context.Context, actor domain.User) ([]domain.Notification, error) {
	return a.notifier.List(ctx, actor.ID)
}

// MarkNotificationRead acknowledges one of the caller's notifications.
func (a *App) MarkNotificationRead(ctx context.Context, actor domain.User, id string) error {
	err := a.notifier.MarkRead(ctx, id, actor.ID)
	switch err {
	case notify.ErrNotFound:
		return ErrNotFound
	case notify.ErrNotRecipient:
		return ErrForbidden
	default:
		return err
	}
}

func (a *App) withPhotoURLs(ctx context.Context, cases []domain.Case) []domain.Case {
	for i := range cases {
		cases[i] = a.withPhotoURL(ctx, cases[i])
	}
	return cases
}

func (a *App) withPhotoURL(ctx context.Context, c domain.Case) domain.Case {
	c.PhotoURL = a.presign(ctx, c.PhotoKey)
	return c
}

func (a *App) presign(ctx context.Context, key string) string {
	if a.photos == nil || key == "" {
		return ""
	}
	url, err := a.photos.PresignGet(ctx, key, a.opts.PhotoURLTTL)
	if err != nil {
		slog.Warn("presign photo", "key", key, "err", err)
		return ""
	}
	return url
}
