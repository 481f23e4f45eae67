package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"personfinder/internal/app"
	"personfinder/internal/ratelimit"
	"personfinder/pkg/domain"
	"personfinder/pkg/match"
	"personfinder/pkg/notify"
	"personfinder/pkg/store"
)

type stubExtractor struct {
	vectors map[string][]float32
}

func (s *stubExtractor) Extract(_ context.Context, image []byte) ([]float32, error) {
	if v, ok := s.vectors[string(image)]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("no vector for photo %q", image)
}

func newTestApp(t *testing.T, opts app.Options) *app.App {
	t.Helper()
	st := store.NewMemoryStore()
	sessions, err := store.NewJWTSessionStore("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	extractor := &stubExtractor{vectors: map[string][]float32{
		"photo-alice": {1, 0, 0},
		"probe-alice": {0.95, 0.05, 0},
		"probe-mid":   {0.8, 0.6, 0},
		"probe-none":  {0, 0, 1},
	}}
	notifier := notify.NewService(st, false)
	return app.New(st, sessions, extractor, match.NewEngine(), nil, notifier, &notify.SyncDispatcher{Service: notifier}, opts)
}

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	if cfg.App == nil {
		cfg.App = newTestApp(t, app.Options{})
	}
	srv := httptest.NewServer(New(cfg).Router())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func register(t *testing.T, baseURL, username string) {
	t.Helper()
	resp := postJSON(t, baseURL+"/api/register", map[string]string{
		"username": username,
		"password": "secret123",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("register %s: status %d, body %s", username, resp.StatusCode, body)
	}
}

func login(t *testing.T, baseURL, username string) string {
	t.Helper()
	form := url.Values{"username": {username}, "password": {"secret123"}}
	resp, err := http.PostForm(baseURL+"/api/login", form)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("login %s: status %d", username, resp.StatusCode)
	}
	var out struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	decodeBody(t, resp, &out)
	if out.TokenType != "bearer" || out.AccessToken == "" {
		t.Fatalf("login response = %+v", out)
	}
	return out.AccessToken
}

func multipartBody(t *testing.T, fields map[string]string, photoName, photoContent string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	part, err := mw.CreateFormFile("photo", photoName)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := io.WriteString(part, photoContent); err != nil {
		t.Fatalf("write photo: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return buf, mw.FormDataContentType()
}

func authedRequest(t *testing.T, method, url, token string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func registerCase(t *testing.T, baseURL, token, name, photo string) string {
	t.Helper()
	body, contentType := multipartBody(t, map[string]string{
		"name":   name,
		"age":    "30",
		"gender": "female",
		"loc":    "Springfield",
	}, "photo.jpg", photo)
	resp := authedRequest(t, http.MethodPost, baseURL+"/api/person/register", token, body, contentType)
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("register case: status %d, body %s", resp.StatusCode, raw)
	}
	var out struct {
		Case domain.Case `json:"case"`
	}
	decodeBody(t, resp, &out)
	if out.Case.ID == "" {
		t.Fatal("register case response missing case ID")
	}
	return out.Case.ID
}

func adminToken(t *testing.T, a *app.App, baseURL string) string {
	t.Helper()
	if err := a.EnsureAdmin(context.Background(), "admin", "secret123"); err != nil {
		t.Fatalf("ensure admin: %v", err)
	}
	return login(t, baseURL, "admin")
}

func TestRegisterAndLoginEndpoints(t *testing.T) {
	srv := newTestServer(t, Config{})
	register(t, srv.URL, "alice")

	// Duplicate username.
	resp := postJSON(t, srv.URL+"/api/register", map[string]string{"username": "alice", "password": "secret123"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("duplicate register: status %d, want 400", resp.StatusCode)
	}

	login(t, srv.URL, "alice")

	// Bad password.
	badResp, err := http.PostForm(srv.URL+"/api/login", url.Values{"username": {"alice"}, "password": {"wrongpass"}})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	badResp.Body.Close()
	if badResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad login: status %d, want 401", badResp.StatusCode)
	}
}

func TestEndpointsRequireAuth(t *testing.T) {
	srv := newTestServer(t, Config{})
	for _, path := range []string{
		"/api/person/my-cases",
		"/api/person/found-cases",
		"/api/person/all-active-cases",
		"/api/notifications",
	} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s: status %d, want 401", path, resp.StatusCode)
		}
	}

	// Garbage token is rejected too.
	resp := authedRequest(t, http.MethodGet, srv.URL+"/api/person/my-cases", "not-a-token", nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token: status %d, want 401", resp.StatusCode)
	}
}

func TestRegisterCaseRejectsBadUploads(t *testing.T) {
	srv := newTestServer(t, Config{})
	register(t, srv.URL, "alice")
	token := login(t, srv.URL, "alice")

	// Wrong extension.
	body, contentType := multipartBody(t, map[string]string{
		"name": "Jane", "age": "30", "gender": "female", "loc": "Springfield",
	}, "photo.gif", "photo-alice")
	resp := authedRequest(t, http.MethodPost, srv.URL+"/api/person/register", token, body, contentType)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad extension: status %d, want 400", resp.StatusCode)
	}

	// Non-integer age.
	body, contentType = multipartBody(t, map[string]string{
		"name": "Jane", "age": "thirty", "gender": "female", "loc": "Springfield",
	}, "photo.jpg", "photo-alice")
	resp = authedRequest(t, http.MethodPost, srv.URL+"/api/person/register", token, body, contentType)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad age: status %d, want 400", resp.StatusCode)
	}
}

func TestSearchEndpoint(t *testing.T) {
	a := newTestApp(t, app.Options{})
	srv := newTestServer(t, Config{App: a})
	register(t, srv.URL, "alice")
	userToken := login(t, srv.URL, "alice")
	admin := adminToken(t, a, srv.URL)

	caseID := registerCase(t, srv.URL, userToken, "Jane Doe", "photo-alice")

	// Default deployment: user role may not search.
	body, contentType := multipartBody(t, nil, "probe.jpg", "probe-alice")
	resp := authedRequest(t, http.MethodPost, srv.URL+"/api/person/search", userToken, body, contentType)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("user search: status %d, want 403", resp.StatusCode)
	}

	body, contentType = multipartBody(t, map[string]string{"strictness": "0.6"}, "probe.jpg", "probe-alice")
	resp = authedRequest(t, http.MethodPost, srv.URL+"/api/person/search", admin, body, contentType)
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("admin search: status %d, body %s", resp.StatusCode, raw)
	}
	var out struct {
		Matches []domain.MatchResult `json:"matches"`
	}
	decodeBody(t, resp, &out)
	if len(out.Matches) != 1 || out.Matches[0].CaseID != caseID {
		t.Fatalf("matches = %+v", out.Matches)
	}
}

func TestSearchStrictnessClamped(t *testing.T) {
	a := newTestApp(t, app.Options{})
	srv := newTestServer(t, Config{App: a})
	register(t, srv.URL, "alice")
	userToken := login(t, srv.URL, "alice")
	admin := adminToken(t, a, srv.URL)
	registerCase(t, srv.URL, userToken, "Jane Doe", "photo-alice")

	// probe-mid scores 0.8 against the case. A requested strictness of 0.95
	// is clamped to 0.7, so the match still comes back.
	body, contentType := multipartBody(t, map[string]string{"strictness": "0.95"}, "probe.jpg", "probe-mid")
	resp := authedRequest(t, http.MethodPost, srv.URL+"/api/person/search", admin, body, contentType)
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("search: status %d", resp.StatusCode)
	}
	var out struct {
		Matches []domain.MatchResult `json:"matches"`
	}
	decodeBody(t, resp, &out)
	if len(out.Matches) != 1 {
		t.Fatalf("got %d matches with clamped strictness, want 1", len(out.Matches))
	}

	// Garbage strictness is a client error.
	body, contentType = multipartBody(t, map[string]string{"strictness": "very strict"}, "probe.jpg", "probe-mid")
	resp = authedRequest(t, http.MethodPost, srv.URL+"/api/person/search", admin, body, contentType)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("garbage strictness: status %d, want 400", resp.StatusCode)
	}
}

func TestMarkFoundEndpoint(t *testing.T) {
	a := newTestApp(t, app.Options{})
	srv := newTestServer(t, Config{App: a})
	register(t, srv.URL, "alice")
	userToken := login(t, srv.URL, "alice")
	admin := adminToken(t, a, srv.URL)
	caseID := registerCase(t, srv.URL, userToken, "Jane Doe", "photo-alice")

	// Owner cannot resolve their own case.
	resp := authedRequest(t, http.MethodPost, srv.URL+"/api/person/"+caseID+"/mark-found", userToken, nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("user mark-found: status %d, want 403", resp.StatusCode)
	}

	resp = authedRequest(t, http.MethodPost, srv.URL+"/api/person/"+caseID+"/mark-found", admin, nil, "")
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("mark-found: status %d", resp.StatusCode)
	}
	var out struct {
		Case domain.Case `json:"case"`
	}
	decodeBody(t, resp, &out)
	if out.Case.Status != domain.CaseFound {
		t.Fatalf("case status = %q, want found", out.Case.Status)
	}

	// Second attempt conflicts, unknown ID is 404.
	resp = authedRequest(t, http.MethodPost, srv.URL+"/api/person/"+caseID+"/mark-found", admin, nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("repeat mark-found: status %d, want 409", resp.StatusCode)
	}
	resp = authedRequest(t, http.MethodPost, srv.URL+"/api/person/missing/mark-found", admin, nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing case: status %d, want 404", resp.StatusCode)
	}
}

func TestNotificationEndpoints(t *testing.T) {
	a := newTestApp(t, app.Options{})
	srv := newTestServer(t, Config{App: a})
	register(t, srv.URL, "alice")
	userToken := login(t, srv.URL, "alice")
	admin := adminToken(t, a, srv.URL)
	caseID := registerCase(t, srv.URL, userToken, "Jane Doe", "photo-alice")

	resp := authedRequest(t, http.MethodPost, srv.URL+"/api/person/"+caseID+"/mark-found", admin, nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mark-found: status %d", resp.StatusCode)
	}

	resp = authedRequest(t, http.MethodGet, srv.URL+"/api/notifications", userToken, nil, "")
	var out struct {
		Notifications []domain.Notification `json:"notifications"`
	}
	decodeBody(t, resp, &out)
	if len(out.Notifications) != 1 {
		t.Fatalf("got %d notifications, want 1", len(out.Notifications))
	}
	if !strings.Contains(out.Notifications[0].Message, "'Jane Doe'") {
		t.Fatalf("message = %q", out.Notifications[0].Message)
	}

	noteID := out.Notifications[0].ID
	resp = authedRequest(t, http.MethodPost, srv.URL+"/api/notifications/"+noteID+"/read", userToken, nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mark read: status %d, want 200", resp.StatusCode)
	}

	// Another user cannot acknowledge it.
	register(t, srv.URL, "bob")
	bobToken := login(t, srv.URL, "bob")
	resp = authedRequest(t, http.MethodPost, srv.URL+"/api/notifications/"+noteID+"/read", bobToken, nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign mark read: status %d, want 403", resp.StatusCode)
	}
}

func TestCaseListEndpoints(t *testing.T) {
	a := newTestApp(t, app.Options{})
	srv := newTestServer(t, Config{App: a})
	register(t, srv.URL, "alice")
	userToken := login(t, srv.URL, "alice")
	admin := adminToken(t, a, srv.URL)
	registerCase(t, srv.URL, userToken, "Jane Doe", "photo-alice")

	resp := authedRequest(t, http.MethodGet, srv.URL+"/api/person/my-cases", userToken, nil, "")
	var out struct {
		Cases []domain.Case `json:"cases"`
		Count int           `json:"count"`
	}
	decodeBody(t, resp, &out)
	if out.Count != 1 || len(out.Cases) != 1 {
		t.Fatalf("my-cases = %+v", out)
	}

	// Listing all active cases is admin-only.
	resp = authedRequest(t, http.MethodGet, srv.URL+"/api/person/all-active-cases", userToken, nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("user all-active-cases: status %d, want 403", resp.StatusCode)
	}
	resp = authedRequest(t, http.MethodGet, srv.URL+"/api/person/all-active-cases", admin, nil, "")
	decodeBody(t, resp, &out)
	if out.Count != 1 {
		t.Fatalf("admin all-active-cases count = %d, want 1", out.Count)
	}
}

func TestAuthRateLimit(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(redisSrv.Addr(), "", "test:auth", 2, time.Minute)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	srv := newTestServer(t, Config{AuthLimiter: limiter})

	for i := 0; i < 2; i++ {
		resp, err := http.PostForm(srv.URL+"/api/login", url.Values{"username": {"ghost"}, "password": {"secret123"}})
		if err != nil {
			t.Fatalf("login: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status %d, want 401", i+1, resp.StatusCode)
		}
	}
	resp, err := http.PostForm(srv.URL+"/api/login", url.Values{"username": {"ghost"}, "password": {"secret123"}})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("limited attempt: status %d, want 429", resp.StatusCode)
	}
}
