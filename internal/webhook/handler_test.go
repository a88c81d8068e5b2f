package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devflow/devflow/internal/session"
)

type recordingDispatcher struct {
	mu       sync.Mutex
	assigned []*Event
	comments []*Event
	done     chan struct{}
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{done: make(chan struct{}, 8)}
}

func (d *recordingDispatcher) HandleTaskAssigned(_ context.Context, ev *Event) error {
	d.mu.Lock()
	d.assigned = append(d.assigned, ev)
	d.mu.Unlock()
	d.done <- struct{}{}
	return nil
}

func (d *recordingDispatcher) HandleCommentCreated(_ context.Context, ev *Event) error {
	d.mu.Lock()
	d.comments = append(d.comments, ev)
	d.mu.Unlock()
	d.done <- struct{}{}
	return nil
}

func (d *recordingDispatcher) HandleTaskUpdated(context.Context, *Event) error {
	d.done <- struct{}{}
	return nil
}

func (d *recordingDispatcher) HandlePlanApproved(context.Context, *Event) error {
	d.done <- struct{}{}
	return nil
}

func (d *recordingDispatcher) wait(t *testing.T) {
	t.Helper()
	select {
	case <-d.done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher was not invoked")
	}
}

func newTestRouter(t *testing.T, d Dispatcher) (*gin.Engine, *session.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mgr := session.NewManager(newHandlerFakeStore(), session.DefaultManagerConfig(), nil)
	h := NewHandler(HandlerConfig{
		Secret:    "S",
		MaxSkew:   5 * time.Minute,
		Providers: map[string]string{"anthropic": "available", "openai": "not configured"},
	}, d, mgr, nil, nil)

	r := gin.New()
	h.Register(r)
	return r, mgr
}

func signedRequest(t *testing.T, event string, body []byte) *http.Request {
	t.Helper()
	ts := fmt.Sprintf("%d", time.Now().Unix())
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set(HeaderEvent, event)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, ComputeSignature("S", ts, body))
	return req
}

func TestWebhookAcceptsValidSignature(t *testing.T) {
	d := newRecordingDispatcher()
	r, _ := newTestRouter(t, d)

	body := []byte(`{"task":{"id":"t1","title":"Add footer"},"list":{"githubRepositoryId":"org/repo"},"aiAgent":{"email":"claude@x"}}`)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, EventTaskAssigned, body))

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, EventTaskAssigned, resp["event"])

	d.wait(t)
	d.mu.Lock()
	defer d.mu.Unlock()
	require.Len(t, d.assigned, 1)
	assert.Equal(t, "t1", d.assigned[0].Task.ID)
	assert.Equal(t, "org/repo", d.assigned[0].List.GithubRepositoryID)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	d := newRecordingDispatcher()
	r, _ := newTestRouter(t, d)

	body := []byte(`{"task":{"id":"t1"}}`)
	req := signedRequest(t, EventTaskAssigned, body)
	req.Header.Set(HeaderSignature, "deadbeef")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Empty(t, d.assigned, "rejected events must not be processed")
}

func TestWebhookRejectsStaleTimestamp(t *testing.T) {
	d := newRecordingDispatcher()
	r, _ := newTestRouter(t, d)

	body := []byte(`{"task":{"id":"t1"}}`)
	ts := fmt.Sprintf("%d", time.Now().Add(-time.Hour).Unix())
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set(HeaderEvent, EventTaskAssigned)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, ComputeSignature("S", ts, body))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHealthReportsProviders(t *testing.T) {
	r, _ := newTestRouter(t, newRecordingDispatcher())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Status         string            `json:"status"`
		Providers      map[string]string `json:"providers"`
		ActiveSessions int               `json:"activeSessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "available", resp.Providers["anthropic"])
	assert.Equal(t, "not configured", resp.Providers["openai"])
}

func TestSessionsListing(t *testing.T) {
	r, mgr := newTestRouter(t, newRecordingDispatcher())

	_, err := mgr.CreateSession(context.Background(), "t1", "Add footer", "", "", "anthropic")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Count    int `json:"count"`
		Sessions []struct {
			TaskID string `json:"taskId"`
			Status string `json:"status"`
		} `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	require.Len(t, resp.Sessions, 1)
	assert.Equal(t, "t1", resp.Sessions[0].TaskID)
}

// newHandlerFakeStore is a minimal in-memory session store.
type handlerFakeStore struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
}

func newHandlerFakeStore() *handlerFakeStore {
	return &handlerFakeStore{sessions: make(map[string]*session.Session)}
}

func (f *handlerFakeStore) Create(_ context.Context, s *session.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *handlerFakeStore) Get(_ context.Context, id string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, session.ErrNotFound
}

func (f *handlerFakeStore) GetByTaskID(_ context.Context, taskID string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.TaskID == taskID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, session.ErrNotFound
}

func (f *handlerFakeStore) Update(_ context.Context, s *session.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[s.ID]; !ok {
		return session.ErrNotFound
	}
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *handlerFakeStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
	return nil
}

func (f *handlerFakeStore) List(_ context.Context) ([]*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*session.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (f *handlerFakeStore) DeleteTerminalBefore(context.Context, time.Time) (int, error) {
	return 0, nil
}
