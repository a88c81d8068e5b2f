package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory Store for manager tests.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]*Session)}
}

func (f *fakeStore) Create(_ context.Context, s *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeStore) Get(_ context.Context, id string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (f *fakeStore) GetByTaskID(_ context.Context, taskID string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.TaskID == taskID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeStore) Update(_ context.Context, s *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[s.ID]; !ok {
		return ErrNotFound
	}
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
	return nil
}

func (f *fakeStore) List(_ context.Context) ([]*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, s := range f.sessions {
		if s.Status.IsTerminal() && s.UpdatedAt.Before(cutoff) {
			delete(f.sessions, id)
			n++
		}
	}
	return n, nil
}

func newTestManager(store Store) *Manager {
	return NewManager(store, DefaultManagerConfig(), nil)
}

func TestCreateSessionRejectsDuplicateActive(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	m := newTestManager(store)

	first, err := m.CreateSession(ctx, "t1", "Title", "", "/tmp/w", "anthropic")
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	_, err = m.CreateSession(ctx, "t1", "Title again", "", "/tmp/w", "anthropic")
	assert.True(t, errors.Is(err, ErrSessionExists))
}

func TestCreateSessionReplacesTerminal(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	m := newTestManager(store)

	first, err := m.CreateSession(ctx, "t1", "Title", "", "/tmp/w", "anthropic")
	require.NoError(t, err)
	require.NoError(t, m.UpdateStatus(ctx, first.ID, StatusCompleted))

	second, err := m.CreateSession(ctx, "t1", "Again", "", "/tmp/w", "anthropic")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	_, err = m.GetSession(ctx, first.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRecoverStalenessPolicy(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	m := newTestManager(store)

	base := time.Now().UTC()
	m.now = func() time.Time { return base }

	seed := func(id, taskID string, status Status, age time.Duration) {
		require.NoError(t, store.Create(ctx, &Session{
			ID: id, TaskID: taskID, Status: status,
			CreatedAt: base.Add(-age), UpdatedAt: base.Add(-age),
		}))
	}

	seed("s-stale", "t1", StatusRunning, 31*time.Minute)
	seed("s-fresh", "t2", StatusRunning, 5*time.Minute)
	seed("s-interrupted", "t3", StatusInterrupted, time.Minute)
	seed("s-error", "t4", StatusError, time.Minute)
	seed("s-done", "t5", StatusCompleted, 24*time.Hour)

	require.NoError(t, m.Recover(ctx))

	_, err := store.Get(ctx, "s-stale")
	assert.True(t, errors.Is(err, ErrNotFound), "stale running session must be deleted")
	_, err = store.Get(ctx, "s-fresh")
	assert.NoError(t, err, "fresh running session must be kept")
	_, err = store.Get(ctx, "s-interrupted")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = store.Get(ctx, "s-error")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = store.Get(ctx, "s-done")
	assert.NoError(t, err, "recovery does not touch completed sessions")
}

func TestCleanupExpired(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	m := newTestManager(store)

	base := time.Now().UTC()
	m.now = func() time.Time { return base }

	require.NoError(t, store.Create(ctx, &Session{
		ID: "old-done", TaskID: "t1", Status: StatusCompleted,
		UpdatedAt: base.Add(-100 * time.Hour),
	}))
	require.NoError(t, store.Create(ctx, &Session{
		ID: "recent-done", TaskID: "t2", Status: StatusCompleted,
		UpdatedAt: base.Add(-time.Hour),
	}))
	require.NoError(t, store.Create(ctx, &Session{
		ID: "old-running", TaskID: "t3", Status: StatusRunning,
		UpdatedAt: base.Add(-100 * time.Hour),
	}))

	require.NoError(t, m.CleanupExpired(ctx))

	_, err := store.Get(ctx, "old-done")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = store.Get(ctx, "recent-done")
	assert.NoError(t, err)
	_, err = store.Get(ctx, "old-running")
	assert.NoError(t, err, "cleanup only touches terminal sessions")
}

func TestIncrementMessageCountTouchesUpdatedAt(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	m := newTestManager(store)

	sess, err := m.CreateSession(ctx, "t1", "Title", "", "", "openai")
	require.NoError(t, err)

	later := time.Now().UTC().Add(time.Minute)
	m.now = func() time.Time { return later }

	require.NoError(t, m.IncrementMessageCount(ctx, sess.ID))

	got, err := m.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.MessageCount)
	assert.Equal(t, later, got.UpdatedAt)
}

func TestRecordCommentKeepsBody(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	m := newTestManager(store)

	sess, err := m.CreateSession(ctx, "t1", "Title", "", "", "openai")
	require.NoError(t, err)

	require.NoError(t, m.RecordComment(ctx, sess.ID, "also update the tests"))
	require.NoError(t, m.RecordComment(ctx, sess.ID, ""))

	got, err := m.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.MessageCount)
	assert.Equal(t, "also update the tests", got.Metadata["comment_1"])
	// An empty body still counts as a message but stores nothing.
	assert.NotContains(t, got.Metadata, "comment_2")
}

func TestGetActiveSessions(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	m := newTestManager(store)

	for i, st := range []Status{StatusIdle, StatusRunning, StatusWaitingInput, StatusCompleted, StatusError} {
		require.NoError(t, store.Create(ctx, &Session{
			ID: string(rune('a' + i)), TaskID: string(rune('a' + i)), Status: st,
		}))
	}

	active, err := m.GetActiveSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 3)
}
