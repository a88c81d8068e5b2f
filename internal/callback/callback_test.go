package callback

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devflow/devflow/internal/events"
	"github.com/devflow/devflow/internal/events/bus"
	"github.com/devflow/devflow/internal/webhook"
)

type received struct {
	payload   Payload
	signature string
	timestamp string
	event     string
	body      []byte
}

func newReceiver(t *testing.T, status int) (*httptest.Server, chan received) {
	t.Helper()
	ch := make(chan received, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var p Payload
		require.NoError(t, json.Unmarshal(body, &p))
		ch <- received{
			payload:   p,
			signature: r.Header.Get(webhook.HeaderSignature),
			timestamp: r.Header.Get(webhook.HeaderTimestamp),
			event:     r.Header.Get(webhook.HeaderEvent),
			body:      body,
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, ch
}

func TestNotifySignsPayload(t *testing.T) {
	srv, ch := newReceiver(t, http.StatusOK)
	c := NewClient(srv.URL, "S", time.Second, nil, nil)

	c.NotifyCompleted(context.Background(), "s1", "t1", map[string]interface{}{
		"prUrl": "https://github.com/org/repo/pull/1",
	})

	got := <-ch
	assert.Equal(t, events.SessionCompleted, got.payload.Event)
	assert.Equal(t, "s1", got.payload.SessionID)
	assert.Equal(t, "t1", got.payload.TaskID)
	assert.Equal(t, events.SessionCompleted, got.event)

	// The receiver can verify with the shared scheme.
	err := webhook.VerifySignature("S", got.timestamp, got.signature, got.body, 5*time.Minute, time.Now())
	assert.NoError(t, err)
}

func TestNotifySwallowsFailures(t *testing.T) {
	srv, ch := newReceiver(t, http.StatusInternalServerError)
	c := NewClient(srv.URL, "S", time.Second, nil, nil)

	// Must not panic or block; the failure is logged and dropped.
	c.NotifyError(context.Background(), "s1", "t1", "boom")
	got := <-ch
	assert.Equal(t, events.SessionError, got.payload.Event)
	assert.Equal(t, "boom", got.payload.Data["message"])
}

func TestNotifyUnreachableReceiver(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "S", 100*time.Millisecond, nil, nil)
	c.NotifyStarted(context.Background(), "s1", "t1", nil)
}

func TestRelayForwardsBusEvents(t *testing.T) {
	srv, ch := newReceiver(t, http.StatusOK)
	c := NewClient(srv.URL, "S", time.Second, nil, nil)

	memBus := bus.NewMemoryEventBus(nil)
	defer memBus.Close()

	relay := NewRelay(memBus, c, nil)
	require.NoError(t, relay.Start())
	defer relay.Stop()

	err := memBus.Publish(context.Background(), events.SessionProgress, bus.NewEvent(
		events.SessionProgress, "orchestrator", map[string]interface{}{
			"session_id": "s1",
			"task_id":    "t1",
			"phase":      "planning",
		}))
	require.NoError(t, err)

	select {
	case got := <-ch:
		assert.Equal(t, events.SessionProgress, got.payload.Event)
		assert.Equal(t, "s1", got.payload.SessionID)
		assert.Equal(t, "t1", got.payload.TaskID)
		assert.Equal(t, "planning", got.payload.Data["phase"])
		_, hasSessionKey := got.payload.Data["session_id"]
		assert.False(t, hasSessionKey, "routing keys are lifted out of data")
	case <-time.After(2 * time.Second):
		t.Fatal("relayed callback never arrived")
	}
}
