package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/mevbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type captureSender struct {
	mu     sync.Mutex
	titles []string
	bodies []string
	err    error
}

func (c *captureSender) Send(_ context.Context, title, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.titles = append(c.titles, title)
	c.bodies = append(c.bodies, message)
	return c.err
}

func (c *captureSender) Name() string { return "capture" }

func TestNotifier_DecisionAlerts(t *testing.T) {
	s := &captureSender{}
	n := NewNotifier([]Sender{s}, nil, testLogger())

	require.NoError(t, n.Decision(context.Background(), domain.DecisionRecord{
		Stage: domain.StageEvaluate, Decision: domain.DecisionRejected,
	}))
	assert.Empty(t, s.titles)

	require.NoError(t, n.Decision(context.Background(), domain.DecisionRecord{
		BundleID: "b1",
		Stage:    domain.StageSubmit,
		Decision: domain.DecisionAbandoned,
		Reason:   "max_attempts",
		Detail:   map[string]any{"attempts": 3},
	}))
	require.Len(t, s.titles, 1)
	assert.Equal(t, "mevbot: abandoned", s.titles[0])
	assert.Contains(t, s.bodies[0], "max_attempts")
	assert.Contains(t, s.bodies[0], "bundle b1")
	assert.Contains(t, s.bodies[0], "attempts: 3")
}

func TestNotifier_EventFilter(t *testing.T) {
	s := &captureSender{}
	n := NewNotifier([]Sender{s}, []string{EventKillSwitch}, testLogger())

	require.NoError(t, n.Decision(context.Background(), domain.DecisionRecord{
		Stage: domain.StageInclusion, Decision: domain.DecisionIncluded,
	}))
	require.NoError(t, n.Decision(context.Background(), domain.DecisionRecord{
		Stage: domain.StageKillSwitch, Decision: domain.DecisionTripped, Reason: "operator",
	}))
	assert.Equal(t, []string{"mevbot: kill switch"}, s.titles)
}

func TestNotifier_SenderFailureDoesNotStopOthers(t *testing.T) {
	bad := &captureSender{err: errors.New("down")}
	good := &captureSender{}
	n := NewNotifier([]Sender{bad, good}, nil, testLogger())

	err := n.Notify(context.Background(), EventAbandoned, "t", "m")
	assert.Error(t, err)
	assert.Len(t, good.titles, 1)
}

func TestNotifier_NilIsDisabled(t *testing.T) {
	var n *Notifier
	assert.False(t, n.Enabled())
	assert.NoError(t, n.Notify(context.Background(), EventAbandoned, "t", "m"))
}

func TestTelegramSender_PostsMarkdown(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.baseURL = srv.URL
	require.NoError(t, s.Send(context.Background(), "title", "body"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*title*\nbody", got["text"])
}

func TestDiscordSender_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}
