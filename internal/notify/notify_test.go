package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDiscordSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "Prediction approved", "#1 approved")
	require.NoError(t, err)
	assert.Equal(t, "**Prediction approved**\n#1 approved", got["content"])
}

func TestTelegramSender(t *testing.T) {
	var path string
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "42")
	s.apiBase = srv.URL
	require.NoError(t, s.Send(context.Background(), "T", "M"))
	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*T*\nM", got["text"])
}

func TestSenderReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad webhook", http.StatusForbidden)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	assert.ErrorContains(t, err, "403")
}

type stubSender struct {
	name  string
	err   error
	calls int
}

func (s *stubSender) Send(context.Context, string, string) error {
	s.calls++
	return s.err
}

func (s *stubSender) Name() string { return s.name }

func TestNotifierFiltersAndFansOut(t *testing.T) {
	ok := &stubSender{name: "ok"}
	broken := &stubSender{name: "broken", err: assert.AnError}
	n := NewNotifier([]Sender{broken, ok}, []string{"prediction_approved", " "}, quietLogger())
	assert.True(t, n.Enabled())

	require.NoError(t, n.Notify(context.Background(), "vote_recorded", "t", "m"))
	assert.Zero(t, ok.calls)

	err := n.Notify(context.Background(), "prediction_approved", "t", "m")
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, ok.calls)
	assert.Equal(t, 1, broken.calls)

	all := NewNotifier(nil, nil, quietLogger())
	assert.False(t, all.Enabled())
	assert.NoError(t, all.Notify(context.Background(), "anything", "t", "m"))
}
