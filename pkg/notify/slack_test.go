package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleanor-dfir/eleanor/pkg/models"
)

func TestNewSlackNotifier(t *testing.T) {
	t.Run("returns nil when token empty", func(t *testing.T) {
		n := NewSlackNotifier(SlackConfig{Token: "", Channel: "C123"})
		assert.Nil(t, n)
	})

	t.Run("returns nil when channel empty", func(t *testing.T) {
		n := NewSlackNotifier(SlackConfig{Token: "xoxb-test", Channel: ""})
		assert.Nil(t, n)
	})

	t.Run("returns notifier when configured", func(t *testing.T) {
		n := NewSlackNotifier(SlackConfig{
			Token:      "xoxb-test",
			Channel:    "C123",
			ConsoleURL: "https://example.com",
		})
		require.NotNil(t, n)
		assert.Equal(t, "slack", n.Name())
	})
}

func TestPostTextEmpty(t *testing.T) {
	n := NewSlackNotifier(SlackConfig{Token: "xoxb-test", Channel: "C123"})
	require.NotNil(t, n)
	assert.Error(t, n.PostText(context.Background(), ""))
}

// fakeSlackAPI records chat.postMessage form payloads and serves a
// canned conversations.history response.
type fakeSlackAPI struct {
	mu      sync.Mutex
	history string
	posts   []map[string]string
}

func (f *fakeSlackAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/conversations.history", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(f.history))
	})
	mux.HandleFunc("/chat.postMessage", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		post := map[string]string{
			"channel":   r.FormValue("channel"),
			"text":      r.FormValue("text"),
			"thread_ts": r.FormValue("thread_ts"),
			"blocks":    r.FormValue("blocks"),
		}
		f.mu.Lock()
		f.posts = append(f.posts, post)
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C123","ts":"123.456"}`))
	})
	return mux
}

func (f *fakeSlackAPI) lastPost() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.posts) == 0 {
		return nil
	}
	return f.posts[len(f.posts)-1]
}

func TestNotifyThreadsUnderExistingFingerprint(t *testing.T) {
	api := &fakeSlackAPI{
		history: `{"ok":true,"messages":[{"type":"message","text":"[high] Earlier alert (eleanor/rule-1/ws042)","ts":"1111.2222"}]}`,
	}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	n := NewSlackNotifierWithAPIURL(SlackConfig{
		Token:      "xoxb-test",
		Channel:    "C123",
		ConsoleURL: "https://console.example.com",
	}, srv.URL+"/")

	alert := &models.Alert{
		ID:       "alert-9",
		RuleID:   "rule-1",
		Severity: "high",
		Title:    "Repeated failed logons",
		RawEvent: &models.NormalizedEvent{HostName: "ws042"},
	}
	require.NoError(t, n.Notify(context.Background(), alert))

	post := api.lastPost()
	require.NotNil(t, post)
	assert.Equal(t, "C123", post["channel"])
	assert.Equal(t, "1111.2222", post["thread_ts"], "should thread under the matching message")
	assert.Contains(t, post["text"], "eleanor/rule-1/ws042", "fallback carries the fingerprint")
	assert.Contains(t, post["blocks"], "Repeated failed logons")
	assert.Contains(t, post["blocks"], "View in Console")
}

func TestNotifyUnthreadedWhenNoMatch(t *testing.T) {
	api := &fakeSlackAPI{history: `{"ok":true,"messages":[]}`}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	n := NewSlackNotifierWithAPIURL(SlackConfig{Token: "xoxb-test", Channel: "C123"}, srv.URL+"/")

	alert := &models.Alert{ID: "alert-1", RuleID: "rule-2", Severity: "low", Title: "t"}
	require.NoError(t, n.Notify(context.Background(), alert))

	post := api.lastPost()
	require.NotNil(t, post)
	assert.Empty(t, post["thread_ts"])
}

func TestPostText(t *testing.T) {
	api := &fakeSlackAPI{history: `{"ok":true,"messages":[]}`}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	n := NewSlackNotifierWithAPIURL(SlackConfig{Token: "xoxb-test", Channel: "C123"}, srv.URL+"/")

	require.NoError(t, n.PostText(context.Background(), "containment playbook finished for *alert-1*"))

	post := api.lastPost()
	require.NotNil(t, post)
	assert.Equal(t, "C123", post["channel"])
	assert.Contains(t, post["text"], "containment playbook finished")
	assert.Empty(t, post["thread_ts"])
}
