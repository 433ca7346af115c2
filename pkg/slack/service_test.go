package slack

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockSlackAPI records chat.postMessage calls and serves canned responses.
type mockSlackAPI struct {
	mu          sync.Mutex
	posted      []string
	userByEmail map[string]string
}

func (m *mockSlackAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat.postMessage", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		m.mu.Lock()
		m.posted = append(m.posted, r.FormValue("text"))
		m.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1700000000.000100"}`))
	})
	mux.HandleFunc("/users.lookupByEmail", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		if id, ok := m.userByEmail[r.FormValue("email")]; ok {
			_, _ = w.Write([]byte(`{"ok":true,"user":{"id":"` + id + `"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":false,"error":"users_not_found"}`))
	})
	return mux
}

func newTestService(t *testing.T, api *mockSlackAPI) *Service {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	return NewServiceWithClient(NewClientWithAPIURL("xoxb-test", "C1", srv.URL+"/"))
}

func TestNotifyMentionsResolvedUser(t *testing.T) {
	api := &mockSlackAPI{userByEmail: map[string]string{"dev@example.com": "U42"}}
	svc := newTestService(t, api)

	err := svc.Notify(context.Background(), "dev@example.com", "deploy finished")
	require.NoError(t, err)

	require.Len(t, api.posted, 1)
	assert.Equal(t, "<@U42> deploy finished", api.posted[0])
}

func TestNotifyUnknownEmailFailsOpen(t *testing.T) {
	api := &mockSlackAPI{}
	svc := newTestService(t, api)

	err := svc.Notify(context.Background(), "nobody@example.com", "heads up")
	require.NoError(t, err)

	require.Len(t, api.posted, 1)
	assert.Equal(t, "heads up", api.posted[0], "mention lookup failure falls back to plain text")
}

func TestNilServiceIsNoop(t *testing.T) {
	var svc *Service
	assert.NoError(t, svc.Notify(context.Background(), "a@b.c", "msg"))
}

func TestNewServiceDisabledWithoutToken(t *testing.T) {
	assert.Nil(t, NewService(ServiceConfig{Channel: "C1"}))
	assert.Nil(t, NewService(ServiceConfig{Token: "xoxb"}))
	assert.NotNil(t, NewService(ServiceConfig{Token: "xoxb", Channel: "C1"}))
}
