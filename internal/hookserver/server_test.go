package hookserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjoeboo/chatmux/internal/session"
)

const testSessionID = "0b7a2c1e-3f4d-4a5b-8c6d-7e8f9a0b1c2d"

func newTestServer(t *testing.T) (*HookServer, *session.Registry, string) {
	t.Helper()
	dir := t.TempDir()
	registry, err := session.NewRegistry(filepath.Join(dir, "registry.json"))
	require.NoError(t, err)
	mapFile := filepath.Join(dir, "session_map.json")
	return New(0, registry, mapFile, "chatmux"), registry, mapFile
}

func postHook(t *testing.T, s *HookServer, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func readSessionMap(t *testing.T, mapFile string) map[string]sessionMapEntry {
	t.Helper()
	data, err := os.ReadFile(mapFile)
	require.NoError(t, err)
	var out map[string]sessionMapEntry
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestHookLocalEvent(t *testing.T) {
	s, registry, mapFile := newTestServer(t)

	rec := postHook(t, s, `{
		"session_id": "`+testSessionID+`",
		"cwd": "/home/u/app",
		"hook_event_name": "SessionStart",
		"window_id": "@3",
		"window_name": "api-server"
	}`)
	require.Equal(t, http.StatusOK, rec.Code)

	entries := readSessionMap(t, mapFile)
	require.Contains(t, entries, "chatmux:@3")
	assert.Equal(t, testSessionID, entries["chatmux:@3"].SessionID)
	assert.Equal(t, "/home/u/app", entries["chatmux:@3"].Cwd)
	assert.Equal(t, "", entries["chatmux:@3"].Machine)

	state := registry.WindowState("@3")
	assert.Equal(t, testSessionID, state.SessionID)
	assert.Equal(t, "/home/u/app", state.Cwd)
	assert.Equal(t, "api-server", registry.DisplayName("@3"))
}

func TestHookRemoteEventKeyedByMachine(t *testing.T) {
	s, _, mapFile := newTestServer(t)

	rec := postHook(t, s, `{
		"session_id": "`+testSessionID+`",
		"cwd": "/srv/api",
		"hook_event_name": "SessionStart",
		"machine_id": "devbox",
		"window_id": "@7"
	}`)
	require.Equal(t, http.StatusOK, rec.Code)

	entries := readSessionMap(t, mapFile)
	require.Contains(t, entries, "devbox:@7")
	assert.Equal(t, "devbox", entries["devbox:@7"].Machine)
}

func TestHookPreservesOtherEntries(t *testing.T) {
	s, _, mapFile := newTestServer(t)

	rec := postHook(t, s, `{"session_id":"`+testSessionID+`","cwd":"/a","window_id":"@1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = postHook(t, s, `{"session_id":"`+testSessionID+`","cwd":"/b","window_id":"@2"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	entries := readSessionMap(t, mapFile)
	assert.Len(t, entries, 2)
}

func TestHookRejectsMalformedJSON(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := postHook(t, s, `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHookRejectsMissingSessionID(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := postHook(t, s, `{"cwd":"/a","window_id":"@1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHookRejectsInvalidSessionID(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := postHook(t, s, `{"session_id":"not-a-uuid","cwd":"/a","window_id":"@1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHookRejectsMissingWindowID(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := postHook(t, s, `{"session_id":"`+testSessionID+`","cwd":"/a"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHookRejectsNonPost(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/hook", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHookRecordFailureIs500(t *testing.T) {
	dir := t.TempDir()
	registry, err := session.NewRegistry(filepath.Join(dir, "registry.json"))
	require.NoError(t, err)

	// A session-map path whose parent is a file cannot be created.
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0600))
	s := New(0, registry, filepath.Join(blocker, "session_map.json"), "chatmux")

	rec := postHook(t, s, `{"session_id":"`+testSessionID+`","cwd":"/a","window_id":"@1"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
