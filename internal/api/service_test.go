package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmdmdm-nz/connmon/internal/connstate"
)

// mockMonitor is a mock implementation of ConnectivityMonitor for testing
type mockMonitor struct {
	mu      sync.Mutex
	level   connstate.Level
	started bool
	subs    []chan connstate.Level
}

func (m *mockMonitor) Subscribe() (<-chan connstate.Level, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan connstate.Level, 8)
	if m.started {
		ch <- m.level
	}
	m.subs = append(m.subs, ch)
	return ch, func() {}
}

func (m *mockMonitor) Level() (connstate.Level, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level, m.started
}

func (m *mockMonitor) set(lvl connstate.Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.level = lvl
	m.started = true
	for _, ch := range m.subs {
		ch <- lvl
	}
}

func newTestService(m *mockMonitor) *Service {
	s := NewService("127.0.0.1", 0)
	s.AttachMonitor(m)
	return s
}

func TestHealth(t *testing.T) {
	s := newTestService(&mockMonitor{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealth_MethodNotAllowed(t *testing.T) {
	s := newTestService(&mockMonitor{})

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestReady_BeforeBaseline(t *testing.T) {
	s := newTestService(&mockMonitor{})

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestReady_AfterBaseline(t *testing.T) {
	mock := &mockMonitor{started: true}
	s := newTestService(mock)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetConnectivity(t *testing.T) {
	mock := &mockMonitor{level: connstate.IPv4Only, started: true}
	s := newTestService(mock)

	req := httptest.NewRequest(http.MethodGet, "/connectivity", nil)
	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var result ConnectivityInfo
	err := json.Unmarshal(w.Body.Bytes(), &result)
	assert.NoError(t, err)
	assert.Equal(t, "ipv4", result.Connectivity)
	assert.True(t, result.IPv4)
	assert.False(t, result.IPv6)
}

func TestGetConnectivity_BeforeBaseline(t *testing.T) {
	s := newTestService(&mockMonitor{})

	req := httptest.NewRequest(http.MethodGet, "/connectivity", nil)
	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestConnectivityInfo_AllLevels(t *testing.T) {
	cases := []struct {
		level connstate.Level
		name  string
		ipv4  bool
		ipv6  bool
	}{
		{connstate.None, "none", false, false},
		{connstate.IPv4Only, "ipv4", true, false},
		{connstate.IPv6Only, "ipv6", false, true},
		{connstate.Both, "all", true, true},
	}
	for _, tc := range cases {
		info := connectivityInfo(tc.level)
		assert.Equal(t, tc.name, info.Connectivity)
		assert.Equal(t, tc.ipv4, info.IPv4)
		assert.Equal(t, tc.ipv6, info.IPv6)
	}
}

func TestWatchConnectivity_StreamsTransitions(t *testing.T) {
	mock := &mockMonitor{level: connstate.IPv4Only, started: true}
	s := newTestService(mock)

	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/watch"
	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer c.Close(websocket.StatusNormalClosure, "done")

	readInfo := func() ConnectivityInfo {
		_, b, err := c.Read(ctx)
		require.NoError(t, err)
		var info ConnectivityInfo
		require.NoError(t, json.Unmarshal(b, &info))
		return info
	}

	// The baseline arrives before any transition.
	info := readInfo()
	assert.Equal(t, "ipv4", info.Connectivity)

	mock.set(connstate.Both)
	info = readInfo()
	assert.Equal(t, "all", info.Connectivity)
	assert.True(t, info.IPv4)
	assert.True(t, info.IPv6)
}
