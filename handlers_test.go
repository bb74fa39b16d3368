package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*testEnv, *httptest.Server) {
	t.Helper()
	env := newTestEnv(t)
	mux := http.NewServeMux()
	registerRoutes(mux, &App{
		Gateway:    env.gateway,
		Hub:        env.hub,
		Clock:      env.clock,
		SSEEnabled: true,
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return env, srv
}

func postJSON(t *testing.T, url string, body string, target interface{}) int {
	t.Helper()
	res, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()
	if target != nil {
		require.NoError(t, json.NewDecoder(res.Body).Decode(target))
	}
	return res.StatusCode
}

func getJSON(t *testing.T, url string, target interface{}) int {
	t.Helper()
	res, err := http.Get(url)
	require.NoError(t, err)
	defer res.Body.Close()
	if target != nil {
		require.NoError(t, json.NewDecoder(res.Body).Decode(target))
	}
	return res.StatusCode
}

func TestHealthAndDepth(t *testing.T) {
	_, srv := newTestServer(t)

	res, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ok", string(body))

	var depth DepthUpdate
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/depth", &depth))
	assert.Equal(t, 500.0, depth.Depth)
	assert.Equal(t, "2024-06-01T12:00:00Z", depth.ServerTime)
}

func TestJoinAndPlayerRoutes(t *testing.T) {
	_, srv := newTestServer(t)

	var joined JoinResponse
	assert.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/join", `{"username":"ada"}`, &joined))
	assert.True(t, joined.Success)
	assert.True(t, joined.IsNew)
	require.NotNil(t, joined.Player)
	assert.Equal(t, 50.0, joined.Player.Collectible)
	assert.Nil(t, joined.Player.ReferenceDepth)

	assert.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/join", `{"username":"ada"}`, &joined))
	assert.False(t, joined.IsNew)

	var bad JoinResponse
	assert.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/join", `{"username":"x"}`, &bad))
	assert.False(t, bad.Success)
	assert.Equal(t, "INVALID_INPUT", bad.Error)

	var player PlayerResponse
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/player?username=ada", &player))
	assert.True(t, player.Success)
	assert.Equal(t, "ada", player.Player.Username)

	var missing PlayerResponse
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/player?username=nobody", &missing))
	assert.False(t, missing.Success)
	assert.Equal(t, "NOT_FOUND", missing.Error)
}

func TestActionRoutes(t *testing.T) {
	_, srv := newTestServer(t)
	postJSON(t, srv.URL+"/join", `{"username":"ada"}`, nil)

	var exchanged ActionResponse
	assert.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/exchange", `{"username":"ada"}`, &exchanged))
	assert.True(t, exchanged.Success)
	assert.Equal(t, int64(1), exchanged.Player.Tokens)
	assert.Equal(t, 500.0, *exchanged.Player.ReferenceDepth)

	var collected ActionResponse
	assert.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/collect", `{"username":"ada"}`, &collected))
	assert.False(t, collected.Success)
	assert.Equal(t, "TOO_SHALLOW", collected.Error)
	assert.NotEmpty(t, collected.Message)

	var malformed ActionResponse
	assert.Equal(t, http.StatusBadRequest, postJSON(t, srv.URL+"/collect", `{"username":`, &malformed))
	assert.Equal(t, "INVALID_REQUEST", malformed.Error)

	res, err := http.Get(srv.URL + "/exchange")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
}

func TestSettingsHistoryAndLeaderboardRoutes(t *testing.T) {
	_, srv := newTestServer(t)
	postJSON(t, srv.URL+"/join", `{"username":"ada"}`, nil)
	postJSON(t, srv.URL+"/join", `{"username":"bob"}`, nil)
	postJSON(t, srv.URL+"/exchange", `{"username":"bob"}`, nil)

	var settings SettingsResponse
	assert.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/settings",
		`{"username":"ada","collectibleCap":20,"eatThreshold":0.01,"playThreshold":0.1}`, &settings))
	assert.True(t, settings.Success)
	assert.Equal(t, 20.0, settings.Player.CollectibleCap)
	assert.Equal(t, 20.0, settings.Player.Collectible)

	assert.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/settings", `{"username":"ada","eatThreshold":2,"playThreshold":0.1}`, &settings))
	assert.False(t, settings.Success)
	assert.Equal(t, "INVALID_INPUT", settings.Error)

	var history HistoryResponse
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/history/bob", &history))
	assert.True(t, history.Success)
	require.Len(t, history.History, 1)
	assert.Equal(t, 500.0, history.History[0].Depth)
	assert.Equal(t, "bob", history.History[0].Username)

	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/history/ada", &history))
	assert.Empty(t, history.History)

	var board LeaderboardResponse
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/leaderboard?limit=1", &board))
	assert.True(t, board.Success)
	assert.Equal(t, 1, board.Limit)
	require.Len(t, board.Results, 1)
	assert.Equal(t, "bob", board.Results[0].Username)
	assert.Equal(t, 1, board.Results[0].Rank)

	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/leaderboard?limit=1000", &board))
	assert.Equal(t, maxLeaderboardLimit, board.Limit)
	assert.Len(t, board.Results, 2)
}

type failingWorldStore struct {
	*MemoryStore
}

func (s *failingWorldStore) LoadWorld(ctx context.Context) (World, error) {
	return World{}, ErrStoreUnavailable
}

func TestStoreOutageAnswersServiceUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "ada")
	store := &failingWorldStore{MemoryStore: env.store}
	g := NewGateway(store, env.hub, env.rules, env.clock, env.cfg, newPlayerUpdater(store, 1), time.Second)

	mux := http.NewServeMux()
	registerRoutes(mux, &App{Gateway: g, Hub: env.hub, Clock: env.clock})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var resp ActionResponse
	assert.Equal(t, http.StatusServiceUnavailable, postJSON(t, srv.URL+"/exchange", `{"username":"ada"}`, &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "STORE_UNAVAILABLE", resp.Error)

	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+"/api/depth", &resp))

	res, err := http.Get(srv.URL + "/events")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestEventStream(t *testing.T) {
	env, srv := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	reader := bufio.NewReader(res.Body)
	readFrame := func() (string, []byte) {
		eventLine, err := reader.ReadString('\n')
		require.NoError(t, err)
		dataLine, err := reader.ReadBytes('\n')
		require.NoError(t, err)
		_, err = reader.ReadString('\n')
		require.NoError(t, err)
		return strings.TrimSpace(strings.TrimPrefix(eventLine, "event:")),
			bytes.TrimSpace(bytes.TrimPrefix(dataLine, []byte("data:")))
	}

	event, data := readFrame()
	assert.Equal(t, EventDepthUpdate, event)
	var snapshot DepthUpdate
	assert.Equal(t, EventDepthUpdate, decodeEnvelope(t, data, &snapshot))
	assert.Equal(t, 500.0, snapshot.Depth)

	env.hub.PublishPlayers([]PlayerUpdate{{Username: "ada", Collectible: 49, Alive: true}})
	event, data = readFrame()
	assert.Equal(t, EventPlayersUpdated, event)
	var updates []PlayerUpdate
	decodeEnvelope(t, data, &updates)
	require.Len(t, updates, 1)
	assert.Equal(t, "ada", updates[0].Username)
}

func TestWebSocketFeed(t *testing.T) {
	env, srv := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var env1 Envelope
	require.NoError(t, conn.ReadJSON(&env1))
	assert.Equal(t, EventDepthUpdate, env1.Type)

	env.hub.PublishDepth(World{Depth: 550, LastUpdate: testEpoch, Version: 1}, testEpoch)

	var env2 Envelope
	require.NoError(t, conn.ReadJSON(&env2))
	assert.Equal(t, EventDepthUpdate, env2.Type)
	var update DepthUpdate
	require.NoError(t, json.Unmarshal(env2.Data, &update))
	assert.Equal(t, 550.0, update.Depth)
}

func TestFailureDoesNotLogCanceledRequests(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	code, _, status := failure(classifyError("ada", context.Canceled))
	assert.Equal(t, "TIMEOUT", code)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.NotContains(t, buf.String(), "action failed")

	code, _, status = failure(classifyError("ada", ErrStoreUnavailable))
	assert.Equal(t, "STORE_UNAVAILABLE", code)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Contains(t, buf.String(), "action failed")
}
