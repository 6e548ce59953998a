package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/cosmos/pipeline/runner/db"
	"tangled.sh/cosmos/pipeline/runner/models"
)

func newTestServer(t *testing.T, eng *fakeEngine) (*Runner, *httptest.Server) {
	t.Helper()
	r := newTestRunner(t, testConfig(), eng)
	r.Start(context.Background())

	srv := httptest.NewServer(r.Router())
	t.Cleanup(srv.Close)
	return r, srv
}

func post(t *testing.T, url string, headers map[string]string, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func waitForStatus(t *testing.T, d *db.DB, rid models.RunId, want models.StatusKind) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := d.GetStatus(rid)
		return err == nil && s.Status == string(want)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTriggerEndpoint(t *testing.T) {
	eng := &fakeEngine{}
	r, srv := newTestServer(t, eng)

	resp, body := post(t, srv.URL+"/trigger", nil, `{"event":"manual"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["matched"])

	rid, err := models.ParseRunId(body["run"].(string))
	require.NoError(t, err)
	waitForStatus(t, r.DB(), rid, models.StatusKindSuccess)

	get, err := http.Get(srv.URL + "/runs/" + rid.Id.String())
	require.NoError(t, err)
	defer get.Body.Close()
	require.Equal(t, http.StatusOK, get.StatusCode)

	var run db.Run
	require.NoError(t, json.NewDecoder(get.Body).Decode(&run))
	assert.Equal(t, rid.Id.String(), run.Id)
	assert.Equal(t, string(models.StatusKindSuccess), run.Status.Status)
}

func TestShutdownCancelsRuns(t *testing.T) {
	eng := &fakeEngine{block: true}
	r := newTestRunner(t, testConfig(), eng)

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	srv := httptest.NewServer(r.Router())
	defer srv.Close()

	var runs []models.RunId
	for range 2 {
		resp, body := post(t, srv.URL+"/trigger", nil, `{"event":"manual"}`)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		rid, err := models.ParseRunId(body["run"].(string))
		require.NoError(t, err)
		runs = append(runs, rid)
	}

	// one worker: the first run holds it, the second waits in the queue
	waitForStatus(t, r.DB(), runs[0], models.StatusKindRunning)

	cancel()
	for _, rid := range runs {
		waitForStatus(t, r.DB(), rid, models.StatusKindCancelled)
	}
	assert.Equal(t, []string{"Clone repository into workspace"}, eng.steps(), "the queued run never starts")

	done := make(chan error, 1)
	go func() { done <- r.Close() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return after the server context was cancelled")
	}
}

func TestWebhookEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		event   string
		payload string
		status  int
		matched any
	}{
		{"opened pull request", "pull_request", openedPR, http.StatusAccepted, true},
		{"closed pull request", "pull_request", `{"action":"closed","pull_request":{"base":{"ref":"main"}}}`, http.StatusOK, false},
		{"push", "push", `{"ref":"refs/heads/main","after":"abc"}`, http.StatusOK, false},
		{"pull request without payload", "pull_request", "", http.StatusBadRequest, nil},
		{"missing event header", "", openedPR, http.StatusBadRequest, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, srv := newTestServer(t, &fakeEngine{})

			headers := map[string]string{}
			if tt.event != "" {
				headers["X-GitHub-Event"] = tt.event
			}

			resp, body := post(t, srv.URL+"/webhook", headers, tt.payload)
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.matched != nil {
				assert.Equal(t, tt.matched, body["matched"])
			} else {
				assert.NotEmpty(t, body["error"])
			}
		})
	}
}

func TestTriggerEndpointBadBody(t *testing.T) {
	_, srv := newTestServer(t, &fakeEngine{})

	resp, body := post(t, srv.URL+"/trigger", nil, `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "decoding request")
}

func TestGetRunNotFound(t *testing.T) {
	_, srv := newTestServer(t, &fakeEngine{})

	resp, err := http.Get(srv.URL + "/runs/" + uuid.NewString())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/runs/not-a-uuid")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventsStream(t *testing.T) {
	r, srv := newTestServer(t, &fakeEngine{})

	p, err := r.Trigger(context.Background(), parse(t, "manual", ""))
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// backfill
	var ev db.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, db.RunStatusNSID, ev.Nsid)
	assert.Equal(t, p.Id.Id.String(), ev.RunId)

	var status db.RunStatus
	require.NoError(t, json.Unmarshal([]byte(ev.EventJson), &status))
	assert.Equal(t, string(models.StatusKindPending), status.Status)

	// live
	require.NoError(t, r.DB().StatusRunning(p.Id, r.n))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&ev))
	require.NoError(t, json.Unmarshal([]byte(ev.EventJson), &status))
	assert.Equal(t, string(models.StatusKindRunning), status.Status)
}

func TestLogsStream(t *testing.T) {
	cfg := testConfig()
	cfg.Pipelines.LogDir = t.TempDir()
	r := newTestRunner(t, cfg, &fakeEngine{})
	srv := httptest.NewServer(r.Router())
	defer srv.Close()

	p, res, err := r.Run(context.Background(), parse(t, "manual", ""))
	require.NoError(t, err)
	require.True(t, res.Success)

	logFile := models.LogFilePath(cfg.Pipelines.LogDir, p.Id)
	contents, err := os.ReadFile(logFile)
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace(contents), []byte("\n"))
	require.NotEmpty(t, lines)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/logs/" + p.Id.Id.String()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var got [][]byte
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "stream ends with a normal close: %v", err)
			break
		}
		got = append(got, msg)
	}
	assert.Equal(t, lines, got)

	var first models.LogLine
	require.NoError(t, json.Unmarshal(got[0], &first))
	assert.Equal(t, models.LogKindControl, first.Kind)
}

func TestLogsWithoutLogDir(t *testing.T) {
	_, srv := newTestServer(t, &fakeEngine{})

	resp, err := http.Get(srv.URL + "/logs/" + uuid.NewString())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
