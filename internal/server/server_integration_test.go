package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayusman/mudra/internal/app"
	"github.com/ayusman/mudra/internal/capture"
	"github.com/ayusman/mudra/internal/classifier"
	"github.com/ayusman/mudra/internal/detector"
	"github.com/ayusman/mudra/internal/sequence"
	"github.com/ayusman/mudra/internal/store"
)

type fixture struct {
	app   *app.App
	store *store.Store
	clock *sequence.ManualClock
	model *classifier.Static
	ts    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	st, err := store.New(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	catalog, err := sequence.NewCatalog([]sequence.Pattern{
		{Name: "Fireball", DisplayName: "Katon", Sequence: []string{"Snake", "Tiger"}, TimeWindow: 5},
		{Name: "Clone", Sequence: []string{"Ram", "Snake"}, TimeWindow: 3},
	}, sequence.DefaultSettings())
	require.NoError(t, err)

	f := &fixture{
		store: st,
		clock: sequence.NewManualClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
		model: &classifier.Static{},
	}
	f.app = app.New(app.Config{
		Store:      st,
		Catalog:    catalog,
		Classifier: f.model,
		Camera:     capture.NewMockCamera(nil, false),
		Detector:   detector.NewMockDetector(),
		PluginDir:  filepath.Join(dir, "plugins"),
		ModelPath:  filepath.Join(dir, "model.json"),
		Clock:      f.clock,
	})

	f.ts = httptest.NewServer(New(Config{Store: st, App: f.app}))
	t.Cleanup(f.ts.Close)
	return f
}

// sign feeds label for long enough to confirm it.
func (f *fixture) sign(label string) (sequence.Pattern, bool) {
	hands := []detector.HandLandmarks{detector.FistLandmarks()}
	f.model.Result = classifier.Result{Label: label, Confidence: 0.95}
	f.app.ProcessHands(context.Background(), hands)
	f.clock.Advance(600 * time.Millisecond)
	return f.app.ProcessHands(context.Background(), hands)
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, r)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestAPI_HealthCheck(t *testing.T) {
	srv := New(Config{})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var health struct {
		Status string `json:"status"`
		Uptime string `json:"uptime"`
	}
	json.NewDecoder(resp.Body).Decode(&health)

	if health.Status != "ok" {
		t.Errorf("status = %s, want ok", health.Status)
	}
}

func TestAPI_HealthWithApp(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, code)

	var health healthResponse
	require.NoError(t, json.Unmarshal(body, &health))
	require.NotNil(t, health.Enabled)
	assert.False(t, *health.Enabled)
	assert.Equal(t, 2, health.Patterns)
	assert.True(t, health.Model)
}

func TestAPI_PatternsAndTarget(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/api/patterns", "")
	require.Equal(t, http.StatusOK, code)
	var patterns struct {
		Patterns []sequence.Pattern `json:"patterns"`
		Settings sequence.Settings  `json:"settings"`
	}
	require.NoError(t, json.Unmarshal(body, &patterns))
	require.Len(t, patterns.Patterns, 2)
	assert.Equal(t, "Fireball", patterns.Patterns[0].Name)
	assert.Equal(t, 0.7, patterns.Settings.ConfidenceThreshold)

	code, _ = f.do(t, http.MethodPut, "/api/target", `{"name":"Nope"}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodPut, "/api/target", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = f.do(t, http.MethodPut, "/api/target", `{"name":"Clone","instant":true}`)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"mode":"targeted","instant":true,
		"target":{"name":"Clone","sequence":["Ram","Snake"],"time_window":3}}`, string(body))

	code, body = f.do(t, http.MethodGet, "/api/progress", "")
	require.Equal(t, http.StatusOK, code)
	var progress struct {
		Active     bool   `json:"active"`
		Mode       string `json:"mode"`
		Target     string `json:"target"`
		Candidates []struct {
			Name string `json:"name"`
			Next string `json:"next"`
		} `json:"candidates"`
	}
	require.NoError(t, json.Unmarshal(body, &progress))
	assert.True(t, progress.Active)
	assert.Equal(t, "targeted", progress.Mode)
	require.Len(t, progress.Candidates, 1)
	assert.Equal(t, "Ram", progress.Candidates[0].Next)

	code, body = f.do(t, http.MethodDelete, "/api/target", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"mode":"free","instant":false}`, string(body))

	code, _ = f.do(t, http.MethodPost, "/api/target", `{"name":"Clone"}`)
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestAPI_ProgressAndReset(t *testing.T) {
	f := newFixture(t)

	f.sign("Snake")
	code, body := f.do(t, http.MethodGet, "/api/progress", "")
	require.Equal(t, http.StatusOK, code)
	var progress struct {
		Labels []string `json:"labels"`
	}
	require.NoError(t, json.Unmarshal(body, &progress))
	assert.Equal(t, []string{"Snake"}, progress.Labels)

	code, _ = f.do(t, http.MethodPost, "/api/reset", "")
	require.Equal(t, http.StatusNoContent, code)
	assert.Empty(t, f.app.Progress().Labels)

	_, ok := f.sign("Snake")
	require.False(t, ok)
	_, ok = f.sign("Tiger")
	require.True(t, ok)

	code, body = f.do(t, http.MethodGet, "/api/progress", "")
	require.Equal(t, http.StatusOK, code)
	var withLast struct {
		Last struct {
			Pattern  string   `json:"pattern"`
			Sequence []string `json:"sequence"`
		} `json:"last_detection"`
	}
	require.NoError(t, json.Unmarshal(body, &withLast))
	assert.Equal(t, "Fireball", withLast.Last.Pattern)
	assert.Equal(t, []string{"Snake", "Tiger"}, withLast.Last.Sequence)

	code, body = f.do(t, http.MethodGet, "/api/detections?limit=5", "")
	require.Equal(t, http.StatusOK, code)
	var history struct {
		Detections []store.Detection `json:"detections"`
	}
	require.NoError(t, json.Unmarshal(body, &history))
	require.Len(t, history.Detections, 1)
	assert.Equal(t, "Fireball", history.Detections[0].Pattern)

	code, body = f.do(t, http.MethodGet, "/api/detections/counts", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"counts":{"Fireball":1}}`, string(body))

	code, _ = f.do(t, http.MethodGet, "/api/detections?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAPI_Enabled(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPut, "/api/enabled", `{"enabled":true}`)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"enabled":true}`, string(body))
	assert.True(t, f.app.IsEnabled())

	code, body = f.do(t, http.MethodGet, "/api/enabled", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"enabled":true}`, string(body))
}

func TestAPI_SamplesAndModel(t *testing.T) {
	f := newFixture(t)

	code, _ := f.do(t, http.MethodPost, "/api/samples", `{"label":"Tiger"}`)
	assert.Equal(t, http.StatusConflict, code, "no frame seen yet")

	code, _ = f.do(t, http.MethodPost, "/api/samples", `{"label":"Tiger","features":[[1,2,3]]}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodPost, "/api/samples", `{"features":[[1]]}`)
	assert.Equal(t, http.StatusBadRequest, code)

	// Record the current frame for Tiger and an explicit vector for Snake.
	f.app.ProcessHands(context.Background(), []detector.HandLandmarks{detector.OpenPalmLandmarks()})
	code, body := f.do(t, http.MethodPost, "/api/samples", `{"label":"Tiger","count":3}`)
	require.Equal(t, http.StatusCreated, code)
	assert.JSONEq(t, `{"label":"Tiger","created":3}`, string(body))

	zeros := "[" + strings.TrimSuffix(strings.Repeat("0,", 72), ",") + "]"
	code, _ = f.do(t, http.MethodPost, "/api/samples", `{"label":"Snake","features":[`+zeros+`]}`)
	require.Equal(t, http.StatusCreated, code)

	code, body = f.do(t, http.MethodGet, "/api/samples/labels", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"labels":[{"label":"Snake","samples":1},{"label":"Tiger","samples":3}]}`, string(body))

	code, body = f.do(t, http.MethodGet, "/api/samples?label=Snake", "")
	require.Equal(t, http.StatusOK, code)
	var listed struct {
		Samples []store.Sample `json:"samples"`
	}
	require.NoError(t, json.Unmarshal(body, &listed))
	require.Len(t, listed.Samples, 1)
	assert.Len(t, listed.Samples[0].Features, 72)

	code, body = f.do(t, http.MethodPost, "/api/model/fit", "")
	require.Equal(t, http.StatusOK, code)
	var fit struct {
		Labels []string `json:"labels"`
	}
	require.NoError(t, json.Unmarshal(body, &fit))
	assert.Equal(t, []string{"Snake", "Tiger"}, fit.Labels)

	code, body = f.do(t, http.MethodGet, "/api/model", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"available":true,"labels":["Snake","Tiger"]}`, string(body))

	code, _ = f.do(t, http.MethodDelete, "/api/samples/Snake", "")
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = f.do(t, http.MethodDelete, "/api/samples/Snake", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAPI_BindingWorkflow(t *testing.T) {
	f := newFixture(t)

	code, _ := f.do(t, http.MethodPost, "/api/bindings", `{"pattern":"Nope","plugin_name":"keyboard","action_name":"hotkey"}`)
	assert.Equal(t, http.StatusBadRequest, code, "unknown pattern")

	code, _ = f.do(t, http.MethodPost, "/api/bindings", `{"pattern":"Fireball","plugin_name":"keyboard","action_name":"hotkey"}`)
	assert.Equal(t, http.StatusBadRequest, code, "plugin not installed")

	// Without an app the catalog and plugin checks are skipped.
	srv := httptest.NewServer(New(Config{Store: f.store}))
	defer srv.Close()

	resp, err := srv.Client().Post(srv.URL+"/api/bindings", "application/json",
		bytes.NewBufferString(`{"pattern":"Fireball","plugin_name":"keyboard","action_name":"hotkey","config":{"keys":"ctrl+f"}}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		ID      string          `json:"id"`
		Config  json.RawMessage `json:"config"`
		Enabled bool            `json:"enabled"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	assert.True(t, created.Enabled)
	assert.JSONEq(t, `{"keys":"ctrl+f"}`, string(created.Config))

	resp, err = srv.Client().Post(srv.URL+"/api/bindings", "application/json",
		bytes.NewBufferString(`{"pattern":"Fireball","plugin_name":"other","action_name":"x"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	code, body := f.do(t, http.MethodGet, "/api/bindings", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), created.ID)

	code, body = f.do(t, http.MethodGet, "/api/bindings/"+created.ID, "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"pattern":"Fireball"`)

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/bindings/"+created.ID, bytes.NewBufferString(`{"enabled":false}`))
	resp, err = srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	b, err := f.store.Bindings().GetByID(created.ID)
	require.NoError(t, err)
	assert.False(t, b.Enabled)

	code, _ = f.do(t, http.MethodDelete, "/api/bindings/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = f.do(t, http.MethodGet, "/api/bindings/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAPI_Events(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func(want app.EventType) app.Event {
		t.Helper()
		for {
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			var e app.Event
			require.NoError(t, conn.ReadJSON(&e))
			if e.Type == want {
				return e
			}
		}
	}

	first := read(app.EventProgress)
	require.NotNil(t, first.Progress)
	assert.Equal(t, sequence.Free, first.Progress.Mode)

	require.Eventually(t, func() bool { return f.app.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	f.sign("Snake")
	f.sign("Tiger")

	e := read(app.EventDetection)
	require.NotNil(t, e.Detection)
	assert.Equal(t, "Fireball", e.Detection.Pattern)
	assert.Equal(t, "Katon", e.Detection.DisplayName)
}

type staticFrames struct{ jpeg []byte }

func (s staticFrames) LatestFrame() []byte { return s.jpeg }

func TestStreamHandler(t *testing.T) {
	frame := []byte{0xff, 0xd8, 0xff, 0xd9}
	ts := httptest.NewServer(NewStreamHandler(staticFrames{jpeg: frame}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL, nil)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))

	buf := make([]byte, 128)
	n, err := io.ReadAtLeast(resp.Body, buf, len("--frame\r\n"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(buf[:n]), "--frame\r\n"))
}
