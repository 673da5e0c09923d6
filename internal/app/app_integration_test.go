package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/ayusman/mudra/internal/capture"
	"github.com/ayusman/mudra/internal/classifier"
	"github.com/ayusman/mudra/internal/detector"
	"github.com/ayusman/mudra/internal/sequence"
	"github.com/ayusman/mudra/internal/store"
)

// scripted is a classifier that answers with whatever label is set.
type scripted struct {
	mu    sync.Mutex
	label string
}

func (s *scripted) set(label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.label = label
}

func (s *scripted) Classify(_ context.Context, _ []float64) (classifier.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.label == "" {
		return classifier.None, nil
	}
	return classifier.Result{Label: s.label, Confidence: 0.9}, nil
}

func (s *scripted) Labels() []string { return nil }

type harness struct {
	app   *App
	store *store.Store
	clock *sequence.ManualClock
	model *scripted
	hands []detector.HandLandmarks
}

func testCatalog(t *testing.T) *sequence.Catalog {
	t.Helper()
	c, err := sequence.NewCatalog([]sequence.Pattern{
		{Name: "Fireball", DisplayName: "Katon", Sequence: []string{"Snake", "Tiger"}, TimeWindow: 5,
			Effects: json.RawMessage(`{"sound":"fire.wav"}`)},
		{Name: "Clone", Sequence: []string{"Ram", "Snake"}, TimeWindow: 3},
	}, sequence.DefaultSettings())
	require.NoError(t, err)
	return c
}

func newHarness(t *testing.T, pluginDir string) *harness {
	t.Helper()

	dir := t.TempDir()
	s, err := store.New(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	h := &harness{
		store: s,
		clock: sequence.NewManualClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
		model: &scripted{},
		hands: []detector.HandLandmarks{detector.FistLandmarks()},
	}
	h.app = New(Config{
		Store:      s,
		Catalog:    testCatalog(t),
		Classifier: h.model,
		Camera:     capture.NewMockCamera(nil, false),
		Detector:   detector.NewMockDetector(),
		PluginDir:  pluginDir,
		ModelPath:  filepath.Join(dir, "model.json"),
		Clock:      h.clock,
	})
	return h
}

// sign holds label long enough to be confirmed and returns the result of the
// confirming frame.
func (h *harness) sign(label string) (sequence.Pattern, bool) {
	h.model.set(label)
	h.app.ProcessHands(context.Background(), h.hands)
	h.clock.Advance(600 * time.Millisecond)
	return h.app.ProcessHands(context.Background(), h.hands)
}

func nextEvent(t *testing.T, events <-chan Event, want EventType) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type == want {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event received", want)
		}
	}
}

func TestApp_ProcessHands_CompletesPattern(t *testing.T) {
	h := newHarness(t, t.TempDir())
	events, cancel := h.app.Subscribe()
	defer cancel()

	_, ok := h.sign("Snake")
	require.False(t, ok)
	assert.Equal(t, []string{"Snake"}, h.app.Progress().Labels)

	p, ok := h.sign("Tiger")
	require.True(t, ok)
	assert.Equal(t, "Fireball", p.Name)

	e := nextEvent(t, events, EventDetection)
	require.NotNil(t, e.Detection)
	assert.Equal(t, "Fireball", e.Detection.Pattern)
	assert.Equal(t, "Katon", e.Detection.DisplayName)
	assert.Equal(t, []string{"Snake", "Tiger"}, e.Detection.Sequence)
	assert.Equal(t, "free", e.Detection.Mode)
	assert.JSONEq(t, `{"sound":"fire.wav"}`, string(e.Effects))

	history, err := h.store.Detections().List(0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "Fireball", history[0].Pattern)

	last, ok := h.app.LastDetection()
	require.True(t, ok)
	assert.Equal(t, "Fireball", last.Pattern.Name)
	h.app.ClearLastDetection()
	_, ok = h.app.LastDetection()
	assert.False(t, ok)

	assert.False(t, h.app.Progress().Active)
}

func TestApp_ProcessHands_NoHandsOrNoModel(t *testing.T) {
	h := newHarness(t, t.TempDir())

	h.model.set("Snake")
	h.app.ProcessHands(context.Background(), nil)
	h.clock.Advance(time.Second)
	h.app.ProcessHands(context.Background(), nil)
	assert.Empty(t, h.app.Progress().Labels)

	_, n, ok := h.app.LatestFeatures()
	require.True(t, ok)
	assert.Equal(t, 0, n)

	h.app.SetClassifier(nil)
	h.app.ProcessHands(context.Background(), h.hands)
	h.clock.Advance(time.Second)
	h.app.ProcessHands(context.Background(), h.hands)
	assert.Empty(t, h.app.Progress().Labels)

	vec, n, ok := h.app.LatestFeatures()
	require.True(t, ok)
	assert.Equal(t, 1, n)
	assert.Len(t, vec, 72)
}

func TestApp_Target(t *testing.T) {
	h := newHarness(t, t.TempDir())

	err := h.app.SetTarget("Nope", false)
	assert.ErrorIs(t, err, sequence.ErrUnknownTarget)
	_, ok := h.app.Target()
	assert.False(t, ok)

	require.NoError(t, h.app.SetTarget("Clone", true))
	got, ok := h.app.Target()
	require.True(t, ok)
	assert.Equal(t, TargetState{Name: "Clone", Instant: true}, got)

	// Fireball is outside the target and must not complete.
	h.sign("Snake")
	_, ok = h.sign("Tiger")
	assert.False(t, ok)

	h.app.Reset()
	h.sign("Ram")
	p, ok := h.sign("Snake")
	require.True(t, ok)
	assert.Equal(t, "Clone", p.Name)

	t.Run("restored by a new app", func(t *testing.T) {
		other := New(Config{
			Store:    h.store,
			Catalog:  testCatalog(t),
			Camera:   capture.NewMockCamera(nil, false),
			Detector: detector.NewMockDetector(),
		})
		require.NoError(t, other.RestoreTarget())
		got, ok := other.Target()
		require.True(t, ok)
		assert.Equal(t, "Clone", got.Name)
		assert.True(t, got.Instant)
	})

	t.Run("catalog without target drops it", func(t *testing.T) {
		c, err := sequence.NewCatalog([]sequence.Pattern{
			{Name: "Fireball", Sequence: []string{"Snake", "Tiger"}, TimeWindow: 5},
		}, sequence.DefaultSettings())
		require.NoError(t, err)

		h.app.SetCatalog(c)
		_, ok := h.app.Target()
		assert.False(t, ok)

		var persisted TargetState
		assert.ErrorIs(t, h.store.Settings().Get(targetSetting, &persisted), store.ErrNotFound)
	})

	t.Run("clear target", func(t *testing.T) {
		require.NoError(t, h.app.SetTarget("Fireball", false))
		h.app.ClearTarget()
		assert.Equal(t, sequence.Free, h.app.Progress().Mode)
		require.NoError(t, h.app.RestoreTarget())
		_, ok := h.app.Target()
		assert.False(t, ok)
	})
}

func TestApp_RestoreTarget_Unknown(t *testing.T) {
	h := newHarness(t, t.TempDir())
	require.NoError(t, h.store.Settings().Set(targetSetting, TargetState{Name: "Gone"}))

	err := h.app.RestoreTarget()
	assert.ErrorIs(t, err, sequence.ErrUnknownTarget)

	var persisted TargetState
	assert.ErrorIs(t, h.store.Settings().Get(targetSetting, &persisted), store.ErrNotFound)
}

func TestApp_DispatchesBoundPlugin(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("skipping test on Windows")
	}

	pluginDir := t.TempDir()
	dir := filepath.Join(pluginDir, "recorder")
	require.NoError(t, os.MkdirAll(dir, 0755))
	out := filepath.Join(t.TempDir(), "request.json")
	script := "#!/bin/sh\ncat > " + out + "\necho '{\"success\":true,\"data\":{\"ok\":1}}'\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte(script), 0755))
	manifest := `{"name":"recorder","version":"1.0.0","executable":"run.sh","actions":["record"]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(manifest), 0644))

	h := newHarness(t, pluginDir)
	require.NoError(t, h.app.DiscoverPlugins())
	require.NoError(t, h.store.Bindings().Create(&store.Binding{
		Pattern:    "Fireball",
		PluginName: "recorder",
		ActionName: "record",
		Config:     json.RawMessage(`{"volume":3}`),
		Enabled:    true,
	}))

	events, cancel := h.app.Subscribe()
	defer cancel()

	h.sign("Snake")
	_, ok := h.sign("Tiger")
	require.True(t, ok)

	e := nextEvent(t, events, EventAction)
	require.NotNil(t, e.Action)
	assert.True(t, e.Action.Success, e.Action.Error)
	assert.Equal(t, "recorder", e.Action.Plugin)
	assert.JSONEq(t, `{"ok":1}`, string(e.Action.Data))

	h.app.Wait()
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var req struct {
		Action  string          `json:"action"`
		Pattern string          `json:"pattern"`
		Effects json.RawMessage `json:"effects"`
		Params  json.RawMessage `json:"params"`
	}
	require.NoError(t, json.Unmarshal(data, &req))
	assert.Equal(t, "record", req.Action)
	assert.Equal(t, "Fireball", req.Pattern)
	assert.JSONEq(t, `{"sound":"fire.wav"}`, string(req.Effects))
	assert.JSONEq(t, `{"volume":3}`, string(req.Params))
}

func TestApp_DispatchMissingPlugin(t *testing.T) {
	h := newHarness(t, t.TempDir())
	require.NoError(t, h.store.Bindings().Create(&store.Binding{
		Pattern: "Fireball", PluginName: "ghost", ActionName: "boo", Enabled: true,
	}))

	events, cancel := h.app.Subscribe()
	defer cancel()

	h.sign("Snake")
	h.sign("Tiger")

	e := nextEvent(t, events, EventAction)
	assert.False(t, e.Action.Success)
	assert.NotEmpty(t, e.Action.Error)
}

func TestApp_FitModel(t *testing.T) {
	h := newHarness(t, t.TempDir())

	_, err := h.app.FitModel()
	assert.Error(t, err, "no samples to fit")

	_, err = h.store.Samples().Create("Snake", [][]float64{{0, 0}, {0, 2}})
	require.NoError(t, err)
	_, err = h.store.Samples().Create("Tiger", [][]float64{{10, 10}})
	require.NoError(t, err)

	model, err := h.app.FitModel()
	require.NoError(t, err)
	assert.Equal(t, []string{"Snake", "Tiger"}, model.Labels())
	assert.Same(t, model, h.app.Classifier())

	saved, err := classifier.LoadModel(h.app.config.ModelPath)
	require.NoError(t, err)
	assert.Equal(t, model.Centroids, saved.Centroids)
}

func TestApp_ProgressEventsOnChange(t *testing.T) {
	h := newHarness(t, t.TempDir())
	events, cancel := h.app.Subscribe()
	defer cancel()
	assert.Equal(t, 1, h.app.Subscribers())

	h.model.set("Snake")
	h.app.ProcessHands(context.Background(), h.hands)
	e := nextEvent(t, events, EventProgress)
	assert.Equal(t, "Snake", e.Progress.Observed)

	// The same observation on the next frame is not re-sent.
	h.app.ProcessHands(context.Background(), h.hands)
	select {
	case e := <-events:
		t.Fatalf("unexpected event %s", e.Type)
	default:
	}

	cancel()
	assert.Equal(t, 0, h.app.Subscribers())
}

func TestApp_FrameLoop(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	frame := gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3)
	defer frame.Close()

	mock := detector.NewMockDetector()
	mock.SetHands([]detector.HandLandmarks{detector.OpenPalmLandmarks()})

	a := New(Config{
		Catalog:    testCatalog(t),
		Classifier: &scripted{},
		Camera:     capture.NewMockCamera([]*gocv.Mat{&frame}, true),
		Detector:   mock,
		FPS:        60,
	})

	require.NoError(t, a.Start())
	defer a.Stop()

	// Disabled: the loop ticks but reads nothing.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, mock.Calls())

	a.SetEnabled(true)
	require.Eventually(t, func() bool {
		_, n, ok := a.LatestFeatures()
		return ok && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.NotEmpty(t, a.LatestFrame())
	assert.Positive(t, mock.Calls())
}

func TestConfig_FrameInterval(t *testing.T) {
	tests := []struct {
		fps  int
		want time.Duration
	}{
		{30, time.Second / 30},
		{1, time.Second},
		{0, time.Second / capture.DefaultFPS},
		{-5, time.Second / capture.DefaultFPS},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Config{FPS: tt.fps}.frameInterval(), "fps %d", tt.fps)
	}
}
