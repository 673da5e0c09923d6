// Package app runs the recognition loop: camera frames go through hand
// detection, feature extraction and classification into the sequence
// detector, and completed patterns are recorded, published and handed to
// their bound plugin.
package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ayusman/mudra/internal/capture"
	"github.com/ayusman/mudra/internal/classifier"
	"github.com/ayusman/mudra/internal/detector"
	"github.com/ayusman/mudra/internal/plugin"
	"github.com/ayusman/mudra/internal/sequence"
	"github.com/ayusman/mudra/internal/store"
)

// targetSetting is the settings key holding the persisted target.
const targetSetting = "target"

// Config holds configuration options for the application.
type Config struct {
	Store      *store.Store
	Catalog    *sequence.Catalog
	Classifier classifier.Classifier

	// Camera and Detector default to the device camera and the MediaPipe
	// backend (falling back to a mock detector).
	Camera   capture.Camera
	Detector detector.Detector

	PluginDir      string
	CameraID       int
	FPS            int
	ClassifyBudget time.Duration
	PluginTimeout  time.Duration
	ModelPath      string

	// Clock drives the sequence detector. The default is the system clock.
	Clock  sequence.Clock
	Logger *slog.Logger
}

// TargetState is the persisted targeted-mode selection.
type TargetState struct {
	Name    string `json:"name"`
	Instant bool   `json:"instant"`
}

// App is the main application that orchestrates recognition and action execution.
type App struct {
	config     Config
	logger     *slog.Logger
	camera     capture.Camera
	detector   detector.Detector
	classifier classifier.Classifier
	pluginMgr  *plugin.Manager
	pluginExec *plugin.Executor
	events     *bus

	enabled bool
	stopCh  chan struct{}
	done    chan struct{}
	mu      sync.RWMutex

	// seqMu serializes every call into the sequence detector.
	seqMu    sync.Mutex
	sequence *sequence.Detector
	lastSeen progressKey

	frameMu  sync.RWMutex
	features []float64
	hands    int
	jpeg     []byte

	actions sync.WaitGroup
}

// New creates a new App instance with the given configuration.
func New(config Config) *App {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.FPS <= 0 {
		config.FPS = capture.DefaultFPS
	}

	a := &App{
		config:     config,
		logger:     logger.With("component", "app"),
		camera:     config.Camera,
		detector:   config.Detector,
		classifier: config.Classifier,
		pluginMgr:  plugin.NewManager(config.PluginDir, logger),
		pluginExec: plugin.NewExecutor(config.PluginTimeout),
		events:     newBus(),
	}

	if a.camera == nil {
		a.camera = capture.NewCamera(config.CameraID)
	}
	a.camera.SetFPS(config.FPS)

	if a.detector == nil {
		if mp, err := detector.NewMediaPipeDetector(detector.DefaultConfig(), logger); err == nil {
			a.detector = mp
			a.logger.Info("using MediaPipe hand detection")
		} else {
			a.logger.Warn("MediaPipe not available, using mock detector", "error", err)
			a.detector = detector.NewMockDetector()
		}
	}

	opts := []sequence.Option{sequence.WithLogger(logger)}
	if config.Clock != nil {
		opts = append(opts, sequence.WithClock(config.Clock))
	}
	a.sequence = sequence.NewDetector(config.Catalog, opts...)

	return a
}

// SetEnabled enables or disables recognition.
func (a *App) SetEnabled(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = enabled
}

// IsEnabled returns whether recognition is currently enabled.
func (a *App) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.enabled
}

// SetDetector sets the hand detector implementation to use.
func (a *App) SetDetector(d detector.Detector) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.detector = d
}

// Detector returns the hand detector.
func (a *App) Detector() detector.Detector {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.detector
}

// SetClassifier swaps the gesture model. The previous model is closed when it
// holds resources.
func (a *App) SetClassifier(c classifier.Classifier) {
	a.mu.Lock()
	prev := a.classifier
	a.classifier = c
	a.mu.Unlock()

	if closer, ok := prev.(io.Closer); ok && prev != c {
		if err := closer.Close(); err != nil {
			a.logger.Warn("closing previous classifier", "error", err)
		}
	}
}

// Classifier returns the active gesture model, which may be nil.
func (a *App) Classifier() classifier.Classifier {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.classifier
}

// Camera returns the camera instance.
func (a *App) Camera() capture.Camera {
	return a.camera
}

// PluginManager returns the plugin manager.
func (a *App) PluginManager() *plugin.Manager {
	return a.pluginMgr
}

// Store returns the backing store, which may be nil.
func (a *App) Store() *store.Store {
	return a.config.Store
}

// DiscoverPlugins scans the plugin directory and loads available plugins.
func (a *App) DiscoverPlugins() error {
	return a.pluginMgr.Discover()
}

// Subscribe returns a stream of app events and a function that ends the
// subscription. Events are dropped for subscribers that fall behind.
func (a *App) Subscribe() (<-chan Event, func()) {
	return a.events.subscribe()
}

// Subscribers returns the number of open event subscriptions.
func (a *App) Subscribers() int {
	return a.events.len()
}

// Catalog returns the active pattern catalog.
func (a *App) Catalog() *sequence.Catalog {
	a.seqMu.Lock()
	defer a.seqMu.Unlock()
	return a.sequence.Catalog()
}

// SetCatalog swaps the pattern catalog. A persisted target that no longer
// exists is forgotten.
func (a *App) SetCatalog(c *sequence.Catalog) {
	a.seqMu.Lock()
	a.sequence.SetCatalog(c)
	_, targeted := a.sequence.Target()
	a.seqMu.Unlock()

	if !targeted {
		a.forgetTarget()
	}
	a.publishProgress(true)
}

// Progress returns the current sequence snapshot.
func (a *App) Progress() sequence.Progress {
	a.seqMu.Lock()
	defer a.seqMu.Unlock()
	return a.sequence.Progress()
}

// SetTarget enters targeted mode for the named pattern and persists the
// choice. Unknown names return sequence.ErrUnknownTarget.
func (a *App) SetTarget(name string, instant bool) error {
	a.seqMu.Lock()
	err := a.sequence.SetTarget(name, instant)
	a.seqMu.Unlock()
	if err != nil {
		return err
	}

	if s := a.config.Store; s != nil {
		if err := s.Settings().Set(targetSetting, TargetState{Name: name, Instant: instant}); err != nil {
			a.logger.Warn("persisting target", "error", err)
		}
	}
	a.publishProgress(true)
	return nil
}

// ClearTarget returns to free mode.
func (a *App) ClearTarget() {
	a.seqMu.Lock()
	a.sequence.ClearTarget()
	a.seqMu.Unlock()

	a.forgetTarget()
	a.publishProgress(true)
}

// Target returns the active target and whether it bypasses the hold time.
func (a *App) Target() (TargetState, bool) {
	a.seqMu.Lock()
	defer a.seqMu.Unlock()

	p, ok := a.sequence.Target()
	if !ok {
		return TargetState{}, false
	}
	return TargetState{Name: p.Name, Instant: a.sequence.Instant()}, true
}

// RestoreTarget re-applies the target persisted by a previous run.
func (a *App) RestoreTarget() error {
	s := a.config.Store
	if s == nil {
		return nil
	}

	var t TargetState
	if err := s.Settings().Get(targetSetting, &t); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load target: %w", err)
	}

	a.seqMu.Lock()
	err := a.sequence.SetTarget(t.Name, t.Instant)
	a.seqMu.Unlock()
	if err != nil {
		a.forgetTarget()
		return err
	}
	return nil
}

func (a *App) forgetTarget() {
	if s := a.config.Store; s != nil {
		if err := s.Settings().Delete(targetSetting); err != nil {
			a.logger.Warn("clearing persisted target", "error", err)
		}
	}
}

// Reset abandons the sequence in progress.
func (a *App) Reset() {
	a.seqMu.Lock()
	a.sequence.Reset()
	a.seqMu.Unlock()
	a.publishProgress(true)
}

// LastDetection returns the most recent completion since start.
func (a *App) LastDetection() (sequence.Detection, bool) {
	a.seqMu.Lock()
	defer a.seqMu.Unlock()
	return a.sequence.LastDetection()
}

// ClearLastDetection forgets the most recent completion.
func (a *App) ClearLastDetection() {
	a.seqMu.Lock()
	defer a.seqMu.Unlock()
	a.sequence.ClearLastDetection()
}

// LatestFeatures returns the most recent two-hand feature vector and how many
// hands produced it.
func (a *App) LatestFeatures() ([]float64, int, bool) {
	a.frameMu.RLock()
	defer a.frameMu.RUnlock()
	if a.features == nil {
		return nil, 0, false
	}
	return slices.Clone(a.features), a.hands, true
}

// LatestFrame returns the most recent camera frame as JPEG, or nil.
func (a *App) LatestFrame() []byte {
	a.frameMu.RLock()
	defer a.frameMu.RUnlock()
	return a.jpeg
}

// FitModel trains the nearest-centroid model from the stored samples, saves
// it to the configured model path and makes it the active classifier.
func (a *App) FitModel() (*classifier.CentroidModel, error) {
	s := a.config.Store
	if s == nil {
		return nil, errors.New("fit model: no store configured")
	}

	stored, err := s.Samples().List()
	if err != nil {
		return nil, fmt.Errorf("fit model: %w", err)
	}
	samples := make([]classifier.Sample, len(stored))
	for i, smp := range stored {
		samples[i] = classifier.Sample{Label: smp.Label, Features: smp.Features}
	}

	model, err := classifier.Fit(samples)
	if err != nil {
		return nil, fmt.Errorf("fit model: %w", err)
	}
	if a.config.ModelPath != "" {
		if err := model.Save(a.config.ModelPath); err != nil {
			return nil, fmt.Errorf("fit model: %w", err)
		}
	}

	a.SetClassifier(model)
	a.logger.Info("model fitted", "labels", model.Labels(), "samples", len(samples))
	return model, nil
}

// Start opens the camera and begins the frame loop.
func (a *App) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Don't start if already running
	if a.stopCh != nil {
		return nil
	}

	// Open the camera
	if err := a.camera.Open(); err != nil {
		return err
	}

	a.stopCh = make(chan struct{})
	a.done = make(chan struct{})
	go a.runPipeline(a.stopCh, a.done)

	a.logger.Info("recognition pipeline started", "fps", a.config.FPS)
	return nil
}

// Stop halts the frame loop, waits for running plugin actions and releases
// resources.
func (a *App) Stop() {
	a.mu.Lock()
	stopCh, done := a.stopCh, a.done
	a.stopCh, a.done = nil, nil
	a.mu.Unlock()

	// Signal the pipeline to stop
	if stopCh != nil {
		close(stopCh)
		<-done
	}
	a.actions.Wait()

	// Close the camera
	if err := a.camera.Close(); err != nil {
		a.logger.Error("closing camera", "error", err)
	}
	// Close the hand detector if set
	if d := a.Detector(); d != nil {
		if err := d.Close(); err != nil {
			a.logger.Error("closing detector", "error", err)
		}
	}
	if closer, ok := a.Classifier().(io.Closer); ok {
		if err := closer.Close(); err != nil {
			a.logger.Error("closing classifier", "error", err)
		}
	}

	a.logger.Info("recognition pipeline stopped")
}

// Wait blocks until every dispatched plugin action has finished.
func (a *App) Wait() {
	a.actions.Wait()
}
