package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/mudra/internal/capture"
	"github.com/ayusman/mudra/internal/classifier"
	"github.com/ayusman/mudra/internal/detector"
	"github.com/ayusman/mudra/internal/features"
	"github.com/ayusman/mudra/internal/plugin"
	"github.com/ayusman/mudra/internal/sequence"
	"github.com/ayusman/mudra/internal/store"
)

// frameInterval is the ticker period for FPS, falling back to the camera
// default when FPS is unset.
func (c Config) frameInterval() time.Duration {
	if c.FPS <= 0 {
		return time.Second / capture.DefaultFPS
	}
	return time.Second / time.Duration(c.FPS)
}

// runPipeline is the frame loop. Each tick reads one frame, finds the hands
// in it and feeds them through ProcessHands. Per-frame failures are logged
// and the frame is skipped.
func (a *App) runPipeline(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := time.NewTicker(a.config.frameInterval())
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			// Skip processing if detection is disabled
			if !a.IsEnabled() {
				continue
			}
			a.processFrame(ctx)
		}
	}
}

func (a *App) processFrame(ctx context.Context) {
	// Read a frame from the camera
	frame, err := a.camera.ReadFrame()
	if err != nil {
		if errors.Is(err, capture.ErrEndOfStream) {
			a.logger.Debug("camera stream ended")
		} else {
			a.logger.Warn("reading frame", "error", err)
		}
		return
	}
	defer frame.Close()

	a.keepFrame(frame)

	d := a.Detector()
	if d == nil {
		return
	}
	hands, err := d.Detect(frame)
	if err != nil {
		a.logger.Warn("detecting hands", "error", err)
		return
	}

	a.ProcessHands(ctx, hands)
}

// keepFrame stores a JPEG copy of the frame for the preview stream.
func (a *App) keepFrame(frame *gocv.Mat) {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, *frame)
	if err != nil {
		a.logger.Debug("encoding preview frame", "error", err)
		return
	}
	defer buf.Close()

	jpeg := append([]byte(nil), buf.GetBytes()...)
	a.frameMu.Lock()
	a.jpeg = jpeg
	a.frameMu.Unlock()
}

// ProcessHands runs one frame's hands through feature extraction,
// classification and the sequence detector. It returns the pattern completed
// by this frame, if any. Frames without hands leave the sequence untouched.
func (a *App) ProcessHands(ctx context.Context, hands []detector.HandLandmarks) (sequence.Pattern, bool) {
	pair := detector.SplitHands(hands)
	left, right := features.FromPair(pair)
	vec := features.ExtractTwoHands(left, right)

	a.frameMu.Lock()
	a.features, a.hands = vec, pair.Count()
	a.frameMu.Unlock()

	if pair.Count() == 0 {
		return sequence.Pattern{}, false
	}

	res := classifier.Predict(ctx, a.Classifier(), vec, a.config.ClassifyBudget, a.logger)
	if res.IsNone() {
		return sequence.Pattern{}, false
	}

	a.seqMu.Lock()
	mode := a.sequence.Mode()
	p, ok := a.sequence.Update(res.Label, res.Confidence)
	var det sequence.Detection
	if ok {
		det, _ = a.sequence.LastDetection()
	}
	a.seqMu.Unlock()

	if ok {
		a.complete(det, mode)
	}
	a.publishProgress(ok)
	return p, ok
}

// complete records a finished pattern, announces it and runs its binding.
func (a *App) complete(det sequence.Detection, mode sequence.Mode) {
	rec := &store.Detection{
		Pattern:     det.Pattern.Name,
		DisplayName: det.Pattern.DisplayName,
		Sequence:    det.Sequence,
		Elapsed:     det.Elapsed,
		Mode:        string(mode),
		DetectedAt:  det.At,
	}

	if s := a.config.Store; s != nil {
		if err := s.Detections().Create(rec); err != nil {
			a.logger.Error("recording detection", "pattern", rec.Pattern, "error", err)
		}
	}

	a.events.publish(Event{
		Type:      EventDetection,
		At:        det.At,
		Detection: rec,
		Effects:   det.Pattern.Effects,
	})

	a.dispatch(det.Pattern)
}

// dispatch runs the plugin action bound to the pattern in the background.
func (a *App) dispatch(p sequence.Pattern) {
	s := a.config.Store
	if s == nil {
		return
	}

	binding, err := s.Bindings().GetByPattern(p.Name)
	if err != nil {
		a.logger.Error("looking up binding", "pattern", p.Name, "error", err)
		return
	}
	if binding == nil || !binding.Enabled {
		return
	}

	a.actions.Add(1)
	go func() {
		defer a.actions.Done()
		a.events.publish(Event{Type: EventAction, At: time.Now(), Action: a.runBinding(p, binding)})
	}()
}

func (a *App) runBinding(p sequence.Pattern, b *store.Binding) *ActionResult {
	result := &ActionResult{Pattern: p.Name, Plugin: b.PluginName, Action: b.ActionName}

	plug, err := a.pluginMgr.Get(b.PluginName)
	if err != nil {
		a.logger.Warn("bound plugin missing", "pattern", p.Name, "plugin", b.PluginName)
		result.Error = err.Error()
		return result
	}

	resp, err := a.pluginExec.Execute(context.Background(), plug, &plugin.Request{
		Action:      b.ActionName,
		Pattern:     p.Name,
		DisplayName: p.DisplayName,
		Sequence:    p.Sequence,
		Effects:     p.Effects,
		Params:      b.Config,
	})
	if err != nil {
		a.logger.Error("plugin action failed", "plugin", b.PluginName, "action", b.ActionName, "error", err)
		result.Error = err.Error()
		return result
	}

	result.Success, result.Error, result.Data = resp.Success, resp.Error, resp.Data
	if resp.Success {
		a.logger.Info("plugin action ran", "plugin", b.PluginName, "action", b.ActionName, "pattern", p.Name)
	} else {
		a.logger.Warn("plugin action reported failure", "plugin", b.PluginName, "action", b.ActionName, "error", resp.Error)
	}
	return result
}

// progressKey identifies a progress snapshot without its timers, so progress
// events go out on change rather than every frame.
type progressKey struct {
	active   bool
	labels   string
	observed string
	mode     sequence.Mode
	target   string
}

func (a *App) publishProgress(force bool) {
	a.seqMu.Lock()
	p := a.sequence.Progress()
	key := progressKey{
		active:   p.Active,
		labels:   strings.Join(p.Labels, "\x00"),
		observed: p.Observed,
		mode:     p.Mode,
		target:   p.Target,
	}
	changed := key != a.lastSeen
	a.lastSeen = key
	a.seqMu.Unlock()

	if !changed && !force {
		return
	}
	a.events.publish(Event{Type: EventProgress, At: time.Now(), Progress: &p})
}
