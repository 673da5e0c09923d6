package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/ayusman/mudra/internal/app"
	"github.com/ayusman/mudra/internal/capture"
	"github.com/ayusman/mudra/internal/classifier"
	"github.com/ayusman/mudra/internal/config"
	"github.com/ayusman/mudra/internal/logging"
	"github.com/ayusman/mudra/internal/sequence"
	"github.com/ayusman/mudra/internal/server"
	"github.com/ayusman/mudra/internal/store"
	"github.com/ayusman/mudra/internal/tray"
)

func main() {
	if err := run(); err != nil {
		slog.Error("mudra exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.Init(cfg.LogLevel, cfg.LogFormat)
	logger.Info("mudra - hand-sign recognition", "addr", cfg.Addr, "data_dir", cfg.DataDir)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	st, err := store.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer st.Close()

	catalogPath := findCatalog(cfg.Catalog)
	catalog, err := sequence.LoadCatalog(catalogPath)
	if err != nil {
		logger.Error("pattern catalog not loaded, no pattern can complete", "path", catalogPath, "error", err)
	} else {
		logger.Info("pattern catalog loaded", "path", catalogPath, "patterns", catalog.Len())
	}

	a := app.New(app.Config{
		Store:          st,
		Catalog:        catalog,
		Classifier:     openClassifier(cfg, logger),
		Camera:         capture.NewCamera(cfg.CameraID, capture.WithMirror(cfg.Mirror)),
		PluginDir:      cfg.PluginDir,
		FPS:            cfg.FPS,
		ClassifyBudget: cfg.ClassifyBudget,
		PluginTimeout:  cfg.PluginTimeout,
		ModelPath:      cfg.ModelPath,
		Logger:         logger,
	})

	if err := a.DiscoverPlugins(); err != nil {
		logger.Warn("plugin discovery failed", "dir", cfg.PluginDir, "error", err)
	}
	if err := a.RestoreTarget(); err != nil {
		logger.Warn("previous target not restored", "error", err)
	}

	a.SetEnabled(true)
	if err := a.Start(); err != nil {
		logger.Error("camera not started, serving API only", "camera", cfg.CameraID, "error", err)
	}
	defer a.Stop()

	webDir := cfg.WebDir
	if webDir == "" {
		webDir = findWebDir(cfg.DataDir)
	}
	if webDir != "" {
		logger.Info("serving static files", "dir", webDir)
	}

	srv := server.New(server.Config{
		StaticDir: webDir,
		Store:     st,
		App:       a,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go watchReload(ctx, a, catalogPath, logger)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", cfg.Addr)
		serveErr <- srv.ListenAndServe(cfg.Addr)
	}()

	if cfg.Tray {
		go func() {
			waitForExit(ctx, serveErr, logger)
			stop()
		}()
		runTray(ctx, stop, a, cfg.Addr)
	} else {
		waitForExit(ctx, serveErr, logger)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}
	return nil
}

func waitForExit(ctx context.Context, serveErr <-chan error, logger *slog.Logger) {
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Error("server failed", "error", err)
		}
	}
}

// openClassifier picks the external model process when configured, otherwise
// the centroid model file. It returns nil when no model is available yet.
func openClassifier(cfg config.Config, logger *slog.Logger) classifier.Classifier {
	if len(cfg.ClassifierCmd) > 0 {
		pc, err := classifier.NewProcessClassifier(cfg.ClassifierCmd, logger)
		if err == nil {
			logger.Info("using external gesture model", "command", strings.Join(cfg.ClassifierCmd, " "))
			return pc
		}
		logger.Error("external gesture model not usable", "error", err)
	}

	model, err := classifier.LoadModel(cfg.ModelPath)
	if err != nil {
		if errors.Is(err, classifier.ErrUnavailable) {
			logger.Warn("no gesture model yet, record samples and POST /api/model/fit", "path", cfg.ModelPath)
		} else {
			logger.Error("gesture model not loaded", "path", cfg.ModelPath, "error", err)
		}
		return nil
	}
	logger.Info("gesture model loaded", "path", cfg.ModelPath, "labels", model.Labels())
	return model
}

// watchReload reloads the pattern catalog on SIGHUP. A catalog that fails to
// load leaves the running one in place.
func watchReload(ctx context.Context, a *app.App, path string, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			catalog, err := sequence.LoadCatalog(path)
			if err != nil {
				logger.Error("catalog reload failed, keeping current catalog", "path", path, "error", err)
				continue
			}
			a.SetCatalog(catalog)
			logger.Info("pattern catalog reloaded", "patterns", catalog.Len())
		}
	}
}

// runTray blocks on the system tray until it quits or ctx ends.
func runTray(ctx context.Context, stop context.CancelFunc, a *app.App, addr string) {
	var names []string
	for _, p := range a.Catalog().Patterns() {
		names = append(names, p.Name)
	}

	t := tray.New(names)
	if target, ok := a.Target(); ok {
		t.SetTarget(target.Name)
	}
	if det, ok := a.LastDetection(); ok {
		t.SetLastDetection(det.Pattern.Name)
	}

	t.OnToggle(a.SetEnabled)
	t.OnTarget(func(name string) {
		if name == "" {
			a.ClearTarget()
			return
		}
		if err := a.SetTarget(name, false); err != nil {
			slog.Warn("tray target rejected", "pattern", name, "error", err)
		}
	})
	t.OnSettings(func() { openBrowser(settingsURL(addr)) })
	t.OnQuit(stop)

	events, cancel := a.Subscribe()
	defer cancel()
	go func() {
		for e := range events {
			switch e.Type {
			case app.EventDetection:
				t.SetLastDetection(e.Detection.Pattern)
			case app.EventProgress:
				t.SetTarget(e.Progress.Target)
			}
		}
	}()

	go func() {
		<-ctx.Done()
		t.Quit()
	}()

	t.Run()
}

func settingsURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/"
}

func openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		slog.Warn("opening browser", "url", url, "error", err)
	}
}

// findCatalog returns path when it exists, otherwise the first bundled
// catalog found relative to the working directory.
func findCatalog(path string) string {
	if _, err := os.Stat(path); err == nil {
		return path
	}
	for _, p := range []string{"configs/patterns.json", "../configs/patterns.json", "../../configs/patterns.json"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return path
}

// findWebDir searches for the web directory in common locations.
// It checks: "web", "../web", "../../web", and <dataDir>/web.
// Returns the first existing directory or empty string if none found.
func findWebDir(dataDir string) string {
	for _, p := range []string{"web", "../web", "../../web", filepath.Join(dataDir, "web")} {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			if abs, err := filepath.Abs(p); err == nil {
				return abs
			}
			return p
		}
	}
	return ""
}
