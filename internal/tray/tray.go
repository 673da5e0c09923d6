// Package tray provides the system tray menu for the mudra recognition service.
package tray

import (
	"sync"

	"github.com/getlantern/systray"
)

const freeModeTitle = "Any pattern"

// Tray represents the system tray application.
type Tray struct {
	onToggle   func(enabled bool)
	onTarget   func(name string)
	onSettings func()
	onQuit     func()
	enabled    bool
	patterns   []string
	target     string
	last       string
	mu         sync.RWMutex

	// Menu items stored for later updates
	menuToggle  *systray.MenuItem
	menuLast    *systray.MenuItem
	menuFree    *systray.MenuItem
	menuTargets map[string]*systray.MenuItem
}

// New creates a new Tray instance with enabled state set to true by default.
// patterns fills the target picker.
func New(patterns []string) *Tray {
	return &Tray{
		enabled:  true,
		patterns: append([]string(nil), patterns...),
	}
}

// OnToggle sets the callback function to be called when the enabled state is toggled.
func (t *Tray) OnToggle(fn func(enabled bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onToggle = fn
}

// OnTarget sets the callback run when a target is picked. An empty name
// means free mode.
func (t *Tray) OnTarget(fn func(name string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTarget = fn
}

// OnSettings sets the callback function to be called when the settings menu item is clicked.
func (t *Tray) OnSettings(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onSettings = fn
}

// OnQuit sets the callback function to be called when the quit menu item is clicked.
func (t *Tray) OnQuit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onQuit = fn
}

// Run starts the system tray application.
// This function blocks until systray.Quit() is called.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

// onReady builds the menu.
func (t *Tray) onReady() {
	// Set the tray title and tooltip
	systray.SetTitle("Mudra")
	systray.SetTooltip("Mudra hand-sign recognition")

	// Create menu items
	t.mu.Lock()
	t.menuToggle = systray.AddMenuItem(toggleTitle(t.enabled), "Toggle recognition")
	systray.AddSeparator()

	targets := systray.AddMenuItem("Target", "Restrict recognition to one pattern")
	t.menuFree = targets.AddSubMenuItemCheckbox(freeModeTitle, "Recognize every pattern", t.target == "")
	t.menuTargets = make(map[string]*systray.MenuItem, len(t.patterns))
	for _, name := range t.patterns {
		item := targets.AddSubMenuItemCheckbox(name, "Only recognize "+name, t.target == name)
		t.menuTargets[name] = item
		go t.watchTarget(name, item)
	}

	t.menuLast = systray.AddMenuItem(lastTitle(t.last), "Last completed pattern")
	t.menuLast.Disable()
	t.mu.Unlock()
	systray.AddSeparator()

	menuSettings := systray.AddMenuItem("Open Settings...", "Open settings in browser")
	systray.AddSeparator()

	menuQuit := systray.AddMenuItem("Quit", "Quit Mudra")

	// Handle menu item clicks in a separate goroutine
	go func() {
		for {
			select {
			case <-t.menuToggle.ClickedCh:
				t.handleToggle()
			case <-t.menuFree.ClickedCh:
				t.handleTarget("")
			case <-menuSettings.ClickedCh:
				t.handleSettings()
			case <-menuQuit.ClickedCh:
				t.handleQuit()
				return
			}
		}
	}()
}

func (t *Tray) watchTarget(name string, item *systray.MenuItem) {
	for range item.ClickedCh {
		t.handleTarget(name)
	}
}

// Quit stops a running tray, making Run return.
func (t *Tray) Quit() {
	systray.Quit()
}

// onExit is called when the system tray is about to exit.
func (t *Tray) onExit() {}

// handleToggle handles the toggle menu item click.
func (t *Tray) handleToggle() {
	t.mu.Lock()
	t.enabled = !t.enabled
	enabled := t.enabled

	if t.menuToggle != nil {
		t.menuToggle.SetTitle(toggleTitle(enabled))
	}

	callback := t.onToggle
	t.mu.Unlock()

	// Call the callback outside the lock to prevent deadlocks
	if callback != nil {
		callback(enabled)
	}
}

// handleTarget handles a click in the target picker.
func (t *Tray) handleTarget(name string) {
	t.mu.RLock()
	callback := t.onTarget
	t.mu.RUnlock()

	if callback != nil {
		callback(name)
	}
}

// handleSettings handles the settings menu item click.
func (t *Tray) handleSettings() {
	t.mu.RLock()
	callback := t.onSettings
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}
}

// handleQuit handles the quit menu item click.
func (t *Tray) handleQuit() {
	t.mu.RLock()
	callback := t.onQuit
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}

	systray.Quit()
}

// SetTarget marks name as the active target. An empty name selects free mode.
func (t *Tray) SetTarget(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.target = name
	if t.menuFree == nil {
		return
	}
	setChecked(t.menuFree, name == "")
	for pattern, item := range t.menuTargets {
		setChecked(item, pattern == name)
	}
}

// Target returns the pattern currently marked as target.
func (t *Tray) Target() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.target
}

// SetLastDetection updates the last completed pattern shown in the menu.
func (t *Tray) SetLastDetection(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.last = name
	if t.menuLast != nil {
		t.menuLast.SetTitle(lastTitle(name))
	}
}

// LastDetection returns the last completed pattern shown in the menu.
func (t *Tray) LastDetection() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.last
}

// IsEnabled returns the current enabled state.
func (t *Tray) IsEnabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enabled
}

func setChecked(item *systray.MenuItem, checked bool) {
	if checked {
		item.Check()
	} else {
		item.Uncheck()
	}
}

func toggleTitle(enabled bool) string {
	if enabled {
		return "● Enabled"
	}
	return "○ Disabled"
}

func lastTitle(name string) string {
	if name == "" {
		return "Last: none"
	}
	return "Last: " + name
}
