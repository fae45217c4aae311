package zonepolicy

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"github.com/kmay89/pwk/internal/logging"
)

// RulesetFile is the on-disk TOML shape for the zone allowlist file:
//
//	sensitive_zones = ["zone:loading-dock", "zone:employee-entrance"]
type RulesetFile struct {
	SensitiveZones []string `toml:"sensitive_zones"`
}

// LoadFile reads and validates a ruleset file, returning a ready
// Policy.
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewPolicy(nil)
		}
		return nil, fmt.Errorf("zonepolicy: read %s: %w", path, err)
	}
	var rf RulesetFile
	if _, err := toml.Decode(string(data), &rf); err != nil {
		return nil, fmt.Errorf("zonepolicy: decode %s: %w", path, err)
	}
	return NewPolicy(rf.SensitiveZones)
}

// Watcher hot-reloads a Policy from its backing file whenever the file
// changes, grounded on the daemon's config-file watch loop: a reload
// that fails validation is logged and the previous policy is left in
// place untouched.
type Watcher struct {
	path    string
	policy  *Policy
	watcher *fsnotify.Watcher
	done    chan struct{}
	log     *logging.Logger
}

// NewWatcher loads path once synchronously and returns a Watcher ready
// to be started with Start.
func NewWatcher(path string) (*Watcher, *Policy, error) {
	policy, err := LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return &Watcher{
		path:   path,
		policy: policy,
		done:   make(chan struct{}),
		log:    logging.For("zonepolicy"),
	}, policy, nil
}

// Start begins watching the ruleset file's directory for writes.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("zonepolicy: create watcher: %w", err)
	}
	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return fmt.Errorf("zonepolicy: watch %s: %w", dir, err)
	}
	w.watcher = fsw
	go w.loop()
	return nil
}

func (w *Watcher) loop() {
	var debounce *time.Timer
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("zone ruleset watch error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	fresh, err := LoadFile(w.path)
	if err != nil {
		w.log.Warn("rejected malformed zone ruleset reload, keeping previous policy", "path", w.path, "error", err)
		return
	}
	if err := w.policy.Replace(fresh.Zones()); err != nil {
		w.log.Warn("rejected malformed zone ruleset reload, keeping previous policy", "path", w.path, "error", err)
		return
	}
	w.log.Info("reloaded zone ruleset", "path", w.path, "sensitive_zone_count", len(fresh.Zones()))
}

// Close stops watching.
func (w *Watcher) Close() error {
	close(w.done)
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
