package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// tunablesFile is the on-disk form of Tunables. Absent keys keep the base
// value, durations are in seconds.
type tunablesFile struct {
	TriggerArea    *int     `json:"trigger_area"`
	Cooldown       *float64 `json:"cooldown_seconds"`
	SettleDelay    *float64 `json:"settle_delay_seconds"`
	SampleCount    *int     `json:"sample_count"`
	SampleInterval *float64 `json:"sample_interval_seconds"`
	SampleDeadline *float64 `json:"sample_deadline_seconds"`
}

func (f *tunablesFile) apply(t Tunables) Tunables {
	if f.TriggerArea != nil {
		t.TriggerArea = *f.TriggerArea
	}
	if f.Cooldown != nil {
		t.Cooldown = Seconds(*f.Cooldown)
	}
	if f.SettleDelay != nil {
		t.SettleDelay = Seconds(*f.SettleDelay)
	}
	if f.SampleCount != nil {
		t.SampleCount = *f.SampleCount
	}
	if f.SampleInterval != nil {
		t.SampleInterval = Seconds(*f.SampleInterval)
	}
	if f.SampleDeadline != nil {
		t.SampleDeadline = Seconds(*f.SampleDeadline)
	}
	return t
}

func tunablesFromFile(path string, base Tunables) (Tunables, error) {
	f, err := os.Open(path)
	if err != nil {
		return Tunables{}, err
	}
	defer f.Close()
	var tf tunablesFile
	if err := json.NewDecoder(f).Decode(&tf); err != nil {
		return Tunables{}, fmt.Errorf("decode %s: %w", path, err)
	}
	t := tf.apply(base)
	if err := t.Validate(); err != nil {
		return Tunables{}, fmt.Errorf("invalid tunables in %s: %w", path, err)
	}
	return t, nil
}

// Watcher holds the current Tunables, reloading them from a JSON file
// whenever it changes. Readers never block the reload.
type Watcher struct {
	path string
	base Tunables
	cur  atomic.Pointer[Tunables]
}

// NewWatcher loads path on top of base. A file that fails to load is an
// error here; later reload failures keep the previous value.
func NewWatcher(path string, base Tunables) (*Watcher, error) {
	t, err := tunablesFromFile(path, base)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path, base: base}
	w.cur.Store(&t)
	log.Infof("Loaded tunables from %s: %v", path, spew.Sdump(t))
	return w, nil
}

// Static returns a getter for fixed tunables.
func Static(t Tunables) func() Tunables {
	return func() Tunables { return t }
}

func (w *Watcher) Get() Tunables {
	return *w.cur.Load()
}

func waitForChange(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-watcher.Errors:
		return err
	case <-watcher.Events:
	}
	// Editors tend to write in several steps.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Second / 10):
	}
	return ctx.Err()
}

// Run reloads the tunables on every change until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if err := waitForChange(ctx, w.path); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Errorf("Error waiting for tunables change: %v", err)
			// The file may be mid-replace; don't spin.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		t, err := tunablesFromFile(w.path, w.base)
		if err != nil {
			log.Errorf("Failed to load new tunables, keeping previous: %v", err)
			continue
		}
		w.cur.Store(&t)
		log.Infof("Reloaded tunables: %v", spew.Sdump(t))
	}
}
