package cli

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const watchDebounce = 200 * time.Millisecond

// SchemaWatcher calls onChange after a state schema file is written.
//
// The parent directory is watched rather than the file itself, so editors
// that save by renaming a temp file over the original keep triggering
// reloads. Bursts of events within the debounce window coalesce into one
// call.
type SchemaWatcher struct {
	fs       *fsnotify.Watcher
	path     string
	debounce time.Duration
	onChange func(path string)

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// SchemaWatcherOption configures a SchemaWatcher.
type SchemaWatcherOption func(*SchemaWatcher)

// WithDebounce sets how long the file must stay quiet before onChange runs.
func WithDebounce(d time.Duration) SchemaWatcherOption {
	return func(sw *SchemaWatcher) {
		sw.debounce = d
	}
}

// NewSchemaWatcher creates a watcher for schemaPath. onChange runs on the
// watcher goroutine, one call at a time.
func NewSchemaWatcher(schemaPath string, onChange func(path string), opts ...SchemaWatcherOption) (*SchemaWatcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	sw := &SchemaWatcher{
		fs:       fs,
		path:     filepath.Clean(schemaPath),
		debounce: watchDebounce,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(sw)
	}

	if err := fs.Add(filepath.Dir(sw.path)); err != nil {
		_ = fs.Close()
		return nil, err
	}

	return sw, nil
}

// Start begins watching until ctx is done or Stop is called.
func (sw *SchemaWatcher) Start(ctx context.Context) {
	sw.wg.Add(1)
	go func() {
		defer sw.wg.Done()
		sw.loop(ctx)
	}()
}

// Stop halts the watcher. A pending debounced reload is discarded.
func (sw *SchemaWatcher) Stop() error {
	sw.stopOnce.Do(func() {
		close(sw.done)
		sw.wg.Wait()
		sw.stopErr = sw.fs.Close()
	})
	return sw.stopErr
}

func (sw *SchemaWatcher) loop(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time // nil until a change is pending
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sw.done:
			return
		case event, ok := <-sw.fs.Events:
			if !ok {
				return
			}
			if !sw.relevant(event) {
				continue
			}
			log.Debug().Str("op", event.Op.String()).Str("path", event.Name).Msg("Schema file changed")
			if timer == nil {
				timer = time.NewTimer(sw.debounce)
			} else {
				timer.Reset(sw.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if sw.onChange != nil {
				sw.onChange(sw.path)
			}
		case err, ok := <-sw.fs.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Str("path", sw.path).Msg("Schema watcher error")
		}
	}
}

// relevant reports whether event may have changed the schema contents.
// Removals are ignored; the next create or write reloads.
func (sw *SchemaWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != sw.path {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create)
}
