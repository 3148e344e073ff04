// Package watch turns image/trimap pairs dropped into a directory into
// decompose jobs.
package watch

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"matting/internal/config"
	"matting/internal/fsutil"
	"matting/internal/pipeline"
)

// DefaultTrimapSuffix is used when watch.trimap_suffix is unset.
const DefaultTrimapSuffix = ".trimap"

// Submitter accepts jobs; *pipeline.Pipeline satisfies it.
type Submitter interface {
	Submit(job pipeline.Job) error
}

// Pair is a color image and the trimap that goes with it.
type Pair struct {
	Image  string
	Trimap string
}

// Matcher pairs <name>.<ext> with <name><suffix>.<ext>. The two files may
// use different extensions.
type Matcher struct {
	Suffix string
}

func (m Matcher) stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// IsTrimap reports whether path is named like a trimap.
func (m Matcher) IsTrimap(path string) bool {
	return fsutil.IsImageFile(path) && strings.HasSuffix(m.stem(path), m.Suffix)
}

// PairFor returns the complete pair path belongs to, if both files exist.
func (m Matcher) PairFor(path string) (Pair, bool) {
	if !fsutil.IsImageFile(path) || m.Suffix == "" {
		return Pair{}, false
	}
	dir := filepath.Dir(path)
	stem := m.stem(path)
	if strings.HasSuffix(stem, m.Suffix) {
		img, ok := findWithStem(dir, strings.TrimSuffix(stem, m.Suffix))
		if !ok {
			return Pair{}, false
		}
		return Pair{Image: img, Trimap: path}, true
	}
	tri, ok := findWithStem(dir, stem+m.Suffix)
	if !ok {
		return Pair{}, false
	}
	return Pair{Image: path, Trimap: tri}, true
}

func findWithStem(dir, stem string) (string, bool) {
	if stem == "" {
		return "", false
	}
	p := fsutil.FirstExisting(fsutil.WithStem(dir, stem)...)
	return p, p != ""
}

// Scan returns every complete pair in dir.
func (m Matcher) Scan(dir string) ([]Pair, error) {
	files, err := fsutil.ListImages(dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	var pairs []Pair
	for _, path := range files {
		if m.IsTrimap(path) {
			continue
		}
		if p, ok := m.PairFor(path); ok {
			pairs = append(pairs, p)
		}
	}
	return pairs, nil
}

// Watcher monitors directories and submits a job once both files of a pair
// have stopped changing for the debounce interval.
type Watcher struct {
	watcher  *fsnotify.Watcher
	dirs     []string
	matcher  Matcher
	debounce time.Duration
	output   string
	submit   Submitter
	log      *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a watcher for the configured directories. Outputs go to
// <output>/<image stem>.
func New(cfg *config.Config, submit Submitter, log *slog.Logger) (*Watcher, error) {
	debounce := 500 * time.Millisecond
	if cfg.Watch.Debounce != "" {
		d, err := time.ParseDuration(cfg.Watch.Debounce)
		if err != nil {
			return nil, fmt.Errorf("invalid watch debounce %q: %w", cfg.Watch.Debounce, err)
		}
		debounce = d
	}
	suffix := cfg.Watch.TrimapSuffix
	if suffix == "" {
		suffix = DefaultTrimapSuffix
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:  fw,
		dirs:     cfg.Watch.Directories,
		matcher:  Matcher{Suffix: suffix},
		debounce: debounce,
		output:   cfg.Paths.DefaultOutput,
		submit:   submit,
		log:      log,
		pending:  make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}, nil
}

// Start adds the directories and begins processing events.
func (w *Watcher) Start() error {
	if len(w.dirs) == 0 {
		return fmt.Errorf("no watch directories configured")
	}
	for _, dir := range w.dirs {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.log.Info("Watching directory", "dir", dir, "trimap_suffix", w.matcher.Suffix)
	}
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop ends event processing and cancels pending submissions.
func (w *Watcher) Stop() error {
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	w.mu.Lock()
	for key, t := range w.pending {
		t.Stop()
		delete(w.pending, key)
	}
	w.mu.Unlock()
	return err
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if pair, ok := w.matcher.PairFor(event.Name); ok {
				w.schedule(pair)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("Filesystem watcher error", "error", err)
		}
	}
}

// schedule (re)arms the debounce timer for pair.
func (w *Watcher) schedule(pair Pair) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[pair.Image]; ok {
		t.Reset(w.debounce)
		return
	}
	w.pending[pair.Image] = time.AfterFunc(w.debounce, func() { w.fire(pair) })
}

func (w *Watcher) fire(pair Pair) {
	w.mu.Lock()
	delete(w.pending, pair.Image)
	w.mu.Unlock()

	select {
	case <-w.done:
		return
	default:
	}

	job := JobFor(pair, w.output)
	if err := w.submit.Submit(job); err != nil {
		w.log.Error("Failed to submit watched pair", "image", pair.Image, "trimap", pair.Trimap, "error", err)
		return
	}
	w.log.Info("Submitted watched pair", "job", job.ID, "image", pair.Image, "trimap", pair.Trimap)
}

// JobFor builds the decompose job for pair.
func JobFor(pair Pair, output string) pipeline.Job {
	stem := strings.TrimSuffix(filepath.Base(pair.Image), filepath.Ext(pair.Image))
	out := filepath.Join(filepath.Dir(pair.Image), "matting")
	if output != "" {
		out = filepath.Join(output, stem)
	}
	return pipeline.Job{
		ID:         pipeline.NewJobID("watch"),
		Type:       pipeline.JobDecompose,
		InputPath:  pair.Image,
		TrimapPath: pair.Trimap,
		Output:     out,
	}
}
