package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sirupsen/logrus"
)

// Overrides is the shape of the hot-reloadable tuning file. Absent fields
// leave the current setting alone.
type Overrides struct {
	RatePerMinute   *int `json:"ratePerMinute"`
	CacheTTLSeconds *int `json:"cacheTtlSeconds"`
	PollIntervalMS  *int `json:"pollIntervalMs"`
}

const overridesSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "ratePerMinute": {"type": "integer", "minimum": 1},
    "cacheTtlSeconds": {"type": "integer", "minimum": 1},
    "pollIntervalMs": {"type": "integer", "minimum": 100}
  },
  "additionalProperties": false
}`

// Applier receives validated override values. The whiteboard adapter
// satisfies it.
type Applier interface {
	SetRatePerMinute(rate int)
	SetCacheTTL(ttl time.Duration)
	SetPollInterval(d time.Duration)
}

// Watcher re-applies the overrides file whenever it changes on disk. Invalid
// content is logged and skipped; the previous settings stay in effect.
type Watcher struct {
	path    string
	applier Applier
	log     *logrus.Logger
	schema  *jsonschema.Schema

	fsw      *fsnotify.Watcher
	stopOnce sync.Once
	stop     chan struct{}

	mu       sync.Mutex
	lastBody []byte
}

func NewWatcher(path string, applier Applier, logger *logrus.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:    path,
		applier: applier,
		log:     logger,
		schema:  mustCompileOverridesSchema(),
		fsw:     fsw,
		stop:    make(chan struct{}),
	}
	// Watch the directory: editors replace the file, which drops a watch on
	// the file itself.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	w.apply()
	go w.run()
	return w, nil
}

func (w *Watcher) Close() {
	w.stopOnce.Do(func() {
		close(w.stop)
		_ = w.fsw.Close()
	})
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.apply()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("overrides watcher error")
		}
	}
}

// apply reads, validates, and pushes the overrides. Unchanged content is a
// no-op so editor double-writes don't spam the log.
func (w *Watcher) apply() {
	body, err := os.ReadFile(w.path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.log.WithError(err).Warn("could not read overrides file")
		}
		return
	}
	w.mu.Lock()
	unchanged := bytes.Equal(body, w.lastBody)
	if !unchanged {
		w.lastBody = append([]byte(nil), body...)
	}
	w.mu.Unlock()
	if unchanged {
		return
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		w.log.WithError(err).Warn("overrides file is not valid JSON")
		return
	}
	if err := w.schema.Validate(doc); err != nil {
		w.log.WithError(err).Warn("overrides file failed validation")
		return
	}
	var overrides Overrides
	if err := json.Unmarshal(body, &overrides); err != nil {
		w.log.WithError(err).Warn("could not decode overrides file")
		return
	}

	fields := logrus.Fields{}
	if overrides.RatePerMinute != nil {
		w.applier.SetRatePerMinute(*overrides.RatePerMinute)
		fields["ratePerMinute"] = *overrides.RatePerMinute
	}
	if overrides.CacheTTLSeconds != nil {
		w.applier.SetCacheTTL(time.Duration(*overrides.CacheTTLSeconds) * time.Second)
		fields["cacheTtlSeconds"] = *overrides.CacheTTLSeconds
	}
	if overrides.PollIntervalMS != nil {
		w.applier.SetPollInterval(time.Duration(*overrides.PollIntervalMS) * time.Millisecond)
		fields["pollIntervalMs"] = *overrides.PollIntervalMS
	}
	w.log.WithFields(fields).Info("applied configuration overrides")
}

func mustCompileOverridesSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(overridesSchemaJSON)))
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("overrides.json", doc); err != nil {
		panic(err)
	}
	return compiler.MustCompile("overrides.json")
}
