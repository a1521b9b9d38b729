package sensor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fitiq/fitiq-sync/internal/model"
)

// fileSample is the on-disk sample shape. Each *.json file in the directory
// holds an array of them.
type fileSample struct {
	ID     string    `json:"id"`
	Kind   string    `json:"kind"`
	Value  float64   `json:"value"`
	Unit   string    `json:"unit,omitempty"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end,omitempty"`
	Stage  string    `json:"stage,omitempty"`
	Source string    `json:"source,omitempty"`
}

func (f fileSample) sample() model.Sample {
	return model.Sample{
		ID:       f.ID,
		Kind:     model.Kind(f.Kind),
		Value:    f.Value,
		Unit:     f.Unit,
		Start:    f.Start,
		End:      f.End,
		Stage:    model.StageKind(f.Stage),
		SourceID: f.Source,
	}
}

// FileGateway reads samples exported by a device bridge into a directory of
// JSON files and watches the directory with fsnotify.
type FileGateway struct {
	dir string
	log zerolog.Logger
	mu  sync.Mutex // serializes SaveSample file writes
}

// NewFileGateway creates dir if needed.
func NewFileGateway(dir string, log zerolog.Logger) (*FileGateway, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sensor dir %s: %w", dir, err)
	}
	return &FileGateway{dir: dir, log: log.With().Str("component", "sensor.file").Logger()}, nil
}

func (g *FileGateway) files() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(g.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func readSampleFile(path string) ([]fileSample, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []fileSample
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return out, nil
}

func (g *FileGateway) QuerySamples(ctx context.Context, kind model.Kind, p Predicate) ([]model.Sample, error) {
	paths, err := g.files()
	if err != nil {
		return nil, err
	}
	var out []model.Sample
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		recs, err := readSampleFile(path)
		if err != nil {
			if os.IsPermission(err) {
				return nil, ErrPermissionDenied
			}
			// Half-written files are picked up by the next change event.
			g.log.Warn().Err(err).Str("file", path).Msg("skipping unreadable sample file")
			continue
		}
		for _, r := range recs {
			s := r.sample()
			if s.Kind == kind && p.Matches(s) {
				out = append(out, s)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (g *FileGateway) ObserveChanges(ctx context.Context, kind model.Kind) (<-chan Change, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(g.dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", g.dir, err)
	}
	out := make(chan Change, 16)
	go func() {
		defer close(out)
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(ev.Name, ".json") || !ev.Has(fsnotify.Create|fsnotify.Write|fsnotify.Rename) {
					continue
				}
				c, ok := g.fileChange(ev.Name, kind)
				if !ok {
					continue
				}
				c.At = time.Now()
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				g.log.Warn().Err(err).Msg("sensor watcher error")
			}
		}
	}()
	return out, nil
}

// fileChange reports whether path mentions kind and the span of its samples
// of that kind. Unreadable files count as a match with an unknown span so a
// partial write still triggers a re-query.
func (g *FileGateway) fileChange(path string, kind model.Kind) (Change, bool) {
	c := Change{Kind: kind}
	recs, err := readSampleFile(path)
	if err != nil {
		return c, true
	}
	found := false
	for _, r := range recs {
		if model.Kind(r.Kind) != kind {
			continue
		}
		found = true
		c.Start, c.End = spanOf(c.Start, c.End, r.sample())
	}
	return c, found
}

// SaveSample writes s as a single-sample file. The write goes to a temp
// file first and is renamed into place.
func (g *FileGateway) SaveSample(ctx context.Context, s model.Sample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	b, err := json.Marshal([]fileSample{{
		ID:     s.ID,
		Kind:   string(s.Kind),
		Value:  s.Value,
		Unit:   s.Unit,
		Start:  s.Start,
		End:    s.End,
		Stage:  string(s.Stage),
		Source: s.SourceID,
	}})
	if err != nil {
		return err
	}
	final := filepath.Join(g.dir, "written-"+s.ID+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

var _ Gateway = (*FileGateway)(nil)
