// Package checkpoint persists job state and per-target results as JSON
// documents on the local filesystem, optionally mirrored to a blob store.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
	"github.com/JakeFAU/surf-results-harvester/internal/metrics"
)

const (
	jobsDir     = "jobs"
	targetsDir  = "targets"
	exportsDir  = "exports"
	stateFile   = "state.json"
	optionsFile = "options_latest.json"

	contentTypeJSON = "application/json"
)

// ErrInvalidID rejects ids that would address a file outside the store.
var ErrInvalidID = errors.New("invalid checkpoint id")

// Config captures the parameters of the checkpoint store.
type Config struct {
	// Dir is the root directory of every checkpoint document.
	Dir string `mapstructure:"dir"`
}

// Store is a filesystem-backed harvest.CheckpointStore. Writes go to a temp
// file that is synced and renamed into place.
type Store struct {
	dir    string
	mirror harvest.BlobStore
	logger *zap.Logger
}

var _ harvest.CheckpointStore = (*Store)(nil)

// New creates the root directory if needed. mirror may be nil.
func New(cfg Config, mirror harvest.BlobStore, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	info, err := os.Stat(cfg.Dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(cfg.Dir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create checkpoint directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat checkpoint directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("checkpoint path %q is not a directory", cfg.Dir)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{dir: filepath.Clean(cfg.Dir), mirror: mirror, logger: logger}, nil
}

// Dir returns the root directory.
func (s *Store) Dir() string {
	return s.dir
}

// PersistTarget writes the result of one target.
func (s *Store) PersistTarget(ctx context.Context, result harvest.TargetResult) error {
	rel, err := targetPath(result.JobID, result.Target)
	if err != nil {
		return err
	}
	err = s.writeJSON(ctx, rel, result)
	metrics.ObserveCheckpointWrite("target", err)
	return err
}

// PersistJobState writes the job state document.
func (s *Store) PersistJobState(ctx context.Context, state harvest.JobState) error {
	rel, err := statePath(state.ID)
	if err != nil {
		return err
	}
	err = s.writeJSON(ctx, rel, state)
	metrics.ObserveCheckpointWrite("job_state", err)
	return err
}

// LoadJobState reads a job state, or harvest.ErrNotFound.
func (s *Store) LoadJobState(_ context.Context, jobID string) (harvest.JobState, error) {
	rel, err := statePath(jobID)
	if err != nil {
		return harvest.JobState{}, fmt.Errorf("%w: %w", harvest.ErrNotFound, err)
	}
	var state harvest.JobState
	if err := s.readJSON(rel, &state); err != nil {
		return harvest.JobState{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	return state, nil
}

// LoadTargetResult reads the result of one target, or harvest.ErrNotFound.
func (s *Store) LoadTargetResult(_ context.Context, jobID string, target harvest.Target) (harvest.TargetResult, error) {
	rel, err := targetPath(jobID, target)
	if err != nil {
		return harvest.TargetResult{}, fmt.Errorf("%w: %w", harvest.ErrNotFound, err)
	}
	var result harvest.TargetResult
	if err := s.readJSON(rel, &result); err != nil {
		return harvest.TargetResult{}, fmt.Errorf("load target %s/%s: %w", jobID, target.Key(), err)
	}
	return result, nil
}

// ListTargetResults returns every persisted result of a job sorted by
// surfer id, then year.
func (s *Store) ListTargetResults(_ context.Context, jobID string) ([]harvest.TargetResult, error) {
	if err := validID(jobID); err != nil {
		return nil, fmt.Errorf("%w: %w", harvest.ErrNotFound, err)
	}
	dir := filepath.Join(s.dir, jobsDir, jobID, targetsDir)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []harvest.TargetResult{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list targets of %s: %w", jobID, err)
	}
	results := make([]harvest.TargetResult, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		var result harvest.TargetResult
		if err := s.readJSON(filepath.Join(jobsDir, jobID, targetsDir, e.Name()), &result); err != nil {
			return nil, fmt.Errorf("read target %s: %w", e.Name(), err)
		}
		results = append(results, result)
	}
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i].Target, results[j].Target
		if a.SurferID != b.SurferID {
			return a.SurferID < b.SurferID
		}
		return a.Year < b.Year
	})
	return results, nil
}

// ListJobStates returns every persisted job state, oldest first.
func (s *Store) ListJobStates(_ context.Context) ([]harvest.JobState, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, jobsDir))
	if errors.Is(err, fs.ErrNotExist) {
		return []harvest.JobState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	states := make([]harvest.JobState, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var state harvest.JobState
		err := s.readJSON(filepath.Join(jobsDir, e.Name(), stateFile), &state)
		if errors.Is(err, harvest.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read job %s: %w", e.Name(), err)
		}
		states = append(states, state)
	}
	sort.SliceStable(states, func(i, j int) bool {
		if !states[i].CreatedAt.Equal(states[j].CreatedAt) {
			return states[i].CreatedAt.Before(states[j].CreatedAt)
		}
		return states[i].ID < states[j].ID
	})
	return states, nil
}

func (s *Store) writeJSON(ctx context.Context, rel string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", harvest.ErrPersistence, rel, err)
	}
	data = append(data, '\n')
	return s.writeFile(ctx, rel, contentTypeJSON, data)
}

// writeFile writes data atomically under the root, then mirrors it.
func (s *Store) writeFile(ctx context.Context, rel, contentType string, data []byte) error {
	full, err := s.resolve(rel)
	if err != nil {
		return err
	}
	if err := atomicWrite(full, data); err != nil {
		return fmt.Errorf("%w: %w", harvest.ErrPersistence, err)
	}
	if s.mirror != nil {
		key := filepath.ToSlash(rel)
		if _, err := s.mirror.PutObject(ctx, key, contentType, bytes.NewReader(data)); err != nil {
			s.logger.Warn("checkpoint mirror failed", zap.String("path", key), zap.Error(err))
		}
	}
	return nil
}

func (s *Store) readJSON(rel string, v any) error {
	full, err := s.resolve(rel)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(full) // #nosec G304 -- path validated by resolve.
	if errors.Is(err, fs.ErrNotExist) {
		return harvest.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: read %s: %w", harvest.ErrPersistence, rel, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decode %s: %w", harvest.ErrPersistence, rel, err)
	}
	return nil
}

// resolve joins rel to the root and rejects paths that escape it.
func (s *Store) resolve(rel string) (string, error) {
	full := filepath.Clean(filepath.Join(s.dir, rel))
	if !strings.HasPrefix(full, s.dir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path traversal detected for %q", ErrInvalidID, rel)
	}
	return full, nil
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename temp file: %w", err)
	}
	if err := syncDir(dir); err != nil {
		return fmt.Errorf("sync directory: %w", err)
	}
	return nil
}

// syncDir flushes dir so a completed rename survives a crash.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		_ = d.Close()
		return err
	}
	return d.Close()
}

func statePath(jobID string) (string, error) {
	if err := validID(jobID); err != nil {
		return "", err
	}
	return filepath.Join(jobsDir, jobID, stateFile), nil
}

func targetPath(jobID string, target harvest.Target) (string, error) {
	if err := validID(jobID); err != nil {
		return "", err
	}
	if err := validID(target.SurferID); err != nil {
		return "", err
	}
	return filepath.Join(jobsDir, jobID, targetsDir, target.Key()+".json"), nil
}

// validID rejects ids that could name anything but a single path element.
func validID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}
