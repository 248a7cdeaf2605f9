// Package checkpoint persists training state as step-stamped blobs.
//
// Writes are atomic: the snapshot goes to a temporary file in the
// target directory, is synced, then renamed over the final key. A
// crash mid-write can never leave a truncated file as the only copy.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jasonacox/jojo/internal/config"
)

// Kind selects the naming scheme for a saved snapshot.
type Kind string

const (
	KindStep      Kind = "step"
	KindBest      Kind = "best"
	KindFinal     Kind = "final"
	KindEmergency Kind = "emergency"
)

const tempSuffix = ".tmp"

// retryBackoff is the single pause before the one retry a failed save
// gets. Checkpoint IO failure is a warning, not a training failure.
const retryBackoff = 500 * time.Millisecond

// Snapshot is everything needed to resume a run: counters, best-loss
// tracking, and the opaque model/optimizer blobs from the backend.
type Snapshot struct {
	RunID              string         `json:"run_id"`
	GlobalStep         int            `json:"global_step"`
	Epoch              int            `json:"epoch"`
	BestEvalLoss       float64        `json:"best_eval_loss"`
	LastCheckpointStep int            `json:"last_checkpoint_step"`
	EvalLoss           float64        `json:"eval_loss"`
	ModelState         []byte         `json:"model_state"`
	OptimizerState     []byte         `json:"optimizer_state"`
	Config             *config.Config `json:"config,omitempty"`
	SavedAt            time.Time      `json:"saved_at"`
}

// metadata is the human-readable YAML sidecar written next to each
// checkpoint blob.
type metadata struct {
	RunID      string    `yaml:"run_id"`
	GlobalStep int       `yaml:"global_step"`
	Epoch      int       `yaml:"epoch"`
	EvalLoss   float64   `yaml:"eval_loss"`
	Dataset    string    `yaml:"dataset,omitempty"`
	SavedAt    time.Time `yaml:"saved_at"`
}

// Store writes and reads snapshots under a single directory.
type Store struct {
	dir    string
	logger *slog.Logger
}

func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint dir: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Path returns the on-disk key a snapshot of the given kind maps to.
func (s *Store) Path(kind Kind, step int) string {
	switch kind {
	case KindStep:
		return filepath.Join(s.dir, fmt.Sprintf("step-%08d.ckpt", step))
	default:
		return filepath.Join(s.dir, fmt.Sprintf("%s.ckpt", kind))
	}
}

// Save persists the snapshot, retrying once with backoff on failure.
// The error from the second attempt is returned; callers treat it as
// a warning, not a fatal condition.
func (s *Store) Save(ctx context.Context, snap *Snapshot, kind Kind) error {
	path := s.Path(kind, snap.GlobalStep)

	err := s.saveOnce(snap, path)
	if err == nil {
		return nil
	}
	s.logger.Warn("checkpoint save failed, retrying",
		"path", path, "error", err)

	select {
	case <-time.After(retryBackoff):
	case <-ctx.Done():
		return fmt.Errorf("checkpoint save interrupted: %w", ctx.Err())
	}

	if err := s.saveOnce(snap, path); err != nil {
		return fmt.Errorf("checkpoint save failed after retry: %w", err)
	}
	return nil
}

func (s *Store) saveOnce(snap *Snapshot, path string) error {
	if err := s.writeAtomic(path, func(f *os.File) error {
		return json.NewEncoder(f).Encode(snap)
	}); err != nil {
		return err
	}

	meta := metadata{
		RunID:      snap.RunID,
		GlobalStep: snap.GlobalStep,
		Epoch:      snap.Epoch,
		EvalLoss:   snap.EvalLoss,
		SavedAt:    snap.SavedAt,
	}
	if snap.Config != nil {
		meta.Dataset = snap.Config.Data.DatasetName
	}
	return s.writeAtomic(path+".meta.yaml", func(f *os.File) error {
		return yaml.NewEncoder(f).Encode(&meta)
	})
}

// writeAtomic writes through a temp file in the same directory and
// publishes with an atomic rename.
func (s *Store) writeAtomic(path string, write func(*os.File) error) error {
	tmp := path + tempSuffix
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}

	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to publish %s: %w", path, err)
	}
	return nil
}

// Load reads a snapshot from an arbitrary path.
func Load(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer f.Close()

	var snap Snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
	}
	return &snap, nil
}
