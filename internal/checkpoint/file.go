package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowd/internal/task"
)

// FileStore persists checkpoints as JSON files under
// <dir>/<task_id>/<seq>-<stage>.json. Writes go through a temp file and
// rename so a crash never leaves a torn checkpoint.
type FileStore struct {
	dir       string
	retention time.Duration
	logger    *zap.Logger
}

// NewFileStore creates the base directory if needed. retention <= 0 uses
// DefaultRetention.
func NewFileStore(dir string, retention time.Duration, logger *zap.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint dir is required")
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &FileStore{dir: dir, retention: retention, logger: logger}, nil
}

func (s *FileStore) taskDir(taskID string) string {
	return filepath.Join(s.dir, taskID)
}

// Save snapshots state after stage completed.
func (s *FileStore) Save(_ context.Context, taskID, stage string, state *task.State) (string, error) {
	dir := s.taskDir(taskID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}

	seq, err := s.nextSeq(dir)
	if err != nil {
		return "", err
	}

	cp := &Checkpoint{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Stage:     stage,
		Seq:       seq,
		State:     state.Clone(),
		CreatedAt: time.Now().UTC(),
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%06d-%s.json", seq, stage))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("rename checkpoint: %w", err)
	}

	s.logger.Debug("saved checkpoint",
		zap.String("task_id", taskID),
		zap.String("stage", stage),
		zap.Int("seq", seq),
	)
	return cp.ID, nil
}

// nextSeq returns one past the highest existing checkpoint sequence.
func (s *FileStore) nextSeq(dir string) (int, error) {
	names, err := checkpointFiles(dir)
	if err != nil {
		return 0, err
	}
	if len(names) == 0 {
		return 1, nil
	}
	var seq int
	if _, err := fmt.Sscanf(filepath.Base(names[len(names)-1]), "%06d-", &seq); err != nil {
		return 0, fmt.Errorf("parse checkpoint name %s: %w", names[len(names)-1], err)
	}
	return seq + 1, nil
}

// checkpointFiles lists checkpoint files in a task dir, sorted by name.
// The zero-padded seq prefix makes lexical order match creation order.
func checkpointFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(names)
	return names, nil
}

// LoadLatest returns the newest checkpoint for a task.
func (s *FileStore) LoadLatest(_ context.Context, taskID string) (*Checkpoint, error) {
	names, err := checkpointFiles(s.taskDir(taskID))
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(names[len(names)-1])
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// ListResumable returns non-terminal tasks checkpointed within retention.
func (s *FileStore) ListResumable(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", s.dir, err)
	}

	cutoff := time.Now().Add(-s.retention)
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		cp, err := s.LoadLatest(ctx, e.Name())
		if err != nil {
			s.logger.Warn("skipping unreadable task dir",
				zap.String("task_id", e.Name()),
				zap.Error(err))
			continue
		}
		if cp.State.Terminal || cp.CreatedAt.Before(cutoff) {
			continue
		}
		ids = append(ids, e.Name())
	}
	return ids, nil
}

// Delete removes all checkpoints for a task.
func (s *FileStore) Delete(_ context.Context, taskID string) error {
	return os.RemoveAll(s.taskDir(taskID))
}

// Sweep removes task dirs whose newest checkpoint is outside retention.
func (s *FileStore) Sweep(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read dir %s: %w", s.dir, err)
	}

	cutoff := time.Now().Add(-s.retention)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		cp, err := s.LoadLatest(ctx, e.Name())
		if err != nil || cp.CreatedAt.Before(cutoff) {
			if err := os.RemoveAll(s.taskDir(e.Name())); err != nil {
				return removed, fmt.Errorf("remove %s: %w", e.Name(), err)
			}
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error { return nil }
