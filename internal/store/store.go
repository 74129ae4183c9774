// File: internal/store/store.go
// Description: File-based run persistence. Each run owns a directory under
// the runs root holding plain JSON records (config, status, result) plus
// marker files used as cross-process signals: a cancel marker polled by the
// orchestrator, a done marker for status queries, and a host-wide
// single-writer restart approval record. Runs coordinate exclusively
// through these files, never through shared memory.

package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/promptpilot/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	configFile   = "config.json"
	statusFile   = "status.json"
	resultFile   = "result.json"
	cancelMarker = "cancel"
	doneMarker   = "done"

	// approvalFile lives at the runs root, not inside a run directory:
	// it is the host-wide single-writer record that keeps two concurrent
	// runs from each attempting a disruptive browser restart.
	approvalFile = "restart-approval.json"
)

// StatusRecord is the externally readable status snapshot.
type StatusRecord struct {
	RunID     string                  `json:"run_id"`
	State     schemas.RunState        `json:"state"`
	Stage     schemas.Stage           `json:"stage,omitempty"`
	Message   string                  `json:"message,omitempty"`
	Attempt   int                     `json:"attempt"`
	Reason    schemas.NeedsUserReason `json:"reason,omitempty"`
	Detail    string                  `json:"detail,omitempty"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// ResultRecord is the externally readable terminal result.
type ResultRecord struct {
	RunID           string    `json:"run_id"`
	Content         string    `json:"content,omitempty"`
	ConversationRef string    `json:"conversation_ref,omitempty"`
	Error           string    `json:"error,omitempty"`
	FinishedAt      time.Time `json:"finished_at"`
}

// approvalRecord is the single-writer restart approval claim.
type approvalRecord struct {
	RunID     string    `json:"run_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// Store implements schemas.RunStore on top of a runs directory.
type Store struct {
	root string
	log  *zap.Logger
}

// Ensure Store satisfies the collaborator interface.
var _ schemas.RunStore = (*Store)(nil)

// New creates a store rooted at dir, creating it if needed.
func New(dir string, logger *zap.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("runs directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create runs directory %s: %w", dir, err)
	}
	return &Store{root: dir, log: logger.Named("store")}, nil
}

// RunDir returns the directory for a run, creating it on first use.
func (s *Store) RunDir(runID string) (string, error) {
	dir := filepath.Join(s.root, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create run directory: %w", err)
	}
	return dir, nil
}

// SaveConfig persists the immutable run configuration.
func (s *Store) SaveConfig(run *schemas.Run) error {
	return s.writeRecord(run.Config.ID, configFile, run.Config)
}

// SaveStatus persists the current state and stage. Called after every
// state transition so a separate process can inspect or cancel the run.
func (s *Store) SaveStatus(run *schemas.Run, state schemas.RunState, stage schemas.Stage, message string) error {
	rec := StatusRecord{
		RunID:     run.Config.ID,
		State:     state,
		Stage:     stage,
		Message:   message,
		Attempt:   run.Attempt,
		Reason:    run.NeedsUserReason,
		Detail:    run.NeedsUserDetail,
		UpdatedAt: time.Now().UTC(),
	}
	return s.writeRecord(run.Config.ID, statusFile, rec)
}

// SaveResult persists the terminal result (content or error) and drops
// the done marker.
func (s *Store) SaveResult(run *schemas.Run, content string, runErr error) error {
	rec := ResultRecord{
		RunID:           run.Config.ID,
		Content:         content,
		ConversationRef: run.ConversationRef,
		FinishedAt:      time.Now().UTC(),
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	if err := s.writeRecord(run.Config.ID, resultFile, rec); err != nil {
		return err
	}

	dir, err := s.RunDir(run.Config.ID)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, doneMarker), []byte{}, 0o644); err != nil {
		return fmt.Errorf("failed to write done marker: %w", err)
	}
	return nil
}

// LoadStatus reads the current status record for a run.
func (s *Store) LoadStatus(runID string) (*StatusRecord, error) {
	var rec StatusRecord
	if err := s.readRecord(runID, statusFile, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// LoadResult reads the terminal result record for a run.
func (s *Store) LoadResult(runID string) (*ResultRecord, error) {
	var rec ResultRecord
	if err := s.readRecord(runID, resultFile, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Done reports whether the run has published a terminal result.
func (s *Store) Done(runID string) bool {
	_, err := os.Stat(filepath.Join(s.root, runID, doneMarker))
	return err == nil
}

// Canceled reports whether an external cancel marker exists for the run.
// The marker is polled, never pushed.
func (s *Store) Canceled(runID string) bool {
	_, err := os.Stat(filepath.Join(s.root, runID, cancelMarker))
	return err == nil
}

// RequestCancel drops the cancel marker for a run. Used by the cancel
// command in a separate process.
func (s *Store) RequestCancel(runID string) error {
	dir, err := s.RunDir(runID)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, cancelMarker), []byte{}, 0o644); err != nil {
		return fmt.Errorf("failed to write cancel marker: %w", err)
	}
	return nil
}

// AcquireRestartApproval claims the host-wide restart approval record.
// O_EXCL makes creation the atomic claim; a second concurrent run sees
// the existing file and backs off.
func (s *Store) AcquireRestartApproval(runID string) (bool, error) {
	path := filepath.Join(s.root, approvalFile)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			s.log.Debug("Restart approval already held by another run.")
			return false, nil
		}
		return false, fmt.Errorf("failed to claim restart approval: %w", err)
	}
	defer f.Close()

	rec := approvalRecord{RunID: runID, ClaimedAt: time.Now().UTC()}
	enc := json.NewEncoder(f)
	if err := enc.Encode(&rec); err != nil {
		// Claim is unusable; release it so the host is not wedged.
		os.Remove(path)
		return false, fmt.Errorf("failed to write restart approval record: %w", err)
	}
	return true, nil
}

// ReleaseRestartApproval releases the approval record if this run holds it.
func (s *Store) ReleaseRestartApproval(runID string) error {
	path := filepath.Join(s.root, approvalFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read restart approval record: %w", err)
	}

	var rec approvalRecord
	if err := json.Unmarshal(data, &rec); err == nil && rec.RunID != runID {
		// Held by someone else; leave it alone.
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to release restart approval record: %w", err)
	}
	return nil
}

// writeRecord writes a JSON record atomically: temp file then rename, so
// a concurrent reader never observes a torn write.
func (s *Store) writeRecord(runID, name string, v any) error {
	dir, err := s.RunDir(runID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	tmp := filepath.Join(dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("failed to publish %s: %w", name, err)
	}
	return nil
}

func (s *Store) readRecord(runID, name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.root, runID, name))
	if err != nil {
		return fmt.Errorf("failed to read %s for run %s: %w", name, runID, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s for run %s: %w", name, runID, err)
	}
	return nil
}
