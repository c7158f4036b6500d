// Package checkpoint defines run state snapshots and the stores that persist
// them. Snapshots are self-contained: replaying the latest one is sufficient
// to resume a run.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Channel-name prefixes that classify writes for the execution trace.
const (
	// BranchPrefix marks control writes that activate a downstream node.
	BranchPrefix = "branch:to:"
	// SystemPrefix marks engine-internal channels hidden from state views.
	SystemPrefix = "__"
)

// Write is one channel write performed during a superstep.
type Write struct {
	TaskID  string `json:"task_id"`
	Channel string `json:"channel"`
	Value   any    `json:"value"`
}

// Snapshot is the full state of a run at one superstep boundary.
type Snapshot struct {
	RunID           string         `json:"run_id"`
	Superstep       int            `json:"superstep"`
	Channels        map[string]any `json:"channels"`
	Pending         []string       `json:"pending"`
	CycleIterations map[string]int `json:"cycle_iterations,omitempty"`
	PendingHITL     string         `json:"pending_hitl,omitempty"`
	Writes          []Write        `json:"writes,omitempty"`
	Error           string         `json:"error,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Store persists the append-only checkpoint sequence of a run. LoadLatest
// returns (nil, nil) when the run has no checkpoints.
type Store interface {
	Save(ctx context.Context, snapshot *Snapshot) error
	LoadLatest(ctx context.Context, runID string) (*Snapshot, error)
	List(ctx context.Context, runID string) ([]*Snapshot, error)
	DeleteRun(ctx context.Context, runID string) error
}

// Encode serializes a snapshot in canonical form: JSON with deterministic key
// order (map keys are sorted) and binary values as base64.
func Encode(snapshot *Snapshot) ([]byte, error) {
	var buf bytes.Buffer

	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)

	if err := encoder.Encode(snapshot); err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Decode parses a snapshot previously produced by Encode.
func Decode(data []byte) (*Snapshot, error) {
	var snapshot Snapshot

	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	return &snapshot, nil
}

// Clone returns a deep copy of the snapshot by round-tripping the codec.
func (s *Snapshot) Clone() (*Snapshot, error) {
	data, err := Encode(s)
	if err != nil {
		return nil, err
	}

	return Decode(data)
}
