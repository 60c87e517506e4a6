// Package store provides a crash-safe JSON journal of terminal plan summaries.
//
// Each plan that reaches COMPLETED, CANCELLED or FAILED is stored as a
// separate file: plan_<planID>.json. Writes use atomic file replacement
// (write to .tmp, then rename) to prevent corruption from partial writes or
// crashes mid-save. The engine journals on every terminal transition and
// loads the full set on startup to re-seed the intent registry, so a
// restarted process still refuses duplicate submissions.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Record is the persisted summary of one terminal plan.
type Record struct {
	PlanID     string          `json:"plan_id"`
	IntentID   string          `json:"intent_id"`
	Instrument string          `json:"instrument"`
	Algo       string          `json:"algo"`
	Status     string          `json:"status"`
	TargetQty  int64           `json:"target_qty"`
	FilledQty  int64           `json:"filled_qty"`
	AvgPrice   decimal.Decimal `json:"avg_price"`
	Error      string          `json:"error,omitempty"`
	CreatedTs  time.Time       `json:"created_ts"`
	EndTs      time.Time       `json:"end_ts"`
}

// Journal persists plan records to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Journal struct {
	dir string // directory containing plan_*.json files
	mu  sync.Mutex
}

// Open creates a journal backed by the given directory.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	return &Journal{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (j *Journal) Close() error {
	return nil
}

// Save atomically persists one terminal plan record. It writes to a .tmp
// file first, then renames over the target so the file is never left in a
// partial state.
func (j *Journal) Save(rec Record) error {
	if rec.PlanID == "" {
		return fmt.Errorf("journal: record has no plan id")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal plan record: %w", err)
	}

	path := filepath.Join(j.dir, "plan_"+rec.PlanID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write plan record: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load restores one plan record from disk. Returns nil, nil if no record
// exists for the plan ID.
func (j *Journal) Load(planID string) (*Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	path := filepath.Join(j.dir, "plan_"+planID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read plan record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal plan record: %w", err)
	}
	return &rec, nil
}

// LoadAll reads every journaled record. Unreadable files are skipped rather
// than aborting the load; a corrupt record must not keep the engine from
// starting.
func (j *Journal) LoadAll() ([]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, fmt.Errorf("read journal dir: %w", err)
	}

	var out []Record
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "plan_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(j.dir, name))
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
