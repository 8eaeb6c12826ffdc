// Package artifacts persists per-run outputs: the effective config
// snapshot, the JSONL event log, timeline exports, and the
// reconciliation tool behind them.
package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/regimetrader/engine/pkg/types"
)

// Version stamps exported artifacts.
const Version = "1.4.0"

// RunID derives the deterministic run identifier from the effective
// configuration: the same config and seed always map to the same id.
func RunID(cfg *types.EngineConfig) (string, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal config for run id: %w", err)
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, raw).String(), nil
}

// RunDir is the per-run artifact directory:
// {resultsDir}/{runLabel}/{runID}.
func RunDir(cfg *types.EngineConfig, runID string) string {
	return filepath.Join(cfg.ResultsDir, cfg.RunLabel, runID)
}

// runConfig is the run_config.json shape.
type runConfig struct {
	RunID     string              `json:"run_id"`
	Version   string              `json:"version"`
	Seed      int64               `json:"seed"`
	Config    *types.EngineConfig `json:"config"`
	WrittenAt time.Time           `json:"written_at"`
}

// WriteRunConfig snapshots the effective configuration at startup.
func WriteRunConfig(cfg *types.EngineConfig, runID string) error {
	dir := RunDir(cfg, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	raw, err := json.MarshalIndent(runConfig{
		RunID:     runID,
		Version:   Version,
		Seed:      cfg.Seed,
		Config:    cfg,
		WrittenAt: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run config: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "run_config.json"), raw, 0o644)
}

// runMetadata is the run_metadata.json shape written on timeline
// export.
type runMetadata struct {
	RunID      string    `json:"run_id"`
	ExportedAt time.Time `json:"exported_at"`
	PackageIDs []string  `json:"package_ids"`
}

// WriteRunMetadata records a timeline export.
func WriteRunMetadata(dir, runID string, packageIDs []string) error {
	raw, err := json.MarshalIndent(runMetadata{
		RunID:      runID,
		ExportedAt: time.Now().UTC(),
		PackageIDs: packageIDs,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run metadata: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "run_metadata.json"), raw, 0o644)
}
