package hedge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
)

// TimelineRow is one hedge evaluation record. A row is appended on
// every evaluation whether or not a hedge executed.
type TimelineRow struct {
	Bar             int64
	Price           decimal.Decimal
	NetOptionsDelta float64
	HedgeShares     int64
	TotalDelta      float64
	OptionsPnL      decimal.Decimal
	HedgePnL        decimal.Decimal
	TotalPnL        decimal.Decimal
	Note            string
}

// timelineKeep bounds per-package rows in memory.
const timelineKeep = 5000

func (e *Engine) appendRowLocked(packageID string, row TimelineRow) {
	rows := append(e.timelines[packageID], row)
	if len(rows) > timelineKeep {
		rows = rows[len(rows)-timelineKeep:]
	}
	e.timelines[packageID] = rows
}

// Timeline returns a copy of the package's rows.
func (e *Engine) Timeline(packageID string) []TimelineRow {
	e.mu.Lock()
	defer e.mu.Unlock()
	rows := e.timelines[packageID]
	out := make([]TimelineRow, len(rows))
	copy(out, rows)
	return out
}

// PackageIDs returns every package id with a recorded timeline.
func (e *Engine) PackageIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.timelines))
	for id := range e.timelines {
		ids = append(ids, id)
	}
	return ids
}

// ExportTimelines writes every timeline as a human-readable table to
// dir/{package_id}_timeline.txt and returns the exported package ids.
func (e *Engine) ExportTimelines(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create timeline dir: %w", err)
	}

	e.mu.Lock()
	snapshot := make(map[string][]TimelineRow, len(e.timelines))
	for id, rows := range e.timelines {
		cp := make([]TimelineRow, len(rows))
		copy(cp, rows)
		snapshot[id] = cp
	}
	e.mu.Unlock()

	var exported []string
	for id, rows := range snapshot {
		path := filepath.Join(dir, id+"_timeline.txt")
		if err := writeTimeline(path, id, rows); err != nil {
			return exported, err
		}
		exported = append(exported, id)
	}
	return exported, nil
}

func writeTimeline(path, packageID string, rows []TimelineRow) error {
	var b strings.Builder
	fmt.Fprintf(&b, "package: %s\n", packageID)
	fmt.Fprintf(&b, "%8s %10s %10s %8s %9s %12s %12s %12s  %s\n",
		"bar", "price", "net_opt_d", "shares", "total_d", "options_pnl", "hedge_pnl", "total_pnl", "note")
	for _, row := range rows {
		fmt.Fprintf(&b, "%8d %10s %10.3f %8d %9.3f %12s %12s %12s  %s\n",
			row.Bar,
			row.Price.StringFixed(2),
			row.NetOptionsDelta,
			row.HedgeShares,
			row.TotalDelta,
			row.OptionsPnL.StringFixed(2),
			row.HedgePnL.StringFixed(2),
			row.TotalPnL.StringFixed(2),
			row.Note,
		)
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
