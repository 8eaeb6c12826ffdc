package artifacts

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/regimetrader/engine/pkg/types"
)

// Mismatch is one reconciliation difference between stored state and
// the state reconstructed from the event log.
type Mismatch struct {
	PackageID   string          `json:"package_id"`
	ComputedPnL decimal.Decimal `json:"computed_pnl"`
	StoredPnL   decimal.Decimal `json:"stored_pnl"`
	Detail      string          `json:"detail"`
}

func (m Mismatch) String() string {
	return fmt.Sprintf("ERROR package=%s computed=%s stored=%s detail=%s",
		m.PackageID, m.ComputedPnL.StringFixed(2), m.StoredPnL.StringFixed(2), m.Detail)
}

// ReconcilePositions replays PackageOpened/PackageClosed events and
// compares the reconstructed outcomes against the stored multi-leg
// trades. Every difference is reported; callers treat a non-empty
// result as a StateMismatch requiring manual review.
func ReconcilePositions(events []Event, trades []types.MultiLegTrade) []Mismatch {
	opened := make(map[string]bool)
	closedPnL := make(map[string]decimal.Decimal)

	for _, e := range events {
		switch e.Event {
		case "PackageOpened":
			opened[e.PackageID] = true
		case "PackageClosed":
			raw, ok := e.Fields["combined_pnl"].(string)
			if !ok {
				closedPnL[e.PackageID] = decimal.Zero
				continue
			}
			pnl, err := decimal.NewFromString(raw)
			if err != nil {
				pnl = decimal.Zero
			}
			closedPnL[e.PackageID] = pnl
		}
	}

	stored := make(map[string]types.MultiLegTrade, len(trades))
	for _, t := range trades {
		stored[t.PackageID] = t
	}

	var mismatches []Mismatch
	for pkgID, computed := range closedPnL {
		trade, ok := stored[pkgID]
		if !ok {
			mismatches = append(mismatches, Mismatch{
				PackageID:   pkgID,
				ComputedPnL: computed,
				Detail:      "closed in event log but missing from stored trades",
			})
			continue
		}
		if !trade.CombinedPnL.Sub(computed).Abs().LessThan(decimal.NewFromFloat(0.01)) {
			mismatches = append(mismatches, Mismatch{
				PackageID:   pkgID,
				ComputedPnL: computed,
				StoredPnL:   trade.CombinedPnL,
				Detail:      "combined pnl differs between event log and stored trade",
			})
		}
	}

	for pkgID := range stored {
		if !opened[pkgID] {
			mismatches = append(mismatches, Mismatch{
				PackageID: pkgID,
				StoredPnL: stored[pkgID].CombinedPnL,
				Detail:    "stored trade has no PackageOpened event",
			})
		}
	}
	return mismatches
}
