// Package main is the reconcile_positions diagnostic: it compares
// persisted multi-leg trades against the state reconstructed from the
// run's event log.
//
// Exit codes: 0 pass, 1 execution-plane fault, 2 data-plane fault,
// 3 decision-plane fault.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/regimetrader/engine/internal/artifacts"
	"github.com/regimetrader/engine/pkg/types"
)

const (
	exitPass          = 0
	exitExecutionFault = 1
	exitDataFault     = 2
	exitDecisionFault = 3
)

func main() {
	runDir := flag.String("run-dir", "", "Run artifact directory containing events.jsonl and trades.json")
	flag.Parse()

	if *runDir == "" {
		fmt.Fprintln(os.Stderr, "usage: reconcile -run-dir <dir>")
		os.Exit(exitDecisionFault)
	}

	events, err := artifacts.ReadEventLog(filepath.Join(*runDir, "events.jsonl"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read event log: %v\n", err)
		os.Exit(exitDataFault)
	}

	var trades []types.MultiLegTrade
	raw, err := os.ReadFile(filepath.Join(*runDir, "trades.json"))
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "failed to read stored trades: %v\n", err)
			os.Exit(exitDataFault)
		}
	} else if err := json.Unmarshal(raw, &trades); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse stored trades: %v\n", err)
		os.Exit(exitDataFault)
	}

	mismatches := artifacts.ReconcilePositions(events, trades)
	if len(mismatches) == 0 {
		fmt.Println("reconcile: OK")
		os.Exit(exitPass)
	}

	for _, m := range mismatches {
		fmt.Fprintln(os.Stderr, m.String())
	}
	os.Exit(exitExecutionFault)
}
