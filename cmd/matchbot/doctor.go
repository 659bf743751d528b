package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/coolbuoy/matchbot/internal/config"
	"github.com/coolbuoy/matchbot/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	cfg, err := config.Load()
	cfgPtr := &cfg
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		// Continue anyway to diagnose why.
		cfgPtr = nil
	}

	diag := doctor.Run(ctx, cfgPtr, Version)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		if diag.Failed() {
			return 1
		}
		return 0
	}

	fmt.Printf("Matchbot Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Printf("System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Println("---")

	for _, res := range diag.Results {
		var status string
		switch res.Status {
		case "FAIL":
			status = styleBad.Render("FAIL")
		case "WARN":
			status = styleWarn.Render("WARN")
		case "SKIP":
			status = styleDim.Render("SKIP")
		default:
			status = styleGood.Render("PASS")
		}

		fmt.Printf("%s %-13s %s\n", status, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Printf("     %s\n", styleDim.Render(res.Detail))
		}
	}

	if diag.Failed() {
		return 1
	}
	return 0
}
