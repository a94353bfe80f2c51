package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/rmax-ai/crmseed/pkg/simulation"
)

func main() {
	var (
		scenarioFile string
		jsonOutput   bool
		outputFile   string
		dataDir      string
		verbose      bool
	)

	flag.StringVar(&scenarioFile, "scenario", "", "Path to scenario YAML or JSON file")
	flag.BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	flag.StringVar(&outputFile, "out", "", "Write output to file instead of stdout")
	flag.StringVar(&dataDir, "data-dir", "", "Directory for the scenario database (default: temp dir)")
	flag.BoolVar(&verbose, "v", false, "Log engine events to stderr")
	flag.Parse()

	var scenario simulation.Scenario
	if scenarioFile != "" {
		var err error
		if scenario, err = simulation.LoadScenario(scenarioFile); err != nil {
			log.Fatalf("Failed to load scenario: %v", err)
		}
	} else {
		fmt.Fprintln(os.Stderr, "No scenario file provided, running default demo scenario...")
		scenario = simulation.DefaultScenario()
	}

	if dataDir == "" {
		dir, err := os.MkdirTemp("", "crmseed-sim-*")
		if err != nil {
			log.Fatalf("Failed to create temp dir: %v", err)
		}
		defer os.RemoveAll(dir)
		dataDir = dir
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := simulation.RunScenario(ctx, scenario, simulation.Options{Dir: dataDir, Logger: logger})
	if err != nil {
		log.Fatalf("Scenario failed: %v", err)
	}

	writeReport(result, jsonOutput, outputFile)

	if !result.Success {
		os.Exit(1)
	}
}

func writeReport(res simulation.SimulationResult, jsonFmt bool, filePath string) {
	var output []byte
	var err error

	if jsonFmt {
		output, err = json.MarshalIndent(res, "", "  ")
	} else {
		var buf bytes.Buffer
		fmt.Fprintf(&buf, "\n--- Simulation Report: %s ---\n", res.ScenarioName)
		fmt.Fprintf(&buf, "Elapsed: %s\n", res.Elapsed)
		fmt.Fprintf(&buf, "CRM calls: %d | Duplicates: %d | Injected failures: %d | Replayed: %d\n",
			res.Calls, res.Duplicates, res.Injected, res.Replayed)

		names := make([]string, 0, len(res.Runs))
		for name := range res.Runs {
			names = append(names, name)
		}
		sort.Strings(names)
		buf.WriteString("\nRuns:\n")
		for _, name := range names {
			r := res.Runs[name]
			fmt.Fprintf(&buf, "  %-12s %-10s succeeded %d/%d, skipped %d, dead %d, dlq %d\n",
				name, r.Status, r.Succeeded, r.Total, r.Skipped, r.Dead, r.DLQ)
		}

		if len(res.Invariants) > 0 {
			buf.WriteString("\nInvariants:\n")
			for _, inv := range res.Invariants {
				status := "FAIL"
				if inv.Passed {
					status = "PASS"
				}
				fmt.Fprintf(&buf, "[%s] %s (%s): Expected %s, Got %s\n", status, inv.Metric, inv.Scope, inv.Expected, inv.Actual)
			}
		}
		output = buf.Bytes()
	}

	if err != nil {
		log.Fatalf("Failed to marshal report: %v", err)
	}

	if filePath != "" {
		if err := os.WriteFile(filePath, output, 0644); err != nil {
			log.Fatalf("Failed to write report to %s: %v", filePath, err)
		}
		fmt.Printf("Report written to %s\n", filePath)
	} else {
		fmt.Println(string(output))
	}
}
