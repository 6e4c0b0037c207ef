package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"

	"visual-waypoint-nav/drone"

	"github.com/joho/godotenv"
)

const usage = "Expected 'serve' or 'simulate' subcommand"

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}
	if err := loadDotEnv(); err != nil {
		log.Printf("failed to load .env: %v", err)
	}

	switch os.Args[1] {
	case "serve":
		serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
		protocol := serveCmd.String("proto", "http", "Protocol to use (http or https)")
		port := serveCmd.String("p", "5000", "Port to use")
		realTime := serveCmd.Bool("realtime", true, "Pace ticks at tick_hz")
		serveCmd.Parse(os.Args[2:])
		serve(*protocol, *port, *realTime)
	case "simulate":
		simCmd := flag.NewFlagSet("simulate", flag.ExitOnError)
		realTime := simCmd.Bool("realtime", false, "Pace ticks at tick_hz")
		maxTicks := simCmd.Uint64("max-ticks", 0, "Abort after this many ticks (0 = unlimited)")
		simCmd.Parse(os.Args[2:])
		os.Exit(simulate(*realTime, *maxTicks))
	default:
		fmt.Println(usage)
		os.Exit(1)
	}
}

// loadDotEnv loads the given env files (.env by default). A missing file is
// not an error.
func loadDotEnv(filenames ...string) error {
	if err := godotenv.Load(filenames...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func writeReport(w io.Writer, report interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// simulate flies the configured mission headless and returns the process
// exit code: 0 completed, 2 aborted, 1 on error.
func simulate(realTime bool, maxTicks uint64) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	app, err := loadMissionApp(ctx, drone.RunnerOptions{RealTime: realTime, MaxTicks: maxTicks})
	if err != nil {
		log.Printf("failed to load mission: %v", err)
		return 1
	}
	defer app.Close()

	outcome, err := app.runner.Run(ctx)
	if err != nil {
		log.Printf("mission failed: %v", err)
		return 1
	}

	final := app.runner.Store().Snapshot()
	report := map[string]interface{}{
		"mission": app.mission.ID,
		"outcome": outcome,
		"state":   final.State,
	}
	if err := writeReport(os.Stdout, report); err != nil {
		log.Printf("failed to write report: %v", err)
		return 1
	}

	if outcome.Status == drone.StatusCompleted {
		return 0
	}
	return 2
}
