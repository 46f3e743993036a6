// Command agentctl is the operator CLI for inspecting a bus's durable state:
// archived message history, per-channel logs, store contents, and traffic
// metrics from a Prometheus server scraping the bus.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"agentbus/pkg/config"
	"agentbus/pkg/eventlog"
	"agentbus/pkg/metrics"
	"agentbus/pkg/persistence"
	"agentbus/pkg/store"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "history":
		err = runHistory(os.Args[2:])
	case "channels":
		err = runChannels(os.Args[2:])
	case "log":
		err = runLog(os.Args[2:])
	case "keys":
		err = runKeys(os.Args[2:])
	case "get":
		err = runGet(os.Args[2:])
	case "traffic":
		err = runTraffic(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`agentctl - inspect a coordination bus's durable state

Usage:
  agentctl history  [-archive path] [-agent name] [-kind kind] [-limit n]
  agentctl channels [-data dir]
  agentctl log <channel> [-data dir]
  agentctl keys     [-data dir] [-owner name]
  agentctl get <key> [-data dir]
  agentctl traffic  [-prometheus url] [-agent name]
`)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// runHistory queries the SQLite archive directly; the bus does not need to
// be running.
func runHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	archivePath := fs.String("archive", filepath.Join(config.DefaultDataDir, config.DefaultArchiveFilename), "Path to the archive database")
	agent := fs.String("agent", "", "Filter by agent (sent or received)")
	kind := fs.String("kind", "", "Filter by message kind")
	limit := fs.Int("limit", 50, "Maximum messages to return")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, err := persistence.InitializeDatabase(*archivePath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	worker := persistence.NewWorker(db)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go worker.Run(ctx)

	msgs, err := persistence.QueryMessages(ctx, &persistence.MessageFilter{
		Agent: *agent,
		Kind:  *kind,
		Limit: *limit,
	}, worker.Requests())
	if err != nil {
		return err
	}
	return printJSON(msgs)
}

func runChannels(args []string) error {
	fs := flag.NewFlagSet("channels", flag.ExitOnError)
	dataDir := fs.String("data", config.DefaultDataDir, "Bus data directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	w, err := eventlog.NewWriter(filepath.Join(*dataDir, config.DefaultEventLogSubdir), config.DefaultRetentionCount)
	if err != nil {
		return err
	}
	channels, err := w.Channels()
	if err != nil {
		return err
	}
	for _, channel := range channels {
		fmt.Println(channel)
	}
	return nil
}

func runLog(args []string) error {
	if len(args) < 1 || args[0] == "" {
		return fmt.Errorf("log requires a channel name")
	}
	channel := args[0]

	fs := flag.NewFlagSet("log", flag.ExitOnError)
	dataDir := fs.String("data", config.DefaultDataDir, "Bus data directory")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	w, err := eventlog.NewWriter(filepath.Join(*dataDir, config.DefaultEventLogSubdir), config.DefaultRetentionCount)
	if err != nil {
		return err
	}
	msgs, err := w.Read(channel)
	if err != nil {
		return err
	}
	return printJSON(msgs)
}

func openStore(dataDir string) (*store.Store, error) {
	// Long flush interval; this process only reads and exits.
	return store.New(dataDir, time.Hour, nil)
}

func runKeys(args []string) error {
	fs := flag.NewFlagSet("keys", flag.ExitOnError)
	dataDir := fs.String("data", config.DefaultDataDir, "Bus data directory")
	owner := fs.String("owner", "", "Filter by owning agent")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := openStore(*dataDir)
	if err != nil {
		return err
	}
	for _, key := range s.Keys(*owner) {
		fmt.Println(key)
	}
	return nil
}

func runGet(args []string) error {
	if len(args) < 1 || args[0] == "" {
		return fmt.Errorf("get requires a key")
	}
	key := args[0]

	fs := flag.NewFlagSet("get", flag.ExitOnError)
	dataDir := fs.String("data", config.DefaultDataDir, "Bus data directory")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	s, err := openStore(*dataDir)
	if err != nil {
		return err
	}
	entry, found := s.GetEntry(key)
	if !found {
		return fmt.Errorf("key %q not found", key)
	}
	return printJSON(entry)
}

func runTraffic(args []string) error {
	fs := flag.NewFlagSet("traffic", flag.ExitOnError)
	promURL := fs.String("prometheus", "http://localhost:9091", "Prometheus server URL")
	agent := fs.String("agent", "", "Agent to report traffic for")
	if err := fs.Parse(args); err != nil {
		return err
	}

	svc, err := metrics.NewQueryService(*promURL)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if *agent != "" {
		traffic, err := svc.GetAgentTraffic(ctx, *agent)
		if err != nil {
			return err
		}
		return printJSON(traffic)
	}

	byKind, err := svc.GetTrafficByKind(ctx)
	if err != nil {
		return err
	}
	return printJSON(byKind)
}
