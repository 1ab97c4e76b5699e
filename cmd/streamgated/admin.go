package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/streamgate-io/streamgate/internal/config"
	"github.com/streamgate-io/streamgate/internal/metadata"
	"github.com/streamgate-io/streamgate/internal/metadata/oxia"
	"github.com/streamgate-io/streamgate/internal/streams"
)

// runAdmin handles admin subcommands.
func runAdmin(args []string) {
	if len(args) < 1 {
		printAdminUsage()
		os.Exit(1)
	}

	subcommand := args[0]
	switch subcommand {
	case "streams":
		runAdminStreams(args[1:])
	case "owners":
		runAdminOwners(args[1:])
	case "help", "-h", "--help":
		printAdminUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown admin command: %s\n\n", subcommand)
		printAdminUsage()
		os.Exit(1)
	}
}

func printAdminUsage() {
	fmt.Println(`Usage: streamgated admin <command> [options]

Admin commands for managing a Streamgate cluster.

Commands:
  streams    Stream management (list, create, delete)
  owners     Show which proxy currently owns each stream

Run 'streamgated admin <command> --help' for more information on a command.`)
}

// adminContext opens the metadata store from config for one admin command.
func adminContext(configPath string) (context.Context, context.CancelFunc, metadata.MetadataStore, *config.Config) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := oxia.New(ctx, oxia.Config{
		ServiceAddress: cfg.Metadata.OxiaEndpoint,
		Namespace:      cfg.Metadata.Namespace,
		RequestTimeout: cfg.Metadata.RequestTimeout(),
		SessionTimeout: cfg.Metadata.SessionTimeout(),
	})
	if err != nil {
		cancel()
		fmt.Fprintf(os.Stderr, "failed to connect to metadata store: %v\n", err)
		os.Exit(1)
	}
	return ctx, cancel, store, cfg
}

func runAdminStreams(args []string) {
	if len(args) < 1 {
		printStreamsUsage()
		os.Exit(1)
	}

	subcommand := args[0]
	switch subcommand {
	case "list":
		runStreamsList(args[1:])
	case "create":
		runStreamsCreate(args[1:])
	case "delete":
		runStreamsDelete(args[1:])
	case "help", "-h", "--help":
		printStreamsUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown streams command: %s\n\n", subcommand)
		printStreamsUsage()
		os.Exit(1)
	}
}

func printStreamsUsage() {
	fmt.Println(`Usage: streamgated admin streams <command> [options]

Commands:
  list       List registered streams
  create     Register a stream
  delete     Delete a stream registration`)
}

func runStreamsList(args []string) {
	fs := flag.NewFlagSet("streams list", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ctx, cancel, store, cfg := adminContext(*configPath)
	defer cancel()
	defer store.Close()

	registry, err := streams.NewRegistry(store, cfg.Client.StreamNameRegex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	list, err := registry.ListStreams(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list streams: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STREAM\tCREATED")
	for _, s := range list {
		created := time.UnixMilli(s.CreatedAtMs).UTC().Format(time.RFC3339)
		fmt.Fprintf(w, "%s\t%s\n", s.Name, created)
	}
	w.Flush()
}

func runStreamsCreate(args []string) {
	fs := flag.NewFlagSet("streams create", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	name := fs.String("name", "", "Stream name (required)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *name == "" {
		fmt.Fprintln(os.Stderr, "--name is required")
		os.Exit(1)
	}

	ctx, cancel, store, cfg := adminContext(*configPath)
	defer cancel()
	defer store.Close()

	registry, err := streams.NewRegistry(store, cfg.Client.StreamNameRegex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if _, err := registry.CreateStream(ctx, *name, time.Now().UnixMilli()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create stream: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("created stream %q\n", *name)
}

func runStreamsDelete(args []string) {
	fs := flag.NewFlagSet("streams delete", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	name := fs.String("name", "", "Stream name (required)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *name == "" {
		fmt.Fprintln(os.Stderr, "--name is required")
		os.Exit(1)
	}

	ctx, cancel, store, cfg := adminContext(*configPath)
	defer cancel()
	defer store.Close()

	registry, err := streams.NewRegistry(store, cfg.Client.StreamNameRegex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if err := registry.DeleteStream(ctx, *name); err != nil {
		fmt.Fprintf(os.Stderr, "failed to delete stream: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("deleted stream %q\n", *name)
}

func runAdminOwners(args []string) {
	fs := flag.NewFlagSet("owners", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ctx, cancel, store, _ := adminContext(*configPath)
	defer cancel()
	defer store.Close()

	// The advertised-owner argument is unused for reads.
	owners := streams.NewOwnerRegistry(store, "")
	snapshot, err := owners.Snapshot(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read ownerships: %v\n", err)
		os.Exit(1)
	}

	names := make([]string, 0, len(snapshot))
	for stream := range snapshot {
		names = append(names, stream)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STREAM\tOWNER")
	for _, stream := range names {
		fmt.Fprintf(w, "%s\t%s\n", stream, snapshot[stream])
	}
	w.Flush()
}
