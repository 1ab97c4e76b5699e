package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/streamgate-io/streamgate/internal/client"
	"github.com/streamgate-io/streamgate/internal/config"
	"github.com/streamgate-io/streamgate/internal/logging"
	"github.com/streamgate-io/streamgate/internal/metrics"
	"github.com/streamgate-io/streamgate/internal/routing"
)

func runWrite(args []string) {
	fs := flag.NewFlagSet("write", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	stream := fs.String("stream", "", "Stream to write to (required)")
	seeds := fs.String("seeds", "", "Comma-separated proxy addresses (overrides config)")
	payload := fs.String("payload", "", "Record payload; reads lines from stdin when empty")

	fs.Usage = func() {
		fmt.Println(`Usage: streamgated write [options]

Write records to a stream. With --payload a single record is written;
otherwise each stdin line becomes one record.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *stream == "" {
		fmt.Fprintln(os.Stderr, "--stream is required")
		fs.Usage()
		os.Exit(1)
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromPath(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	seedList := cfg.Client.SeedAddresses
	if *seeds != "" {
		seedList = strings.Split(*seeds, ",")
	}
	seedAddrs, err := parseAddresses(seedList)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad seed address: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Configure(cfg.Observability.LogLevel, cfg.Observability.LogFormat)

	routes, err := buildRoutingService(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad routing config: %v\n", err)
		os.Exit(1)
	}

	c, err := client.New(client.Options{
		Name:                    "streamgated-write",
		Seeds:                   seedAddrs,
		MaxRedirects:            cfg.Client.MaxRedirects,
		StreamNameRegex:         cfg.Client.StreamNameRegex,
		HandshakeWithClientInfo: cfg.Client.HandshakeWithClientInfo,
		ConnectTimeout:          cfg.Client.ConnectTimeout(),
		RequestTimeout:          cfg.Client.RequestTimeout(),
	}, routes, logger, metrics.NewClientMetrics())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create client: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	writeOne := func(record []byte) error {
		res, err := c.Write(ctx, *stream, record)
		if err != nil {
			return err
		}
		fmt.Printf("stream=%s seq=%d epoch=%d owner=%s\n", *stream, res.Sequence, res.Epoch, res.Owner)
		return nil
	}

	if *payload != "" {
		if err := writeOne([]byte(*payload)); err != nil {
			fmt.Fprintf(os.Stderr, "write failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := writeOne(append([]byte(nil), scanner.Bytes()...)); err != nil {
			fmt.Fprintf(os.Stderr, "write failed: %v\n", err)
			os.Exit(1)
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "read stdin: %v\n", err)
		os.Exit(1)
	}
}

func parseAddresses(raw []string) ([]routing.Address, error) {
	addrs := make([]routing.Address, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		addr, err := routing.ParseAddress(s)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// buildRoutingService assembles the client's routing stack: a plain local
// table, wrapped in region-aware composition when the config maps proxy
// addresses to regions.
func buildRoutingService(cfg *config.Config) (routing.RoutingService, error) {
	local := routing.NewLocalRoutingService()
	if len(cfg.Client.Regions) == 0 {
		return local, nil
	}

	table := make(map[routing.Address]string, len(cfg.Client.Regions))
	remoteRegions := make(map[string]bool)
	for rawAddr, region := range cfg.Client.Regions {
		addr, err := routing.ParseAddress(rawAddr)
		if err != nil {
			return nil, fmt.Errorf("regions[%q]: %w", rawAddr, err)
		}
		table[addr] = region
		if region != cfg.Proxy.Region {
			remoteRegions[region] = true
		}
	}

	resolver := routing.NewStaticRegionResolver(table)
	regions := routing.NewRegionsRoutingService(resolver, cfg.Proxy.Region, local)
	for region := range remoteRegions {
		regions.AddRegion(region, routing.NewLocalRoutingService())
	}
	return regions, nil
}
