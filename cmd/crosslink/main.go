// crosslink - cross-platform account linking code server
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/crosslinkmc/crosslink/internal/config"
	"github.com/crosslinkmc/crosslink/internal/database"
	"github.com/crosslinkmc/crosslink/internal/logging"
	"github.com/crosslinkmc/crosslink/internal/server"
	"github.com/crosslinkmc/crosslink/internal/store"
	"github.com/crosslinkmc/crosslink/internal/sweep"
)

var version = "dev"

const defaultConfigPath = "crosslink.yml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "code":
		cmdCode(os.Args[2:])
	case "sweep":
		cmdSweep(os.Args[2:])
	case "init":
		cmdInit(os.Args[2:])
	case "version":
		fmt.Printf("crosslink %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: crosslink <command> [options] [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                         Start the link code listener")
	fmt.Println("  code create --owner <ref>     Issue a link code for a platform account")
	fmt.Println("  code lookup <code>            Show a code's state and owner")
	fmt.Println("  code owner <ref>              Show the latest code issued for an owner")
	fmt.Println("  code list                     List pending codes")
	fmt.Println("  sweep                         Run one reap pass over expired codes")
	fmt.Println("  init                          Write a default config file")
	fmt.Println("  version                       Show version")
	fmt.Println("  help                          Show this help")
	fmt.Println()
	fmt.Println("Global Options:")
	fmt.Printf("  --config <path>    Path to configuration file (default %s)\n", defaultConfigPath)
}

func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format)

	logger.Info("crosslink starting", "version", version)

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("database ready", "path", cfg.Database.Path)

	codes := store.NewLinkCodeStore(db)

	srv := server.New(server.Config{
		ListenAddr:      cfg.ListenAddress(),
		SessionDeadline: cfg.Server.SessionDeadline,
		MaxSessions:     cfg.Server.MaxSessions,
		ServerName:      cfg.Server.Name,
		MOTD:            cfg.Server.MOTD,
	}, codes, logger.With("component", "server"))

	if err := srv.Listen(); err != nil {
		logger.Error("failed to bind listener", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper := sweep.New(codes, cfg.Link.SweepInterval, cfg.Link.SweepGrace, logger.With("component", "sweep"))
	sweeper.Start(ctx)
	defer sweeper.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := srv.Serve(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func cmdCode(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Error: code subcommand required: create, lookup, owner, list\n")
		os.Exit(1)
	}

	switch args[0] {
	case "create":
		cmdCodeCreate(args[1:])
	case "lookup":
		cmdCodeLookup(args[1:])
	case "owner":
		cmdCodeOwner(args[1:])
	case "list":
		cmdCodeList(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown code command: %s (use: create, lookup, owner, list)\n", args[0])
		os.Exit(1)
	}
}

func openStore(configPath string) (*store.LinkCodeStore, *config.Config, func()) {
	cfg := loadConfig(configPath)
	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	return store.NewLinkCodeStore(db), cfg, func() { db.Close() }
}

func cmdCodeCreate(args []string) {
	fs := flag.NewFlagSet("code create", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	owner := fs.String("owner", "", "owner reference for the requesting platform account")
	ttl := fs.Duration("ttl", 0, "code lifetime (default from config)")
	fs.Parse(args)

	if *owner == "" {
		fmt.Fprintln(os.Stderr, "Error: --owner is required")
		os.Exit(1)
	}

	codes, cfg, closeDB := openStore(*configPath)
	defer closeDB()

	codeTTL := *ttl
	if codeTTL == 0 {
		codeTTL = cfg.Link.CodeTTL
	}

	lc, err := codes.Create(context.Background(), *owner, codeTTL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Code %s issued for %s, expires %s\n", lc.Code, lc.OwnerReference, lc.ExpiresAt.Format(time.RFC3339))
}

func cmdCodeLookup(args []string) {
	fs := flag.NewFlagSet("code lookup", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: crosslink code lookup <code>")
		os.Exit(1)
	}

	codes, _, closeDB := openStore(*configPath)
	defer closeDB()

	lc, err := codes.Lookup(context.Background(), fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if lc == nil {
		fmt.Println("No such code")
		os.Exit(1)
	}

	printCode(lc.Code, lc.OwnerReference, string(lc.State), lc.ExpiresAt, lc.ClaimedAt)
}

func cmdCodeOwner(args []string) {
	fs := flag.NewFlagSet("code owner", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: crosslink code owner <owner-reference>")
		os.Exit(1)
	}

	codes, _, closeDB := openStore(*configPath)
	defer closeDB()

	lc, err := codes.LookupByOwner(context.Background(), fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if lc == nil {
		fmt.Println("No code issued for this owner")
		os.Exit(1)
	}

	printCode(lc.Code, lc.OwnerReference, string(lc.State), lc.ExpiresAt, lc.ClaimedAt)
}

func cmdCodeList(args []string) {
	fs := flag.NewFlagSet("code list", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	fs.Parse(args)

	codes, _, closeDB := openStore(*configPath)
	defer closeDB()

	pending, err := codes.ListPending(context.Background(), time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if len(pending) == 0 {
		fmt.Println("No pending codes")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CODE\tOWNER\tEXPIRES")
	fmt.Fprintln(w, "----\t-----\t-------")
	for _, lc := range pending {
		fmt.Fprintf(w, "%s\t%s\t%s\n", lc.Code, lc.OwnerReference, lc.ExpiresAt.Format(time.RFC3339))
	}
	w.Flush()
}

func printCode(code, owner, state string, expiresAt time.Time, claimedAt *time.Time) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CODE\tOWNER\tSTATE\tEXPIRES\tCLAIMED")
	fmt.Fprintln(w, "----\t-----\t-----\t-------\t-------")
	claimed := "-"
	if claimedAt != nil {
		claimed = claimedAt.Format(time.RFC3339)
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", code, owner, state, expiresAt.Format(time.RFC3339), claimed)
	w.Flush()
}

func cmdSweep(args []string) {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format)

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	codes := store.NewLinkCodeStore(db)
	sweeper := sweep.New(codes, cfg.Link.SweepInterval, cfg.Link.SweepGrace, logger)
	sweeper.Tick(context.Background())
}

func cmdInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	fs.Parse(args)

	if _, err := os.Stat(*configPath); err == nil {
		fmt.Printf("Config already exists at %s\n", *configPath)
		return
	}

	if err := config.Save(*configPath, config.Default()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written to %s\n", *configPath)
}
