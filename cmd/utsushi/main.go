// Package main is the utsushi CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/utsushi/internal/app"
	"github.com/hyperjump/utsushi/internal/cli"
	"github.com/hyperjump/utsushi/internal/config"
	"github.com/hyperjump/utsushi/internal/models"
	"github.com/hyperjump/utsushi/internal/server"
	"github.com/hyperjump/utsushi/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/utsushi/config.yaml"

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development); if that exists it is used.
// When neither file exists under the default path, built-in defaults apply.
// Returns the config and the path that was actually loaded ("" for defaults).
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
		if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
			cfg, err := defaultConfig()
			return cfg, "", err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func defaultConfig() (*config.Config, error) {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, p := range []*string{&cfg.Index.SourceFolder, &cfg.Gallery.Folder} {
		if abs, err := filepath.Abs(*p); err == nil {
			*p = abs
		}
	}
	return cfg, nil
}

// argsReorder moves every flag registered on fs (with its value) in front of the
// positional arguments. Go's flag package stops at the first non-flag argument,
// so "utsushi search -k 3 cat.png --output json" would otherwise leave --output
// unparsed. Arguments after "--" stay positional.
func argsReorder(fs *flag.FlagSet, args []string) []string {
	flags := make([]string, 0, len(args))
	var positional []string
	terminated := false
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			terminated = true
			positional = append(positional, args[i+1:]...)
			break
		}
		if len(a) < 2 || a[0] != '-' {
			positional = append(positional, a)
			continue
		}
		flags = append(flags, a)
		name := strings.TrimLeft(a, "-")
		if strings.Contains(name, "=") {
			continue
		}
		f := fs.Lookup(name)
		if f == nil || isBoolFlag(f) || i+1 >= len(args) {
			continue
		}
		i++
		flags = append(flags, args[i])
	}
	if terminated {
		flags = append(flags, "--")
	}
	return append(flags, positional...)
}

func isBoolFlag(f *flag.Flag) bool {
	b, ok := f.Value.(interface{ IsBoolFlag() bool })
	return ok && b.IsBoolFlag()
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "index":
		runIndex()
	case "search":
		runSearch()
	case "gallery":
		runGallery()
	case "status":
		runStatus()
	case "version", "--version", "-v":
		fmt.Printf("utsushi version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// setup loads the config and builds a logger and runtime for a command.
func setup(configPath string, debugFlag bool) (*config.Config, *zap.Logger, *app.Runtime) {
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || debugFlag
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger.Debug("config loaded",
		zap.String("config_path", resolved),
		zap.String("collection", cfg.Collection),
		zap.Bool("debug", debugMode),
	)
	return cfg, logger, app.New(cfg, app.WithLogger(logger))
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, logger, rt := setup(*configPath, *debug)
	defer logger.Sync()
	defer rt.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	report, err := rt.Bootstrap(ctx)
	if err != nil {
		logger.Fatal("Failed to prepare collection", zap.Error(err))
	}
	if report.Skipped {
		logger.Info("serving existing collection", zap.String("collection", cfg.Collection))
	}
	if err := rt.StartWatcher(ctx); err != nil {
		logger.Warn("source folder watcher not started", zap.Error(err))
	}

	srv := server.NewServer(rt, &cfg.Server, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Stop(shutdownCtx)
}

func runIndex() {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	rebuild := fs.Bool("rebuild", false, "re-index and replace an existing collection")
	debug := fs.Bool("debug", false, "enable debug logging")
	outputFormat := fs.String("output", "text", "output format: text or json")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: utsushi index [flags] [folder]\n\nfolder defaults to index.source_folder from the config.\n\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(argsReorder(fs, os.Args[2:]))

	format, err := cli.ParseOutputFormat(*outputFormat, cli.OutputText, cli.OutputJSON)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, logger, rt := setup(*configPath, *debug)
	defer logger.Sync()
	defer rt.Close()

	folder := cfg.Index.SourceFolder
	if fs.NArg() > 0 {
		if folder, err = filepath.Abs(fs.Arg(0)); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid folder: %v\n", err)
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	idx, err := rt.Indexer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(1)
	}
	if _, err := idx.CleanupStaging(ctx); err != nil {
		logger.Warn("staging cleanup failed", zap.Error(err))
	}
	var report *models.IndexReport
	if *rebuild {
		report, err = rt.Rebuild(ctx, folder)
	} else {
		report, err = idx.Initialize(ctx, folder)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Indexing failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteIndexReport(os.Stdout, report, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
	if report.Skipped && format == cli.OutputText {
		fmt.Println("Use --rebuild to re-index it.")
	}
}

func printSearchUsage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Usage: utsushi search [flags] <image>\n\n")
	fs.PrintDefaults()
	fmt.Fprintf(fs.Output(), `
Examples:
  utsushi search ./images_folder/test/cat.jpg
  utsushi search --k 3 --output compact cat.jpg
  utsushi search --server http://localhost:8080 cat.jpg   # ask a running server
`)
}

func runSearch() {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "", "server URL; empty searches the store directly")
	k := fs.Int("k", -1, "number of similar images (default from config)")
	outputFormat := fs.String("output", "text", "output format: text, compact (one hit per line), or json")
	debug := fs.Bool("debug", false, "enable debug logging")
	fs.Usage = func() { printSearchUsage(fs) }
	_ = fs.Parse(argsReorder(fs, os.Args[2:]))

	if fs.NArg() != 1 {
		printSearchUsage(fs)
		os.Exit(1)
	}
	imagePath := fs.Arg(0)
	format, err := cli.ParseOutputFormat(*outputFormat, cli.OutputText, cli.OutputJSON, cli.OutputCompact)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var response *models.SearchResponse
	if *serverURL != "" {
		response, err = searchViaHTTP(*serverURL, imagePath, *k)
	} else {
		response, err = searchDirect(*configPath, *debug, imagePath, *k)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Search failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteSearchResults(os.Stdout, response, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func searchDirect(configPath string, debug bool, imagePath string, k int) (*models.SearchResponse, error) {
	_, logger, rt := setup(configPath, debug)
	defer logger.Sync()
	defer rt.Close()

	engine, err := rt.Engine()
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	if _, err := engine.CheckReady(ctx); err != nil {
		return nil, err
	}
	if k < 0 {
		k = engine.DefaultK()
	}
	return engine.SearchFile(ctx, imagePath, k)
}

func searchViaHTTP(serverURL, imagePath string, k int) (*models.SearchResponse, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", filepath.Base(imagePath))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return nil, err
	}
	if k >= 0 {
		if err := mw.WriteField("k", strconv.Itoa(k)); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	resp, err := http.Post(serverURL+"/api/v1/search", mw.FormDataContentType(), &body)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	var response models.SearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &response, nil
}

func runGallery() {
	fs := flag.NewFlagSet("gallery", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	query := fs.String("q", "", "filter by file name")
	limit := fs.Int("limit", 100, "maximum number of images")
	outputFormat := fs.String("output", "text", "output format: text, compact, or json")
	_ = fs.Parse(os.Args[2:])

	format, err := cli.ParseOutputFormat(*outputFormat, cli.OutputText, cli.OutputJSON, cli.OutputCompact)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	_, logger, rt := setup(*configPath, false)
	defer logger.Sync()
	defer rt.Close()

	g, err := rt.Gallery()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open gallery: %v\n", err)
		os.Exit(1)
	}
	images, err := g.Find(*query, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Gallery search failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteGallery(os.Stdout, images, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "", "server URL; empty reads the store directly")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	format, err := cli.ParseOutputFormat(*outputFormat, cli.OutputText, cli.OutputJSON)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	var st *models.Status
	if *serverURL != "" {
		st, err = statusViaHTTP(*serverURL)
	} else {
		_, logger, rt := setup(*configPath, false)
		defer logger.Sync()
		defer rt.Close()
		st, err = rt.Status(context.Background())
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteStatus(os.Stdout, st, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func statusViaHTTP(serverURL string) (*models.Status, error) {
	resp, err := http.Get(serverURL + "/api/v1/status")
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	var s models.Status
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &s, nil
}

func printUsage() {
	fmt.Println(`utsushi - Local image similarity search

Usage:
  utsushi server [flags]              Index the source folder if needed, then serve the HTTP API
  utsushi index [flags] [folder]      Build the collection (skipped if it exists)
  utsushi search [flags] <image>      Find the images most similar to <image>
  utsushi gallery [flags]             List query images in the gallery folder
  utsushi status [flags]              Show collection and storage status
  utsushi version                     Show version
  utsushi help                        Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/utsushi/config.yaml,
                     or ./config.yaml when present)

Server Flags:
  --debug            Enable debug logging

Index Flags:
  --rebuild          Re-index and atomically replace the existing collection
  --output string    Output format: text or json (default: text)

Search Flags:
  --k int            Number of similar images (default: search.default_k, capped at search.max_k)
  --server string    Ask a running server instead of reading the store directly
  --output string    Output format: text, compact, or json (default: text)

Gallery Flags:
  --q string         Filter by file name (typo tolerant)
  --limit int        Maximum number of images (default: 100)
  --output string    Output format: text, compact, or json (default: text)

Status Flags:
  --server string    Server URL; empty reads the store directly
  --output string    Output format: text or json (default: text)

Examples:
  utsushi index ./images_folder/train
  utsushi index --rebuild
  utsushi server
  utsushi search --k 3 ./images_folder/test/cat.jpg
  utsushi gallery --q beach
  utsushi status --output json`)
}
