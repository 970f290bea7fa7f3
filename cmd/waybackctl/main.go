// Command waybackctl drives the ingestion pipeline from the command line.
// It is a thin wrapper over internal/session and internal/store; it is not
// itself part of the specified core.
package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wayback-go/crawler/internal/cdx"
	"github.com/wayback-go/crawler/internal/config"
	"github.com/wayback-go/crawler/internal/httpclient"
	"github.com/wayback-go/crawler/internal/item"
	"github.com/wayback-go/crawler/internal/observe"
	"github.com/wayback-go/crawler/internal/session"
	"github.com/wayback-go/crawler/internal/store"
)

func main() {
	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCmd(ctx, cfg, os.Args[2:])
	case "store":
		err = storeCmd(ctx, os.Args[2:])
	case "cdx":
		err = cdxCmd(ctx, cfg, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: waybackctl <run|store|cdx> ...")
}

// setupMetrics returns the observer a CDX/content client should attach, and
// if addr is non-empty, starts a background server exposing it on /metrics.
// An empty addr yields observe.Noop{} with no server, so metrics remain
// entirely opt-in.
func setupMetrics(addr string) observe.Observer {
	if addr == "" {
		return observe.Noop{}
	}

	reg := prometheus.NewRegistry()
	obs := observe.NewPrometheusObserver(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "error", err)
		}
	}()

	return obs
}

// expandTwitterQueries turns a bare Twitter handle or profile URL into the
// four URL variants the index treats as distinct queries: desktop and
// mobile hosts, each with and without a trailing slash.
func expandTwitterQueries(handle string) []string {
	handle = strings.TrimPrefix(handle, "@")
	handle = strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(handle, "https://"), "http://"), "/")
	for _, host := range []string{"twitter.com/", "mobile.twitter.com/", "x.com/"} {
		handle = strings.TrimPrefix(handle, host)
	}
	var queries []string
	for _, host := range []string{"twitter.com", "mobile.twitter.com"} {
		queries = append(queries, fmt.Sprintf("https://%s/%s", host, handle))
		queries = append(queries, fmt.Sprintf("https://%s/%s/", host, handle))
	}
	return queries
}

func runCmd(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	twitter := fs.Bool("twitter", false, "treat each positional argument as a Twitter handle or profile URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("run: at least one query is required")
	}

	var queries []string
	for _, arg := range fs.Args() {
		if *twitter {
			queries = append(queries, expandTwitterQueries(arg)...)
		} else {
			queries = append(queries, arg)
		}
	}

	base := cfg.BaseDir
	s := session.New(pickBase(base), cfg.KnownDigestsPath, cfg.Parallelism)
	if cfg.CDXBase != "" {
		s.IndexClient = cdx.New(cfg.CDXBase, httpclient.New(httpclient.Options{}))
	}
	if cfg.UserAgent != "" {
		s.IndexClient.UserAgent = cfg.UserAgent
	}
	if cfg.StoreDir != "" {
		st, err := store.Create(cfg.StoreDir)
		if err != nil {
			return fmt.Errorf("run: creating content store: %w", err)
		}
		s.Store = st
	}
	if cfg.StoreMirrorBucket != "" {
		mirror, err := store.NewMirror(ctx, cfg.StoreMirrorBucket, cfg.StoreMirrorPrefix, cfg.StoreForcePathStyle)
		if err != nil {
			return fmt.Errorf("run: configuring store mirror: %w", err)
		}
		s.Mirror = mirror
	}

	obs := setupMetrics(cfg.MetricsAddr)
	s.IndexClient.Observer = obs
	s.ContentClient.Observer = obs

	slog.Info("starting session", "base", s.Base, "parallelism", s.Parallelism, "queries", len(queries))

	if err := s.SaveCDXResults(ctx, queries); err != nil {
		return fmt.Errorf("run: phase 1: %w", err)
	}
	if err := s.ResolveRedirects(ctx); err != nil {
		return fmt.Errorf("run: phase 2: %w", err)
	}
	result, err := s.DownloadItems(ctx)
	if err != nil {
		return fmt.Errorf("run: phase 3: %w", err)
	}

	fmt.Printf("success=%d invalid=%d skipped=%d error=%d\n", result.Success, result.Invalid, result.Skipped, result.Error)
	return nil
}

func pickBase(base string) string {
	if base != "" {
		return base
	}
	return time.Now().UTC().Format(item.TimestampLayout)
}

func storeCmd(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("store: expected a subcommand (verify|list)")
	}
	switch args[0] {
	case "verify":
		return storeVerifyCmd(args[1:])
	case "list":
		return storeListCmd(args[1:])
	default:
		return fmt.Errorf("store: unknown subcommand %q", args[0])
	}
}

func storeVerifyCmd(args []string) error {
	fs := flag.NewFlagSet("store verify", flag.ExitOnError)
	base := fs.String("base", "", "store base directory")
	prefix := fs.String("prefix", "", "digest prefix to restrict verification to")
	parallelism := fs.Int("parallelism", 6, "concurrent re-hash workers")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *base == "" {
		return errors.New("store verify: -base is required")
	}

	s := store.New(*base)
	pairs, err := s.ComputeDigests(*prefix, *parallelism)
	if err != nil {
		return fmt.Errorf("store verify: %w", err)
	}

	mismatches := 0
	for _, p := range pairs {
		if p.Expected != p.Actual {
			mismatches++
			fmt.Printf("MISMATCH expected=%s actual=%s\n", p.Expected, p.Actual)
		}
	}
	fmt.Printf("checked=%d mismatches=%d\n", len(pairs), mismatches)
	if mismatches > 0 {
		return fmt.Errorf("store verify: %d mismatches found", mismatches)
	}
	return nil
}

func storeListCmd(args []string) error {
	fs := flag.NewFlagSet("store list", flag.ExitOnError)
	base := fs.String("base", "", "store base directory")
	prefix := fs.String("prefix", "", "digest prefix to restrict listing to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *base == "" {
		return errors.New("store list: -base is required")
	}

	s := store.New(*base)
	entries, err := s.PathsForPrefix(*prefix)
	if err != nil {
		return fmt.Errorf("store list: %w", err)
	}
	for _, e := range entries {
		fmt.Println(e.Digest)
	}
	return nil
}

func cdxCmd(ctx context.Context, cfg config.Config, args []string) error {
	if len(args) == 0 || args[0] != "search" {
		return errors.New("cdx: expected subcommand \"search\"")
	}
	fs := flag.NewFlagSet("cdx search", flag.ExitOnError)
	pageLimit := fs.Int("page-limit", 1000, "CDX resume-key page size")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("cdx search: exactly one query is required")
	}

	base := cfg.CDXBase
	client := cdx.New(base, httpclient.New(httpclient.Options{}))
	if cfg.UserAgent != "" {
		client.UserAgent = cfg.UserAgent
	}
	client.Observer = setupMetrics(cfg.MetricsAddr)

	items, errs := client.StreamSearch(ctx, fs.Arg(0), *pageLimit)
	w := csv.NewWriter(os.Stdout)
	for it := range items {
		if err := w.Write(it.ToRecord()); err != nil {
			return err
		}
	}
	w.Flush()
	if err := <-errs; err != nil {
		return fmt.Errorf("cdx search: %w", err)
	}
	return w.Error()
}
