// Command fixlink watches social timelines in Chrome and adds a "copy fixed
// link" action to post menus.
//
// Usage:
//
//	fixlink -config fixlink.yaml                 # watch the configured pages
//	fixlink -url https://x.com/home              # watch a single page
//	fixlink -rewrite https://x.com/a/status/1    # print a rewritten link and exit
package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/fixlink/fixlink"
	"github.com/hazyhaar/fixlink/internal/config"
	"github.com/hazyhaar/fixlink/internal/idgen"
	"github.com/hazyhaar/fixlink/internal/mcpquic"
	"github.com/hazyhaar/fixlink/internal/observability"
)

const (
	heartbeatInterval  = 15 * time.Second
	heartbeatRetention = 7 * 24 * time.Hour
)

type options struct {
	configPath string
	singleURL  string
	platform   string
	rewrite    string
	authority  string
	dbPath     string
	addr       string
	quicAddr   string
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "", "path to fixlink.yaml config file")
	flag.StringVar(&o.singleURL, "url", "", "watch a single URL")
	flag.StringVar(&o.platform, "platform", "", "platform of -url (default: from the host)")
	flag.StringVar(&o.rewrite, "rewrite", "", "rewrite one link, print it and exit")
	flag.StringVar(&o.authority, "authority", "", "target authority for -rewrite")
	flag.StringVar(&o.dbPath, "db", "", "SQLite settings database (overrides store.path)")
	flag.StringVar(&o.addr, "addr", "", "admin HTTP listen address (overrides http.addr)")
	flag.StringVar(&o.quicAddr, "mcp-quic", "", "MCP over QUIC listen address (overrides mcp.quic_addr)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, o); err != nil {
		logger.Error("fixlink: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, o options) error {
	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}

	if o.rewrite != "" {
		svc := fixlink.NewService(cfg, nil, logger)
		out, err := svc.Rewrite(ctx, o.rewrite, o.authority)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	}

	if len(cfg.Pages) == 0 {
		fmt.Fprintln(os.Stderr, "usage: fixlink -config <file> | -url <url> | -rewrite <url>")
		os.Exit(2)
	}

	var (
		settings fixlink.Provider
		db       *sql.DB
	)
	if cfg.Store.Path != "" {
		db, err = config.OpenDB(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open settings db: %w", err)
		}
		defer db.Close()
		if err := observability.Init(db); err != nil {
			return err
		}

		store := config.NewStore(db, config.StoreOptions{
			PollInterval: cfg.Store.PollInterval,
			Debounce:     cfg.Store.Debounce,
			Logger:       logger,
		})
		if err := store.Seed(ctx, cfg.Settings()); err != nil {
			return fmt.Errorf("seed settings: %w", err)
		}
		go store.Watch(ctx)
		settings = store
	}

	svc := fixlink.NewService(cfg, settings, logger)
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer svc.Stop()

	if db != nil {
		hb := observability.NewHeartbeatWriter(db, "fixlink", heartbeatInterval, svc.Totals, logger)
		hb.Start(ctx)
		defer hb.Stop()
		if n, err := observability.CleanupHeartbeats(ctx, db, heartbeatRetention); err == nil && n > 0 {
			logger.Info("fixlink: old heartbeats removed", "count", n)
		}
	}

	if cfg.MCP.QUICAddr != "" {
		if err := serveMCPQUIC(ctx, logger, cfg.MCP, svc); err != nil {
			logger.Error("fixlink: MCP QUIC disabled", "error", err)
		}
	}

	if cfg.HTTP.Addr == "" {
		<-ctx.Done()
		return nil
	}
	return serveHTTP(ctx, logger, cfg.HTTP.Addr, svc.Handler())
}

func loadConfig(o options) (*fixlink.Config, error) {
	var cfg *fixlink.Config
	if o.configPath != "" {
		c, err := fixlink.LoadConfigFile(o.configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = c
	} else {
		cfg = fixlink.DefaultConfig()
	}
	if o.singleURL != "" {
		cfg.Pages = []fixlink.PageConfig{{
			ID:       idgen.New(),
			URL:      o.singleURL,
			Platform: o.platform,
		}}
	}
	if o.dbPath != "" {
		cfg.Store.Path = o.dbPath
	}
	if o.addr != "" {
		cfg.HTTP.Addr = o.addr
	}
	if o.quicAddr != "" {
		cfg.MCP.QUICAddr = o.quicAddr
	}
	return cfg, nil
}

func serveMCPQUIC(ctx context.Context, logger *slog.Logger, mc config.MCPConfig, svc *fixlink.Service) error {
	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "fixlink", Version: "1.0.0"}, nil)
	svc.RegisterMCP(mcpSrv)

	var (
		tlsCfg *tls.Config
		err    error
	)
	if mc.TLSCert != "" && mc.TLSKey != "" {
		tlsCfg, err = mcpquic.ServerTLSConfig(mc.TLSCert, mc.TLSKey)
	} else {
		tlsCfg, err = mcpquic.SelfSignedTLSConfig()
	}
	if err != nil {
		return err
	}
	ql, err := mcpquic.NewListener(mc.QUICAddr, tlsCfg, mcpSrv, logger)
	if err != nil {
		return err
	}
	go func() {
		defer ql.Close()
		if err := ql.Serve(ctx); err != nil && ctx.Err() == nil {
			logger.Error("fixlink: MCP QUIC", "error", err)
		}
	}()
	return nil
}

func serveHTTP(ctx context.Context, logger *slog.Logger, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("fixlink: http listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
