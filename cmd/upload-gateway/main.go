// Command upload-gateway accepts resumable chunked uploads, assembles them
// and relays them to a remote drive, and serves cache-fronted read endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/upload-gateway/credentials"
	"github.com/wolfeidau/upload-gateway/credentials/opprovider"
	"github.com/wolfeidau/upload-gateway/graph"
	"github.com/wolfeidau/upload-gateway/readpath"
	"github.com/wolfeidau/upload-gateway/server"
	"github.com/wolfeidau/upload-gateway/telemetry"
	"github.com/wolfeidau/upload-gateway/upload"
)

var version = "dev"

type cli struct {
	Address        string `help:"Address to listen on." default:":8080"`
	DataPath       string `help:"Directory for the document database and assembled files." default:"./data" type:"path"`
	MaxConnections int    `help:"Maximum concurrent connections (0 for unlimited)." default:"256"`

	Credentials        string `help:"Credentials template file (Graph app registration, API tokens, drive)." type:"path"`
	OnePasswordAccount string `help:"1Password account passed to 'op read' for op:// references." name:"op-account"`

	DirectThreshold  int64         `help:"Largest file uploaded in one request, in bytes." default:"1048576"`
	MaxChunkSize     int64         `help:"Largest accepted chunk payload, in bytes." default:"1048576"`
	CompletionPolicy string        `help:"When a chunk triggers finalization." enum:"all-chunks,last-index" default:"all-chunks"`
	TombstoneTTL     time.Duration `help:"How long finalized upload progress is kept." default:"24h"`
	ReaperInterval   time.Duration `help:"How often expired documents are purged." default:"5m"`

	DefaultsFile string        `help:"TOML file with read-path fallback records." type:"path"`
	StoreTimeout time.Duration `help:"Timeout for read-path store queries." default:"5s"`
	FallbackTTL  time.Duration `help:"How long read-path fallback data is cached." default:"5s"`

	GraphBaseURL string        `help:"Remote file API base URL." default:"https://graph.microsoft.com/v1.0"`
	GraphTimeout time.Duration `help:"Timeout for remote file API requests." default:"30s"`

	LogLevel         string `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat        string `help:"Log format." enum:"text,json" default:"text"`
	OTLPEndpoint     string `help:"OTLP gRPC endpoint for metrics export (e.g. localhost:4317)." name:"otlp-endpoint"`
	EnablePrometheus bool   `help:"Serve Prometheus metrics at /metrics." default:"true" negatable:""`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("upload-gateway"),
		kong.Description("Resumable upload gateway with cache-fronted reads."),
		kong.DefaultEnvars("UPLOAD_GATEWAY"),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(run(c))
}

func run(c cli) error {
	logger, err := newLogger(c.LogLevel, c.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "upload-gateway",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.EnablePrometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Warn("flushing metrics", "error", err)
		}
	}()

	creds := &credentials.Credentials{}
	if c.Credentials != "" {
		resolver := credentials.NewResolver(
			credentials.WithLogger(logger.With("component", "credentials")),
			opprovider.WithOnePassword(opprovider.WithAccount(c.OnePasswordAccount)),
		)
		creds, err = resolver.ResolveFile(ctx, c.Credentials)
		if err != nil {
			return fmt.Errorf("resolving credentials: %w", err)
		}
	}

	policy, ok := upload.ParseCompletionPolicy(c.CompletionPolicy)
	if !ok {
		return fmt.Errorf("invalid completion policy: %s", c.CompletionPolicy)
	}

	var defaults *readpath.Defaults
	if c.DefaultsFile != "" {
		if defaults, err = readpath.LoadDefaults(c.DefaultsFile); err != nil {
			return err
		}
	}

	cfg := server.Config{
		Address:          c.Address,
		DataPath:         c.DataPath,
		MaxConnections:   c.MaxConnections,
		DirectThreshold:  c.DirectThreshold,
		MaxChunkSize:     c.MaxChunkSize,
		CompletionPolicy: policy,
		TombstoneTTL:     c.TombstoneTTL,
		ReaperInterval:   c.ReaperInterval,
		StoreTimeout:     c.StoreTimeout,
		FallbackTTL:      c.FallbackTTL,
		Defaults:         defaults,
		APITokens:        creds.APITokens,
		Logger:           logger,
	}
	if creds.Drive != nil {
		cfg.DefaultDriveID = creds.Drive.DriveID
		cfg.DefaultFolder = creds.Drive.FolderPath
	}
	if creds.Graph != nil {
		httpClient := graph.NewHTTPClient(c.GraphTimeout)
		tokens := graph.NewTokenCache(creds.Graph.TokenConfig(),
			graph.WithHTTPClient(httpClient),
			graph.WithTokenLogger(logger.With("component", "tokens")),
		)
		cfg.Remote = graph.NewClient(c.GraphBaseURL, httpClient, tokens, logger.With("component", "graph"))
		logger.Info("remote file API enabled", "graph", creds.Graph, "base_url", c.GraphBaseURL)
	} else {
		logger.Warn("no graph credentials configured, uploads are stored locally only")
	}
	if len(creds.APITokens) == 0 {
		logger.Warn("no API tokens configured, all requests are served as anonymous")
	}

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return errors.Join(err, srv.Close())
	}
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl, TimeFormat: time.DateTime})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
