package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/agentworkforce/taxomap/internal/config"
	"github.com/agentworkforce/taxomap/internal/httpapi"
	"github.com/agentworkforce/taxomap/internal/logging"
	"github.com/agentworkforce/taxomap/internal/metrics"
	"github.com/agentworkforce/taxomap/internal/poller"
	"github.com/agentworkforce/taxomap/internal/sheets"
	"github.com/agentworkforce/taxomap/internal/taxonomy"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "taxomap",
		Usage: "Mirror and map marketplace taxonomies onto the canonical catalogue",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "YAML config file"},
			&cli.StringFlag{Name: "store", Usage: "store DSN, overrides store.dsn"},
			&cli.StringFlag{Name: "log-level", Usage: "overrides logger.level"},
		},
		Commands: []*cli.Command{
			serveCommand(),
			syncCommand(),
			automapCommand(),
			dedupeCommand(),
			sheetsCommand(),
		},
	}
}

// runtime is what every command builds before doing its work.
type runtime struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Registry
	client  sheets.Client
	engine  *taxonomy.Engine
	out     io.Writer
}

func setup(c *cli.Command) (*runtime, error) {
	root := c.Root()
	cfg, err := config.Load(root.String("config"))
	if err != nil {
		return nil, err
	}
	if dsn := root.String("store"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if level := root.String("log-level"); level != "" {
		cfg.Logger.Level = level
	}
	logger, err := logging.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	reg := metrics.New()
	client, err := sheets.BuildClientFromDSN(cfg.Store.DSN, sheets.FactoryOptions{
		Token:             cfg.Store.Token,
		RequestsPerMinute: cfg.Store.RequestsPerMinute,
		Timeout:           cfg.Store.Timeout,
		Logger:            logger,
		Metrics:           reg,
	})
	if err != nil {
		return nil, fmt.Errorf("build store client: %w", err)
	}
	out := root.Writer
	if out == nil {
		out = os.Stdout
	}
	return &runtime{
		cfg:     cfg,
		logger:  logger,
		metrics: reg,
		client:  client,
		engine:  taxonomy.NewEngine(client, taxonomy.Options{Logger: logger, Metrics: reg}),
		out:     out,
	}, nil
}

func (rt *runtime) Close() {
	if err := sheets.Close(rt.client); err != nil {
		rt.logger.Warn("close store client", zap.Error(err))
	}
	_ = rt.logger.Sync()
}

// newPoller wires the reconciliation loop to the engine and installs it as
// the engine's write lock. vis may be nil for an always-visible mirror.
func (rt *runtime) newPoller(ctx context.Context, vis poller.Visibility) *poller.Poller {
	var wake <-chan struct{}
	if w, ok := rt.client.(sheets.Watcher); ok {
		ch, err := w.Watch(ctx)
		switch {
		case err == nil:
			wake = ch
		case errors.Is(err, sheets.ErrNotImplemented):
		default:
			rt.logger.Warn("store watch unavailable", zap.Error(err))
		}
	}
	engineSources := rt.engine.Sources()
	sources := make([]poller.Source, 0, len(engineSources))
	for _, s := range engineSources {
		sources = append(sources, s)
	}
	p := poller.New(sources, poller.Options{
		Interval:   rt.cfg.Poll.Interval,
		Jitter:     rt.cfg.Poll.Jitter,
		Timeout:    rt.cfg.Poll.Timeout,
		Logger:     rt.logger.Named("poller"),
		Metrics:    rt.metrics,
		OnChanged:  rt.engine.NotifyRemoteChanged,
		Visibility: vis,
		Wake:       wake,
	})
	rt.engine.SetWriteLock(p)
	return p
}

// load runs the cold load. Partial failures leave the failed tables empty
// and are logged; the caller decides whether they are fatal.
func (rt *runtime) load(ctx context.Context) error {
	err := rt.engine.Load(ctx)
	if err != nil {
		rt.logger.Warn("initial load incomplete", zap.Error(err))
	}
	return err
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API over a polled mirror of the store",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "listen address, overrides server.addr"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			rt, err := setup(c)
			if err != nil {
				return err
			}
			defer rt.Close()
			if addr := c.String("addr"); addr != "" {
				rt.cfg.Server.Addr = addr
			}
			return runServe(ctx, rt)
		},
	}
}

func runServe(ctx context.Context, rt *runtime) error {
	dedupe := &taxonomy.AutoDedupe{}
	if err := rt.engine.Use(ctx, dedupe); err != nil {
		return err
	}
	defer dedupe.Close()
	_ = rt.load(ctx)

	api := httpapi.NewServerWithConfig(rt.engine, httpapi.ServerConfig{
		RateLimitMax:    rt.cfg.Server.RateLimitMax,
		RateLimitWindow: rt.cfg.Server.RateLimitWindow,
		MaxBodyBytes:    rt.cfg.Server.MaxBodyBytes,
		SessionIdleTTL:  rt.cfg.Server.SessionIdleTTL,
		Logger:          rt.logger.Named("http"),
		Metrics:         rt.metrics,
	})
	defer api.Close()

	p := rt.newPoller(ctx, api.Feed())
	p.Start(ctx)
	defer p.Stop()

	srv := &http.Server{Addr: rt.cfg.Server.Addr, Handler: api, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("taxomap listening", zap.String("addr", srv.Addr), zap.String("store", rt.cfg.Store.DSN))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		rt.logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Load the store, deduplicate mapping tables, then keep polling for remote changes",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "once", Usage: "load once and exit"},
			&cli.DurationFlag{Name: "interval", Usage: "overrides poll.interval"},
			&cli.FloatFlag{Name: "jitter", Value: -1, Usage: "overrides poll.jitter"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			rt, err := setup(c)
			if err != nil {
				return err
			}
			defer rt.Close()
			if d := c.Duration("interval"); d > 0 {
				rt.cfg.Poll.Interval = d
			}
			if j := c.Float("jitter"); j >= 0 {
				rt.cfg.Poll.Jitter = j
			}
			return runSync(ctx, rt, c.Bool("once"))
		},
	}
}

func runSync(ctx context.Context, rt *runtime, once bool) error {
	if err := rt.load(ctx); err != nil && once {
		return err
	}
	printSummary(rt.out, rt.engine)
	if once {
		return nil
	}
	unsubscribe := rt.engine.Bus().Subscribe(taxonomy.ObserverFunc(func(ev taxonomy.Event) {
		if ev.Kind == taxonomy.EventRemoteChanged {
			fmt.Fprintf(rt.out, "%s remote changes: %v\n", ev.At.Format(time.RFC3339), ev.Tables)
		}
	}))
	defer unsubscribe()
	p := rt.newPoller(ctx, nil)
	p.Start(ctx)
	defer p.Stop()
	<-ctx.Done()
	return nil
}

func printSummary(w io.Writer, e *taxonomy.Engine) {
	fmt.Fprintf(w, "categories=%d characteristics=%d options=%d marketplaces=%d\n",
		len(e.Categories()), len(e.Characteristics()), len(e.Options()), len(e.Marketplaces()))
	for _, kind := range taxonomy.Kinds {
		fmt.Fprintf(w, "%s: marketplace=%d mappings=%d\n", kind, len(e.MpEntities(kind)), len(e.Mappings(kind)))
	}
}

func automapCommand() *cli.Command {
	return &cli.Command{
		Name:      "automap",
		Usage:     "Map marketplace entities to canonical entities with the same normalized name",
		ArgsUsage: "[marketplace entity ids...]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "kind", Required: true, Usage: "category, characteristic or option"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			kind, err := taxonomy.ParseKind(c.String("kind"))
			if err != nil {
				return err
			}
			rt, err := setup(c)
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.load(ctx); err != nil {
				return err
			}
			res, err := rt.engine.AutoMap(ctx, kind, c.Args().Slice())
			if err != nil {
				return err
			}
			return printJSON(rt.out, res)
		},
	}
}

func dedupeCommand() *cli.Command {
	return &cli.Command{
		Name:  "dedupe",
		Usage: "Remove duplicate mapping rows and report how many each table lost",
		Action: func(ctx context.Context, c *cli.Command) error {
			rt, err := setup(c)
			if err != nil {
				return err
			}
			defer rt.Close()
			var removed map[string]int
			unsubscribe := rt.engine.Bus().Subscribe(taxonomy.ObserverFunc(func(ev taxonomy.Event) {
				if ev.Kind == taxonomy.EventLoaded {
					removed = ev.Counts
				}
			}))
			defer unsubscribe()
			if err := rt.load(ctx); err != nil {
				return err
			}
			tables := make([]string, 0, len(removed))
			for table := range removed {
				tables = append(tables, table)
			}
			sort.Strings(tables)
			for _, table := range tables {
				fmt.Fprintf(rt.out, "%s removed=%d\n", table, removed[table])
			}
			return nil
		},
	}
}

func sheetsCommand() *cli.Command {
	return &cli.Command{
		Name:  "sheets",
		Usage: "Store administration",
		Commands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Create every sheet with its header row",
				Action: func(ctx context.Context, c *cli.Command) error {
					rt, err := setup(c)
					if err != nil {
						return err
					}
					defer rt.Close()
					creator, ok := rt.client.(sheets.SheetCreator)
					if !ok {
						return fmt.Errorf("store %s cannot create sheets: %w", rt.cfg.Store.DSN, sheets.ErrNotImplemented)
					}
					for _, table := range taxonomy.AllTables() {
						info, err := creator.EnsureSheet(ctx, table.Title, table.Columns)
						if err != nil {
							return fmt.Errorf("ensure sheet %s: %w", table.Title, err)
						}
						fmt.Fprintf(rt.out, "%s sheetId=%d\n", info.Title, info.SheetID)
					}
					return nil
				},
			},
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
