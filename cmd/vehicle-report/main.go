package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/banshee-data/vehicle.report/internal/api"
	"github.com/banshee-data/vehicle.report/internal/broker"
	"github.com/banshee-data/vehicle.report/internal/config"
	"github.com/banshee-data/vehicle.report/internal/db"
	"github.com/banshee-data/vehicle.report/internal/handshake"
	"github.com/banshee-data/vehicle.report/internal/ingest"
	"github.com/banshee-data/vehicle.report/internal/monitoring"
	"github.com/banshee-data/vehicle.report/internal/odometer"
	"github.com/banshee-data/vehicle.report/internal/telemetry"
	"github.com/banshee-data/vehicle.report/internal/timeutil"
	"github.com/banshee-data/vehicle.report/internal/version"
)

type options struct {
	configPath    string
	listen        string
	dbPath        string
	brokerURL     string
	dev           bool
	fixtures      string
	disableBroker bool
	showVersion   bool
}

func newFlagSet(opts *options) *pflag.FlagSet {
	fs := pflag.NewFlagSet("vehicle-report", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML config file")
	fs.StringVar(&opts.listen, "listen", "", "HTTP listen address (overrides http.listen)")
	fs.StringVar(&opts.dbPath, "db-path", "", "Path to the SQLite database (overrides database.path)")
	fs.StringVar(&opts.brokerURL, "broker", "", "MQTT broker URL (overrides broker.url)")
	fs.BoolVar(&opts.dev, "dev", false, "Run against an in-memory broker fed with replayed telemetry")
	fs.StringVar(&opts.fixtures, "fixtures", "", "JSON lines file replayed in dev mode (default: synthetic drive)")
	fs.BoolVar(&opts.disableBroker, "disable-broker", false, "Run without a broker; handshake replies are dropped")
	fs.BoolVar(&opts.showVersion, "version", false, "Print the version and exit")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: vehicle-report [flags]\n       vehicle-report migrate <action> [--db-path PATH]\n\n")
		fs.PrintDefaults()
	}
	return fs
}

// loadConfig reads the config file, if any, and lays explicitly set flags
// over it.
func loadConfig(fs *pflag.FlagSet, opts *options) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return nil, err
		}
	}

	if fs.Changed("listen") {
		cfg.HTTP.Listen = opts.listen
	}
	if fs.Changed("db-path") {
		cfg.Database.Path = opts.dbPath
	}
	if fs.Changed("broker") {
		cfg.Broker.URL = opts.brokerURL
	}
	if fs.Changed("dev") {
		cfg.Dev.Enabled = opts.dev
	}
	if fs.Changed("fixtures") {
		cfg.Dev.Fixtures = opts.fixtures
	}
	if fs.Changed("disable-broker") {
		cfg.Dev.DisableBroker = opts.disableBroker
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(args []string, in io.Reader, out io.Writer) error {
	var opts options
	fs := newFlagSet(&opts)

	// migrate is a subcommand; its own flags follow the action
	if len(args) > 0 && args[0] == "migrate" {
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		cfg, err := loadConfig(fs, &opts)
		if err != nil {
			return err
		}
		return db.RunMigrateCommand(fs.Args(), cfg.Database.Path, in, out)
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.showVersion {
		fmt.Fprintf(out, "vehicle-report %s\n", version.String())
		return nil
	}

	cfg, err := loadConfig(fs, &opts)
	if err != nil {
		return err
	}
	return serve(cfg)
}

func serve(cfg *config.Config) error {
	log.Printf("vehicle-report %s starting", version.String())

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(registry)

	database, err := db.NewDB(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	reconciler := odometer.New()
	if err := restoreOdometers(context.Background(), database, reconciler); err != nil {
		return err
	}

	validator, err := telemetry.NewValidator(timeutil.RealClock{}, cfg.Ingest.DefaultVehicleID)
	if err != nil {
		return err
	}
	buffer := ingest.NewBuffer()
	ingestor := ingest.NewIngestor(validator, reconciler, buffer, metrics)

	router := broker.NewRouter(cfg.Ingest.QueueSize)
	router.Metrics = metrics
	router.Classify = classify
	router.Handle(cfg.Topics.Telemetry, ingestor.HandleTelemetry)

	client, replay, err := newBrokerClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	handshake.NewResponder(client, database, cfg.Topics.Topics, metrics).Register(router)
	if err := router.SubscribeAll(client); err != nil {
		return err
	}

	flusher := ingest.NewFlusher(ingest.FlusherConfig{
		Buffer:   buffer,
		Store:    database,
		Interval: cfg.Ingest.FlushInterval,
		Metrics:  metrics,
	})

	// Create a wait group for the router, flusher, replay and HTTP routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	routerDone := make(chan struct{})
	go func() {
		defer close(routerDone)
		if err := router.Run(ctx); err != nil {
			log.Printf("router error: %v", err)
		}
		log.Print("router routine terminated")
	}()

	// the flusher outlives ctx so that it can persist what the router drains
	flushCtx, cancelFlush := context.WithCancel(context.Background())
	defer cancelFlush()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := flusher.Run(flushCtx); err != nil {
			log.Printf("flusher error: %v", err)
		}
		log.Print("flusher routine terminated")
	}()

	if replay != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sent, err := broker.Replay(ctx, client, cfg.Topics.Telemetry, replay, cfg.Dev.ReplayInterval)
			if err != nil {
				log.Printf("replay error: %v", err)
			}
			log.Printf("replay routine terminated after %d messages", sent)
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()
		if err := database.AttachAdminRoutes(mux, cfg.Database.BackupDir); err != nil {
			log.Printf("admin routes unavailable: %v", err)
		}
		apiServer := api.NewServer(api.ServerConfig{
			Store:         database,
			Live:          reconciler,
			Gatherer:      registry,
			Units:         cfg.HTTP.Units,
			CORSOrigin:    cfg.HTTP.CORSOrigin,
			Topics:        cfg.Topics,
			FlushInterval: cfg.Ingest.FlushInterval,
		})
		mux.Handle("/", apiServer.Handler())

		server := &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			log.Printf("listening on %s", cfg.HTTP.Listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("failed to start server: %v", err)
				stop()
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down...")

	// drained messages land in the buffer before the final flush
	<-routerDone
	flusher.Stop()
	cancelFlush()

	wg.Wait()
	log.Println("graceful shutdown complete")
	return nil
}
