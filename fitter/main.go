package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/next-exp/poreflow_go/internal/logging"
	poreflow "github.com/next-exp/poreflow_go/pkg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	configuration poreflow.Configuration
	logger        logging.Logger
)

func init() {
	logger = logging.New()
}

func main() {
	configFilename := flag.String("config", "", "Configuration file path")
	metricsAddr := flag.String("metrics", "", "Listen address for the Prometheus endpoint")
	fitterName := flag.String("fitter", "", "Fitter to use: cusum, intracusum or nanotrees")
	flag.Parse()

	var err error
	configuration, err = poreflow.LoadConfiguration(*configFilename)
	if err != nil {
		message := fmt.Errorf("Error reading configuration file: %w", err)
		logger.Error(message.Error())
		os.Exit(1)
	}
	if *metricsAddr != "" {
		configuration.MetricsAddr = *metricsAddr
	}
	if *fitterName != "" {
		configuration.Fitter = *fitterName
	}
	poreflow.SetConfiguration(configuration)
	poreflow.SetLogger(logger)
	if configuration.Verbosity > 0 {
		logger.Info(fmt.Sprintf("Reading configuration file: %s", *configFilename), "main")
		poreflow.PrintConfiguration(configuration, logger)
	}

	if err := run(); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fitter, err := poreflow.NewFitter(configuration.Fitter, configuration)
	if err != nil {
		return err
	}

	store, err := poreflow.OpenEventStore(configuration.FileIn)
	if err != nil {
		return fmt.Errorf("error opening event store: %w", err)
	}
	defer store.Close()

	filter, err := configuration.NewFilter(store.Samplerate())
	if err != nil {
		return err
	}

	dbConn, err := poreflow.ConnectToDatabase(configuration)
	if err != nil {
		return fmt.Errorf("error connecting to database: %w", err)
	}
	db, err := poreflow.NewMetadataDB(dbConn, configuration.ExperimentInfo())
	if err != nil {
		dbConn.Close()
		return err
	}
	defer db.Close()

	channels := configuration.Channels
	if len(channels) == 0 {
		channels = store.Channels()
	}
	workers := configuration.NumWorkers
	if fitter.ForceSerialChannelOperations() {
		workers = 1
	}

	metrics := serveMetrics(configuration.MetricsAddr)
	failed := fitAll(ctx, fitter, store, db, filter, metrics, channels, workers)
	if failed > 0 {
		return fmt.Errorf("event fitting failed in %d of %d channels", failed, len(channels))
	}
	return nil
}

// serveMetrics exposes a fresh registry on addr. It returns nil, which
// disables metrics, when addr is empty.
func serveMetrics(addr string) *poreflow.Metrics {
	if addr == "" {
		return nil
	}
	reg := prometheus.NewRegistry()
	metrics := poreflow.NewMetrics(reg)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error(fmt.Sprintf("metrics endpoint stopped: %v", err))
		}
	}()
	return metrics
}
