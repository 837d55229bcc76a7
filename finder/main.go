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

	raw, err := poreflow.OpenRawFile(configuration.FileIn)
	if err != nil {
		return fmt.Errorf("error opening raw file: %w", err)
	}
	defer raw.Close()

	filter, err := configuration.NewFilter(raw.Samplerate())
	if err != nil {
		return err
	}
	detector, err := poreflow.NewDetector(raw, configuration.Finder)
	if err != nil {
		return err
	}
	detector.SetMetrics(serveMetrics(configuration.MetricsAddr))

	writer, err := poreflow.NewEventStoreWriter(configuration.FileOut)
	if err != nil {
		return fmt.Errorf("error creating event store: %w", err)
	}
	defer func() {
		if err := writer.Close(); err != nil {
			logger.Error(err.Error())
		}
	}()

	channels := configuration.Channels
	if len(channels) == 0 {
		channels = raw.Channels()
	}
	workers := configuration.NumWorkers
	if detector.ForceSerialChannelOperations() {
		workers = 1
	}

	failed := findAll(ctx, detector, writer, raw, filter, channels, workers)
	if failed > 0 {
		return fmt.Errorf("event finding failed in %d of %d channels", failed, len(channels))
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
