package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/crenz/sensornode/agent"
	"github.com/crenz/sensornode/pins"
)

func init() {
	log.SetLevel(log.InfoLevel)
	log.SetOutput(colorable.NewColorableStdout())
}

const defaultConfigFile string = "config.json"

func getLogLevel(llString string) log.Level {
	level, err := log.ParseLevel(llString)
	if err != nil {
		log.Errorf("Unknown log level %s, using info", llString)
		return log.InfoLevel
	}
	return level
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	log.Infof("Serving metrics on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorf("Metrics endpoint failed: %v", err)
	}
}

func main() {
	pConfigFile := flag.String("config", defaultConfigFile, "configuration file (JSON, or YAML with a .yaml/.yml extension)")
	pLogLevel := flag.String("loglevel", "", "(optional) logging level, overrides logging.level (panic, fatal, error, warn, info, debug, trace)")
	pSimulate := flag.Bool("simulate", false, "(optional) use simulated pins instead of the GPIO header")
	pInvert := flag.Bool("invert", false, "(optional) invert GPIO levels")
	pMetrics := flag.String("metrics", "", "(optional) listen address for the Prometheus endpoint (e.g. :9100)")

	flag.Parse()

	opts := []agent.Option{agent.WithLogger(log.StandardLogger())}

	// Arguments given via command line have precedence
	if len(*pLogLevel) > 0 {
		level := getLogLevel(*pLogLevel)
		log.SetLevel(level)
		opts = append(opts, agent.WithLogLevel(level))
	}
	if *pSimulate {
		log.Infoln("Using simulated pins")
		opts = append(opts, agent.WithDriver(pins.NewSim()))
	} else {
		opts = append(opts, agent.WithDriver(pins.NewRPIO(*pInvert)))
	}
	if len(*pMetrics) > 0 {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts = append(opts, agent.WithMetrics(agent.NewMetrics(reg)))
		go serveMetrics(*pMetrics, reg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infof("sensornode starting with configuration %s", *pConfigFile)
	a := agent.New(*pConfigFile, opts...)
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("sensornode stopped: %v", err)
		stop()
		os.Exit(1)
	}
	log.Infoln("sensornode stopped")
}
