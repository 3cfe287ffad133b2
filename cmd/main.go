package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
	"k8s.io/klog/v2/textlogger"

	"github.com/iXsystems/truenas-iscsi/pkg/config"
	"github.com/iXsystems/truenas-iscsi/pkg/driver"
)

var (
	endpoint       = flag.String("endpoint", "unix:///csi/csi.sock", "CSI endpoint")
	nodeID         = flag.String("node-id", "", "Node ID (defaults to the hostname)")
	metricsAddress = flag.String("metrics-address", "", "Address to serve Prometheus metrics on, disabled when empty")
	stateDir       = flag.String("state-dir", driver.DefaultStateDir, "Directory for node attachment records")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	log := textlogger.NewLogger(textlogger.NewConfig())
	log.V(driver.LogLevelInfo).Info("Starting TrueNAS iSCSI CSI driver", "version", driver.DriverVersion)

	if *nodeID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			klog.ErrorS(err, "Node ID is required but could not be determined")
			os.Exit(1)
		}
		*nodeID = hostname
	}

	cfg, err := config.FromEnv(os.Getenv)
	if err != nil {
		klog.ErrorS(err, "Invalid configuration")
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if *metricsAddress != "" {
		go serveMetrics(*metricsAddress, reg)
	}

	d, err := driver.NewDriver(&driver.Options{
		NodeID:     *nodeID,
		Endpoint:   *endpoint,
		Config:     cfg,
		Logger:     log,
		Registerer: reg,
		StateDir:   *stateDir,
	})
	if err != nil {
		klog.ErrorS(err, "Failed to create driver")
		os.Exit(1)
	}

	// Run returns once SIGINT or SIGTERM stopped the server.
	if err := d.Run(context.Background()); err != nil {
		klog.ErrorS(err, "Driver failed")
		os.Exit(1)
	}
	klog.InfoS("TrueNAS iSCSI CSI driver stopped")
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	klog.InfoS("Serving metrics", "address", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		klog.ErrorS(err, "Metrics server failed")
	}
}
