// Command datapathd is the data-plane target daemon: it parses the
// config file and core mask, brings up every subsystem in dependency
// order, and serves JSON-RPC over a UNIX socket until signalled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dataplane-run/datapath"
	"github.com/dataplane-run/datapath/internal/config"
	"github.com/dataplane-run/datapath/internal/logging"
	"github.com/dataplane-run/datapath/internal/rpc"
)

func main() {
	var (
		configPath  = flag.String("c", "", "path to INI-style configuration file")
		coreMask    = flag.String("m", "0", "comma-separated list of logical cores to run reactors on")
		rpcSocket   = flag.String("r", "/var/tmp/datapath.sock", "UNIX socket path for the JSON-RPC control plane")
		metricsAddr = flag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9090)")
		verbose     = flag.Bool("v", false, "verbose (debug) logging")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	cores, err := parseCoreMask(*coreMask)
	if err != nil {
		logger.Error("invalid core mask", "mask", *coreMask, "error", err)
		os.Exit(1)
	}

	var cfgFile *config.Config
	if *configPath != "" {
		f, err := os.Open(*configPath)
		if err != nil {
			logger.Error("failed to open config file", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfgFile, err = config.Parse(f)
		f.Close()
		if err != nil {
			logger.Error("failed to parse config file", "path", *configPath, "error", err)
			os.Exit(1)
		}
	}

	target, err := datapath.NewTarget(datapath.Options{
		Cores:  cores,
		Config: cfgFile,
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to build target", "error", err)
		os.Exit(1)
	}

	ln, err := listenRPCSocket(*rpcSocket)
	if err != nil {
		logger.Error("failed to listen on rpc socket", "path", *rpcSocket, "error", err)
		os.Exit(1)
	}
	defer ln.Close()
	logger.Info("rpc socket listening", "path", *rpcSocket)

	ctx, cancel := context.WithCancel(context.Background())
	go serveRPC(ctx, ln, target.RPC, logger)

	if *metricsAddr != "" {
		reg := target.Metrics
		reg.MustRegister(prometheus.NewGoCollector())
		reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv := &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			logger.Info("metrics endpoint listening", "addr", *metricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			metricsSrv.Close()
		}()
	}

	runDone := make(chan error, 1)
	go func() { runDone <- target.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case err := <-runDone:
		if err != nil {
			logger.Error("target run exited with error", "error", err)
		}
	}

	cancel()
	target.Stop()
	logger.Info("datapathd stopped")
}

func listenRPCSocket(path string) (net.Listener, error) {
	os.Remove(path)
	return net.Listen("unix", path)
}

func serveRPC(ctx context.Context, ln net.Listener, server *rpc.Server, logger *logging.Logger) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logger.Error("rpc accept error", "error", err)
				return
			}
		}
		go handleRPCConn(conn, server, logger)
	}
}

func handleRPCConn(netConn net.Conn, server *rpc.Server, logger *logging.Logger) {
	defer netConn.Close()
	conn := rpc.NewConn(server)
	buf := make([]byte, 64*1024)
	for {
		n, err := netConn.Read(buf)
		if n > 0 {
			responses, feedErr := conn.Feed(buf[:n])
			for _, resp := range responses {
				if _, werr := netConn.Write(append(resp, '\n')); werr != nil {
					return
				}
			}
			if feedErr != nil {
				logger.Warn("rpc connection protocol error", "error", feedErr)
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// parseCoreMask parses a comma-separated list of logical core indices,
// e.g. "0,1,2,3", mirroring the -m flag of SPDK's reactor core mask.
func parseCoreMask(s string) ([]int, error) {
	var cores []int
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		n, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("invalid core index %q: %w", field, err)
		}
		cores = append(cores, n)
	}
	if len(cores) == 0 {
		cores = []int{0}
	}
	return cores, nil
}
