package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gridworker/internal/chaos"
	"gridworker/internal/dispatcher"
	"gridworker/internal/obs"
	"gridworker/internal/ops"
	"gridworker/internal/store"
	"gridworker/pkg/uds"

	"github.com/bytedance/sonic"
	"github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"golang.org/x/sync/errgroup"
)

const statusCommand = "status"

var serveFlags struct {
	computer      string
	instance      string
	budget        int
	storeDriver   string
	metricsAddr   string
	statusSocket  string
	pyroscopeAddr string
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the worker host until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return serve(loaded)
		},
	}
	f := cmd.Flags()
	f.StringVar(&serveFlags.computer, "computer", "", "worker host computer name (default: host name)")
	f.StringVar(&serveFlags.instance, "instance", "", "worker host instance (default: Default)")
	f.IntVar(&serveFlags.budget, "budget", 0, "number of worker processes allowed at once (default: CPUs)")
	f.StringVar(&serveFlags.storeDriver, "store", "", "store driver: memory, badger or postgres")
	f.StringVar(&serveFlags.metricsAddr, "metrics-addr", "", "prometheus listen address, empty disables")
	f.StringVar(&serveFlags.statusSocket, "status-socket", "", "unix socket answering the status command")
	f.StringVar(&serveFlags.pyroscopeAddr, "pyroscope", "", "pyroscope server address, empty disables profiling")
	return cmd
}

// loadConfig reads the config file and applies the serve flags that were set.
func loadConfig(cmd *cobra.Command) (ops.Loaded, error) {
	file := ops.FileConfig{}
	if configPath != "" {
		f, err := os.Open(configPath)
		if err != nil {
			return ops.Loaded{}, err
		}
		defer f.Close()
		file, err = ops.Decode(f)
		if err != nil {
			return ops.Loaded{}, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("computer") {
		file.Host.Computer = serveFlags.computer
	}
	if flags.Changed("instance") {
		file.Host.Instance = serveFlags.instance
	}
	if flags.Changed("budget") {
		file.Budget = serveFlags.budget
	}
	if flags.Changed("store") {
		file.Store.Driver = serveFlags.storeDriver
	}
	if flags.Changed("metrics-addr") {
		file.Ops.MetricsAddr = serveFlags.metricsAddr
	}
	if flags.Changed("status-socket") {
		file.Ops.StatusSocket = serveFlags.statusSocket
	}
	if flags.Changed("pyroscope") {
		file.Ops.PyroscopeAddr = serveFlags.pyroscopeAddr
	}
	return ops.Resolve(file)
}

func serve(loaded ops.Loaded) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		select {
		case <-sys.Shutdown():
			stop()
		case <-ctx.Done():
		}
	}()

	if loaded.Ops.PyroscopeAddr != "" {
		profiler, err := startProfiler(loaded)
		if err != nil {
			return err
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	s, closer, err := ops.OpenStore(ctx, loaded.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := closer.Close(); err != nil {
			logs.Warnf("close store, err: %+v", err)
		}
	}()

	var launcher dispatcher.Launcher = dispatcher.ExecLauncher{}
	if loaded.Chaos != nil {
		cl, err := chaos.NewLauncher(*loaded.Chaos, launcher)
		if err != nil {
			return err
		}
		logs.Warnf("chaos launcher enabled: %+v", *loaded.Chaos)
		launcher = cl
	}

	metrics := obs.NewMetrics()
	server, err := dispatcher.NewServer(loaded.Dispatcher, store.NewRepository(s),
		dispatcher.WithLauncher(launcher),
		dispatcher.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}
	if err := server.Start(ctx); err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	if loaded.Ops.MetricsAddr != "" {
		eg.Go(func() error {
			return serveMetrics(egCtx, loaded, server)
		})
	}
	if loaded.Ops.StatusSocket != "" {
		eg.Go(func() error {
			return serveStatus(egCtx, loaded.Ops.StatusSocket, server)
		})
	}
	eg.Go(func() error {
		<-egCtx.Done()
		return server.Stop()
	})
	return eg.Wait()
}

func serveMetrics(ctx context.Context, loaded ops.Loaded, server *dispatcher.Server) error {
	host := loaded.Dispatcher.Host
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		obs.NewCollector(server.Metrics(), server.Ledger(), prometheus.Labels{
			"host":     host.Computer,
			"instance": host.InstanceOrDefault(),
		}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              loaded.Ops.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	logs.Infof("metrics listening: %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func serveStatus(ctx context.Context, path string, server *dispatcher.Server) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	ln, err := uds.NewServer(path)
	if err != nil {
		return err
	}
	if err := ln.Listen(); err != nil {
		return err
	}
	logs.Infof("status socket listening: %s", path)

	return ln.Serve(ctx, func(_ context.Context, conn *net.UnixConn) {
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
		req, err := uds.ReadFrame(conn, nil)
		if err != nil {
			logs.Warnf("read status request, err: %+v", err)
			return
		}

		var resp []byte
		if string(req) == statusCommand {
			resp, err = sonic.Marshal(server.Status())
		} else {
			resp, err = sonic.Marshal(map[string]string{"error": "unknown command: " + string(req)})
		}
		if err != nil {
			logs.Errorf("encode status response, err: %+v", err)
			return
		}
		if err := uds.WriteFrame(conn, resp); err != nil {
			logs.Warnf("write status response, err: %+v", err)
		}
	})
}

func startProfiler(loaded ops.Loaded) (*pyroscope.Profiler, error) {
	host := loaded.Dispatcher.Host
	return pyroscope.Start(pyroscope.Config{
		ApplicationName: "gridworker",
		ServerAddress:   loaded.Ops.PyroscopeAddr,
		Tags: map[string]string{
			"host":     host.Computer,
			"instance": host.InstanceOrDefault(),
			"env":      loaded.Dispatcher.EnvName,
		},
		Logger: pyroscopeLogger{},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
	})
}

type pyroscopeLogger struct{}

func (pyroscopeLogger) Infof(string, ...any) {}

func (pyroscopeLogger) Debugf(string, ...any) {}

func (pyroscopeLogger) Errorf(format string, args ...any) {
	logs.Errorf("pyroscope: "+format, args...)
}
