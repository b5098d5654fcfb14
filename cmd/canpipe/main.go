package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/canpipe/canpipe/internal/hub"
	"github.com/canpipe/canpipe/internal/metrics"
	"github.com/canpipe/canpipe/internal/monitor"
	"github.com/canpipe/canpipe/internal/trace"
	"github.com/canpipe/canpipe/internal/tunnel"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("canpipe %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	tr := trace.New(ctx, l, map[string]bool{
		trace.SubsystemBuffer: cfg.debugBuffer,
		trace.SubsystemTimer:  cfg.debugTimer,
		trace.SubsystemUDP:    cfg.debugUDP,
		trace.SubsystemCAN:    cfg.debugCAN,
	})

	var monHub *monitor.Hub
	var monSrv *monitor.Server
	if cfg.monitorAddr != "" {
		monHub = monitor.NewHub()
		policy := hub.PolicyDrop
		if cfg.monitorPolicy == "kick" {
			policy = hub.PolicyKick
		}
		monSrv = monitor.NewServer(
			monitor.WithListenAddr(cfg.monitorAddr),
			monitor.WithHub(monHub),
			monitor.WithOutBufSize(cfg.monitorBuffer),
			monitor.WithPolicy(policy),
			monitor.WithLogger(l),
		)
	}

	opts := []tunnel.Option{tunnel.WithTrace(tr)}
	if monHub != nil {
		opts = append(opts, tunnel.WithMonitor(monHub))
	}
	tn, err := tunnel.New(tunnel.Config{
		ListenAddr:   cfg.listenAddr,
		PeerAddr:     cfg.peerAddr,
		CANInterface: cfg.canIf,
		FlushTimeout: cfg.flushTimeout,
		CANTimeout:   cfg.canTimeout,
	}, l, opts...)
	if err != nil {
		l.Error("tunnel_init_error", "error", err)
		os.Exit(1)
	}
	tn.Start()

	if monSrv != nil {
		go func() {
			if err := monSrv.Serve(ctx); err != nil {
				l.Error("monitor_server_error", "error", err)
			}
		}()
		go advertiseMonitor(ctx, cfg, monSrv, l)
	}

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-tn.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()

	sdCtx, sdCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer sdCancel()
	if err := tn.Shutdown(sdCtx); err != nil {
		l.Warn("tunnel_shutdown_error", "error", err)
	}
	if monSrv != nil {
		if err := monSrv.Shutdown(sdCtx); err != nil {
			l.Warn("monitor_shutdown_error", "error", err)
		}
	}
	wg.Wait()
}

// advertiseMonitor starts mDNS advertisement once the monitor listener is
// bound, extracting the port from its resolved address.
func advertiseMonitor(ctx context.Context, cfg *appConfig, srv *monitor.Server, l *slog.Logger) {
	if !cfg.mdnsEnable {
		return
	}
	select {
	case <-srv.Ready():
	case <-ctx.Done():
		return
	}
	addr := srv.Addr()
	var port int
	if _, p, err := net.SplitHostPort(addr); err == nil {
		if pn, perr := strconv.Atoi(p); perr == nil {
			port = pn
		}
	}
	if port == 0 {
		if i := strings.LastIndex(addr, ":"); i >= 0 {
			if pn, perr := strconv.Atoi(addr[i+1:]); perr == nil {
				port = pn
			}
		}
	}
	cleanup, err := startMDNS(ctx, cfg, port)
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
		return
	}
	l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
	go func() { <-ctx.Done(); cleanup() }()
}
