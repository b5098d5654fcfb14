package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	listenAddr   string
	peerAddr     string
	canIf        string
	flushTimeout time.Duration
	canTimeout   time.Duration

	debugBuffer bool
	debugTimer  bool
	debugUDP    bool
	debugCAN    bool

	logFormat string
	logLevel  string

	metricsAddr string

	monitorAddr   string
	monitorBuffer int
	monitorPolicy string

	mdnsEnable bool
	mdnsName   string

	logMetricsEvery time.Duration
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	listen := flag.String("listen", ":20000", "Local UDP listen address")
	peer := flag.String("peer", "", "Remote peer UDP address (required)")
	canIf := flag.String("can-if", "can0", "SocketCAN interface")
	flushTimeout := flag.Duration("flush-timeout", 100*time.Millisecond, "UDP flush deadline")
	canTimeout := flag.Duration("can-timeout", 100*time.Millisecond, "CAN flush deadline")
	debugBuffer := flag.Bool("debug-buffer", false, "Trace buffer enqueue/swap events")
	debugTimer := flag.Bool("debug-timer", false, "Trace deadline timer events")
	debugUDP := flag.Bool("debug-udp", false, "Trace UDP tx/rx packets")
	debugCAN := flag.Bool("debug-can", false, "Trace CAN tx/rx frames")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	monitorAddr := flag.String("monitor-addr", "", "Local frame-monitor TCP listen address; empty disables")
	monitorBuffer := flag.Int("monitor-buffer", 512, "Per-client monitor buffer (events)")
	monitorPolicy := flag.String("monitor-policy", "drop", "Monitor backpressure policy: drop|kick")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS advertisement of the monitor endpoint")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default canpipe-<hostname>)")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.listenAddr = *listen
	cfg.peerAddr = *peer
	cfg.canIf = *canIf
	cfg.flushTimeout = *flushTimeout
	cfg.canTimeout = *canTimeout
	cfg.debugBuffer = *debugBuffer
	cfg.debugTimer = *debugTimer
	cfg.debugUDP = *debugUDP
	cfg.debugCAN = *debugCAN
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.monitorAddr = *monitorAddr
	cfg.monitorBuffer = *monitorBuffer
	cfg.monitorPolicy = *monitorPolicy
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName
	cfg.logMetricsEvery = *logMetricsEvery

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if *showVersion {
		return cfg, true
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open the CAN device or UDP socket — only checks
// values and ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.peerAddr == "" {
		return errors.New("peer address is required (-peer or CANPIPE_PEER)")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.monitorPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid monitor-policy: %s", c.monitorPolicy)
	}
	if c.monitorBuffer <= 0 {
		return fmt.Errorf("monitor-buffer must be > 0 (got %d)", c.monitorBuffer)
	}
	if c.flushTimeout <= 0 {
		return errors.New("flush-timeout must be > 0")
	}
	if c.canTimeout <= 0 {
		return errors.New("can-timeout must be > 0")
	}
	return nil
}

// applyEnvOverrides maps CANPIPE_* environment variables onto config fields
// unless the corresponding flag was explicitly set (flag wins over env).
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["listen"]; !ok {
		if v, ok := get("CANPIPE_LISTEN"); ok && v != "" {
			c.listenAddr = v
		}
	}
	if _, ok := set["peer"]; !ok {
		if v, ok := get("CANPIPE_PEER"); ok && v != "" {
			c.peerAddr = v
		}
	}
	if _, ok := set["can-if"]; !ok {
		if v, ok := get("CANPIPE_CAN_IF"); ok && v != "" {
			c.canIf = v
		}
	}
	if _, ok := set["flush-timeout"]; !ok {
		if v, ok := get("CANPIPE_FLUSH_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.flushTimeout = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CANPIPE_FLUSH_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["can-timeout"]; !ok {
		if v, ok := get("CANPIPE_CAN_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.canTimeout = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CANPIPE_CAN_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["debug-buffer"]; !ok {
		if v, ok := get("CANPIPE_DEBUG_BUFFER"); ok && v != "" {
			c.debugBuffer = parseBool(v, c.debugBuffer)
		}
	}
	if _, ok := set["debug-timer"]; !ok {
		if v, ok := get("CANPIPE_DEBUG_TIMER"); ok && v != "" {
			c.debugTimer = parseBool(v, c.debugTimer)
		}
	}
	if _, ok := set["debug-udp"]; !ok {
		if v, ok := get("CANPIPE_DEBUG_UDP"); ok && v != "" {
			c.debugUDP = parseBool(v, c.debugUDP)
		}
	}
	if _, ok := set["debug-can"]; !ok {
		if v, ok := get("CANPIPE_DEBUG_CAN"); ok && v != "" {
			c.debugCAN = parseBool(v, c.debugCAN)
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("CANPIPE_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("CANPIPE_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("CANPIPE_METRICS_ADDR"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["monitor-addr"]; !ok {
		if v, ok := get("CANPIPE_MONITOR_ADDR"); ok {
			c.monitorAddr = v
		}
	}
	if _, ok := set["monitor-buffer"]; !ok {
		if v, ok := get("CANPIPE_MONITOR_BUFFER"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.monitorBuffer = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CANPIPE_MONITOR_BUFFER: %w", err)
			}
		}
	}
	if _, ok := set["monitor-policy"]; !ok {
		if v, ok := get("CANPIPE_MONITOR_POLICY"); ok && v != "" {
			c.monitorPolicy = v
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("CANPIPE_MDNS_ENABLE"); ok && v != "" {
			c.mdnsEnable = parseBool(v, c.mdnsEnable)
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("CANPIPE_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("CANPIPE_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CANPIPE_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	return firstErr
}

func parseBool(v string, fallback bool) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
