// Command cangw runs a standalone CAN gateway between two interfaces.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/gocarina/gocsv"

	"github.com/hiltest/cangw"
	"github.com/hiltest/cangw/canif"
	"github.com/hiltest/cangw/capturelog"
	"github.com/hiltest/cangw/metrics"
)

// ruleRow is one human-readable row of a rule table dump, reusing gocsv
// (already in the dependency graph for capture-session CSVs) for a second,
// minor concern: struct-to-CSV marshaling.
type ruleRow struct {
	Name         string  `csv:"name"`
	CANID        int32   `csv:"can_id"`
	IDMask       uint32  `csv:"id_mask"`
	Direction    string  `csv:"direction"`
	Action       string  `csv:"action"`
	ExtraDelayMs float32 `csv:"extra_delay_ms"`
	Enabled      bool    `csv:"enabled"`
	ByteOps      int     `csv:"byte_ops"`
}

// dumpRulesCSV writes rules as CSV to w, for operators inspecting a config
// file's rule table before starting the gateway.
func dumpRulesCSV(w *os.File, rules []*cangw.ManipulationRule) error {
	rows := make([]ruleRow, 0, len(rules))
	for _, r := range rules {
		rows = append(rows, ruleRow{
			Name:         r.Name,
			CANID:        r.CANID,
			IDMask:       r.IDMask,
			Direction:    r.Direction.String(),
			Action:       r.Action.String(),
			ExtraDelayMs: r.ExtraDelayMs,
			Enabled:      r.Enabled,
			ByteOps:      len(r.ByteOps),
		})
	}
	return gocsv.MarshalCSV(rows, gocsv.DefaultCSVWriter(w))
}

func main() {
	// parse command line flags; a TOML config file, if given, supplies
	// defaults that flags override when given a non-zero, non-empty value
	configPath := flag.String("config", "", "path to an optional TOML config file")
	iface0 := flag.String("iface0", "", "first CAN interface name")
	iface1 := flag.String("iface1", "", "second CAN interface name")
	bitrate := flag.Int("bitrate", 0, "bitrate to configure on real CAN links (0 = leave unchanged)")
	delayMs := flag.Float64("delay-ms", 0, "base forwarding delay in milliseconds")
	jitterMs := flag.Float64("jitter-ms", 0, "jitter added to the base delay, in milliseconds")
	lossPct := flag.Float64("loss-pct", 0, "percentage of frames to drop")
	logDir := flag.String("log-dir", "", "directory for the capture session (.blf + .csv); empty disables capture")
	virtual := flag.Bool("virtual", false, "use an in-memory loopback pair instead of real SocketCAN interfaces")
	metricsAddr := flag.String("metrics-addr", "", "address to serve Prometheus metrics on, e.g. :9400 (empty disables)")
	dumpCSV := flag.Bool("dump-csv", false, "print the configured rule table as CSV to stdout and exit, without starting the gateway")
	flag.Parse()

	cfg, err := loadFileConfig(*configPath)
	if err != nil {
		log.WithError(err).Fatal("cangw: loading config file")
	}
	applyFlagOverrides(&cfg, *iface0, *iface1, *bitrate, *delayMs, *jitterMs, *lossPct, *logDir, *virtual, *metricsAddr)

	if *dumpCSV {
		if err := dumpRulesCSV(os.Stdout, loadRules(cfg)); err != nil {
			log.WithError(err).Fatal("cangw: dumping rule table")
		}
		return
	}

	if cfg.Iface0 == "" || cfg.Iface1 == "" {
		log.Fatal("cangw: both -iface0 and -iface1 (or their config-file equivalents) are required")
	}

	gw, registry := buildGateway(cfg)
	gw.SetRules(loadRules(cfg))

	if cfg.LogDir != "" {
		session, err := capturelog.NewCaptureSession(cfg.LogDir, cfg.Iface0, cfg.Iface1, time.Now(), log.Log)
		if err != nil {
			log.WithError(err).Fatal("cangw: opening capture session")
		}
		if err := gw.SetCaptureSink(session); err != nil {
			log.WithError(err).Fatal("cangw: installing capture sink")
		}
	}

	if cfg.MetricsOn && *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", registry.Handler())
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.WithError(err).Warn("cangw: metrics server stopped")
			}
		}()
	}

	delay, jitter, loss := cfg.DelayMs, cfg.JitterMs, cfg.LossPct
	gw.UpdateSettings(&delay, &loss, &jitter)

	if err := gw.Start(); err != nil {
		log.WithError(err).Fatal("cangw: starting gateway")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("cangw: shutting down")
	if err := gw.Stop(); err != nil {
		log.WithError(err).Warn("cangw: stop reported an error")
	}
}

func applyFlagOverrides(cfg *fileConfig, iface0, iface1 string, bitrate int, delayMs, jitterMs, lossPct float64, logDir string, virtual bool, metricsAddr string) {
	if iface0 != "" {
		cfg.Iface0 = iface0
	}
	if iface1 != "" {
		cfg.Iface1 = iface1
	}
	if bitrate != 0 {
		cfg.Bitrate = bitrate
	}
	if delayMs != 0 {
		cfg.DelayMs = delayMs
	}
	if jitterMs != 0 {
		cfg.JitterMs = jitterMs
	}
	if lossPct != 0 {
		cfg.LossPct = lossPct
	}
	if logDir != "" {
		cfg.LogDir = logDir
	}
	if virtual {
		cfg.Virtual = true
	}
	if metricsAddr != "" {
		cfg.MetricsOn = true
	}
}

func buildGateway(cfg fileConfig) (*cangw.Gateway, *metrics.Registry) {
	var factory cangw.Factory
	if cfg.Virtual {
		a, b := cangw.NewLoopbackPair(cfg.Iface0, cfg.Iface1)
		factory = cangw.LoopbackFactory(map[string]*cangw.Loopback{cfg.Iface0: a, cfg.Iface1: b})
	} else {
		factory = cangw.OpenSocketCAN
	}

	gw := cangw.NewGateway(cfg.Iface0, cfg.Iface1, factory, log.Log)

	if !cfg.Virtual {
		mgr := canif.NewManager(log.Log)
		gw.SetIfaceManager(mgr)
		if err := gw.BringUp(cfg.Iface0, cfg.Bitrate); err != nil {
			log.WithError(err).Warnf("cangw: bringing up %s", cfg.Iface0)
		}
		if err := gw.BringUp(cfg.Iface1, cfg.Bitrate); err != nil {
			log.WithError(err).Warnf("cangw: bringing up %s", cfg.Iface1)
		}
	}

	registry := metrics.NewRegistry()
	gw.Subscribe(registry.Subscriber())
	return gw, registry
}
