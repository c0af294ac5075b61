package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/veilware/veil-agent/internal/audit"
	"github.com/veilware/veil-agent/internal/config"
	"github.com/veilware/veil-agent/internal/coordinator"
	"github.com/veilware/veil-agent/internal/emergency"
	"github.com/veilware/veil-agent/internal/eventfeed"
	"github.com/veilware/veil-agent/internal/health"
	"github.com/veilware/veil-agent/internal/hotkey"
	"github.com/veilware/veil-agent/internal/logging"
	"github.com/veilware/veil-agent/internal/netgate"
	"github.com/veilware/veil-agent/internal/privilege"
	"github.com/veilware/veil-agent/internal/svcquery"
)

const (
	detectInterval = 10 * time.Second
	sweepInterval  = 30 * time.Second
)

func runAgent() {
	cfg := loadConfig()

	logWriter := openLogWriter(cfg)
	if logWriter != nil {
		defer logWriter.Close()
		logging.Init(cfg.LogFormat, cfg.LogLevel, logging.TeeWriter(os.Stderr, logWriter))
	} else {
		logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stderr)
	}
	log := logging.L("main")

	fmt.Printf("Starting Veil Agent v%s\n", version)
	if cfg.SafeMode {
		fmt.Println("Safe mode: all probes and network control are simulated.")
	}

	recorder, err := audit.NewRecorder(cfg)
	if err != nil {
		log.Error("audit recorder unavailable, timeline disabled", "error", err)
	}
	defer recorder.Close()
	recorder.Record(audit.EventAgentStart, "", map[string]any{
		"version":  version,
		"safeMode": cfg.SafeMode,
	})

	if !cfg.SafeMode && !privilege.IsElevated() {
		log.Warn("running without elevation, session logoff and adapter control may fail")
	}

	coord, gate := buildStack(cfg)
	orch := emergency.New(coord, gate, hotkeyRegistrar())

	feed := eventfeed.New(cfg.EventFeedAddr)
	coord.Subscribe(feed)
	orch.Subscribe(feed)
	if recorder != nil {
		coord.Subscribe(&audit.ConnectionObserver{Recorder: recorder})
		orch.Subscribe(&audit.EmergencyObserver{Recorder: recorder})
	}

	go func() {
		if err := feed.Start(); err != nil {
			log.Error("event feed stopped", "error", err)
		}
	}()

	combo, err := hotkey.Parse(cfg.EmergencyHotkey)
	if err != nil {
		log.Error("invalid emergency hotkey, falling back to default", "error", err)
		combo, _ = hotkey.Parse(config.Default().EmergencyHotkey)
	}
	if err := orch.RegisterEmergencyHotkey(combo); err != nil {
		log.Error("hotkey registration failed, CLI trigger only", "combo", combo.String(), "error", err)
	}

	monitor := newHealthMonitor(coord, gate)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go detectLoop(ctx, coord)
	go sweepLoop(ctx, monitor)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down agent...")
	cancel()

	if err := orch.UnregisterEmergencyHotkey(); err != nil {
		log.Warn("hotkey unregister failed", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := feed.Stop(shutdownCtx); err != nil {
		log.Warn("event feed shutdown failed", "error", err)
	}

	recorder.Record(audit.EventAgentStop, "", nil)
}

func openLogWriter(cfg *config.Config) *logging.RotatingWriter {
	dataDir := config.GetDataDir()
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "Log directory unavailable: %v\n", err)
		return nil
	}
	w, err := logging.NewRotatingWriter(filepath.Join(dataDir, "agent.log"), cfg.AuditMaxSizeMB, cfg.AuditMaxBackups)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Log file unavailable: %v\n", err)
		return nil
	}
	return w
}

// hotkeyRegistrar returns the registrar for the host platform. The
// global hotkey grab lives with the frontend message loop; the agent
// itself only carries the binding contract.
func hotkeyRegistrar() hotkey.Registrar {
	return hotkey.Noop()
}

// detectLoop keeps the connection picture warm so the event feed and the
// audit timeline see connections as they appear, not only when the panic
// button fires.
func detectLoop(ctx context.Context, coord *coordinator.Coordinator) {
	ticker := time.NewTicker(detectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			coord.ActiveConnections(ctx)
		}
	}
}

func sweepLoop(ctx context.Context, monitor *health.Monitor) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	monitor.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			monitor.Sweep(ctx)
		}
	}
}

func newHealthMonitor(coord *coordinator.Coordinator, gate netgate.Gate) *health.Monitor {
	monitor := health.NewMonitor()

	monitor.Register("detection", func(ctx context.Context) error {
		coord.ActiveConnections(ctx)
		return nil
	})
	monitor.Register("network", func(ctx context.Context) error {
		_, err := gate.State(ctx)
		return err
	})
	monitor.Register("rdp-service", func(ctx context.Context) error {
		_, err := svcquery.GetStatus("TermService")
		return err
	})

	if !privilege.IsElevated() {
		monitor.Update("privilege", health.Degraded, "not elevated, session logoff and adapter control may fail")
	} else {
		monitor.Update("privilege", health.Healthy, "")
	}

	return monitor
}

func showStatus() {
	cfg := loadConfig()
	logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stderr)

	coord, gate := buildStack(cfg)
	monitor := newHealthMonitor(coord, gate)
	monitor.Sweep(context.Background())

	status := map[string]any{
		"version":  version,
		"safeMode": cfg.SafeMode,
		"hotkey":   cfg.EmergencyHotkey,
		"health":   monitor.Summary(),
	}

	if outputFormat != "text" {
		render(status)
		return
	}

	fmt.Printf("Veil Agent v%s\n", version)
	fmt.Printf("Safe mode: %v\n", cfg.SafeMode)
	fmt.Printf("Emergency hotkey: %s\n", cfg.EmergencyHotkey)
	fmt.Printf("Overall health: %s\n", monitor.Overall())
	for _, check := range monitor.All() {
		line := fmt.Sprintf("  %-12s %s", check.Name, check.Status)
		if check.Message != "" {
			line += " (" + check.Message + ")"
		}
		fmt.Println(line)
	}
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
