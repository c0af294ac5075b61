package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/veilware/veil-agent/internal/config"
	"github.com/veilware/veil-agent/internal/coordinator"
	"github.com/veilware/veil-agent/internal/emergency"
	"github.com/veilware/veil-agent/internal/logging"
	"github.com/veilware/veil-agent/internal/netgate"
	"github.com/veilware/veil-agent/internal/rdclient"
	"github.com/veilware/veil-agent/internal/rdsession"
)

var (
	version      = "0.1.0"
	cfgFile      string
	safeMode     bool
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "veil-agent",
	Short: "Veil privacy agent",
	Long:  `Veil Agent - remote desktop detection and emergency disconnect for Windows workstations`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent",
	Run: func(cmd *cobra.Command, args []string) {
		runAgent()
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Trigger an emergency disconnect now",
	Run: func(cmd *cobra.Command, args []string) {
		triggerDisconnect()
	},
}

var connectionsCmd = &cobra.Command{
	Use:   "connections",
	Short: "List active remote desktop connections",
	Run: func(cmd *cobra.Command, args []string) {
		listConnections()
	},
}

var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "Inspect and control network connectivity",
}

var networkStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show network connectivity state",
	Run: func(cmd *cobra.Command, args []string) {
		networkAction("status")
	},
}

var networkDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable all physical network adapters",
	Run: func(cmd *cobra.Command, args []string) {
		networkAction("disable")
	},
}

var networkEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable all physical network adapters",
	Run: func(cmd *cobra.Command, args []string) {
		networkAction("enable")
	},
}

var networkRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Re-enable adapters disabled by a previous emergency disconnect",
	Run: func(cmd *cobra.Command, args []string) {
		networkAction("restore")
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agent configuration and component health",
	Run: func(cmd *cobra.Command, args []string) {
		showStatus()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Veil Agent v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is the platform config dir)")
	rootCmd.PersistentFlags().BoolVar(&safeMode, "safe-mode", false, "use simulated probes and network control")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "output format: text, json or yaml")

	networkCmd.AddCommand(networkStatusCmd)
	networkCmd.AddCommand(networkDisableCmd)
	networkCmd.AddCommand(networkEnableCmd)
	networkCmd.AddCommand(networkRestoreCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(disconnectCmd)
	rootCmd.AddCommand(connectionsCmd)
	rootCmd.AddCommand(networkCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads and validates the config, applying the --safe-mode
// override. Validation findings are clamped, not fatal.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if safeMode {
		cfg.SafeMode = true
	}
	for _, verr := range cfg.Validate() {
		fmt.Fprintf(os.Stderr, "Config warning: %v\n", verr)
	}
	return cfg
}

// buildStack constructs the coordinator and gate, simulated or real
// depending on safe mode. The choice is made once here; nothing past
// construction branches on the mode again.
func buildStack(cfg *config.Config) (*coordinator.Coordinator, netgate.Gate) {
	opts := coordinator.Options{
		CacheTTL:   time.Duration(cfg.CacheTTLSeconds) * time.Second,
		MaxRetries: cfg.MaxRetries,
	}

	if cfg.SafeMode {
		coord, _, _ := coordinator.NewSafeMode(opts)
		gate := netgate.NewSimulated()
		gate.Delay = 50 * time.Millisecond
		return coord, gate
	}

	backoff := time.Duration(cfg.RetryBackoffMs) * time.Millisecond
	opts.Sessions = rdsession.New(backoff)
	opts.Clients = rdclient.New(cfg.ClientProcessNames, cfg.MaxRetries, backoff)
	return coordinator.New(opts), netgate.New(cfg.AdapterAllowlist)
}

func triggerDisconnect() {
	cfg := loadConfig()
	logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stderr)

	coord, gate := buildStack(cfg)
	orch := emergency.New(coord, gate, nil)

	result := orch.Execute(context.Background())

	switch outputFormat {
	case "text":
		fmt.Println(result.Summary())
		for _, e := range result.Errors {
			fmt.Fprintf(os.Stderr, "  error: %s\n", e)
		}
	default:
		render(result)
	}

	if !result.Success {
		os.Exit(1)
	}
}

func listConnections() {
	cfg := loadConfig()
	logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stderr)

	coord, _ := buildStack(cfg)
	conns := coord.ActiveConnections(context.Background())

	if outputFormat != "text" {
		render(conns)
		return
	}

	if len(conns) == 0 {
		fmt.Println("No active remote desktop connections.")
		return
	}
	for _, conn := range conns {
		switch conn.Kind {
		case coordinator.KindIncomingSession:
			fmt.Printf("%-18s session %-4d user=%s client=%s addr=%s state=%s\n",
				conn.Kind, conn.SessionID, conn.UserName, conn.ClientName, conn.ClientAddress, conn.State)
		case coordinator.KindOutgoingClient:
			fmt.Printf("%-18s pid %-6d %s\n", conn.Kind, conn.ProcessID, conn.ClientName)
		}
	}
}

func networkAction(action string) {
	cfg := loadConfig()
	logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stderr)

	_, gate := buildStack(cfg)
	ctx := context.Background()

	var err error
	switch action {
	case "status":
		var status netgate.Status
		status, err = gate.State(ctx)
		if err == nil {
			if outputFormat == "text" {
				fmt.Printf("Connectivity: %s\n", enabledWord(status.Enabled))
				fmt.Printf("Current IP:   %s\n", orNone(status.CurrentIP))
				fmt.Printf("Firewall:     %s\n", activeWord(status.FirewallActive))
				fmt.Printf("DNS service:  %s\n", runningWord(status.DNSServiceRunning))
			} else {
				render(status)
			}
			return
		}
	case "disable":
		err = gate.Disable(ctx)
	case "enable":
		err = gate.Enable(ctx)
	case "restore":
		err = gate.Restore(ctx)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "network %s failed: %v\n", action, err)
		os.Exit(1)
	}
	fmt.Printf("network %s: done\n", action)
}

func render(v any) {
	switch outputFormat {
	case "yaml":
		data, err := yaml.Marshal(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "yaml encode failed: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(data)
	default:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "json encode failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(data))
	}
}

func enabledWord(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

func activeWord(b bool) string {
	if b {
		return "active"
	}
	return "inactive"
}

func runningWord(b bool) string {
	if b {
		return "running"
	}
	return "stopped"
}
