// Command stabsync is the sync engine's CLI: license activation, one-shot
// and daemon reconciliation, and operator diagnostics.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/digitmide/stabsync/internal/config"
	"github.com/digitmide/stabsync/internal/engine"
	"github.com/digitmide/stabsync/internal/reconcile"
	"github.com/digitmide/stabsync/pkg/audit"
	"github.com/digitmide/stabsync/pkg/cli"
	"github.com/digitmide/stabsync/pkg/util"
	"github.com/digitmide/stabsync/pkg/version"
)

// App holds the state shared across subcommands: the loaded config, the
// wired engine, and the global output flags. One App is constructed in
// PersistentPreRunE and torn down in PersistentPostRunE.
type App struct {
	configPath string
	logLevel   string
	jsonOutput bool

	cfg *config.AppConfig
	eng *engine.Engine
}

var app = &App{}

func green(s string) string  { return cli.Green(s) }
func yellow(s string) string { return cli.Yellow(s) }
func red(s string) string    { return cli.Red(s) }
func bold(s string) string   { return cli.Bold(s) }

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red(err.Error()))
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "stabsync",
	Short:   "Edge-to-central sync engine for stab.digitmi.de appliances",
	Version: version.Info(),
	Long: `stabsync keeps an appliance's primary store reconciled with the
central authority: license activation, change tracking, push/pull
reconciliation, and a daemon loop with single-instance enforcement.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if app.logLevel == "" {
			app.logLevel = os.Getenv("LOG_LEVEL")
		}
		if app.logLevel != "" {
			if err := util.SetLogLevel(app.logLevel); err != nil {
				return fmt.Errorf("invalid --log-level %q: %w", app.logLevel, err)
			}
		}

		path := app.configPath
		if path == "" {
			if v := os.Getenv("CONFIG_PATH"); v != "" {
				path = v
			} else {
				path = config.DefaultConfigPath
			}
		}
		cfg, err := config.LoadFrom(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		app.cfg = cfg

		util.SetRotatingFileOutput(cfg.GetLogPath(), cfg.GetLogMaxSizeMB(), cfg.GetLogMaxBackups())
		if app.jsonOutput {
			util.SetJSONFormat()
		}

		auditLogger, err := audit.NewFileLogger(cfg.GetAuditLogPath(), audit.RotationConfig{
			MaxSize:    int64(cfg.GetLogMaxSizeMB()) * 1024 * 1024,
			MaxBackups: cfg.GetLogMaxBackups(),
		})
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		audit.SetDefaultLogger(auditLogger)

		eng, err := engine.New(cfg)
		if err != nil {
			return fmt.Errorf("initializing engine: %w", err)
		}
		app.eng = eng

		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if app.eng != nil {
			return app.eng.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&app.configPath, "config", "", "path to config file (default "+config.DefaultConfigPath+")")
	rootCmd.PersistentFlags().StringVar(&app.logLevel, "log-level", "", "log level: debug, info, warn, error (default info, falls back to LOG_LEVEL)")
	rootCmd.PersistentFlags().BoolVar(&app.jsonOutput, "json", false, "emit machine-readable JSON for check/info")

	validateCmd.Flags().StringVar(&validateLicenseKey, "license-key", "", "license key to validate")
	registerCmd.Flags().StringVar(&registerLicenseKey, "license-key", "", "license key to register with")
	syncCmd.Flags().StringVar(&syncMode, "mode", "bidirectional", "push, pull, or bidirectional")
	daemonCmd.Flags().IntVar(&daemonInterval, "interval", 0, "seconds between iterations (default from config, 900)")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(initialCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(heartbeatCmd)

	auditCmd.Hidden = true
	rootCmd.AddCommand(auditCmd)
}

var validateLicenseKey string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate (or refresh) the license against the authority",
	RunE: func(cmd *cobra.Command, args []string) error {
		if validateLicenseKey == "" {
			return fmt.Errorf("--license-key is required")
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		rec, err := app.eng.License.ValidateOnline(ctx, validateLicenseKey)
		if err != nil {
			return fmt.Errorf("validating license: %w", err)
		}

		if app.jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(rec)
		}
		fmt.Printf("%s license valid until %s (tier=%s, organization=%s)\n",
			green("ok"), rec.ValidUntil.Format(time.RFC3339), rec.Tier, rec.Organization)
		return nil
	},
}

var registerLicenseKey string

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Perform first-time device registration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if registerLicenseKey == "" {
			return fmt.Errorf("--license-key is required")
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		info, err := app.eng.License.RegisterDevice(ctx, registerLicenseKey)
		if err != nil {
			return fmt.Errorf("registering device: %w", err)
		}

		if app.jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(info)
		}
		fmt.Printf("%s registered device %s, sync endpoint %s\n", green("ok"), app.eng.Identity.DeviceID, info.SyncEndpoint)
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check license validity and authority reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		valid := app.eng.License.IsValid()
		features := app.eng.License.Features()
		reachable := app.eng.Scheduler.Heartbeat(ctx)

		if app.jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
				"license_valid": valid,
				"features":      features,
				"reachable":     reachable,
			})
		}

		status := green("valid")
		if !valid {
			status = red("invalid")
		}
		reach := green("reachable")
		if !reachable {
			reach = yellow("unreachable")
		}
		fmt.Printf("license: %s\nauthority: %s\n", status, reach)

		if !valid {
			return fmt.Errorf("license is not valid")
		}
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show device identity, license status, and sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		cfg := app.eng.License.SyncConfig()
		pending, err := app.eng.Metadata.PendingCount(ctx)
		if err != nil {
			return fmt.Errorf("counting pending changes: %w", err)
		}
		lastSync, err := app.eng.Metadata.LastCompletedSyncTime(ctx)
		if err != nil {
			return fmt.Errorf("reading last sync time: %w", err)
		}
		conflicts, err := app.eng.Metadata.RecentConflicts(ctx, 5)
		if err != nil {
			return fmt.Errorf("reading recent conflicts: %w", err)
		}

		if app.jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
				"device_id": app.eng.Identity.DeviceID,
				"hostname":  app.eng.Identity.Hostname,
				"license":   cfg,
				"pending":   pending,
				"last_sync": lastSync,
				"conflicts": conflicts,
			})
		}

		fmt.Printf("%s %s\n", bold("device:"), app.eng.Identity.DeviceID)
		fmt.Printf("%s %s\n", bold("hostname:"), app.eng.Identity.Hostname)
		fmt.Printf("%s %v\n", bold("sync enabled:"), cfg.Enabled)
		fmt.Printf("%s %s\n", bold("authority:"), cfg.ServerURL)
		fmt.Printf("%s %d\n", bold("pending changes:"), pending)
		if lastSync.IsZero() {
			fmt.Printf("%s never\n", bold("last sync:"))
		} else {
			fmt.Printf("%s %s\n", bold("last sync:"), lastSync.Format(time.RFC3339))
		}

		if len(conflicts) > 0 {
			fmt.Println()
			t := cli.NewTable("SYNC ID", "TABLE", "RECORD", "RESOLUTION", "RESOLVED AT")
			for _, c := range conflicts {
				t.Row(c.SyncID, c.TableName, c.RecordID, c.Resolution, c.ResolvedAt.Format(time.RFC3339))
			}
			t.Flush()
		}
		return nil
	},
}

var syncMode string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one reconciliation pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		mode := reconcile.Mode(syncMode)
		switch mode {
		case reconcile.ModePush, reconcile.ModePull, reconcile.ModeBidirectional:
		default:
			return fmt.Errorf("invalid --mode %q: must be push, pull, or bidirectional", syncMode)
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		notifyShutdown(cancel)

		if err := app.eng.Scheduler.RunOnce(ctx, mode); err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		fmt.Println(green("sync completed"))
		return nil
	},
}

var initialCmd = &cobra.Command{
	Use:   "initial",
	Short: "Run the one-shot bootstrap import",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		notifyShutdown(cancel)

		if err := app.eng.Scheduler.RunInitial(ctx); err != nil {
			return fmt.Errorf("initial sync failed: %w", err)
		}
		fmt.Println(green("initial sync completed"))
		return nil
	},
}

var daemonInterval int

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the reconciliation loop until terminated",
	RunE: func(cmd *cobra.Command, args []string) error {
		interval := time.Duration(daemonInterval) * time.Second
		if daemonInterval <= 0 {
			interval = time.Duration(app.cfg.GetSyncInterval()) * time.Second
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		notifyShutdown(cancel)

		util.Infof("daemon: starting with interval %s", interval)
		if err := app.eng.Scheduler.RunDaemon(ctx, interval, reconcile.ModeBidirectional); err != nil {
			return fmt.Errorf("daemon exited: %w", err)
		}
		return nil
	},
}

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat",
	Short: "Send a single liveness probe to the authority",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		ok := app.eng.Scheduler.Heartbeat(ctx)
		if app.jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(map[string]bool{"reachable": ok})
		}
		if !ok {
			fmt.Println(red("unreachable"))
			return fmt.Errorf("heartbeat failed")
		}
		fmt.Println(green("reachable"))
		return nil
	},
}

// notifyShutdown calls cancel on SIGINT/SIGTERM. A running reconciliation
// sees the cancellation through its context: in-flight network and
// database calls are aborted and an open transaction is rolled back.
func notifyShutdown(cancel context.CancelFunc) {
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCtx.Done()
		stop()
		cancel()
	}()
}
