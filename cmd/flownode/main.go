package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/flownode/pkg/agent"
	"github.com/cuemby/flownode/pkg/config"
	"github.com/cuemby/flownode/pkg/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "flownode",
	Short: "FlowNode - processing node for the flow server",
	Long: `FlowNode connects a machine to a flow server and runs the file
processing jobs the server dispatches to it.

The node keeps a persistent connection to the server, registers itself,
reports its status and runs each accepted job in the worker binary.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(versionString())

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory for node state")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log in JSON format")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(unregisterCmd)
	rootCmd.AddCommand(versionCmd)
}

func versionString() string {
	return fmt.Sprintf("FlowNode version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the flow node",
	Long: `Run the flow node until interrupted.

On SIGINT or SIGTERM the node aborts its active jobs, waits for their
cleanup and disconnects from the server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := agent.New(cfg, agent.Options{
			Version: Version,
			// A restart is a clean exit; the service manager starts us again
			Restart: func() {
				time.Sleep(cfg.Runner.RestartDelay)
				log.Logger.Warn().Msg("Exiting for restart")
				stop()
			},
		})
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}

		return a.Run(ctx)
	},
}

func init() {
	f := runCmd.Flags()
	f.String("server", "", "Server URL (http, https, ws or wss)")
	f.String("token", "", "Access token for the server")
	f.String("name", "", "Node name (defaults to the hostname)")
	f.String("address", "", "Address advertised to the server")
	f.String("worker", "", "Path to the worker binary")
	f.String("temp-path", "", "Temp directory for jobs")
	f.String("forced-temp-path", "", "Temp directory that overrides the server's setting")
	f.String("health-addr", "", "Address for the HTTP health server (empty disables it)")
	f.String("grpc-health-addr", "", "Address for the gRPC health server (empty disables it)")
	f.Bool("docker", false, "Node runs inside a container")
	f.Bool("restart-capable", false, "A service manager restarts the node when it exits")
	f.Duration("heartbeat", 0, "Status heartbeat interval")
	f.Duration("job-timeout", 0, "Maximum duration of one job (0 disables)")
}

var unregisterCmd = &cobra.Command{
	Use:   "unregister",
	Short: "Remove this node from the server",
	Long: `Connect to the server, unregister this node and forget its identity.

The node must not be running. A later run registers it as a new node.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")

		a, err := agent.New(cfg, agent.Options{Version: Version})
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		defer a.Close()

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		uid := a.NodeUID()
		if err := a.Unregister(ctx); err != nil {
			return fmt.Errorf("failed to unregister: %w", err)
		}
		fmt.Printf("✓ Node %s unregistered\n", uid)
		return nil
	},
}

func init() {
	unregisterCmd.Flags().String("server", "", "Server URL (http, https, ws or wss)")
	unregisterCmd.Flags().String("token", "", "Access token for the server")
	unregisterCmd.Flags().Duration("timeout", time.Minute, "Time allowed for the server to answer")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(versionString())
	},
}

// loadConfig reads the configuration file and environment, applies the
// flags that were set, initializes logging and validates the result
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Read(path)
	if err != nil {
		return nil, err
	}
	if err := applyFlags(cmd.Flags(), cfg); err != nil {
		return nil, err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
		File:       cfg.Log.File,
	})

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyFlags overrides cfg with every flag the user set explicitly
func applyFlags(flags *pflag.FlagSet, cfg *config.Config) error {
	strs := map[string]*string{
		"server":           &cfg.Server.URL,
		"token":            &cfg.Server.AccessToken,
		"name":             &cfg.Node.Name,
		"address":          &cfg.Node.Address,
		"data-dir":         &cfg.Node.DataDir,
		"worker":           &cfg.Runner.WorkerPath,
		"temp-path":        &cfg.Node.TempPath,
		"forced-temp-path": &cfg.Node.ForcedTempPath,
		"health-addr":      &cfg.Health.HTTPAddr,
		"grpc-health-addr": &cfg.Health.GRPCAddr,
		"log-level":        &cfg.Log.Level,
	}
	for name, dst := range strs {
		if !changed(flags, name) {
			continue
		}
		v, err := flags.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	bools := map[string]*bool{
		"docker":          &cfg.Node.Docker,
		"restart-capable": &cfg.Node.RestartCapable,
		"log-json":        &cfg.Log.JSON,
	}
	for name, dst := range bools {
		if !changed(flags, name) {
			continue
		}
		v, err := flags.GetBool(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	durations := map[string]*time.Duration{
		"heartbeat":   &cfg.Channel.HeartbeatInterval,
		"job-timeout": &cfg.Runner.JobTimeout,
	}
	for name, dst := range durations {
		if !changed(flags, name) {
			continue
		}
		v, err := flags.GetDuration(name)
		if err != nil {
			return err
		}
		*dst = v
	}
	return nil
}

func changed(flags *pflag.FlagSet, name string) bool {
	f := flags.Lookup(name)
	return f != nil && f.Changed
}
