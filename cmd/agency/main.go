package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/curious-containers/agency/pkg/config"
	"github.com/curious-containers/agency/pkg/log"
	"github.com/curious-containers/agency/pkg/trustee"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	confFile string
	logLevel string
	logJSON  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ccagency",
	Short: "CC-Agency - batch scheduling for containerized experiments",
	Long: `CC-Agency schedules user-submitted containerized batch jobs across a
cluster of docker nodes. The controller owns scheduling and container
lifecycle; the trustee keeps confidential connector credentials out of
persistence.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"CC-Agency version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&confFile, "conf-file", "c", "~/.config/cc-agency.yml", "configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit structured JSON logs")

	rootCmd.AddCommand(controllerCmd)
	rootCmd.AddCommand(trusteeCmd)
}

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Run the controller process",
	Long: `Run the controller: one client proxy per configured node, the batch
scheduler and its auxiliary loops, and the broker signal socket.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runController(signalContext(), cfg)
	},
}

var trusteeCmd = &cobra.Command{
	Use:   "trustee",
	Short: "Run the trustee secret store",
	Long: `Run the trustee: an in-memory secret store serving store, delete,
collect and inspect requests on a local socket. Secrets never touch disk;
restarting the trustee voids every outstanding secret.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		server := trustee.NewServer(cfg.Trustee.BindSocketPath)
		return server.Run(signalContext())
	},
}

func loadConfig() (*config.Config, error) {
	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})

	cfg, err := config.Load(confFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx
}
