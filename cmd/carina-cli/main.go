package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/carina-go/internal/config"
	"github.com/rmacdonaldsmith/carina-go/internal/logging"
)

var (
	// Global flags
	configPath string
	socketURL  string
	serverURL  string
	jwtToken   string
	useGzip    bool
	timeout    time.Duration
	logLevel   string

	// Resolved by initialize
	settings *config.File
	logger   *zap.Logger
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "carina-cli",
		Short: "Constellation live event command line interface",
		Long: `carina-cli subscribes to Constellation live events and prints them.
It can also publish events to a local carina-devserver.`,
		SilenceUsage:      true,
		PersistentPreRunE: initialize,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Path to a YAML config file")
	flags.StringVar(&socketURL, "url", "", "Constellation websocket URL (overrides config)")
	flags.StringVar(&serverURL, "server", "http://localhost:8080", "Dev server HTTP URL for publish and health")
	flags.StringVar(&jwtToken, "jwt", "", "JWT used for the websocket handshake and dev server requests")
	flags.BoolVar(&useGzip, "gzip", false, "Negotiate gzip compression")
	flags.DurationVar(&timeout, "timeout", 10*time.Second, "Timeout for each request")
	flags.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")

	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newPublishCommand())
	rootCmd.AddCommand(newHealthCommand())
	return rootCmd
}

// initialize loads the config file and applies flag overrides
func initialize(cmd *cobra.Command, args []string) error {
	var err error
	if configPath != "" {
		settings, err = config.Load(configPath)
		if err != nil {
			return err
		}
	} else {
		settings = config.Default()
	}

	flags := cmd.Flags()
	if flags.Changed("url") {
		settings.Socket.URL = socketURL
	}
	if flags.Changed("jwt") {
		settings.Socket.JWT = jwtToken
	}
	if flags.Changed("gzip") {
		settings.Socket.Gzip = useGzip
	}
	if flags.Changed("timeout") {
		settings.Socket.ReplyTimeout = timeout
	}
	if flags.Changed("log-level") {
		settings.Log.Level = logLevel
	}
	if err := settings.Validate(); err != nil {
		return err
	}

	logger, err = logging.New(settings.LoggingOptions())
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	return nil
}
