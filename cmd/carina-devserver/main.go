package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rmacdonaldsmith/carina-go/internal/config"
	"github.com/rmacdonaldsmith/carina-go/internal/devserver"
	"github.com/rmacdonaldsmith/carina-go/internal/logging"
)

const (
	// Application info
	appName    = "carina-devserver"
	appVersion = "0.1.0"
)

// options are the command-line flags
type options struct {
	configPath  string
	listenAddr  string
	secret      string
	noAuth      bool
	logLevel    string
	issueToken  string
	showVersion bool
}

func parseFlags(args []string, output io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.configPath, "config", "", "Path to a YAML config file")
	fs.StringVar(&opts.listenAddr, "listen", "", "Listen address (default :8080)")
	fs.StringVar(&opts.secret, "secret", "", "HS256 secret for issuing and checking tokens")
	fs.BoolVar(&opts.noAuth, "no-auth", false, "Disable token checks")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.StringVar(&opts.issueToken, "issue-token", "", "Print a token for the given client ID and exit")
	fs.BoolVar(&opts.showVersion, "version", false, "Show version and exit")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

// loadSettings merges the config file with flag overrides
func loadSettings(opts options) (*config.File, error) {
	settings := config.Default()
	if opts.configPath != "" {
		var err error
		if settings, err = config.Load(opts.configPath); err != nil {
			return nil, err
		}
	}

	if opts.listenAddr != "" {
		settings.DevServer.Listen = opts.listenAddr
	}
	if opts.secret != "" {
		settings.DevServer.Secret = opts.secret
	}
	if opts.noAuth {
		settings.DevServer.NoAuth = true
	}
	if opts.logLevel != "" {
		settings.Log.Level = opts.logLevel
	}
	return settings, settings.Validate()
}

func newServer(settings *config.File) (*devserver.Server, error) {
	logger, err := logging.New(settings.LoggingOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return devserver.New(settings.DevServerConfig(logger))
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if opts.showVersion {
		fmt.Printf("%s v%s\n", appName, appVersion)
		os.Exit(0)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	settings, err := loadSettings(opts)
	if err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}

	server, err := newServer(settings)
	if err != nil {
		log.Fatalf("❌ Failed to create server: %v", err)
	}

	if opts.issueToken != "" {
		token, err := server.IssueToken(opts.issueToken)
		if err != nil {
			log.Fatalf("❌ Failed to issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	log.Printf("🚀 Starting %s v%s", appName, appVersion)
	log.Printf("🔌 Listen: %s", settings.DevServer.Listen)
	if settings.DevServer.NoAuth {
		log.Printf("⚠️  Authentication disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(ctx, cancel, server)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("❌ Server error: %v", err)
			cancel()
		}
	}()

	log.Printf("✅ %s started. Websocket endpoint: ws://localhost%s/socket", appName, settings.DevServer.Listen)
	log.Printf("💡 Use Ctrl+C to shutdown gracefully")

	<-ctx.Done()
	log.Printf("👋 %s stopped", appName)
}

// setupGracefulShutdown stops the server on SIGINT, SIGTERM or SIGHUP
func setupGracefulShutdown(ctx context.Context, cancel context.CancelFunc, server *devserver.Server) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		select {
		case sig := <-sigChan:
			log.Printf("🛑 Received signal %v, shutting down gracefully...", sig)
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Stop(shutdownCtx); err != nil {
			log.Printf("⚠️  Error during graceful stop: %v", err)
		}
		cancel()
	}()
}
