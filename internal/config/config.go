// Package config loads the YAML configuration shared by the command line
// tools.
//
// Example file:
//
//	socket:
//	  url: wss://constellation.mixer.com
//	  gzip: true
//	  reply_timeout: 10s
//	  reconnect:
//	    initial_interval: 500ms
//	    max_interval: 20s
//	log:
//	  level: debug
//	  format: console
//	devserver:
//	  listen: ":8080"
//	  secret: change-me
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/rmacdonaldsmith/carina-go/internal/devserver"
	"github.com/rmacdonaldsmith/carina-go/internal/logging"
	"github.com/rmacdonaldsmith/carina-go/pkg/socket"
)

var (
	// ErrInvalidLogFormat is returned when log.format is not console or json
	ErrInvalidLogFormat = errors.New("log format must be console or json")
	// ErrNegativeDuration is returned when a duration setting is negative
	ErrNegativeDuration = errors.New("durations cannot be negative")
)

// File is the top-level configuration file
type File struct {
	Socket    Socket    `yaml:"socket"`
	Log       Log       `yaml:"log"`
	DevServer DevServer `yaml:"devserver"`
}

// Socket configures the Constellation connection
type Socket struct {
	URL          string        `yaml:"url"`
	JWT          string        `yaml:"jwt"`
	Gzip         bool          `yaml:"gzip"`
	IsBot        bool          `yaml:"is_bot"`
	ReplyTimeout time.Duration `yaml:"reply_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
	Reconnect    Reconnect     `yaml:"reconnect"`
}

// Reconnect configures the reconnect backoff
type Reconnect struct {
	Disabled        bool          `yaml:"disabled"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// Log configures logging
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Colors bool   `yaml:"colors"`
}

// DevServer configures carina-devserver
type DevServer struct {
	Listen string `yaml:"listen"`
	Secret string `yaml:"secret"`
	NoAuth bool   `yaml:"no_auth"`
}

// Default returns a configuration with every default applied
func Default() *File {
	f := &File{}
	f.SetDefaults()
	return f
}

// Load reads, defaults and validates the file at path
func Load(path string) (*File, error) {
	r, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer r.Close()

	return Decode(r)
}

// Decode reads a configuration from r. Unknown keys are rejected.
func Decode(r io.Reader) (*File, error) {
	var f File
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	f.SetDefaults()
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// SetDefaults fills in zero values
func (f *File) SetDefaults() {
	if f.Socket.URL == "" {
		f.Socket.URL = socket.DefaultURL
	}
	if f.Socket.ReplyTimeout == 0 {
		f.Socket.ReplyTimeout = 10 * time.Second
	}
	if f.Socket.PingInterval == 0 {
		f.Socket.PingInterval = 10 * time.Second
	}
	if f.Socket.Reconnect.InitialInterval == 0 {
		f.Socket.Reconnect.InitialInterval = 500 * time.Millisecond
	}
	if f.Socket.Reconnect.MaxInterval == 0 {
		f.Socket.Reconnect.MaxInterval = 20 * time.Second
	}
	if f.Log.Level == "" {
		f.Log.Level = "info"
	}
	if f.Log.Format == "" {
		f.Log.Format = logging.FormatConsole
	}
	if f.DevServer.Listen == "" {
		f.DevServer.Listen = ":8080"
	}
}

// Validate checks the configuration
func (f *File) Validate() error {
	for _, d := range []time.Duration{
		f.Socket.ReplyTimeout,
		f.Socket.PingInterval,
		f.Socket.Reconnect.InitialInterval,
		f.Socket.Reconnect.MaxInterval,
	} {
		if d < 0 {
			return ErrNegativeDuration
		}
	}

	sc := f.SocketConfig(nil)
	if err := sc.Validate(); err != nil {
		return fmt.Errorf("invalid socket config: %w", err)
	}

	if _, err := logging.ParseLevel(f.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(f.Log.Format) {
	case logging.FormatConsole, logging.FormatJSON:
	default:
		return fmt.Errorf("%w: got %q", ErrInvalidLogFormat, f.Log.Format)
	}
	return nil
}

// SocketConfig converts the socket section into a socket.Config
func (f *File) SocketConfig(logger *zap.Logger) socket.Config {
	return socket.Config{
		URL:              f.Socket.URL,
		JWT:              f.Socket.JWT,
		Gzip:             f.Socket.Gzip,
		IsBot:            f.Socket.IsBot,
		ReplyTimeout:     f.Socket.ReplyTimeout,
		PingInterval:     f.Socket.PingInterval,
		DisableReconnect: f.Socket.Reconnect.Disabled,
		Reconnect: socket.ReconnectPolicy{
			InitialInterval: f.Socket.Reconnect.InitialInterval,
			MaxInterval:     f.Socket.Reconnect.MaxInterval,
		},
		Logger: logger,
	}
}

// LoggingOptions converts the log section into logging.Options
func (f *File) LoggingOptions() logging.Options {
	return logging.Options{
		Level:  f.Log.Level,
		Format: f.Log.Format,
		Colors: f.Log.Colors,
	}
}

// DevServerConfig converts the devserver section into a devserver.Config
func (f *File) DevServerConfig(logger *zap.Logger) devserver.Config {
	return devserver.Config{
		ListenAddr: f.DevServer.Listen,
		SecretKey:  f.DevServer.Secret,
		NoAuth:     f.DevServer.NoAuth,
		Logger:     logger,
	}
}
