package cli

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/omni-node/internal/client"
	"github.com/ChuLiYu/omni-node/internal/overlap"
	"github.com/ChuLiYu/omni-node/internal/server"
	"github.com/ChuLiYu/omni-node/internal/wire"
)

// Operating modes.
const (
	ModeClient = "client"
	ModeServer = "server"
)

// Client transports.
const (
	TransportTCP  = "tcp"
	TransportGRPC = "grpc"
)

// Config represents the complete node configuration.
// Maps config file fields through YAML tags.
type Config struct {
	Mode string `yaml:"mode"`

	Server struct {
		Host           string        `yaml:"host"`
		Port           int           `yaml:"port"`
		Codec          string        `yaml:"codec"`
		MaxConnections int           `yaml:"max_connections"`
		Backlog        int           `yaml:"backlog"`
		IdleTimeout    time.Duration `yaml:"idle_timeout"`
		MaxFrameSize   int           `yaml:"max_frame_size"`
		TieBreak       string        `yaml:"tie_break"`
	} `yaml:"server"`

	GRPC struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"grpc"`

	Client struct {
		Transport              string        `yaml:"transport"`
		Requests               int           `yaml:"requests"`
		Interval               time.Duration `yaml:"interval"`
		Timeout                time.Duration `yaml:"timeout"`
		Seed                   uint64        `yaml:"seed"`
		client.GeneratorConfig `yaml:",inline"`
	} `yaml:"client"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	var cfg Config
	cfg.Mode = ModeClient

	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 9696
	cfg.Server.Codec = wire.DefaultCodec
	cfg.Server.MaxConnections = 256
	cfg.Server.Backlog = 1024
	cfg.Server.IdleTimeout = 30 * time.Second
	cfg.Server.MaxFrameSize = wire.DefaultMaxFrameSize
	cfg.Server.TieBreak = overlap.DefaultTieBreak.String()

	cfg.GRPC.Enabled = false
	cfg.GRPC.Addr = server.DefaultGRPCAddr

	cfg.Client.Transport = TransportTCP
	cfg.Client.Requests = client.DefaultRequests
	cfg.Client.Interval = client.DefaultInterval
	cfg.Client.Timeout = client.DefaultTimeout
	cfg.Client.GeneratorConfig = client.DefaultGeneratorConfig()

	cfg.Metrics.Enabled = false
	cfg.Metrics.Addr = "127.0.0.1:9090"

	cfg.Log.Level = "debug"
	cfg.Log.Format = "text"
	return &cfg
}

// loadConfig reads path over DefaultConfig. An empty path returns the defaults.
func loadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return cfg, nil
}

// Validate checks every field that cannot be caught at use.
func (c *Config) Validate() error {
	var errs []error

	switch c.Mode {
	case ModeClient, ModeServer:
	default:
		errs = append(errs, fmt.Errorf("mode must be %q or %q, got %q", ModeClient, ModeServer, c.Mode))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if _, err := wire.Lookup(c.Server.Codec); err != nil {
		errs = append(errs, fmt.Errorf("server.codec: %w", err))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("server.max_connections must not be negative"))
	}
	if c.Server.Backlog < 0 {
		errs = append(errs, fmt.Errorf("server.backlog must not be negative"))
	}
	if c.Server.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.idle_timeout must not be negative"))
	}
	if _, err := parseTieBreak(c.Server.TieBreak); err != nil {
		errs = append(errs, err)
	}
	switch c.Client.Transport {
	case TransportTCP, TransportGRPC:
	default:
		errs = append(errs, fmt.Errorf("client.transport must be %q or %q, got %q", TransportTCP, TransportGRPC, c.Client.Transport))
	}
	if c.Client.Requests < 0 {
		errs = append(errs, fmt.Errorf("client.requests must not be negative"))
	}
	if err := c.Client.GeneratorConfig.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("client: %w", err))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// ServerAddr is the host:port the TCP server binds and the client dials.
func (c *Config) ServerAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

func parseTieBreak(name string) (overlap.TieBreak, error) {
	for _, tb := range []overlap.TieBreak{overlap.StartBeforeEnd, overlap.EndBeforeStart} {
		if tb.String() == name {
			return tb, nil
		}
	}
	if name == "" {
		return overlap.DefaultTieBreak, nil
	}
	return 0, fmt.Errorf("server.tie_break must be %q or %q, got %q",
		overlap.StartBeforeEnd, overlap.EndBeforeStart, name)
}
