package config

import (
	"flag"
	"fmt"
	"math"
	"net"
	"strconv"

	"github.com/Nystya/two-phase-commit/domain"
	"github.com/Nystya/two-phase-commit/logger"
	"github.com/Nystya/two-phase-commit/telemetry"
	"github.com/magiconair/properties"
)

const (
	RoleCoordinator = "coordinator"
	RoleParticipant = "participant"
)

type Config struct {
	Role string

	// ID names a participant; the coordinator ignores it.
	ID   string
	Host string
	Port int

	// Coordinator is the address participants register with.
	Coordinator string

	FailureRate float64
	ManualVote  bool

	// Console starts the interactive operator console.
	Console bool

	LogLevel    string
	LogFormat   string
	LogOutput   string
	MetricsPort int

	// File is the optional .properties file that was loaded.
	File string
}

func defaults() *Config {
	return &Config{
		Role:        RoleParticipant,
		Host:        "127.0.0.1",
		Port:        5000,
		Coordinator: "127.0.0.1:4000",
		Console:     true,
		LogLevel:    "info",
		LogFormat:   "console",
		LogOutput:   "stderr",
	}
}

// NewConfig parses command line flags. Values from the -config properties file
// apply to every flag not given explicitly.
func NewConfig(args []string) (*Config, error) {
	cfg := defaults()

	fs := flag.NewFlagSet("twopc", flag.ContinueOnError)
	fs.StringVar(&cfg.Role, "role", cfg.Role, "coordinator or participant")
	fs.StringVar(&cfg.ID, "id", cfg.ID, "participant id")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "host to listen on")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "port to listen on")
	fs.StringVar(&cfg.Coordinator, "coordinator", cfg.Coordinator, "coordinator address")
	fs.Float64Var(&cfg.FailureRate, "failure-rate", cfg.FailureRate, "probability of voting NO")
	fs.BoolVar(&cfg.ManualVote, "manual-vote", cfg.ManualVote, "wait for an operator vote on every PREPARE")
	fs.BoolVar(&cfg.Console, "console", cfg.Console, "start the interactive console")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "console or json")
	fs.StringVar(&cfg.LogOutput, "log-output", cfg.LogOutput, "stdout, stderr or a file path")
	fs.IntVar(&cfg.MetricsPort, "metrics-port", cfg.MetricsPort, "serve /metrics on this port, 0 disables")
	fs.StringVar(&cfg.File, "config", cfg.File, "properties file")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.File != "" {
		explicit := make(map[string]bool)
		fs.Visit(func(f *flag.Flag) {
			explicit[f.Name] = true
		})

		p, err := properties.LoadFile(cfg.File, properties.UTF8)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", cfg.File, err)
		}

		cfg.merge(p, explicit)
	}

	return cfg, nil
}

// merge copies file values for every flag that was not set on the command line.
func (c *Config) merge(p *properties.Properties, explicit map[string]bool) {
	apply := func(flagName string, set func()) {
		if !explicit[flagName] {
			set()
		}
	}

	apply("role", func() { c.Role = p.GetString("role", c.Role) })
	apply("id", func() { c.ID = p.GetString("id", c.ID) })
	apply("host", func() { c.Host = p.GetString("host", c.Host) })
	apply("port", func() { c.Port = p.GetInt("port", c.Port) })
	apply("coordinator", func() { c.Coordinator = p.GetString("coordinator", c.Coordinator) })
	apply("failure-rate", func() { c.FailureRate = p.GetFloat64("failure_rate", c.FailureRate) })
	apply("manual-vote", func() { c.ManualVote = p.GetBool("manual_vote", c.ManualVote) })
	apply("console", func() { c.Console = p.GetBool("console", c.Console) })
	apply("log-level", func() { c.LogLevel = p.GetString("log.level", c.LogLevel) })
	apply("log-format", func() { c.LogFormat = p.GetString("log.format", c.LogFormat) })
	apply("log-output", func() { c.LogOutput = p.GetString("log.output", c.LogOutput) })
	apply("metrics-port", func() { c.MetricsPort = p.GetInt("metrics.port", c.MetricsPort) })
}

func (c *Config) Validate() error {
	switch c.Role {
	case RoleCoordinator, RoleParticipant:
	default:
		return &domain.InvalidParameterError{Name: "role", Reason: fmt.Sprintf("unknown role %q", c.Role)}
	}

	if c.Role == RoleParticipant && c.ID == "" {
		return &domain.InvalidParameterError{Name: "id", Reason: "a participant needs an id"}
	}

	if c.Port < 0 || c.Port > math.MaxUint16 {
		return &domain.InvalidParameterError{Name: "port", Reason: "out of range"}
	}

	if math.IsNaN(c.FailureRate) || c.FailureRate < 0 || c.FailureRate > 1 {
		return &domain.InvalidParameterError{Name: "failure_rate", Reason: "must be within [0, 1]"}
	}

	return nil
}

func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) Logger() logger.Config {
	service := c.Role
	if c.Role == RoleParticipant {
		service = c.Role + "-" + c.ID
	}

	return logger.Config{
		Level:      c.LogLevel,
		Format:     c.LogFormat,
		OutputFile: c.LogOutput,
		Service:    service,
	}
}

func (c *Config) Telemetry() telemetry.Config {
	return telemetry.Config{
		Enabled:     c.MetricsPort > 0,
		ServiceName: "twopc-" + c.Role,
		MetricsPort: c.MetricsPort,
	}
}
