package exa

import (
	"os"
	"strconv"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/koustreak/exalink/internal/errs"
	"github.com/koustreak/exalink/internal/logger"
	"github.com/koustreak/exalink/internal/wire"
)

// Config holds all settings needed to open and drive a connection.
//
// Host, Port, User and Password fall back to the EXAHOST, EXAPORT, EXAUSER
// and EXAPASSWORD environment variables when left empty.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"` // default 8563
	User     string `yaml:"user"`
	Password string `yaml:"password"`

	// Schema is the schema opened for the session ("" for none).
	Schema string `yaml:"schema"`

	// TLS selects transport encryption: "" (off), "verify" or "skip".
	TLS string `yaml:"tls"`

	// FetchSize is the maximum byte size of one fetched result page.
	FetchSize int64 `yaml:"fetchSize"`

	// Timeout is the per-operation deadline applied to every suspending
	// operation whose context carries no deadline of its own. Zero means
	// no deadline.
	Timeout time.Duration `yaml:"timeout"`

	// QueryTimeout is the server-side statement timeout in seconds,
	// announced as a login attribute. Zero means unlimited.
	QueryTimeout int64 `yaml:"queryTimeout"`

	// Autocommit enables autocommit for the session. Defaults to on.
	Autocommit *bool `yaml:"autocommit"`

	// Compression negotiates zlib frame compression at login. Defaults
	// to on.
	Compression *bool `yaml:"compression"`

	// SnapshotTransactions toggles snapshot transaction mode when set.
	SnapshotTransactions *bool `yaml:"snapshotTransactions"`

	// Logger receives protocol lifecycle events. Defaults to a nop logger.
	Logger *logger.Logger `yaml:"-"`
}

// DefaultPort is the standard Exasol websocket port.
const DefaultPort = 8563

// defaultFetchBytes caps one fetched page at 5 MiB.
const defaultFetchBytes = 5 * 1024 * 1024

// ConfigFromFile loads a Config from a YAML file.
func ConfigFromFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindUsage, "reading config file", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errs.Wrap(errs.KindUsage, "parsing config file", err)
	}
	return &cfg, nil
}

// withDefaults resolves environment fallbacks and fills in defaults.
// It fails when no host is configured.
func (c *Config) withDefaults() (*Config, error) {
	out := *c
	out.Host = fromEnv("EXAHOST", out.Host)
	out.User = fromEnv("EXAUSER", out.User)
	out.Password = fromEnv("EXAPASSWORD", out.Password)
	if out.Port == 0 {
		if p, err := strconv.Atoi(os.Getenv("EXAPORT")); err == nil && p > 0 {
			out.Port = p
		} else {
			out.Port = DefaultPort
		}
	}
	if out.Host == "" {
		return nil, errs.New(errs.KindUsage, "missing host")
	}
	if out.FetchSize <= 0 {
		out.FetchSize = defaultFetchBytes
	}
	if out.Autocommit == nil {
		out.Autocommit = boolPtr(true)
	}
	if out.Compression == nil {
		out.Compression = boolPtr(true)
	}
	if out.Logger == nil {
		out.Logger = logger.Nop()
	}
	if _, err := tlsMode(out.TLS); err != nil {
		return nil, err
	}
	return &out, nil
}

func tlsMode(s string) (wire.TLSMode, error) {
	switch wire.TLSMode(s) {
	case wire.TLSOff, wire.TLSVerify, wire.TLSSkip:
		return wire.TLSMode(s), nil
	}
	return wire.TLSOff, errs.Newf(errs.KindUsage, "unknown tls mode %q", s)
}

func fromEnv(name, val string) string {
	if val != "" {
		return val
	}
	return os.Getenv(name)
}

func boolPtr(b bool) *bool { return &b }
