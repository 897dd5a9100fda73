package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/levenlabs/go-lflag"
	"github.com/lkcomu/lkcomu/pkg/types"
	"gopkg.in/yaml.v3"
)

const (
	DefaultScanInterval = time.Hour
	MinScanInterval     = 60 * time.Second
)

// Config is the integration config: the portal credentials and the
// per-entity refresh and naming options.
type Config struct {
	Provider  types.Provider
	Username  string
	Password  string
	UserAgent string

	Filter       CodeMap[bool]
	Entities     KindMap[bool]
	ScanInterval KindMap[Duration]
	NameFormat   KindMap[string]
}

type fileConfig struct {
	ProviderType string            `yaml:"provider_type"`
	Username     string            `yaml:"username"`
	Password     string            `yaml:"password"`
	UserAgent    string            `yaml:"user_agent"`
	Filter       CodeMap[bool]     `yaml:"filter"`
	Entities     KindMap[bool]     `yaml:"entities"`
	ScanInterval KindMap[Duration] `yaml:"scan_interval"`
	NameFormat   KindMap[string]   `yaml:"name_format"`
}

// Parse decodes and validates a YAML config. ${VAR} references are expanded
// from the environment before decoding. Passwords prefixed with enc: are
// decrypted with encryptionKey.
func Parse(data []byte, encryptionKey string) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var fc fileConfig
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	provider, err := types.ParseProvider(fc.ProviderType)
	if err != nil {
		return nil, fmt.Errorf("provider_type: %w", err)
	}
	username := strings.TrimSpace(fc.Username)
	if username == "" {
		return nil, errors.New("username: required")
	}
	if fc.Password == "" {
		return nil, errors.New("password: required")
	}
	password, err := DecryptSecret(encryptionKey, fc.Password)
	if err != nil {
		return nil, fmt.Errorf("password: %w", err)
	}
	if err := validateIntervals(fc.ScanInterval); err != nil {
		return nil, fmt.Errorf("scan_interval: %w", err)
	}

	return &Config{
		Provider:     provider,
		Username:     username,
		Password:     password,
		UserAgent:    strings.Join(strings.Fields(fc.UserAgent), " "),
		Filter:       fc.Filter,
		Entities:     fc.Entities,
		ScanInterval: fc.ScanInterval,
		NameFormat:   fc.NameFormat,
	}, nil
}

func validateIntervals(m KindMap[Duration]) error {
	check := func(d Duration) error {
		if d < 0 {
			return fmt.Errorf("negative interval %s", time.Duration(d))
		}
		return nil
	}
	if err := check(m.Default); err != nil {
		return err
	}
	for kind, cm := range m.Kinds {
		if err := check(cm.Default); err != nil {
			return fmt.Errorf("%s: %w", kind, err)
		}
		for code, d := range cm.Codes {
			if err := check(d); err != nil {
				return fmt.Errorf("%s.%s: %w", kind, code, err)
			}
		}
	}
	return nil
}

// ProfileID identifies the portal profile in storage.
func (c *Config) ProfileID() string {
	return string(c.Provider) + "-" + c.Username
}

// CredentialsEqual returns true if a session made with c is still valid for
// other.
func (c *Config) CredentialsEqual(other *Config) bool {
	return c.Provider == other.Provider &&
		c.Username == other.Username &&
		c.Password == other.Password &&
		c.UserAgent == other.UserAgent
}

// AccountEnabled returns false for accounts excluded by the filter.
func (c *Config) AccountEnabled(accountCode string) bool {
	return c.Filter.Get(accountCode, true)
}

// EntityEnabled returns whether entities of kind are published for the
// account.
func (c *Config) EntityEnabled(kind types.EntityKind, accountCode string) bool {
	return c.Entities.Get(kind, accountCode, true)
}

// ScanIntervalFor returns the refresh interval of an entity kind, never
// shorter than MinScanInterval.
func (c *Config) ScanIntervalFor(kind types.EntityKind) time.Duration {
	d := time.Duration(c.ScanInterval.Get(kind, "", Duration(DefaultScanInterval)))
	if d == 0 {
		d = DefaultScanInterval
	}
	return max(d, MinScanInterval)
}

// NameFormatFor returns the name template of an entity.
func (c *Config) NameFormatFor(kind types.EntityKind, accountCode string) string {
	fallback := defaultNameFormat
	if kind == types.KindMeters {
		fallback = defaultMeterNameFormat
	}
	if f := c.NameFormat.Get(kind, accountCode, ""); f != "" {
		return f
	}
	return fallback
}

// EntityName renders the configured name of an entity.
func (c *Config) EntityName(acc types.Account, kind types.EntityKind, code string) string {
	return FormatName(c.NameFormatFor(kind, acc.Code), NameVars(acc, kind, code))
}

// Loader reads the config file from disk.
type Loader struct {
	path          string
	encryptionKey string
}

// NewLoader returns a Loader for the file at path.
func NewLoader(path, encryptionKey string) *Loader {
	return &Loader{path: path, encryptionKey: encryptionKey}
}

// Configured sets up the Loader based on flags. The .env file, when present,
// is loaded before the config is first read.
func Configured() *Loader {
	l := &Loader{}
	path := lflag.String("config", "lkcomu.yaml", "Path to the YAML integration config")
	envFile := lflag.String("env-file", ".env", "Optional dotenv file loaded before the config")
	key := lflag.String("credentials-encryption-key", "", "32 byte key used to decrypt enc: values in the config")

	lflag.Do(func() {
		if *envFile != "" {
			if _, err := os.Stat(*envFile); err == nil {
				if err := godotenv.Load(*envFile); err != nil {
					panic(fmt.Sprintf("failed to load env file: %v", err))
				}
			}
		}
		l.path = *path
		l.encryptionKey = *key
	})
	return l
}

// Path returns the config file path.
func (l *Loader) Path() string {
	return l.path
}

// EncryptionKey returns the key enc: values are sealed with.
func (l *Loader) EncryptionKey() string {
	return l.encryptionKey
}

// Load reads and parses the config file.
func (l *Loader) Load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("config %s is empty", l.path)
	}
	return Parse(data, l.encryptionKey)
}
