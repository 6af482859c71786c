// Package profile loads the operator's platform profile: where the managed ML
// platform lives and how to authenticate against it and its object datastore.
// The profile is deliberately separate from the job spec so job files can be
// committed while credentials stay in a local file or the environment.
package profile

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces the environment overrides, e.g. FG_API__TOKEN sets
// api.token.
const envPrefix = "FG_"

// Profile holds platform connectivity and credentials.
type Profile struct {
	API       APIConfig       `koanf:"api"`
	Datastore DatastoreConfig `koanf:"datastore"`
}

// APIConfig points at the platform's REST endpoint.
type APIConfig struct {
	Endpoint       string `koanf:"endpoint"`
	Token          string `koanf:"token"`
	TimeoutSeconds int    `koanf:"timeout_seconds"`
	EventEndpoint  string `koanf:"event_endpoint"` // optional socket.io run-event stream
}

// DatastoreConfig points at the workspace's S3-compatible object store, used
// for the dataset upload.
type DatastoreConfig struct {
	Endpoint  string `koanf:"endpoint"`
	Bucket    string `koanf:"bucket"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	UseSSL    bool   `koanf:"use_ssl"`
}

// Load reads the profile from an optional YAML file, then applies environment
// overrides. A .env file next to the working directory is honored first so
// local development does not need exported variables. A missing profile file
// is not an error: the environment alone can supply a complete profile.
func Load(path string) (*Profile, error) {
	// Missing .env is the normal case outside development.
	_ = godotenv.Load()

	k := koanf.New(".")
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load profile %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read profile %s: %w", path, err)
		}
	}
	if err := loadEnv(k); err != nil {
		return nil, err
	}
	return unmarshal(k)
}

// Parse reads a profile from raw YAML plus environment overrides. Used by
// tests.
func Parse(src []byte) (*Profile, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(src), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	if err := loadEnv(k); err != nil {
		return nil, err
	}
	return unmarshal(k)
}

// loadEnv maps FG_SECTION__KEY variables onto section.key settings.
func loadEnv(k *koanf.Koanf) error {
	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil)
	if err != nil {
		return fmt.Errorf("failed to load environment overrides: %w", err)
	}
	return nil
}

func unmarshal(k *koanf.Koanf) (*Profile, error) {
	p := &Profile{}
	if err := k.Unmarshal("", p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}
	if p.API.TimeoutSeconds == 0 {
		p.API.TimeoutSeconds = 30
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Profile) validate() error {
	if p.API.Endpoint == "" {
		return errors.New("profile: api.endpoint is required (or FG_API__ENDPOINT)")
	}
	if p.API.Token == "" {
		return errors.New("profile: api.token is required (or FG_API__TOKEN)")
	}
	if p.Datastore.Endpoint != "" {
		if p.Datastore.Bucket == "" {
			return errors.New("profile: datastore.bucket is required when datastore.endpoint is set")
		}
		if p.Datastore.AccessKey == "" || p.Datastore.SecretKey == "" {
			return errors.New("profile: datastore credentials are required when datastore.endpoint is set")
		}
	}
	return nil
}

// DefaultPath returns the conventional profile location, honoring an explicit
// override through the environment.
func DefaultPath() string {
	if path := os.Getenv(envPrefix + "PROFILE"); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.forecastgrid/profile.yaml"
}
