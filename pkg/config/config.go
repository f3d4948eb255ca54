package config

import (
	"os"
	"path/filepath"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// The register's token must not live in checked-in config, so the
// environment wins over the file.
const envAuthToken = "EPC_AUTH_TOKEN"

// Config carries the settings shared by every command. Every field has a
// working default; a config file only needs the values it changes.
type Config struct {
	CacheDir          string   `yaml:"cache_dir"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	TimeoutSeconds    int      `yaml:"timeout_seconds"`
	SampleSize        int      `yaml:"sample_size"`
	Concurrency       int      `yaml:"concurrency"`
	Only              []string `yaml:"only"`
	Skip              []string `yaml:"skip"`
	EPC               EPC      `yaml:"epc"`
}

// EPC configures access to the certificate register. An empty BulkDir
// puts the archives under the cache dir.
type EPC struct {
	AuthToken string `yaml:"auth_token"`
	BulkDir   string `yaml:"bulk_dir"`
	BulkLimit int64  `yaml:"bulk_limit"`
}

// Default places the cache next to the other per-user caches.
func Default() (Config, error) {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return Config{}, xerrors.Errorf("unable to find the user cache dir: %w", err)
	}
	return Config{
		CacheDir: filepath.Join(cacheDir, "ca-epc-db"),
	}, nil
}

// Load reads the optional YAML config at path on top of the defaults. An
// empty path means defaults only; a named file must exist.
func Load(path string) (Config, error) {
	cfg, err := Default()
	if err != nil {
		return Config{}, err
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, xerrors.Errorf("unable to read config %s: %w", path, err)
		}
		if err = yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, xerrors.Errorf("unable to parse config %s: %w", path, err)
		}
	}

	if token := os.Getenv(envAuthToken); token != "" {
		cfg.EPC.AuthToken = token
	}

	if err := cfg.validate(); err != nil {
		return Config{}, xerrors.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.CacheDir == "" {
		return xerrors.New("cache_dir is empty")
	}
	if c.RequestsPerSecond < 0 {
		return xerrors.New("requests_per_second must not be negative")
	}
	if c.TimeoutSeconds < 0 {
		return xerrors.New("timeout_seconds must not be negative")
	}
	if c.SampleSize < 0 {
		return xerrors.New("sample_size must not be negative")
	}
	if c.Concurrency < 0 {
		return xerrors.New("concurrency must not be negative")
	}
	if c.EPC.BulkLimit < 0 {
		return xerrors.New("epc.bulk_limit must not be negative")
	}
	return nil
}
