package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	opts "github.com/goliatone/go-options"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	TextCodeSource = "CONFIG_SOURCE"

	DefaultEnvFile = ".env"
)

// Sources names where Load reads from. Empty file paths are skipped and
// missing files are not an error.
type Sources struct {
	ConfigFile string
	EnvFile    string
	Environ    []string
}

// DefaultSources reads CONFIG_FILE and ENV_FILE from the process
// environment to locate the optional files.
func DefaultSources() Sources {
	envFile := DefaultEnvFile
	if v, ok := os.LookupEnv("ENV_FILE"); ok {
		envFile = v
	}
	return Sources{
		ConfigFile: os.Getenv("CONFIG_FILE"),
		EnvFile:    envFile,
		Environ:    os.Environ(),
	}
}

// Load resolves the configuration from the process defaults.
func Load() (Config, error) {
	return LoadFrom(DefaultSources())
}

func LoadFrom(src Sources) (Config, error) {
	defaults := Defaults()

	fileLayer, err := yamlLayer(src.ConfigFile)
	if err != nil {
		return Config{}, err
	}
	dotenvLayer, err := dotenvLayer(src.EnvFile)
	if err != nil {
		return Config{}, err
	}
	envLayer, err := fromStrings(environ(src.Environ))
	if err != nil {
		return Config{}, err
	}

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			defaultsLayer(defaults),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("file", 5),
			fileLayer,
			opts.WithSnapshotID[map[string]any]("file"),
		),
		opts.NewLayer(
			opts.NewScope("dotenv", 10),
			dotenvLayer,
			opts.WithSnapshotID[map[string]any]("dotenv"),
		),
		opts.NewLayer(
			opts.NewScope("env", 20),
			envLayer,
			opts.WithSnapshotID[map[string]any]("env"),
		),
	)
	if err != nil {
		return Config{}, sourceError(err, "options stack build failed")
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, sourceError(err, "options merge failed")
	}
	return cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
}

func defaultsLayer(c Config) map[string]any {
	return map[string]any{
		"webhook_url":        c.WebhookURL,
		"port":               c.Port,
		"data_dir":           c.DataDir,
		"store_backend":      c.StoreBackend,
		"database_dsn":       c.DatabaseDSN,
		"redis_addr":         c.RedisAddr,
		"redis_password":     c.RedisPassword,
		"redis_db":           c.RedisDB,
		"redis_prefix":       c.RedisPrefix,
		"bridge_addr":        c.BridgeAddr,
		"destination_prefix": c.DestinationPrefix,
		"drain_interval_ms":  c.DrainIntervalMS,
		"webhook_timeout_ms": c.WebhookTimeoutMS,
		"webhook_tls_ca":     c.WebhookTLSCA,
		"webhook_tls_cert":   c.WebhookTLSCert,
		"webhook_tls_key":    c.WebhookTLSKey,
		"debug":              c.Debug,
		"log_format":         c.LogFormat,
	}
}

// yamlLayer reads a flat YAML mapping. Keys may use either the config key
// or the environment variable spelling.
func yamlLayer(path string) (map[string]any, error) {
	layer := map[string]any{}
	if strings.TrimSpace(path) == "" {
		return layer, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return layer, nil
	}
	if err != nil {
		return nil, sourceError(err, "read "+path)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, sourceError(err, "parse "+path)
	}
	for k, v := range raw {
		key := strings.ToLower(strings.TrimSpace(k))
		if _, ok := schema[strings.ToUpper(key)]; !ok {
			continue
		}
		layer[key] = v
	}
	return layer, nil
}

func dotenvLayer(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return map[string]any{}, nil
	}
	values, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, sourceError(err, "read "+path)
	}
	return fromStrings(values)
}

func sourceError(err error, msg string) error {
	return goerrors.Wrap(err, goerrors.CategoryBadInput, "config: "+msg).
		WithTextCode(TextCodeSource)
}
