// Package config defines the configuration contract and handles loading and
// validating environment configuration for the mirror fleet.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	// Canonical environment variable keys.
	KeyMongoURI   = "MONGODB_URI"
	KeyMongoDB    = "DATABASE"
	KeySeedAdmin  = "ADMIN_ID"
	KeySeedToken  = "BOT_TOKEN"
	KeyAppEnv     = "APP_ENV"
	KeyLogLevel   = "LOG_LEVEL"
	KeyHTTPPort   = "HTTP_PORT"
	KeyConfigFile = "CONFIG_FILE"

	// Allowed environment values.
	EnvDevelopment = "development"
	EnvProduction  = "production"

	// Defaults for optional settings.
	DefaultAppEnv   = EnvProduction
	DefaultLogLevel = "info"
	DefaultHTTPPort = 8080

	// Recommended database names by environment.
	DefaultMongoDBProd = "mirror_fleet"
	DefaultMongoDBDev  = "mirror_fleet_dev"
)

// VarSpec describes a single configuration key.
type VarSpec struct {
	Key         string // environment variable name
	Example     string // human-friendly sample value
	Required    bool   // whether the process must refuse to start without this value
	Default     string // default when unset (empty when required)
	Description string // what the variable controls
	Notes       string // extra guidance or policies
}

// Contract enumerates the authoritative configuration keys for the fleet.
// .env loading is only permitted when APP_ENV=development; production must rely
// on environment variables supplied by the runtime.
var Contract = []VarSpec{
	{
		Key:         KeyMongoURI,
		Example:     "mongodb://localhost:27017",
		Required:    true,
		Description: "MongoDB connection string.",
	},
	{
		Key:         KeyMongoDB,
		Example:     DefaultMongoDBProd + " / " + DefaultMongoDBDev,
		Required:    true,
		Description: "MongoDB database name.",
		Notes:       "Recommended: production=" + DefaultMongoDBProd + ", development=" + DefaultMongoDBDev + ".",
	},
	{
		Key:         KeySeedAdmin,
		Example:     "123456789",
		Description: "Telegram user_id provisioned as the first admin.",
		Notes:       "Required only while the users collection is empty.",
	},
	{
		Key:         KeySeedToken,
		Example:     "123456789:ABC...",
		Description: "Seed mirror token issued by BotFather.",
		Notes:       "Required only while the bots collection is empty.",
	},
	{
		Key:         KeyAppEnv,
		Example:     EnvDevelopment + " / " + EnvProduction,
		Default:     DefaultAppEnv,
		Description: "Runtime environment; controls log format and dotenv usage.",
		Notes:       "Load .env files only when APP_ENV=" + EnvDevelopment + ".",
	},
	{
		Key:         KeyLogLevel,
		Example:     DefaultLogLevel,
		Default:     DefaultLogLevel,
		Description: "Overrides default log level.",
	},
	{
		Key:         KeyHTTPPort,
		Example:     strconv.Itoa(DefaultHTTPPort),
		Default:     strconv.Itoa(DefaultHTTPPort),
		Description: "HTTP health/metrics port.",
	},
	{
		Key:         KeyConfigFile,
		Example:     "fleet.toml",
		Description: "Optional TOML file with fleet tuning knobs.",
	},
}

// Config mirrors resolved configuration values after loading.
type Config struct {
	MongoURI   string
	MongoDB    string
	SeedAdmin  int64
	SeedToken  string
	AppEnv     string
	LogLevel   string
	HTTPPort   int
	ConfigFile string
	Fleet      FleetTuning
}

// Load resolves configuration from the environment (with optional dotenv in
// development) and applies the tuning file named by CONFIG_FILE, if any.
func Load() (Config, error) {
	return LoadWithFile("")
}

// LoadWithFile behaves like Load but prefers configFile over CONFIG_FILE when
// non-empty.
func LoadWithFile(configFile string) (Config, error) {
	appEnv, err := resolveAppEnv()
	if err != nil {
		return Config{}, err
	}

	if err := loadDotEnv(appEnv); err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppEnv:     firstNonEmpty(normalizeEnv(os.Getenv(KeyAppEnv)), appEnv),
		MongoURI:   strings.TrimSpace(os.Getenv(KeyMongoURI)),
		MongoDB:    strings.TrimSpace(os.Getenv(KeyMongoDB)),
		SeedToken:  strings.TrimSpace(os.Getenv(KeySeedToken)),
		LogLevel:   firstNonEmpty(strings.TrimSpace(os.Getenv(KeyLogLevel)), DefaultLogLevel),
		HTTPPort:   DefaultHTTPPort,
		ConfigFile: firstNonEmpty(configFile, os.Getenv(KeyConfigFile)),
		Fleet:      DefaultFleetTuning(),
	}

	if err := validateAppEnv(cfg.AppEnv); err != nil {
		return Config{}, err
	}

	missing := make([]string, 0)

	if cfg.MongoURI == "" {
		missing = append(missing, KeyMongoURI)
	}

	if cfg.MongoDB == "" {
		missing = append(missing, KeyMongoDB)
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variable(s): %s", strings.Join(missing, ", "))
	}

	if err := validateMongoURI(cfg.MongoURI); err != nil {
		return Config{}, err
	}

	adminRaw := strings.TrimSpace(os.Getenv(KeySeedAdmin))
	if adminRaw != "" {
		adminID, parseErr := strconv.ParseInt(adminRaw, 10, 64)
		if parseErr != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", KeySeedAdmin, parseErr)
		}
		if adminID <= 0 {
			return Config{}, fmt.Errorf("%s must be greater than 0", KeySeedAdmin)
		}
		cfg.SeedAdmin = adminID
	}

	httpPortRaw := strings.TrimSpace(os.Getenv(KeyHTTPPort))
	if httpPortRaw != "" {
		port, parseErr := strconv.Atoi(httpPortRaw)
		if parseErr != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", KeyHTTPPort, parseErr)
		}
		if port <= 0 {
			return Config{}, fmt.Errorf("%s must be greater than 0", KeyHTTPPort)
		}
		cfg.HTTPPort = port
	}

	if cfg.ConfigFile != "" {
		tuning, err := loadFleetTuning(cfg.ConfigFile, cfg.Fleet)
		if err != nil {
			return Config{}, err
		}
		cfg.Fleet = tuning
	}

	return cfg, nil
}

// IsDevelopment reports if APP_ENV is development.
func (c Config) IsDevelopment() bool {
	return c.AppEnv == EnvDevelopment
}

// FormatRedacted renders the configuration for humans with secrets masked.
func FormatRedacted(cfg Config) string {
	lines := []string{
		"mongodb_uri: " + redactURI(cfg.MongoURI),
		"database: " + cfg.MongoDB,
		"seed_admin: " + strconv.FormatInt(cfg.SeedAdmin, 10),
		"seed_token: " + redactToken(cfg.SeedToken),
		"app_env: " + cfg.AppEnv,
		"log_level: " + cfg.LogLevel,
		"http_port: " + strconv.Itoa(cfg.HTTPPort),
		"config_file: " + cfg.ConfigFile,
		"fleet.bootstrap_concurrency: " + strconv.Itoa(cfg.Fleet.BootstrapConcurrency),
		"fleet.liveness_timeout: " + cfg.Fleet.LivenessTimeout.String(),
		"fleet.send_timeout: " + cfg.Fleet.SendTimeout.String(),
		"fleet.shutdown_timeout: " + cfg.Fleet.ShutdownTimeout.String(),
	}

	return strings.Join(lines, "\n")
}

func redactURI(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.User == nil {
		return raw
	}
	parsed.User = nil
	return parsed.String()
}

func redactToken(token string) string {
	if token == "" {
		return ""
	}
	if idx := strings.Index(token, ":"); idx >= 0 {
		return token[:idx] + ":...redacted"
	}
	if len(token) <= 4 {
		return "...redacted"
	}
	return token[:4] + "...redacted"
}

func validateMongoURI(uri string) error {
	if strings.HasPrefix(uri, "mongodb://") || strings.HasPrefix(uri, "mongodb+srv://") {
		return nil
	}
	return fmt.Errorf("invalid %s: must start with mongodb:// or mongodb+srv://", KeyMongoURI)
}

func resolveAppEnv() (string, error) {
	if explicit := normalizeEnv(os.Getenv(KeyAppEnv)); explicit != "" {
		return explicit, nil
	}

	dotEnvValues, err := godotenv.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultAppEnv, nil
		}
		return "", fmt.Errorf("read .env: %w", err)
	}

	if envFromFile := normalizeEnv(dotEnvValues[KeyAppEnv]); envFromFile != "" {
		return envFromFile, nil
	}

	return DefaultAppEnv, nil
}

func loadDotEnv(appEnv string) error {
	if appEnv != EnvDevelopment {
		return nil
	}

	if err := godotenv.Load(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load .env: %w", err)
	}

	return nil
}

func validateAppEnv(appEnv string) error {
	if appEnv == EnvDevelopment || appEnv == EnvProduction {
		return nil
	}

	return fmt.Errorf("invalid %s: must be %q or %q", KeyAppEnv, EnvDevelopment, EnvProduction)
}

func normalizeEnv(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if strings.TrimSpace(val) != "" {
			return strings.TrimSpace(val)
		}
	}
	return ""
}
