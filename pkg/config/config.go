package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"docvm/pkg/utils/coerce"
)

// Callable registration policies accepted in DOCVM_CALLABLE_POLICY.
const (
	PolicyReject    = "reject"
	PolicyOverwrite = "overwrite"
)

type Config struct {
	Env      string
	LogLevel string

	Driver  string
	DSN     string
	MaxOpen int
	MaxIdle int

	CallablePolicy  string
	RetainExtracted bool

	ConsoleAddr string
	// ConsoleRate is the request budget per client IP and minute.
	ConsoleRate    int
	ConsoleOrigins []string
	// ConsoleJWTSecret enables HS256 bearer auth on the run API when set.
	ConsoleJWTSecret  string
	ConsoleBlockedIPs []string
}

// Load reads an optional .env file and then the environment. Variables that
// are already set win over the file.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && len(files) > 0 {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function such as os.Getenv.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Config{
		Env:             getenv("APP_ENV"),
		LogLevel:        def(getenv("DOCVM_LOG_LEVEL"), "info"),
		Driver:          def(getenv("DOCVM_DRIVER"), "sqlite"),
		MaxOpen:         coerce.ToIntDef(getenv("DOCVM_MAX_OPEN"), 25),
		MaxIdle:         coerce.ToIntDef(getenv("DOCVM_MAX_IDLE"), 5),
		CallablePolicy:  strings.ToLower(def(getenv("DOCVM_CALLABLE_POLICY"), PolicyReject)),
		RetainExtracted: coerce.ToBoolDef(getenv("DOCVM_RETAIN_EXTRACTED"), false),
		ConsoleAddr:     def(getenv("DOCVM_CONSOLE_ADDR"), ":3000"),
		ConsoleRate:     coerce.ToIntDef(getenv("DOCVM_CONSOLE_RATE"), 120),
		ConsoleOrigins:  splitList(def(getenv("DOCVM_CONSOLE_ORIGINS"), "*")),

		ConsoleJWTSecret:  getenv("DOCVM_CONSOLE_JWT_SECRET"),
		ConsoleBlockedIPs: splitList(getenv("DOCVM_CONSOLE_BLOCKED_IPS")),
	}

	cfg.DSN = getenv("DOCVM_DSN")
	if cfg.DSN == "" {
		cfg.DSN = buildDSN(cfg.Driver, getenv)
	}

	switch cfg.CallablePolicy {
	case PolicyReject, PolicyOverwrite:
	default:
		return Config{}, fmt.Errorf("config: DOCVM_CALLABLE_POLICY must be %q or %q, got %q",
			PolicyReject, PolicyOverwrite, cfg.CallablePolicy)
	}
	if cfg.MaxOpen < 1 {
		return Config{}, fmt.Errorf("config: DOCVM_MAX_OPEN must be positive, got %d", cfg.MaxOpen)
	}
	return cfg, nil
}

// buildDSN assembles a DSN from DOCVM_DB_HOST, DOCVM_DB_USER, DOCVM_DB_PASS and
// DOCVM_DB_NAME when DOCVM_DSN is not given.
func buildDSN(driver string, getenv func(string) string) string {
	host, user, pass, name := getenv("DOCVM_DB_HOST"), getenv("DOCVM_DB_USER"), getenv("DOCVM_DB_PASS"), getenv("DOCVM_DB_NAME")
	switch driver {
	case "sqlite", "sqlite3":
		return def(name, ":memory:")
	case "sqlserver", "mssql":
		return fmt.Sprintf("sqlserver://%s:%s@%s?database=%s", user, pass, host, name)
	case "postgres", "postgresql":
		return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", user, pass, host, name)
	}
	return fmt.Sprintf("%s:%s@tcp(%s)/%s", user, pass, host, name)
}

func def(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
