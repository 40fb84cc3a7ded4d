// Package config assembles runtime settings for the learnhub binaries:
// built-in defaults, then LEARNHUB_* environment variables, then flags.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

const envPrefix = "LEARNHUB_"

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config holds runtime settings shared by cmd/api and cmd/migrate.
type Config struct {
	HTTPAddr string
	GRPCAddr string

	// Store selects where renewal credentials live. Users are kept in
	// Postgres for both "postgres" and "redis"; "memory" keeps everything
	// in process.
	Store     string
	PGDSN     string
	RedisAddr string

	Secret      string
	Issuer      string
	AccessTTL   time.Duration
	RenewalTTL  time.Duration
	ReplayGrace time.Duration

	CookieSecure bool
	CookieDomain string
	PolicyPath   string

	RateBurst     int
	RatePerSecond float64

	LogLevel      string
	PurgeInterval time.Duration

	BootstrapEmail    string
	BootstrapPassword string
	BootstrapName     string
}

// LoadDefaults populates development defaults. Secret has no default.
func (c *Config) LoadDefaults() {
	c.HTTPAddr = ":8080"
	c.GRPCAddr = ""
	c.Store = StoreMemory
	c.Issuer = "learnhub"
	c.AccessTTL = 15 * time.Minute
	c.RenewalTTL = 14 * 24 * time.Hour
	c.ReplayGrace = 10 * time.Second
	c.CookieSecure = true
	c.RateBurst = 10
	c.RatePerSecond = 5
	c.LogLevel = "info"
	c.PurgeInterval = time.Hour
	c.BootstrapName = "Administrator"
}

// Load is Parse followed by Validate.
func Load(name string, args []string, lookupEnv func(string) (string, bool)) (*Config, []string, error) {
	cfg, rest, err := Parse(name, args, lookupEnv)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, rest, nil
}

// Parse applies defaults, the environment and then args without validating
// the result. It returns the positional arguments left after flag parsing.
func Parse(name string, args []string, lookupEnv func(string) (string, bool)) (*Config, []string, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if lookupEnv != nil {
		if err := cfg.applyEnv(lookupEnv); err != nil {
			return nil, nil, err
		}
	}

	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	cfg.AddFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return cfg, fs.Args(), nil
}

// AddFlags registers every setting on fs, using the current values as defaults.
func (c *Config) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.HTTPAddr, "http-addr", c.HTTPAddr, "HTTP listen address")
	fs.StringVar(&c.GRPCAddr, "grpc-addr", c.GRPCAddr, "gRPC listen address (empty disables gRPC)")
	fs.StringVar(&c.Store, "store", c.Store, "renewal credential store: memory, postgres or redis")
	fs.StringVar(&c.PGDSN, "pg-dsn", c.PGDSN, "PostgreSQL DSN")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "Redis address for the redis store")
	fs.StringVar(&c.Secret, "secret", c.Secret, "HMAC secret for access credentials")
	fs.StringVar(&c.Issuer, "issuer", c.Issuer, "access credential issuer")
	fs.DurationVar(&c.AccessTTL, "access-ttl", c.AccessTTL, "access credential lifetime")
	fs.DurationVar(&c.RenewalTTL, "renewal-ttl", c.RenewalTTL, "renewal credential lifetime")
	fs.DurationVar(&c.ReplayGrace, "replay-grace", c.ReplayGrace, "window after a rotation in which reuse of the old renewal credential is a lost race, not theft (0 disables)")
	fs.BoolVar(&c.CookieSecure, "cookie-secure", c.CookieSecure, "mark session cookies Secure")
	fs.StringVar(&c.CookieDomain, "cookie-domain", c.CookieDomain, "session cookie domain")
	fs.StringVar(&c.PolicyPath, "policy", c.PolicyPath, "access policy YAML file (empty uses the built-in table)")
	fs.IntVar(&c.RateBurst, "rate-burst", c.RateBurst, "auth endpoint burst per client")
	fs.Float64Var(&c.RatePerSecond, "rate-per-second", c.RatePerSecond, "auth endpoint sustained rate per client")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug, info, warn, error")
	fs.DurationVar(&c.PurgeInterval, "purge-interval", c.PurgeInterval, "interval between expired renewal purges (0 disables)")
	fs.StringVar(&c.BootstrapEmail, "bootstrap-email", c.BootstrapEmail, "email of the initial admin account")
	fs.StringVar(&c.BootstrapPassword, "bootstrap-password", c.BootstrapPassword, "password of the initial admin account")
	fs.StringVar(&c.BootstrapName, "bootstrap-name", c.BootstrapName, "display name of the initial admin account")
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(envPrefix + key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("HTTP_ADDR", &c.HTTPAddr)
	str("GRPC_ADDR", &c.GRPCAddr)
	str("STORE", &c.Store)
	str("PG_DSN", &c.PGDSN)
	str("REDIS_ADDR", &c.RedisAddr)
	str("SECRET", &c.Secret)
	str("ISSUER", &c.Issuer)
	dur("ACCESS_TTL", &c.AccessTTL)
	dur("RENEWAL_TTL", &c.RenewalTTL)
	dur("REPLAY_GRACE", &c.ReplayGrace)
	str("COOKIE_DOMAIN", &c.CookieDomain)
	str("POLICY", &c.PolicyPath)
	str("LOG_LEVEL", &c.LogLevel)
	dur("PURGE_INTERVAL", &c.PurgeInterval)
	str("BOOTSTRAP_EMAIL", &c.BootstrapEmail)
	str("BOOTSTRAP_PASSWORD", &c.BootstrapPassword)
	str("BOOTSTRAP_NAME", &c.BootstrapName)

	if v, ok := lookup(envPrefix + "COOKIE_SECURE"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%sCOOKIE_SECURE: %w", envPrefix, err))
		} else {
			c.CookieSecure = b
		}
	}
	if v, ok := lookup(envPrefix + "RATE_BURST"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%sRATE_BURST: %w", envPrefix, err))
		} else {
			c.RateBurst = n
		}
	}
	if v, ok := lookup(envPrefix + "RATE_PER_SECOND"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sRATE_PER_SECOND: %w", envPrefix, err))
		} else {
			c.RatePerSecond = f
		}
	}
	return errors.Join(errs...)
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Secret == "" {
		errs = append(errs, errors.New("secret is required"))
	}
	if strings.TrimSpace(c.Issuer) == "" {
		errs = append(errs, errors.New("issuer is required"))
	}
	if c.AccessTTL <= 0 || c.RenewalTTL <= 0 {
		errs = append(errs, errors.New("token lifetimes must be positive"))
	} else if c.AccessTTL >= c.RenewalTTL {
		errs = append(errs, fmt.Errorf("access ttl %s must be shorter than renewal ttl %s", c.AccessTTL, c.RenewalTTL))
	}
	if c.ReplayGrace < 0 {
		errs = append(errs, errors.New("replay grace must not be negative"))
	}
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.PGDSN == "" {
			errs = append(errs, errors.New("postgres store needs a DSN"))
		}
	case StoreRedis:
		if c.PGDSN == "" || c.RedisAddr == "" {
			errs = append(errs, errors.New("redis store needs a DSN for users and a redis address"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	if c.RateBurst <= 0 || c.RatePerSecond <= 0 {
		errs = append(errs, errors.New("rate limit must be positive"))
	}
	if c.PurgeInterval < 0 {
		errs = append(errs, errors.New("purge interval must not be negative"))
	}
	if (c.BootstrapEmail == "") != (c.BootstrapPassword == "") {
		errs = append(errs, errors.New("bootstrap email and password go together"))
	}
	return errors.Join(errs...)
}
