package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// maxIdentifierLen is PostgreSQL's NAMEDATALEN - 1.
const maxIdentifierLen = 63

// DatabaseConfig contains the settings of the PostgreSQL pool that backs the
// ledger, membership tables and rule configuration.
type DatabaseConfig struct {
	// URL takes precedence over the individual components below.
	URL      string `envconfig:"URL"`
	Host     string `envconfig:"HOST"`
	Port     string `envconfig:"PORT"`
	Name     string `envconfig:"NAME"`
	User     string `envconfig:"USER"`
	Password string `envconfig:"PASSWORD"`
	SSLMode  string `envconfig:"SSL_MODE" default:"prefer" validate:"oneof=disable allow prefer require verify-ca verify-full"`

	MaxConns        int           `envconfig:"MAX_CONNS" default:"25" validate:"min=1"`
	MinConns        int           `envconfig:"MIN_CONNS" default:"2" validate:"min=0"`
	MaxConnLifetime time.Duration `envconfig:"MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `envconfig:"MAX_CONN_IDLE_TIME" default:"30m"`
	ConnectTimeout  time.Duration `envconfig:"CONNECT_TIMEOUT" default:"5s"`

	// StatementTimeout bounds every statement server-side. Zero leaves the
	// server default in place.
	StatementTimeout time.Duration `envconfig:"STATEMENT_TIMEOUT" default:"15s" validate:"min=0"`

	ApplicationName string `envconfig:"APPLICATION_NAME" default:"tally"`

	PingMaxRetries int           `envconfig:"PING_MAX_RETRIES" default:"5" validate:"min=1"`
	PingBackoff    time.Duration `envconfig:"PING_BACKOFF" default:"1s"`
}

// ConnectionString returns URL when set, otherwise a postgres:// DSN built
// from the components with credentials escaped.
func (c *DatabaseConfig) ConnectionString() string {
	if c.URL != "" {
		return c.URL
	}

	dsn := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, c.Port),
		Path:     "/" + c.Name,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	return dsn.String()
}

// IsConfigured reports whether enough is set to attempt a connection.
func (c *DatabaseConfig) IsConfigured() bool {
	return c.URL != "" || (c.Host != "" && c.Port != "" && c.Name != "" && c.User != "")
}

// Validate checks the endpoint, the production security posture and the pool bounds.
func (c *DatabaseConfig) Validate(environment string) error {
	if c.URL != "" {
		if err := validatePostgresURL(c.URL); err != nil {
			return fmt.Errorf("invalid database URL: %w", err)
		}
	} else {
		if err := c.validateComponents(); err != nil {
			return err
		}
		if environment == EnvironmentProduction {
			if err := c.validateProduction(environment); err != nil {
				return err
			}
		}
	}

	if c.MinConns > c.MaxConns {
		return fmt.Errorf("min_conns (%d) cannot be greater than max_conns (%d)", c.MinConns, c.MaxConns)
	}
	if c.StatementTimeout > 0 && c.StatementTimeout < c.ConnectTimeout {
		return fmt.Errorf("statement_timeout (%s) cannot be shorter than connect_timeout (%s)", c.StatementTimeout, c.ConnectTimeout)
	}
	return nil
}

func (c *DatabaseConfig) validateComponents() error {
	if err := validateHost(c.Host, "database"); err != nil {
		return err
	}
	if err := validatePort(c.Port, "database"); err != nil {
		return err
	}
	if err := validateIdentifier(c.Name, "database name"); err != nil {
		return err
	}
	return validateIdentifier(c.User, "database user")
}

func (c *DatabaseConfig) validateProduction(environment string) error {
	if c.Password == "" {
		return errors.New("database password is required in production environment")
	}
	if err := validatePasswordStrength(c.Password, "database", environment); err != nil {
		return err
	}
	if !isSecureSSLMode(c.SSLMode) {
		return errors.New("database SSL mode must be 'require', 'verify-ca', or 'verify-full' in production environment")
	}
	return nil
}

func validatePostgresURL(dbURL string) error {
	parsed, err := parseAndValidateURL(dbURL, []string{"postgres", "postgresql"})
	if err != nil {
		return err
	}
	if parsed.User == nil || parsed.User.Username() == "" {
		return errors.New("user is required in URL")
	}
	if strings.TrimPrefix(parsed.Path, "/") == "" {
		return errors.New("database name is required in URL path")
	}
	return nil
}

func validateIdentifier(value, field string) error {
	if err := validateNoWhitespace(value, field); err != nil {
		return err
	}
	if len(value) > maxIdentifierLen {
		return fmt.Errorf("%s cannot exceed %d characters", field, maxIdentifierLen)
	}
	return nil
}
