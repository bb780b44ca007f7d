package config

import (
	"fmt"
	"strings"
	"time"
)

// ObservabilityConfig configures the side server each binary exposes for
// probes and Prometheus scraping.
type ObservabilityConfig struct {
	Port string `envconfig:"PORT" default:"9090"`

	// Timeout applies to server reads, writes and shutdown.
	Timeout time.Duration `envconfig:"TIMEOUT" default:"5s" validate:"min=1s"`

	// CheckTimeout bounds one readiness evaluation across all dependencies.
	CheckTimeout time.Duration `envconfig:"CHECK_TIMEOUT" default:"2s" validate:"gt=0"`

	LivenessPath  string `envconfig:"LIVENESS_PATH" default:"/healthz"`
	ReadinessPath string `envconfig:"READINESS_PATH" default:"/readyz"`
	MetricsPath   string `envconfig:"METRICS_PATH" default:"/metrics"`

	Tracing TracingConfig `envconfig:"TRACING"`
}

// Span exporters understood by the tracer provider.
const (
	TracingExporterNone   = "none"
	TracingExporterJaeger = "jaeger"
)

// TracingConfig selects where spans go. With the none exporter no provider is
// installed and spans cost nothing.
type TracingConfig struct {
	Exporter string `envconfig:"EXPORTER" default:"none" validate:"oneof=none jaeger"`

	// Endpoint is the Jaeger collector URL, e.g. http://jaeger:14268/api/traces.
	Endpoint    string  `envconfig:"ENDPOINT"`
	SampleRatio float64 `envconfig:"SAMPLE_RATIO" default:"1" validate:"gte=0,lte=1"`
}

// Validate checks the port, the check budget, that the three paths are absolute
// and distinct, and the tracing endpoint.
func (o *ObservabilityConfig) Validate() error {
	if err := validatePort(o.Port, "observability"); err != nil {
		return err
	}
	if o.CheckTimeout > o.Timeout {
		return fmt.Errorf("observability check_timeout (%s) cannot exceed timeout (%s)", o.CheckTimeout, o.Timeout)
	}

	seen := make(map[string]string, 3)
	for name, path := range map[string]string{
		"liveness":  o.LivenessPath,
		"readiness": o.ReadinessPath,
		"metrics":   o.MetricsPath,
	} {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("observability %s path must start with '/', got %q", name, path)
		}
		if other, dup := seen[path]; dup {
			return fmt.Errorf("observability %s and %s paths collide on %q", other, name, path)
		}
		seen[path] = name
	}

	if o.Tracing.Exporter == TracingExporterJaeger {
		if o.Tracing.Endpoint == "" {
			return fmt.Errorf("jaeger tracing exporter requires an endpoint")
		}
		if _, err := parseAndValidateURL(o.Tracing.Endpoint, []string{"http", "https"}); err != nil {
			return fmt.Errorf("invalid tracing endpoint: %w", err)
		}
	}
	return nil
}
