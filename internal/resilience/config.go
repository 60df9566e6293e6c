package resilience

import (
	"time"

	"github.com/sells-group/entity-collector/internal/config"
)

// RetryFromConfig builds the retry policy for the HTTP discovery client.
func RetryFromConfig(cfg config.DiscoveryConfig) RetryConfig {
	out := DefaultRetryConfig()
	if cfg.MaxAttempts > 0 {
		out.MaxAttempts = cfg.MaxAttempts
	}
	return out
}

// BreakerFromConfig builds the per-source breaker policy.
func BreakerFromConfig(cfg config.SourcesConfig) CircuitBreakerConfig {
	out := DefaultCircuitBreakerConfig()
	if cfg.BreakerFailures > 0 {
		out.FailureThreshold = cfg.BreakerFailures
	}
	if cfg.BreakerResetSecs > 0 {
		out.ResetTimeout = time.Duration(cfg.BreakerResetSecs) * time.Second
	}
	return out
}
