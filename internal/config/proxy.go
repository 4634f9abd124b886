// Proxy configuration - dual dispatch, comparison and selection settings.
//
// DESIGN: One ProxyConfig drives every core component:
//   - Forwarder:  backend URLs, timeouts, retries, circuit breakers
//   - Comparator: ComparisonConfig tolerances and exclusions
//   - Selection:  DefaultStrategy, ABTestingPercentage
//   - Cache:      TTL, size bound, non-cacheable paths, deduplication
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// STRATEGIES
// =============================================================================

// Strategy selects which backend response is returned to the caller.
type Strategy string

const (
	StrategyNightscout Strategy = "nightscout" // Always legacy
	StrategyNocturne   Strategy = "nocturne"   // Always reimplementation
	StrategyFastest    Strategy = "fastest"    // Lowest latency successful response
	StrategyCompare    Strategy = "compare"    // Nightscout unless responses match perfectly
	StrategyABTest     Strategy = "abtest"     // Random split by ABTestingPercentage
)

// ParseStrategy parses a strategy name case-insensitively.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyNightscout:
		return StrategyNightscout, nil
	case StrategyNocturne:
		return StrategyNocturne, nil
	case StrategyFastest:
		return StrategyFastest, nil
	case StrategyCompare:
		return StrategyCompare, nil
	case StrategyABTest, "a/b", "ab_test":
		return StrategyABTest, nil
	default:
		return "", fmt.Errorf("unknown strategy %q", s)
	}
}

// ArrayOrderHandling controls how JSON arrays are compared.
type ArrayOrderHandling string

const (
	ArrayOrderStrict ArrayOrderHandling = "strict" // Index by index
	ArrayOrderLoose  ArrayOrderHandling = "loose"  // Multiset equality
	ArrayOrderSorted ArrayOrderHandling = "sorted" // Sort canonical copies, then index by index
)

// =============================================================================
// ENDPOINT TIMEOUTS
// =============================================================================

// EndpointTimeout maps a path fragment to a timeout in seconds.
type EndpointTimeout struct {
	Match   string
	Seconds int
}

// EndpointTimeouts is an ordered list of path fragment timeouts.
// In YAML it is written as a mapping; document order is preserved so the
// first matching fragment wins.
type EndpointTimeouts []EndpointTimeout

// UnmarshalYAML decodes a mapping node keeping key order.
func (e *EndpointTimeouts) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("endpoint_timeouts must be a mapping, got line %d", value.Line)
	}
	out := make(EndpointTimeouts, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		var seconds int
		if err := value.Content[i+1].Decode(&seconds); err != nil {
			return fmt.Errorf("endpoint_timeouts.%s: %w", value.Content[i].Value, err)
		}
		out = append(out, EndpointTimeout{Match: value.Content[i].Value, Seconds: seconds})
	}
	*e = out
	return nil
}

// Lookup returns the timeout of the first entry whose fragment is contained in path.
func (e EndpointTimeouts) Lookup(path string) (time.Duration, bool) {
	for _, et := range e {
		if et.Match != "" && strings.Contains(path, et.Match) {
			return time.Duration(et.Seconds) * time.Second, true
		}
	}
	return 0, false
}

// =============================================================================
// PROXY CONFIG
// =============================================================================

// ProxyConfig configures the dual-dispatch comparison proxy.
type ProxyConfig struct {
	NightscoutURL string `yaml:"nightscout_url"` // Legacy backend base URL
	NocturneURL   string `yaml:"nocturne_url"`   // Reimplementation base URL

	TimeoutSeconds   int              `yaml:"timeout_seconds"`   // Global per-call timeout
	EndpointTimeouts EndpointTimeouts `yaml:"endpoint_timeouts"` // Ordered path fragment overrides
	RetryAttempts    int              `yaml:"retry_attempts"`    // Extra attempts on transport failure (idempotent methods)

	DefaultStrategy         Strategy `yaml:"default_strategy"`
	CompareMinorDifferences Strategy `yaml:"compare_minor_differences"` // nightscout | fastest
	ABTestingPercentage     float64  `yaml:"ab_testing_percentage"`     // 0-100, share routed to Nocturne

	EnableDetailedLogging     bool `yaml:"enable_detailed_logging"`
	EnableCorrelationTracking bool `yaml:"enable_correlation_tracking"`

	EnableResponseCaching      bool     `yaml:"enable_response_caching"`
	ResponseCacheTTLSeconds    int      `yaml:"response_cache_ttl_seconds"`
	MaxCacheEntryBytes         int64    `yaml:"max_cache_entry_bytes"`
	MaxCacheEntries            int      `yaml:"max_cache_entries"` // 0 = unbounded
	NonCacheablePaths          []string `yaml:"non_cacheable_paths"`
	EnableRequestDeduplication bool     `yaml:"enable_request_deduplication"`

	MaxResponseSizeForComparison int64    `yaml:"max_response_size_for_comparison"` // Bytes
	SensitiveFields              []string `yaml:"sensitive_fields"`
	PersistAllComparisons        bool     `yaml:"persist_all_comparisons"` // Also persist Perfect matches

	Comparison     ComparisonConfig     `yaml:"comparison"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ComparisonConfig tunes the response comparator.
type ComparisonConfig struct {
	ExcludeFields             []string            `yaml:"exclude_fields"`       // Field names or dotted paths
	RouteExcludeFields        map[string][]string `yaml:"route_exclude_fields"` // Path fragment -> extra excludes
	AllowSupersetResponses    bool                `yaml:"allow_superset_responses"`
	TimestampToleranceMs      int64               `yaml:"timestamp_tolerance_ms"`
	NumericPrecisionTolerance float64             `yaml:"numeric_precision_tolerance"`
	NormalizeFieldOrdering    bool                `yaml:"normalize_field_ordering"`
	ArrayOrderHandling        ArrayOrderHandling  `yaml:"array_order_handling"`
	EnableDeepComparison      bool                `yaml:"enable_deep_comparison"`
	TimestampFields           []string            `yaml:"timestamp_fields"` // Date-like field names
}

// CircuitBreakerConfig configures the per-target breakers.
type CircuitBreakerConfig struct {
	FailureThreshold       int `yaml:"failure_threshold"`
	RecoveryTimeoutSeconds int `yaml:"recovery_timeout_seconds"`
	SuccessThreshold       int `yaml:"success_threshold"`
}

// RecoveryTimeout returns the open-state duration.
func (c CircuitBreakerConfig) RecoveryTimeout() time.Duration {
	return time.Duration(c.RecoveryTimeoutSeconds) * time.Second
}

// DefaultProxyConfig returns tuning defaults. Backend URLs are empty.
func DefaultProxyConfig() ProxyConfig {
	return ProxyConfig{
		TimeoutSeconds:               30,
		DefaultStrategy:              StrategyNightscout,
		CompareMinorDifferences:      StrategyNightscout,
		EnableCorrelationTracking:    true,
		ResponseCacheTTLSeconds:      300,
		MaxCacheEntryBytes:           1 << 20,
		MaxCacheEntries:              10000,
		NonCacheablePaths:            []string{"/api/v1/status"},
		MaxResponseSizeForComparison: 10 << 20,
		SensitiveFields:              []string{"api_secret", "token", "password", "key"},
		Comparison: ComparisonConfig{
			AllowSupersetResponses:    true,
			TimestampToleranceMs:      5000,
			NumericPrecisionTolerance: 0.001,
			NormalizeFieldOrdering:    true,
			ArrayOrderHandling:        ArrayOrderStrict,
			EnableDeepComparison:      true,
			TimestampFields:           []string{"date", "dateString", "sysTime", "created_at", "mills", "srvModified", "srvCreated"},
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:       5,
			RecoveryTimeoutSeconds: 60,
			SuccessThreshold:       3,
		},
	}
}

// GlobalTimeout returns TimeoutSeconds as a duration.
func (p *ProxyConfig) GlobalTimeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// ResponseCacheTTL returns ResponseCacheTTLSeconds as a duration.
func (p *ProxyConfig) ResponseCacheTTL() time.Duration {
	return time.Duration(p.ResponseCacheTTLSeconds) * time.Second
}

// Validate validates the proxy configuration.
func (p *ProxyConfig) Validate() error {
	for name, raw := range map[string]string{"proxy.nightscout_url": p.NightscoutURL, "proxy.nocturne_url": p.NocturneURL} {
		if raw == "" {
			return fmt.Errorf("%s is required", name)
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid %s: %q", name, raw)
		}
	}

	if p.TimeoutSeconds <= 0 {
		return fmt.Errorf("proxy.timeout_seconds must be positive")
	}
	for _, et := range p.EndpointTimeouts {
		if et.Seconds <= 0 {
			return fmt.Errorf("proxy.endpoint_timeouts.%s must be positive", et.Match)
		}
	}
	if p.RetryAttempts < 0 {
		return fmt.Errorf("proxy.retry_attempts must not be negative")
	}

	strategy, err := ParseStrategy(string(p.DefaultStrategy))
	if err != nil {
		return fmt.Errorf("proxy.default_strategy: %w", err)
	}
	p.DefaultStrategy = strategy

	switch p.CompareMinorDifferences {
	case StrategyNightscout, StrategyFastest:
	default:
		return fmt.Errorf("proxy.compare_minor_differences must be nightscout or fastest, got %q", p.CompareMinorDifferences)
	}

	if p.ABTestingPercentage < 0 || p.ABTestingPercentage > 100 {
		return fmt.Errorf("proxy.ab_testing_percentage must be between 0 and 100, got %v", p.ABTestingPercentage)
	}
	if p.EnableResponseCaching && p.ResponseCacheTTLSeconds <= 0 {
		return fmt.Errorf("proxy.response_cache_ttl_seconds must be positive when caching is enabled")
	}
	if p.MaxCacheEntries < 0 {
		return fmt.Errorf("proxy.max_cache_entries must not be negative")
	}
	if p.MaxResponseSizeForComparison <= 0 {
		return fmt.Errorf("proxy.max_response_size_for_comparison must be positive")
	}

	return p.CircuitBreaker.Validate()
}

// Validate validates breaker thresholds.
func (c CircuitBreakerConfig) Validate() error {
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("proxy.circuit_breaker.failure_threshold must be positive")
	}
	if c.RecoveryTimeoutSeconds <= 0 {
		return fmt.Errorf("proxy.circuit_breaker.recovery_timeout_seconds must be positive")
	}
	if c.SuccessThreshold <= 0 {
		return fmt.Errorf("proxy.circuit_breaker.success_threshold must be positive")
	}
	return nil
}
