// Package serviceconfig parses the service config document delivered by
// resolvers, covering only the fields the core consumes: per-method
// timeout, wait-for-ready, message size caps, retry and hedging policy,
// and the channel-level load-balancing config.
package serviceconfig

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
)

// Config is a parsed service config.
type Config struct {
	// lbConfigs holds the candidate LB policies, in preference order.
	lbConfigs []LBConfig
	// legacyLBPolicy is the deprecated top-level loadBalancingPolicy.
	legacyLBPolicy string

	methods       map[string]*MethodConfig // "service/method" and "service/"
	defaultMethod *MethodConfig
}

// LBConfig names one candidate load-balancing policy and its opaque
// policy-specific configuration.
type LBConfig struct {
	Name   string
	Config json.RawMessage
}

// MethodConfig carries the per-method settings the core consumes.
type MethodConfig struct {
	// WaitForReady, when set, overrides the per-call wait-for-ready
	// default.
	WaitForReady *bool
	// Timeout, when set, caps the call deadline.
	Timeout *time.Duration
	// MaxRequestMessageBytes caps outbound message size.
	MaxRequestMessageBytes *int
	// MaxResponseMessageBytes caps inbound message size.
	MaxResponseMessageBytes *int
	// RetryPolicy enables transparent retries for the method.
	RetryPolicy *RetryPolicy
	// HedgingPolicy enables hedged attempts for the method. At most
	// one of RetryPolicy and HedgingPolicy is set.
	HedgingPolicy *HedgingPolicy
}

// RetryPolicy mirrors the retryPolicy service-config message.
type RetryPolicy struct {
	MaxAttempts          int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	BackoffMultiplier    float64
	RetryableStatusCodes map[codes.Code]bool
}

// HedgingPolicy mirrors the hedgingPolicy service-config message.
type HedgingPolicy struct {
	MaxAttempts         int
	HedgingDelay        time.Duration
	NonFatalStatusCodes map[codes.Code]bool
}

// LoadBalancingConfigs returns the candidate LB policies in preference
// order. The channel selects the first one whose name is registered.
func (c *Config) LoadBalancingConfigs() []LBConfig {
	if len(c.lbConfigs) > 0 {
		return c.lbConfigs
	}
	if c.legacyLBPolicy != "" {
		return []LBConfig{{Name: c.legacyLBPolicy}}
	}
	return nil
}

// MethodConfig returns the config for the full method path
// "/service/method": an exact entry, else the service's wildcard entry,
// else the default entry, else nil.
func (c *Config) MethodConfig(fullMethod string) *MethodConfig {
	if c == nil {
		return nil
	}
	path := strings.TrimPrefix(fullMethod, "/")
	if mc, ok := c.methods[path]; ok {
		return mc
	}
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		if mc, ok := c.methods[path[:i+1]]; ok {
			return mc
		}
	}
	return c.defaultMethod
}

// jsonName is one entry of methodConfig.name.
type jsonName struct {
	Service string `json:"service"`
	Method  string `json:"method"`
}

type jsonRetryPolicy struct {
	MaxAttempts          int          `json:"maxAttempts"`
	InitialBackoff       string       `json:"initialBackoff"`
	MaxBackoff           string       `json:"maxBackoff"`
	BackoffMultiplier    float64      `json:"backoffMultiplier"`
	RetryableStatusCodes []codes.Code `json:"retryableStatusCodes"`
}

type jsonHedgingPolicy struct {
	MaxAttempts         int          `json:"maxAttempts"`
	HedgingDelay        string       `json:"hedgingDelay"`
	NonFatalStatusCodes []codes.Code `json:"nonFatalStatusCodes"`
}

type jsonMethodConfig struct {
	Name                    []jsonName         `json:"name"`
	WaitForReady            *bool              `json:"waitForReady"`
	Timeout                 *string            `json:"timeout"`
	MaxRequestMessageBytes  *int64             `json:"maxRequestMessageBytes"`
	MaxResponseMessageBytes *int64             `json:"maxResponseMessageBytes"`
	RetryPolicy             *jsonRetryPolicy   `json:"retryPolicy"`
	HedgingPolicy           *jsonHedgingPolicy `json:"hedgingPolicy"`
}

type jsonConfig struct {
	LoadBalancingPolicy string                       `json:"loadBalancingPolicy"`
	LoadBalancingConfig []map[string]json.RawMessage `json:"loadBalancingConfig"`
	MethodConfig        []jsonMethodConfig           `json:"methodConfig"`
}

// Parse parses a service config JSON document.
func Parse(js string) (*Config, error) {
	var raw jsonConfig
	if err := json.Unmarshal([]byte(js), &raw); err != nil {
		return nil, fmt.Errorf("invalid service config JSON: %w", err)
	}
	cfg := &Config{
		legacyLBPolicy: strings.ToLower(raw.LoadBalancingPolicy),
		methods:        make(map[string]*MethodConfig),
	}
	for i, entry := range raw.LoadBalancingConfig {
		if len(entry) != 1 {
			return nil, fmt.Errorf("loadBalancingConfig[%d]: exactly one policy per entry, got %d", i, len(entry))
		}
		for name, c := range entry {
			cfg.lbConfigs = append(cfg.lbConfigs, LBConfig{Name: name, Config: c})
		}
	}
	for i, jmc := range raw.MethodConfig {
		mc, err := parseMethodConfig(jmc)
		if err != nil {
			return nil, fmt.Errorf("methodConfig[%d]: %w", i, err)
		}
		if len(jmc.Name) == 0 {
			return nil, fmt.Errorf("methodConfig[%d]: missing name", i)
		}
		for _, n := range jmc.Name {
			switch {
			case n.Service == "" && n.Method == "":
				if cfg.defaultMethod != nil {
					return nil, fmt.Errorf("methodConfig[%d]: duplicate default entry", i)
				}
				cfg.defaultMethod = mc
			case n.Service == "":
				return nil, fmt.Errorf("methodConfig[%d]: method %q without service", i, n.Method)
			default:
				key := n.Service + "/" + n.Method
				if _, dup := cfg.methods[key]; dup {
					return nil, fmt.Errorf("methodConfig[%d]: duplicate entry for %q", i, key)
				}
				cfg.methods[key] = mc
			}
		}
	}
	return cfg, nil
}

func parseMethodConfig(jmc jsonMethodConfig) (*MethodConfig, error) {
	if jmc.RetryPolicy != nil && jmc.HedgingPolicy != nil {
		return nil, fmt.Errorf("retryPolicy and hedgingPolicy are mutually exclusive")
	}
	mc := &MethodConfig{WaitForReady: jmc.WaitForReady}
	if jmc.Timeout != nil {
		d, err := parseDuration(*jmc.Timeout)
		if err != nil {
			return nil, fmt.Errorf("timeout: %w", err)
		}
		mc.Timeout = &d
	}
	if jmc.MaxRequestMessageBytes != nil {
		v := clampInt(*jmc.MaxRequestMessageBytes)
		mc.MaxRequestMessageBytes = &v
	}
	if jmc.MaxResponseMessageBytes != nil {
		v := clampInt(*jmc.MaxResponseMessageBytes)
		mc.MaxResponseMessageBytes = &v
	}
	if rp := jmc.RetryPolicy; rp != nil {
		p := &RetryPolicy{
			MaxAttempts:       rp.MaxAttempts,
			BackoffMultiplier: rp.BackoffMultiplier,
		}
		var err error
		if p.InitialBackoff, err = parseDuration(rp.InitialBackoff); err != nil {
			return nil, fmt.Errorf("retryPolicy.initialBackoff: %w", err)
		}
		if p.MaxBackoff, err = parseDuration(rp.MaxBackoff); err != nil {
			return nil, fmt.Errorf("retryPolicy.maxBackoff: %w", err)
		}
		if p.MaxAttempts < 2 {
			return nil, fmt.Errorf("retryPolicy.maxAttempts must be at least 2, got %d", p.MaxAttempts)
		}
		if p.MaxAttempts > 5 {
			p.MaxAttempts = 5
		}
		if p.InitialBackoff <= 0 || p.MaxBackoff <= 0 || p.BackoffMultiplier <= 0 {
			return nil, fmt.Errorf("retryPolicy backoff parameters must be positive")
		}
		if len(rp.RetryableStatusCodes) == 0 {
			return nil, fmt.Errorf("retryPolicy.retryableStatusCodes must be non-empty")
		}
		p.RetryableStatusCodes = make(map[codes.Code]bool, len(rp.RetryableStatusCodes))
		for _, c := range rp.RetryableStatusCodes {
			p.RetryableStatusCodes[c] = true
		}
		mc.RetryPolicy = p
	}
	if hp := jmc.HedgingPolicy; hp != nil {
		p := &HedgingPolicy{MaxAttempts: hp.MaxAttempts}
		if hp.HedgingDelay != "" {
			d, err := parseDuration(hp.HedgingDelay)
			if err != nil {
				return nil, fmt.Errorf("hedgingPolicy.hedgingDelay: %w", err)
			}
			p.HedgingDelay = d
		}
		if p.MaxAttempts < 2 {
			return nil, fmt.Errorf("hedgingPolicy.maxAttempts must be at least 2, got %d", p.MaxAttempts)
		}
		if p.MaxAttempts > 5 {
			p.MaxAttempts = 5
		}
		p.NonFatalStatusCodes = make(map[codes.Code]bool, len(hp.NonFatalStatusCodes))
		for _, c := range hp.NonFatalStatusCodes {
			p.NonFatalStatusCodes[c] = true
		}
		mc.HedgingPolicy = p
	}
	return mc, nil
}

func clampInt(v int64) int {
	const maxInt = int64(^uint(0) >> 1)
	if v > maxInt {
		return int(maxInt)
	}
	if v < 0 {
		return 0
	}
	return int(v)
}

// parseDuration parses the proto JSON duration form: decimal seconds with
// an "s" suffix, e.g. "1.5s" or "0.001s".
func parseDuration(s string) (time.Duration, error) {
	if !strings.HasSuffix(s, "s") {
		return 0, fmt.Errorf("malformed duration %q", s)
	}
	body := s[:len(s)-1]
	neg := false
	if strings.HasPrefix(body, "-") {
		neg = true
		body = body[1:]
	}
	whole, frac, hasFrac := strings.Cut(body, ".")
	if whole == "" {
		return 0, fmt.Errorf("malformed duration %q", s)
	}
	sec, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed duration %q", s)
	}
	var nanos int64
	if hasFrac {
		if frac == "" || len(frac) > 9 {
			return 0, fmt.Errorf("malformed duration %q", s)
		}
		f, err := strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed duration %q", s)
		}
		for i := len(frac); i < 9; i++ {
			f *= 10
		}
		nanos = f
	}
	d := time.Duration(sec)*time.Second + time.Duration(nanos)*time.Nanosecond
	if neg {
		d = -d
	}
	return d, nil
}
