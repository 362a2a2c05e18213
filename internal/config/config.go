// Package config defines the YAML configuration for the burrow relay host:
// the listen surface, the per-relay policy and limit sections, trust graphs,
// and paywalls. All restriction knobs default to the most permissive value;
// operators only write down what they want to restrict.
package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration.
type Config struct {
	// Listen is the host:port the HTTP/websocket endpoint binds to.
	Listen string `yaml:"listen"`
	// Domain is the public apex domain; relays are addressed as
	// <subdomain>.<domain>.
	Domain string `yaml:"domain"`
	// DataDir holds per-relay stores and subsystem snapshots.
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`

	// DiscoveryRelays are external relays used to fetch follow lists when
	// building trust graphs.
	DiscoveryRelays []string `yaml:"discovery_relays"`

	Wots     map[string]WotConfig     `yaml:"wots"`
	Paywalls map[string]PaywallConfig `yaml:"paywalls"`
	Relays   map[string]RelayConfig   `yaml:"relays"`
}

// WotConfig describes one trust graph.
type WotConfig struct {
	// Seed is the hex pubkey the follow-graph crawl starts from.
	Seed string `yaml:"seed"`
	// Depth is the maximum number of follow hops (1..4; 0 defaults to 1 and
	// Validate rejects other values).
	Depth int `yaml:"depth"`
	// UpdateIntervalHours is the refresh period.
	UpdateIntervalHours int `yaml:"update_interval_hours"`
}

// PaywallConfig describes one paywall.
type PaywallConfig struct {
	// NWC is the wallet-connect connection string used to mint and watch
	// invoices.
	NWC        string `yaml:"nwc"`
	PriceSats  uint64 `yaml:"price_sats"`
	PeriodDays int    `yaml:"period_days"`
}

// RelayConfig describes one logical relay.
type RelayConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Subdomain   string `yaml:"subdomain"`
	// AdminPubkey is advertised in the relay information document.
	AdminPubkey string          `yaml:"admin_pubkey"`
	Policy      PolicyConfig    `yaml:"policy"`
	Limits      LimitsConfig    `yaml:"limits"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
}

// PolicyConfig groups the access-control rules of one relay.
type PolicyConfig struct {
	Write  WritePolicy `yaml:"write"`
	Read   ReadPolicy  `yaml:"read"`
	Events EventPolicy `yaml:"events"`
}

// WritePolicy controls who may publish events.
type WritePolicy struct {
	RequireAuth    bool     `yaml:"require_auth"`
	AllowedPubkeys []string `yaml:"allowed_pubkeys"`
	BlockedPubkeys []string `yaml:"blocked_pubkeys"`
	// TaggedPubkeys accepts an event only if one of its p tags references a
	// listed pubkey. Useful for inbox relays.
	TaggedPubkeys []string `yaml:"tagged_pubkeys"`
	// Wot references a trust graph id; only members may write.
	Wot string `yaml:"wot"`
	// Paywall references a paywall id; only paid-up pubkeys may write.
	Paywall string `yaml:"paywall"`
}

// ReadPolicy controls who may query events. List and set checks apply to the
// authenticated identity, not the event author.
type ReadPolicy struct {
	RequireAuth    bool     `yaml:"require_auth"`
	AllowedPubkeys []string `yaml:"allowed_pubkeys"`
	Wot            string   `yaml:"wot"`
	Paywall        string   `yaml:"paywall"`
}

// EventPolicy controls which events are accepted based on their content.
type EventPolicy struct {
	AllowedKinds []uint16 `yaml:"allowed_kinds"`
	BlockedKinds []uint16 `yaml:"blocked_kinds"`
	// MinPow is the minimum leading-zero-bit count of the event id.
	MinPow int `yaml:"min_pow"`
	// MaxContentLength bounds the content field in bytes. 0 = unlimited.
	MaxContentLength int `yaml:"max_content_length"`
}

// LimitsConfig holds the caps advertised in the relay information document.
// The advertised values are the enforced values.
type LimitsConfig struct {
	MaxMessageLength ByteSize `yaml:"max_message_length"`
	MaxSubscriptions int      `yaml:"max_subscriptions"`
	MaxSubIDLength   int      `yaml:"max_subid_length"`
	MaxLimit         int      `yaml:"max_limit"`
	DefaultLimit     int      `yaml:"default_limit"`
	MaxEventTags     int      `yaml:"max_event_tags"`
	// CreatedAtLowerLimit rejects events older than now-lower seconds. 0 =
	// no bound; same for the upper limit.
	CreatedAtLowerLimit int64 `yaml:"created_at_lower_limit"`
	CreatedAtUpperLimit int64 `yaml:"created_at_upper_limit"`
}

// RateLimitConfig holds per-IP limits. 0 = unlimited.
type RateLimitConfig struct {
	WritesPerMinute     int `yaml:"writes_per_minute"`
	ReadsPerMinute      int `yaml:"reads_per_minute"`
	MaxConnectionsPerIP int `yaml:"max_connections_per_ip"`
}

// ByteSize accepts either a plain byte count or a human string ("512KB").
type ByteSize uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		var v datasize.ByteSize
		if err := v.UnmarshalText([]byte(s)); err != nil {
			return fmt.Errorf("invalid byte size %q: %w", s, err)
		}
		*b = ByteSize(v.Bytes())
		return nil
	}
	var n uint64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid byte size: %w", err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return datasize.ByteSize(b).HumanReadable(), nil
}

// Default limits applied where a relay leaves a cap unset.
const (
	DefaultMaxMessageLength = 512 * 1024
	DefaultMaxSubscriptions = 20
	DefaultMaxSubIDLength   = 64
	DefaultMaxLimit         = 1000
	DefaultQueryLimit       = 500
)

// Default returns a minimal working configuration.
func Default() *Config {
	return &Config{
		Listen:   "0.0.0.0:8080",
		Domain:   "localhost",
		DataDir:  "data",
		LogLevel: "info",
	}
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset limits with the package defaults.
func (c *Config) ApplyDefaults() {
	for id, relay := range c.Relays {
		if relay.Limits.MaxMessageLength == 0 {
			relay.Limits.MaxMessageLength = DefaultMaxMessageLength
		}
		if relay.Limits.MaxSubscriptions == 0 {
			relay.Limits.MaxSubscriptions = DefaultMaxSubscriptions
		}
		if relay.Limits.MaxSubIDLength == 0 {
			relay.Limits.MaxSubIDLength = DefaultMaxSubIDLength
		}
		if relay.Limits.MaxLimit == 0 {
			relay.Limits.MaxLimit = DefaultMaxLimit
		}
		if relay.Limits.DefaultLimit == 0 {
			relay.Limits.DefaultLimit = DefaultQueryLimit
		}
		c.Relays[id] = relay
	}
	for id, wot := range c.Wots {
		if wot.Depth == 0 {
			wot.Depth = 1
		}
		if wot.UpdateIntervalHours == 0 {
			wot.UpdateIntervalHours = 24
		}
		c.Wots[id] = wot
	}
}

// Validate checks cross-references and key encodings.
func (c *Config) Validate() error {
	if len(c.Relays) == 0 {
		return fmt.Errorf("no relays configured")
	}

	subdomains := make(map[string]string)
	for id, relay := range c.Relays {
		if relay.Name == "" {
			return fmt.Errorf("relay %q: name is required", id)
		}
		if relay.Subdomain == "" {
			return fmt.Errorf("relay %q: subdomain is required", id)
		}
		if prev, dup := subdomains[relay.Subdomain]; dup {
			return fmt.Errorf("relay %q: subdomain %q already used by relay %q", id, relay.Subdomain, prev)
		}
		subdomains[relay.Subdomain] = id

		for _, ref := range []string{relay.Policy.Write.Wot, relay.Policy.Read.Wot} {
			if ref != "" {
				if _, ok := c.Wots[ref]; !ok {
					return fmt.Errorf("relay %q references unknown wot %q", id, ref)
				}
			}
		}
		for _, ref := range []string{relay.Policy.Write.Paywall, relay.Policy.Read.Paywall} {
			if ref != "" {
				if _, ok := c.Paywalls[ref]; !ok {
					return fmt.Errorf("relay %q references unknown paywall %q", id, ref)
				}
			}
		}
	}

	for id, wot := range c.Wots {
		if !validPubkey(wot.Seed) {
			return fmt.Errorf("wot %q: seed must be a 64-char hex pubkey", id)
		}
		if wot.Depth < 1 || wot.Depth > 4 {
			return fmt.Errorf("wot %q: depth must be between 1 and 4", id)
		}
	}
	for id, pw := range c.Paywalls {
		if pw.NWC == "" {
			return fmt.Errorf("paywall %q: nwc connection string is required", id)
		}
		if pw.PriceSats == 0 {
			return fmt.Errorf("paywall %q: price_sats must be positive", id)
		}
		if pw.PeriodDays <= 0 {
			return fmt.Errorf("paywall %q: period_days must be positive", id)
		}
	}
	return nil
}

func validPubkey(s string) bool {
	raw, err := hex.DecodeString(s)
	return err == nil && len(raw) == 32
}
