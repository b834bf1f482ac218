package xcookie

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	goconfig "github.com/goliatone/go-config/config"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-xcookie/pkg/activity"
	"github.com/goliatone/go-xcookie/pkg/policy"
	"github.com/goliatone/go-xcookie/pkg/store"
)

// DefaultExpiry is how long written cookies live when nothing else is set.
const DefaultExpiry = 30 * 24 * time.Hour

// TimeoutConfig bounds every wait a resolution can make.
type TimeoutConfig struct {
	Handshake time.Duration `koanf:"handshake" mapstructure:"handshake"`
	Request   time.Duration `koanf:"request" mapstructure:"request"`
	Ack       time.Duration `koanf:"ack" mapstructure:"ack"`
}

// Config describes one page: its own origin and cookie jar, and the shared
// store document it embeds.
type Config struct {
	Origin       string          `koanf:"origin" mapstructure:"origin"`
	SharedOrigin string          `koanf:"shared_origin" mapstructure:"shared_origin"`
	Resource     string          `koanf:"resource" mapstructure:"resource"`
	Domain       string          `koanf:"domain" mapstructure:"domain"`
	Path         string          `koanf:"path" mapstructure:"path"`
	Mode         Mode            `koanf:"mode" mapstructure:"mode"`
	Expiry       time.Duration   `koanf:"expiry" mapstructure:"expiry"`
	AwaitAck     bool            `koanf:"await_ack" mapstructure:"await_ack"`
	Timeouts     TimeoutConfig   `koanf:"timeouts" mapstructure:"timeouts"`
	Policy       []policy.Rule   `koanf:"policy" mapstructure:"policy"`
	Activity     activity.Config `koanf:"activity" mapstructure:"activity"`
}

func DefaultConfig() Config {
	return Config{
		Resource: "/xdomain_cookie.html",
		Path:     store.DefaultPath,
		Mode:     ModeStandard,
		Expiry:   DefaultExpiry,
		AwaitAck: true,
		Timeouts: TimeoutConfig{
			Handshake: 300 * time.Millisecond,
			Request:   250 * time.Millisecond,
			Ack:       250 * time.Millisecond,
		},
		Activity: activity.Config{Enabled: true, Channel: activity.DefaultChannel},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Origin) == "" {
		return fmt.Errorf("xcookie: origin is required")
	}
	if !c.Mode.Valid() {
		return fmt.Errorf("xcookie: unknown mode %q", c.Mode)
	}
	if c.Expiry < 0 {
		return fmt.Errorf("xcookie: expiry must not be negative")
	}
	if c.Timeouts.Handshake < 0 || c.Timeouts.Request < 0 || c.Timeouts.Ack < 0 {
		return fmt.Errorf("xcookie: timeouts must not be negative")
	}
	for i, rule := range c.Policy {
		if strings.TrimSpace(rule.Expression) == "" {
			return fmt.Errorf("xcookie: policy rule %d has no expression", i)
		}
	}
	return nil
}

// withDefaults fills zero fields so a hand-built Config behaves like a
// loaded one.
func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if strings.TrimSpace(c.Resource) == "" {
		c.Resource = defaults.Resource
	}
	if strings.TrimSpace(c.Path) == "" {
		c.Path = defaults.Path
	}
	if c.Mode == "" {
		c.Mode = defaults.Mode
	}
	if c.Expiry == 0 {
		c.Expiry = defaults.Expiry
	}
	if c.Timeouts.Handshake == 0 {
		c.Timeouts.Handshake = defaults.Timeouts.Handshake
	}
	if c.Timeouts.Request == 0 {
		c.Timeouts.Request = defaults.Timeouts.Request
	}
	if c.Timeouts.Ack == 0 {
		c.Timeouts.Ack = defaults.Timeouts.Ack
	}
	if c.Activity.IsZero() {
		c.Activity = defaults.Activity
	}
	if strings.TrimSpace(c.Domain) == "" {
		c.Domain = store.DomainOf(c.Origin)
	}
	return c
}

// BuildConfig decodes raw over the defaults and validates the result.
// Durations accept Go syntax plus a whole-day suffix such as "30d".
func BuildConfig(raw map[string]any) (Config, error) {
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(DefaultConfig()),
		cfgx.WithPreprocess[Config](expandDays()),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg.withDefaults(), nil
}

// configSource lets the loader merge files without decoding them; the
// merged map goes through BuildConfig.
type configSource struct{}

func (configSource) Validate() error { return nil }

// LoadConfig reads each file in order, later files overriding earlier ones,
// and builds the merged result. YAML, TOML and JSON are recognised by
// extension.
func LoadConfig(ctx context.Context, paths ...string) (Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	container := goconfig.New(configSource{}).
		WithLogger(glog.Nop()).
		WithConfigPath("").
		WithSolvers().
		WithValidationMode(goconfig.ValidationNone)
	for i, path := range paths {
		container.WithProvider(goconfig.FileProvider[configSource](path, int(goconfig.PriorityConfig.WithOffset(i))))
	}
	if err := container.Load(ctx); err != nil {
		return Config{}, err
	}
	return BuildConfig(container.K.Raw())
}

var durationPaths = [][]string{
	{"expiry"},
	{"timeouts", "handshake"},
	{"timeouts", "request"},
	{"timeouts", "ack"},
}

// expandDays rewrites "Nd" values at the duration keys as hours. Everything
// else is left to the decoder's duration hook. The input is not mutated.
func expandDays() cfgx.Preprocessor {
	return func(input any) (any, error) {
		raw, ok := input.(map[string]any)
		if !ok {
			return input, nil
		}
		out := maps.Clone(raw)
		for _, path := range durationPaths {
			if err := expandDayAt(out, path); err != nil {
				return nil, err
			}
		}
		return out, nil
	}
}

func expandDayAt(root map[string]any, path []string) error {
	parent := root
	for _, key := range path[:len(path)-1] {
		child, ok := parent[key].(map[string]any)
		if !ok {
			return nil
		}
		child = maps.Clone(child)
		parent[key] = child
		parent = child
	}
	leaf := path[len(path)-1]
	text, ok := parent[leaf].(string)
	if !ok {
		return nil
	}
	days, ok := strings.CutSuffix(strings.TrimSpace(text), "d")
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(days)
	if err != nil || n < 0 {
		return fmt.Errorf("xcookie: %s: invalid duration %q", strings.Join(path, "."), text)
	}
	parent[leaf] = (time.Duration(n) * 24 * time.Hour).String()
	return nil
}
