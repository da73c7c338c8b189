package multiverse

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ControlTickIntervalTicks int  `yaml:"control_tick_interval_ticks"`
	LocalTickMillis          int  `yaml:"local_tick_millis"`
	ControlTickMillis        int  `yaml:"control_tick_millis"`
	StateSnapshotEveryTicks  int  `yaml:"state_snapshot_every_ticks"`
	DisableOpportunistic     bool `yaml:"disable_opportunistic_ticks"`

	Realms []RealmSpec `yaml:"realms"`
}

type RealmSpec struct {
	ID        string   `yaml:"id"`
	Adjacency string   `yaml:"adjacency"`
	Resonance string   `yaml:"resonance"`
	Density   int      `yaml:"density"`
	Subscribe []string `yaml:"subscribe,omitempty"`
}

func (s RealmSpec) Coordinate() Coordinate {
	return Coordinate{
		RealmID:   s.ID,
		Adjacency: s.Adjacency,
		Resonance: s.Resonance,
		Density:   s.Density,
	}
}

// Load reads realms.yaml. An empty path yields the embedded defaults.
func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("realms.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("realms.yaml: %w", err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		ControlTickIntervalTicks: 5,
		LocalTickMillis:          200,
		ControlTickMillis:        2000,
		StateSnapshotEveryTicks:  10,
		Realms: []RealmSpec{
			{
				ID:        "PRIME",
				Adjacency: "core",
				Resonance: "alpha",
				Density:   1,
				Subscribe: []string{"player.transition", "resonance.pulse"},
			},
			{
				ID:        "ECHO",
				Adjacency: "core",
				Resonance: "beta",
				Density:   1,
				Subscribe: []string{"player.transition"},
			},
		},
	}
}

func (c *Config) Normalize() {
	if c.ControlTickIntervalTicks == 0 {
		c.ControlTickIntervalTicks = 5
	}
	if c.LocalTickMillis == 0 {
		c.LocalTickMillis = 200
	}
	if c.ControlTickMillis == 0 {
		c.ControlTickMillis = 2000
	}
	if c.StateSnapshotEveryTicks == 0 {
		c.StateSnapshotEveryTicks = 10
	}
	for i := range c.Realms {
		c.Realms[i].ID = strings.TrimSpace(c.Realms[i].ID)
		if c.Realms[i].Density <= 0 {
			c.Realms[i].Density = 1
		}
		kept := c.Realms[i].Subscribe[:0]
		for _, typ := range c.Realms[i].Subscribe {
			typ = strings.TrimSpace(typ)
			if typ != "" {
				kept = append(kept, typ)
			}
		}
		c.Realms[i].Subscribe = kept
	}
}

func (c Config) Validate() error {
	if c.ControlTickIntervalTicks <= 0 {
		return fmt.Errorf("control_tick_interval_ticks must be positive, got %d", c.ControlTickIntervalTicks)
	}
	if c.LocalTickMillis <= 0 {
		return fmt.Errorf("local_tick_millis must be positive, got %d", c.LocalTickMillis)
	}
	if c.ControlTickMillis <= 0 {
		return fmt.Errorf("control_tick_millis must be positive, got %d", c.ControlTickMillis)
	}
	if len(c.Realms) == 0 {
		return fmt.Errorf("at least one realm required")
	}
	seen := map[string]struct{}{}
	for _, spec := range c.Realms {
		if spec.ID == "" {
			return fmt.Errorf("realm with empty id")
		}
		if _, dup := seen[spec.ID]; dup {
			return fmt.Errorf("duplicate realm id %q", spec.ID)
		}
		seen[spec.ID] = struct{}{}
		subSeen := map[string]struct{}{}
		for _, typ := range spec.Subscribe {
			if _, dup := subSeen[typ]; dup {
				return fmt.Errorf("realm %q: duplicate subscription %q", spec.ID, typ)
			}
			subSeen[typ] = struct{}{}
		}
	}
	return nil
}
