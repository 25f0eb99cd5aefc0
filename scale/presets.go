package scale

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Preset is a named bundle of fan-out parameters. Presets are selected at
// runtime via the coordinator's updateScaleConfig operation; switching presets
// never migrates existing shard assignments.
type Preset struct {
	Name string

	// NumShards is the number of shard processors.
	NumShards int

	// BatchSize is the number of users per delivery batch.
	BatchSize int

	// BatchConcurrency bounds concurrent sends within one batch.
	BatchConcurrency int

	// BatchDelay is the pause a shard inserts between starting batches.
	BatchDelay time.Duration
}

// Validate checks that the preset parameters are usable.
func (p *Preset) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("preset name cannot be empty")
	}
	if p.NumShards <= 0 {
		return fmt.Errorf("preset %q: NumShards must be positive", p.Name)
	}
	if p.BatchSize <= 0 {
		return fmt.Errorf("preset %q: BatchSize must be positive", p.Name)
	}
	if p.BatchConcurrency <= 0 {
		return fmt.Errorf("preset %q: BatchConcurrency must be positive", p.Name)
	}
	if p.BatchDelay < 0 {
		return fmt.Errorf("preset %q: BatchDelay cannot be negative", p.Name)
	}
	return nil
}

// builtin presets, sized for the advertised user population.
var builtin = map[string]Preset{
	"10K": {
		Name:             "10K",
		NumShards:        8,
		BatchSize:        100,
		BatchConcurrency: 10,
		BatchDelay:       50 * time.Millisecond,
	},
	"100K": {
		Name:             "100K",
		NumShards:        32,
		BatchSize:        250,
		BatchConcurrency: 25,
		BatchDelay:       20 * time.Millisecond,
	},
	"1M+": {
		Name:             "1M+",
		NumShards:        128,
		BatchSize:        500,
		BatchConcurrency: 50,
		BatchDelay:       10 * time.Millisecond,
	},
}

// DefaultPresetName is the preset used when the configuration names none.
const DefaultPresetName = "10K"

// Registry holds the set of known presets and the currently active one.
// All methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	presets map[string]Preset
	active  Preset
}

// NewRegistry creates a registry holding the builtin presets, with the
// default preset active.
func NewRegistry() *Registry {
	presets := make(map[string]Preset, len(builtin))
	for name, p := range builtin {
		presets[name] = p
	}
	return &Registry{
		presets: presets,
		active:  presets[DefaultPresetName],
	}
}

// Get returns the preset with the given name.
func (r *Registry) Get(name string) (Preset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.presets[name]
	if !ok {
		return Preset{}, fmt.Errorf("unknown scale preset: %q", name)
	}
	return p, nil
}

// Register adds or replaces a preset. Used to load custom presets from
// configuration alongside the builtin ones.
func (r *Registry) Register(p Preset) error {
	if err := p.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.presets[p.Name] = p
	return nil
}

// Activate makes the named preset the active one and returns it.
func (r *Registry) Activate(name string) (Preset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.presets[name]
	if !ok {
		return Preset{}, fmt.Errorf("unknown scale preset: %q", name)
	}
	r.active = p
	return p, nil
}

// Active returns the currently active preset.
func (r *Registry) Active() Preset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Names returns the known preset names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.presets))
	for name := range r.presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
