package publisher

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrUnknownDestination = errors.New("unknown destination")

// Options carries the per-destination timings.
type Options struct {
	Cooldown        time.Duration
	RefreshInterval time.Duration
}

type registration struct {
	adapter Adapter
	options Options
}

// Registry holds every configured destination adapter, keyed by name.
type Registry struct {
	mu              sync.RWMutex
	logger          *zap.Logger
	entries         map[string]registration
	order           []string
	defaultCooldown time.Duration
}

func NewRegistry(logger *zap.Logger, defaultCooldown time.Duration) *Registry {
	return &Registry{
		logger:          logger,
		entries:         make(map[string]registration),
		defaultCooldown: defaultCooldown,
	}
}

func (r *Registry) Register(adapter Adapter, opts Options) error {
	name := adapter.Name()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("destination %s already registered", name)
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = r.defaultCooldown
	}

	r.entries[name] = registration{adapter: adapter, options: opts}
	r.order = append(r.order, name)
	r.logger.Info("Destination registered",
		zap.String("destination", name),
		zap.Duration("cooldown", opts.Cooldown))
	return nil
}

func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, exists := r.entries[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDestination, name)
	}
	return e.adapter, nil
}

// Cooldown is the minimum interval between two posts to name.
func (r *Registry) Cooldown(name string) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[name]; ok {
		return e.options.Cooldown
	}
	return r.defaultCooldown
}

func (r *Registry) Options(name string) (Options, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.options, ok
}

// Names lists destinations in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
