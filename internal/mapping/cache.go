// Package mapping resolves venue token ids to internal market outcomes.
package mapping

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/oddsfeed/internal/domain"
)

// Hooks are notified when the authoritative mapping set changes.
type Hooks struct {
	// Tokens receives the active token ids after every reload.
	Tokens func(tokens []string)
	// Changed runs for each mapping-changed signal, after the reload.
	Changed func(ctx context.Context, ev domain.MappingChanged)
}

type entry struct {
	mapping domain.TokenMapping
	found   bool
}

// Cache is a lazily populated token lookup. Entries never expire on their
// own; they are cleared by Invalidate, a mapping-changed signal or a periodic
// reload. Unknown tokens are cached as misses.
type Cache struct {
	store  domain.MappingStore
	bus    domain.SignalBus
	hooks  Hooks
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]entry
	// gen advances on every clear so lookups that began earlier are not stored.
	gen uint64

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCache creates an empty cache over store. bus may be nil when Watch is
// not used.
func NewCache(store domain.MappingStore, bus domain.SignalBus, hooks Hooks, logger *slog.Logger) *Cache {
	return &Cache{
		store:   store,
		bus:     bus,
		hooks:   hooks,
		logger:  logger.With(slog.String("component", "mapping_cache")),
		entries: make(map[string]entry),
	}
}

// Resolve returns the mapping for tokenID. ok is false for unknown tokens and
// for tokens whose market is inactive; callers ignore such ticks. A store
// error is returned as is and not cached.
func (c *Cache) Resolve(ctx context.Context, tokenID string) (domain.TokenMapping, bool, error) {
	c.mu.RLock()
	e, cached := c.entries[tokenID]
	gen := c.gen
	c.mu.RUnlock()
	if cached {
		c.hits.Add(1)
		return visible(e)
	}
	c.misses.Add(1)

	m, err := c.store.GetByToken(ctx, tokenID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		e = entry{}
	case err != nil:
		return domain.TokenMapping{}, false, fmt.Errorf("mapping: resolve %s: %w", tokenID, err)
	default:
		e = entry{mapping: m, found: true}
	}

	c.mu.Lock()
	if c.gen == gen {
		c.entries[tokenID] = e
	}
	c.mu.Unlock()
	return visible(e)
}

func visible(e entry) (domain.TokenMapping, bool, error) {
	if !e.found || !e.mapping.Active {
		return domain.TokenMapping{}, false, nil
	}
	return e.mapping, true, nil
}

// Invalidate drops every cached entry.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.gen++
	c.mu.Unlock()
}

// Reload replaces the cache with the authoritative active set and passes the
// token ids to the Tokens hook.
func (c *Cache) Reload(ctx context.Context) ([]string, error) {
	active, err := c.store.ListActiveTokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("mapping: reload: %w", err)
	}

	fresh := make(map[string]entry, len(active))
	tokens := make([]string, 0, len(active))
	for _, m := range active {
		fresh[m.TokenID] = entry{mapping: m, found: true}
		tokens = append(tokens, m.TokenID)
	}

	c.mu.Lock()
	c.entries = fresh
	c.gen++
	c.mu.Unlock()

	if c.hooks.Tokens != nil {
		c.hooks.Tokens(tokens)
	}
	c.logger.Debug("mappings reloaded", slog.Int("tokens", len(tokens)))
	return tokens, nil
}

// Watch consumes mapping-changed signals until ctx is cancelled. Each signal
// clears the cache, reloads the active set and fires the Changed hook.
func (c *Cache) Watch(ctx context.Context) error {
	if c.bus == nil {
		return errors.New("mapping: watch needs a signal bus")
	}
	ch, err := c.bus.Subscribe(ctx, domain.ChannelMappingsChanged)
	if err != nil {
		return fmt.Errorf("mapping: subscribe %s: %w", domain.ChannelMappingsChanged, err)
	}
	c.logger.Info("watching mapping changes", slog.String("channel", domain.ChannelMappingsChanged))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-ch:
			if !ok {
				return ctx.Err()
			}
			var ev domain.MappingChanged
			if err := json.Unmarshal(payload, &ev); err != nil {
				// Still a valid "something changed" signal.
				c.logger.Warn("unparseable mapping signal", slog.String("error", err.Error()))
			}
			c.Invalidate()
			if _, err := c.Reload(ctx); err != nil {
				c.logger.Error("reload after mapping signal failed", slog.String("error", err.Error()))
			}
			if c.hooks.Changed != nil {
				c.hooks.Changed(ctx, ev)
			}
		}
	}
}

// RunRefresh reloads immediately and then every interval until ctx is
// cancelled. Reload failures are logged and retried on the next tick.
func (c *Cache) RunRefresh(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = 5 * time.Minute
	}
	if _, err := c.Reload(ctx); err != nil {
		c.logger.Error("initial mapping load failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.Reload(ctx); err != nil {
				c.logger.Error("periodic mapping refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Stats are the cache counters.
type Stats struct {
	Entries int    `json:"entries"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	n := len(c.entries)
	c.mu.RUnlock()
	return Stats{Entries: n, Hits: c.hits.Load(), Misses: c.misses.Load()}
}
