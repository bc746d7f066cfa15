// Package source fetches candidate items from configured providers and fans
// the fetches out under a parallelism bound.
package source

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pep299/daily-digest/internal/model"
)

// Adapter fetches the items a single source published since a watermark.
type Adapter interface {
	ID() string
	Fetch(ctx context.Context, since time.Time) ([]model.Item, error)
}

// ItemErrors is returned alongside items when some entries could not be
// parsed. The items that did parse are still valid.
type ItemErrors []*model.ParseError

func (e ItemErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, pe := range e {
		msgs = append(msgs, pe.Error())
	}
	return strings.Join(msgs, "; ")
}

// Config describes one configured source.
type Config struct {
	ID                string   `yaml:"id" json:"id"`
	Kind              string   `yaml:"kind" json:"kind"`
	URL               string   `yaml:"url" json:"url"`
	Query             string   `yaml:"query,omitempty" json:"query,omitempty"`
	MaxResults        int      `yaml:"max_results,omitempty" json:"max_results,omitempty"`
	Weight            float64  `yaml:"weight,omitempty" json:"weight,omitempty"`
	ExcludeCategories []string `yaml:"exclude_categories,omitempty" json:"exclude_categories,omitempty"`
	MinTitleLength    int      `yaml:"min_title_length,omitempty" json:"min_title_length,omitempty"`
}

// Options are shared by every adapter a Registry builds.
type Options struct {
	HTTPClient *http.Client
	UserAgent  string
	// ContactEmail is appended to the User-Agent for APIs that ask for it.
	ContactEmail string
}

// Factory builds an adapter for one source config.
type Factory func(cfg Config, opts Options) (Adapter, error)

// Registry maps source kinds to factories.
type Registry struct {
	factories map[string]Factory
	opts      Options
}

// NewRegistry returns a registry with the built-in kinds registered.
func NewRegistry(opts Options) *Registry {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "daily-digest/1.0"
	}
	r := &Registry{
		factories: make(map[string]Factory),
		opts:      opts,
	}
	r.Register(KindFeed, NewFeedAdapter)
	r.Register(KindArxiv, NewArxivAdapter)
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(kind string, factory Factory) {
	r.factories[kind] = factory
}

// Build creates one adapter per config. Source IDs must be unique.
func (r *Registry) Build(cfgs []Config) ([]Adapter, error) {
	seen := make(map[string]bool, len(cfgs))
	adapters := make([]Adapter, 0, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.ID == "" {
			return nil, fmt.Errorf("source with url %q has no id", cfg.URL)
		}
		if seen[cfg.ID] {
			return nil, fmt.Errorf("duplicate source id %q", cfg.ID)
		}
		seen[cfg.ID] = true

		factory, ok := r.factories[cfg.Kind]
		if !ok {
			return nil, fmt.Errorf("source %s: unknown kind %q", cfg.ID, cfg.Kind)
		}
		adapter, err := factory(cfg, r.opts)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", cfg.ID, err)
		}
		adapters = append(adapters, adapter)
	}
	return adapters, nil
}

// Weights returns the configured weight per source id.
func Weights(cfgs []Config) map[string]float64 {
	weights := make(map[string]float64, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.Weight != 0 {
			weights[cfg.ID] = cfg.Weight
		}
	}
	return weights
}

func get(ctx context.Context, client *http.Client, url, userAgent, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", accept)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return resp, nil
}
