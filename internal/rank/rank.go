// Package rank scores deduplicated candidates and selects the top N.
package rank

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/pep299/daily-digest/internal/fingerprint"
	"github.com/pep299/daily-digest/internal/model"
)

// Weights are the coefficients of the scoring formula.
type Weights struct {
	Recency float64 `yaml:"recency" json:"recency"`
	Source  float64 `yaml:"source" json:"source"`
	Keyword float64 `yaml:"keyword" json:"keyword"`
}

// Config configures a Ranker.
type Config struct {
	Weights             Weights
	SourceWeights       map[string]float64
	DefaultSourceWeight float64
	Keywords            []string
	HalfLife            time.Duration
	TopN                int
}

// DefaultTopN is the digest size when none is configured.
const DefaultTopN = 5

// Ranker is a pure function of its configuration and inputs.
type Ranker struct {
	cfg      Config
	keywords []string
}

// New creates a Ranker.
func New(cfg Config) *Ranker {
	if cfg.TopN <= 0 {
		cfg.TopN = DefaultTopN
	}
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = 24 * time.Hour
	}
	keywords := make([]string, 0, len(cfg.Keywords))
	for _, k := range cfg.Keywords {
		if k = fingerprint.NormalizeText(k); k != "" {
			keywords = append(keywords, k)
		}
	}
	return &Ranker{cfg: cfg, keywords: keywords}
}

// TopN returns the configured selection size.
func (r *Ranker) TopN() int { return r.cfg.TopN }

// Score computes w_recency*recency + w_source*source_weight + w_keyword*keyword_match.
// ref is the instant recency is measured from.
func (r *Ranker) Score(item model.Item, ref time.Time) float64 {
	w := r.cfg.Weights
	return w.Recency*r.recency(item, ref) + w.Source*r.sourceWeight(item.SourceID) + w.Keyword*r.keywordMatch(item)
}

// recency halves every HalfLife; undated items score zero.
func (r *Ranker) recency(item model.Item, ref time.Time) float64 {
	if item.PublishedAt.IsZero() {
		return 0
	}
	age := ref.Sub(item.PublishedAt)
	if age < 0 {
		age = 0
	}
	return math.Exp2(-age.Hours() / r.cfg.HalfLife.Hours())
}

func (r *Ranker) sourceWeight(sourceID string) float64 {
	if w, ok := r.cfg.SourceWeights[sourceID]; ok {
		return w
	}
	return r.cfg.DefaultSourceWeight
}

// keywordMatch is the fraction of keywords found in title and excerpt.
func (r *Ranker) keywordMatch(item model.Item) float64 {
	if len(r.keywords) == 0 {
		return 0
	}
	text := fingerprint.NormalizeText(item.Title + " " + item.RawExcerpt)
	hits := 0
	for _, k := range r.keywords {
		if strings.Contains(text, k) {
			hits++
		}
	}
	return float64(hits) / float64(len(r.keywords))
}

// Rank scores every item and orders by score descending, then fingerprint ascending.
func (r *Ranker) Rank(items []model.Item, ref time.Time) []model.RankedItem {
	ranked := make([]model.RankedItem, 0, len(items))
	for _, item := range items {
		ranked = append(ranked, model.RankedItem{Item: item, Score: r.Score(item, ref)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Item.Fingerprint < ranked[j].Item.Fingerprint
	})
	return ranked
}

// Select returns the top N of Rank.
func (r *Ranker) Select(items []model.Item, ref time.Time) []model.RankedItem {
	ranked := r.Rank(items, ref)
	if len(ranked) > r.cfg.TopN {
		ranked = ranked[:r.cfg.TopN]
	}
	return ranked
}
