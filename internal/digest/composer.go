// Package digest composes the daily digest and renders it for delivery channels.
package digest

import (
	"fmt"
	"time"

	"github.com/pep299/daily-digest/internal/model"
)

// DefaultMaxItems is the top-N bound on a digest.
const DefaultMaxItems = 5

// Composer joins ranked items with their summaries.
type Composer struct {
	maxItems int
}

// NewComposer returns a composer that rejects digests longer than maxItems.
func NewComposer(maxItems int) *Composer {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	return &Composer{maxItems: maxItems}
}

// Compose builds the draft digest for runDate. Entry order is the ranked
// order. Every ranked item must have a usable summary; anything else is
// an *model.InvariantError.
func (c *Composer) Compose(runDate time.Time, ranked []model.RankedItem, summaries map[string]model.SummaryResult) (model.Digest, error) {
	if len(ranked) > c.maxItems {
		return model.Digest{}, &model.InvariantError{
			Message: fmt.Sprintf("%d ranked items exceed digest size %d", len(ranked), c.maxItems),
		}
	}

	d := model.Digest{
		RunDate: model.Day(runDate),
		Items:   make([]model.DigestEntry, 0, len(ranked)),
		Status:  model.DigestDraft,
	}
	seen := make(map[string]bool, len(ranked))
	for _, r := range ranked {
		fp := r.Item.Fingerprint
		if fp == "" {
			return model.Digest{}, &model.InvariantError{Message: fmt.Sprintf("item %q has no fingerprint", r.Item.Title)}
		}
		if seen[fp] {
			return model.Digest{}, &model.InvariantError{Message: "duplicate fingerprint " + fp}
		}
		seen[fp] = true

		s, ok := summaries[fp]
		if !ok {
			return model.Digest{}, &model.InvariantError{Message: "no summary for " + fp}
		}
		if !s.Usable() {
			return model.Digest{}, &model.InvariantError{Message: fmt.Sprintf("summary for %s has status %s", fp, s.Status)}
		}
		if s.Fingerprint != "" && s.Fingerprint != fp {
			return model.Digest{}, &model.InvariantError{Message: fmt.Sprintf("summary keyed %s belongs to %s", fp, s.Fingerprint)}
		}
		d.Items = append(d.Items, model.DigestEntry{Item: r.Item, Summary: s, Score: r.Score})
	}
	return d, nil
}
