package model

import "time"

// Item is a single candidate fetched from a source: a paper, a video or an article.
type Item struct {
	SourceID    string    `json:"source_id"`
	ExternalID  string    `json:"external_id,omitempty"`
	Title       string    `json:"title"`
	URL         string    `json:"url,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	RawExcerpt  string    `json:"raw_excerpt,omitempty"`

	// Fingerprint is assigned during ingestion and is the only identity key.
	Fingerprint string `json:"fingerprint"`
}

// SeenRecord marks a fingerprint as delivered on FirstSeenDate.
type SeenRecord struct {
	Fingerprint     string    `json:"fingerprint"`
	FirstSeenDate   time.Time `json:"first_seen_date"`
	RetentionExpiry time.Time `json:"retention_expiry"`
}

// Live reports whether the record still suppresses its fingerprint at asOf.
func (r SeenRecord) Live(asOf time.Time) bool {
	return asOf.Before(r.RetentionExpiry)
}

// RankedItem pairs an item with its ranking score.
type RankedItem struct {
	Item  Item    `json:"item"`
	Score float64 `json:"score"`
}

// SummaryStatus describes how a summary was produced.
type SummaryStatus string

const (
	SummaryOK       SummaryStatus = "ok"
	SummaryFallback SummaryStatus = "fallback"
	SummaryFailed   SummaryStatus = "failed"
)

// SummaryResult is the summarization outcome for one fingerprint.
type SummaryResult struct {
	Fingerprint string        `json:"fingerprint"`
	SummaryText string        `json:"summary_text"`
	Status      SummaryStatus `json:"status"`
	Attempts    int           `json:"attempts"`
	Error       string        `json:"error,omitempty"`
}

// Usable reports whether the result may be placed in a digest.
func (r SummaryResult) Usable() bool {
	return r.Status == SummaryOK || r.Status == SummaryFallback
}

// Day truncates t to the civil date it falls on, expressed as midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DateKey formats a run date as YYYY-MM-DD.
func DateKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// ParseDate parses a YYYY-MM-DD run date.
func ParseDate(s string) (time.Time, error) {
	return time.Parse("2006-01-02", s)
}
