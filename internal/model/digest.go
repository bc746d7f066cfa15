package model

import "time"

// DigestStatus is the delivery state of a digest.
type DigestStatus string

const (
	DigestDraft DigestStatus = "draft"
	DigestSent  DigestStatus = "sent"
)

// DigestEntry is one ranked, summarized item.
type DigestEntry struct {
	Item    Item          `json:"item"`
	Summary SummaryResult `json:"summary"`
	Score   float64       `json:"score"`
}

// Digest is the composed document for one run date.
type Digest struct {
	RunDate time.Time     `json:"run_date"`
	Items   []DigestEntry `json:"items"`
	Status  DigestStatus  `json:"status"`
}

// Fingerprints returns the fingerprints of the digest entries in order.
func (d Digest) Fingerprints() []string {
	fps := make([]string, 0, len(d.Items))
	for _, e := range d.Items {
		fps = append(fps, e.Item.Fingerprint)
	}
	return fps
}

// Without returns a copy of the digest that drops the given fingerprints.
func (d Digest) Without(drop map[string]bool) Digest {
	out := Digest{RunDate: d.RunDate, Status: d.Status}
	for _, e := range d.Items {
		if !drop[e.Item.Fingerprint] {
			out.Items = append(out.Items, e)
		}
	}
	return out
}
