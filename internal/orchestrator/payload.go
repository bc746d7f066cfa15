package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pep299/daily-digest/internal/model"
)

// Payload is the checkpoint payload. Each stage consumes the fields the
// previous one filled in and clears them, so a checkpoint only carries what
// the next stage needs plus the bookkeeping that survives to the end.
type Payload struct {
	Since      time.Time                      `json:"since"`
	Candidates []model.Item                   `json:"candidates,omitempty"`
	Fresh      []model.Item                   `json:"fresh,omitempty"`
	Ranked     []model.RankedItem             `json:"ranked,omitempty"`
	Summaries  map[string]model.SummaryResult `json:"summaries,omitempty"`
	Digest     *model.Digest                  `json:"digest,omitempty"`

	// Committed lists fingerprints this run marked seen.
	Committed []string       `json:"committed,omitempty"`
	Stats     model.RunStats `json:"stats"`
}

func decodePayload(raw json.RawMessage) (Payload, error) {
	var p Payload
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("decoding checkpoint payload: %w", err)
	}
	return p, nil
}

func (p Payload) encode() (json.RawMessage, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding checkpoint payload: %w", err)
	}
	return b, nil
}
