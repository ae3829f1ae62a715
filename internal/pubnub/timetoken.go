package pubnub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/matheus3301/posync/internal/pubsub"
)

// Timetoken decodes the 17-digit timetokens the API sends either as JSON
// strings or as bare numbers. Decoding through float64 would lose digits.
type Timetoken string

func (t *Timetoken) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Timetoken(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("timetoken %s: %w", b, err)
	}
	*t = Timetoken(n.String())
	return nil
}

// cursor is the subscribe position.
type cursor struct {
	Timetoken Timetoken `json:"t"`
	Region    int       `json:"r"`
}

func sortActions(actions []pubsub.Action) {
	sort.Slice(actions, func(i, j int) bool {
		a, b := actions[i], actions[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.Value != b.Value {
			return a.Value < b.Value
		}
		return a.ActionTimetoken < b.ActionTimetoken
	})
}
