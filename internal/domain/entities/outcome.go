package entities

import (
	"encoding/json"
	"fmt"
)

// Outcome is the terminal status of an assistant message.
// It is a closed sum type: Completed, Cancelled or Errored. A nil Outcome means none.
type Outcome interface {
	Status() string
	isOutcome()
}

// Completed is a clean end of stream.
type Completed struct {
	Usage UsageStats
}

// Cancelled is a caller abort; the message holds whatever arrived before it.
type Cancelled struct{}

// Errored is an upstream failure; Detail is the user-facing text, never the raw error.
type Errored struct {
	Detail string
}

func (Completed) Status() string { return "completed" }
func (Cancelled) Status() string { return "cancelled" }
func (Errored) Status() string   { return "error" }

func (Completed) isOutcome() {}
func (Cancelled) isOutcome() {}
func (Errored) isOutcome()   {}

type outcomeJSON struct {
	Status string      `json:"status"`
	Usage  *UsageStats `json:"usage,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// MarshalOutcome encodes an outcome for the metadata column. nil encodes to nil.
func MarshalOutcome(o Outcome) ([]byte, error) {
	if o == nil {
		return nil, nil
	}
	out := outcomeJSON{Status: o.Status()}
	switch v := o.(type) {
	case Completed:
		usage := v.Usage
		out.Usage = &usage
	case Errored:
		out.Error = v.Detail
	}
	return json.Marshal(out)
}

// UnmarshalOutcome decodes the metadata column. Empty input decodes to nil.
func UnmarshalOutcome(data []byte) (Outcome, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var in outcomeJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decoding outcome: %w", err)
	}
	switch in.Status {
	case "completed":
		c := Completed{}
		if in.Usage != nil {
			c.Usage = *in.Usage
		}
		return c, nil
	case "cancelled":
		return Cancelled{}, nil
	case "error":
		return Errored{Detail: in.Error}, nil
	case "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown outcome status %q", in.Status)
	}
}
