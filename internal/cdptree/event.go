package cdptree

import (
	"encoding/json"
	"fmt"
	"time"
)

// bindingName is the Runtime binding the page script reports through.
const bindingName = "__fixlink_binding"

// event is one message from the page script.
type event struct {
	Type    string   `json:"type"` // mutation | activation
	Added   []uint64 `json:"added"`
	Removed []uint64 `json:"removed"`
	Target  uint64   `json:"target"`
	At      int64    `json:"at"` // unix ms
}

func decodeEvent(payload string) (event, error) {
	var e event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return event{}, fmt.Errorf("cdptree: decode binding payload: %w", err)
	}
	switch e.Type {
	case "mutation":
	case "activation":
		if e.Target == 0 {
			return event{}, fmt.Errorf("cdptree: activation without target")
		}
	default:
		return event{}, fmt.Errorf("cdptree: unknown event type %q", e.Type)
	}
	return e, nil
}

func (e event) time() time.Time {
	if e.At <= 0 {
		return time.Now()
	}
	return time.UnixMilli(e.At)
}

// queryResult is the shape returned by selector evaluations.
type queryResult struct {
	IDs      []uint64 `json:"ids"`
	OK       bool     `json:"ok"`
	Error    string   `json:"error"`
	Detached bool     `json:"detached"`
}
