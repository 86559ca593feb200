package crdt

import (
	"encoding/json"
	"fmt"
)

// OpKind distinguishes the two replicated operation types.
type OpKind string

const (
	// OpInsert adds one character at a position.
	OpInsert OpKind = "ins"
	// OpDelete tombstones a previously inserted character.
	OpDelete OpKind = "del"
)

// ItemID is the globally unique identifier of an operation, combining the
// originating replica with its logical clock.
type ItemID struct {
	Client string `json:"c"`
	Clock  uint64 `json:"k"`
}

type posComponent struct {
	Digit  uint32 `json:"d"`
	Client string `json:"c,omitempty"`
}

// Position is a dense, totally ordered path identifying where a character
// lives in the sequence.
type Position []posComponent

// Op is a single replicated operation.
type Op struct {
	Kind   OpKind   `json:"t"`
	ID     ItemID   `json:"id"`
	Pos    Position `json:"pos,omitempty"`
	Value  string   `json:"v,omitempty"`
	Target ItemID   `json:"tgt,omitzero"`
}

// Update is the wire payload exchanged between replicas.
type Update struct {
	Ops []Op `json:"ops"`
}

// MergeUpdates concatenates several update payloads into one, preserving the
// order of the parts.
func MergeUpdates(payloads ...[]byte) ([]byte, error) {
	var merged Update
	for _, payload := range payloads {
		if len(payload) == 0 {
			continue
		}
		update, err := decodeUpdate(payload)
		if err != nil {
			return nil, err
		}
		merged.Ops = append(merged.Ops, update.Ops...)
	}
	return encodeUpdate(merged), nil
}

func encodeUpdate(update Update) []byte {
	payload, err := json.Marshal(update)
	if err != nil {
		// Update contains only marshalable fields.
		panic(err)
	}
	return payload
}

func decodeUpdate(payload []byte) (Update, error) {
	var update Update
	if err := json.Unmarshal(payload, &update); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	for _, op := range update.Ops {
		if op.Kind != OpInsert && op.Kind != OpDelete {
			return Update{}, fmt.Errorf("%w: unknown op kind %q", ErrInvalidUpdate, op.Kind)
		}
		if op.ID.Client == "" || op.ID.Clock == 0 {
			return Update{}, fmt.Errorf("%w: missing op id", ErrInvalidUpdate)
		}
	}
	return update, nil
}

func encodeStateVector(seen map[string]uint64) []byte {
	if seen == nil {
		seen = map[string]uint64{}
	}
	payload, err := json.Marshal(seen)
	if err != nil {
		panic(err)
	}
	return payload
}

func decodeStateVector(payload []byte) (map[string]uint64, error) {
	if len(payload) == 0 {
		return map[string]uint64{}, nil
	}
	var seen map[string]uint64
	if err := json.Unmarshal(payload, &seen); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStateVector, err)
	}
	if seen == nil {
		seen = map[string]uint64{}
	}
	return seen, nil
}
