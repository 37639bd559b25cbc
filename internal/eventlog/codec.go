// Package eventlog provides the version-tagged, self-describing encoding
// for persisted swap params and events (spec §6: "Params and payload are
// encoded in a self-describing, length-prefixed binary format;
// version-tagged"), and replay of a swap's event log into a swapfsm.State
// on respawn (spec §4.3 "Respawn").
package eventlog

import (
	"encoding/json"
	"fmt"
)

// wireVersion is bumped whenever the envelope's JSON shape changes
// incompatibly.
const wireVersion = 1

// envelope is the version-tagged wrapper around every encoded payload.
// JSON was chosen as the self-describing encoding the way the teacher's
// config and storage layers use it (gopkg.in/yaml.v3 for config,
// encoding/json for RPC payloads) — a length-prefixed framing is applied
// by the caller (sqlite BLOB column length, or the p2p frame header),
// so the envelope itself only needs to carry the version and kind tags.
type envelope struct {
	Version int             `json:"version"`
	Kind    string          `json:"kind"`
	Data    json.RawMessage `json:"data"`
}

// Encode wraps v in a version-tagged envelope tagged with kind.
func Encode(kind string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	return json.Marshal(envelope{Version: wireVersion, Kind: kind, Data: data})
}

// Decode unwraps an encoded envelope, checking its kind and version, and
// unmarshals its payload into v.
func Decode(raw []byte, wantKind string, v any) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.Kind != wantKind {
		return fmt.Errorf("unexpected payload kind: want %q, got %q", wantKind, env.Kind)
	}
	if env.Version > wireVersion {
		return fmt.Errorf("payload version %d is newer than supported version %d", env.Version, wireVersion)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", wantKind, err)
	}
	return nil
}
