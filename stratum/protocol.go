// Package stratum implements a stateless recognizer for the Stratum v1
// messages the tunnel cares about. The proxy never answers or rewrites
// anything; it only classifies lines it has already relayed.
package stratum

import (
	"bytes"
	"encoding/json"
)

// Stratum method names observed on the wire
const (
	MethodAuthorize     = "mining.authorize"
	MethodSubmit        = "mining.submit"
	MethodNotify        = "mining.notify"
	MethodSetDifficulty = "mining.set_difficulty"
)

// EventKind identifies what a relayed line meant, if anything.
type EventKind int

const (
	// Ignore covers everything the tunnel does not track, malformed JSON included.
	Ignore EventKind = iota
	ClientAuthorize
	ClientSubmit
	PoolNotify
	PoolSetDifficulty
	PoolReply
)

// Event is the classification result for a single relayed line.
type Event struct {
	Kind EventKind

	// ClientAuthorize
	Username string

	// ClientSubmit, PoolNotify
	JobID string

	// PoolSetDifficulty
	Difficulty float64

	// PoolReply
	OK        bool
	HasResult bool
	HasError  bool
}

// message is the superset wire shape. RawMessage fields let us tell
// "absent" from "null" and skip params the tunnel does not read.
type message struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	Result json.RawMessage   `json:"result"`
	Error  json.RawMessage   `json:"error"`
}

var nullLiteral = []byte("null")

// Classify inspects one newline-delimited JSON-RPC line. It never fails:
// anything it cannot make sense of comes back as Ignore and the caller
// relays the line regardless.
func Classify(line []byte) Event {
	var msg message
	if err := json.Unmarshal(line, &msg); err != nil {
		return Event{Kind: Ignore}
	}

	switch msg.Method {
	case MethodAuthorize:
		if username, ok := paramString(msg.Params, 0); ok {
			return Event{Kind: ClientAuthorize, Username: username}
		}
		return Event{Kind: Ignore}

	case MethodSubmit:
		// The job id sits in params[1]; a submit without one still counts
		// as a submission for timing purposes.
		jobID, _ := paramString(msg.Params, 1)
		return Event{Kind: ClientSubmit, JobID: jobID}

	case MethodNotify:
		if jobID, ok := paramString(msg.Params, 0); ok {
			return Event{Kind: PoolNotify, JobID: jobID}
		}
		return Event{Kind: Ignore}

	case MethodSetDifficulty:
		if diff, ok := paramFloat(msg.Params, 0); ok {
			return Event{Kind: PoolSetDifficulty, Difficulty: diff}
		}
		return Event{Kind: Ignore}
	}

	// Replies carry an "id" key (possibly null) plus a boolean "result"
	// and/or a non-null "error". Accept/reject is decided by the result
	// boolean alone.
	if msg.ID != nil {
		hasError := len(msg.Error) > 0 && !bytes.Equal(bytes.TrimSpace(msg.Error), nullLiteral)

		var ok bool
		if len(msg.Result) > 0 && json.Unmarshal(msg.Result, &ok) == nil {
			return Event{Kind: PoolReply, OK: ok, HasResult: true, HasError: hasError}
		}
		if hasError {
			return Event{Kind: PoolReply, HasError: true}
		}
	}

	return Event{Kind: Ignore}
}

func paramString(params []json.RawMessage, idx int) (string, bool) {
	if idx >= len(params) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(params[idx], &s); err != nil {
		return "", false
	}
	return s, true
}

func paramFloat(params []json.RawMessage, idx int) (float64, bool) {
	if idx >= len(params) {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(params[idx], &f); err != nil {
		return 0, false
	}
	return f, true
}
