// Package wire encodes cache-server requests and decodes the frames the
// server sends back.
//
// Every frame is a JSON array whose first element is a type tag. Requests are
// relay-style REQ frames wrapping a cache verb:
//
//	["REQ", "<correlation id>", {"cache": ["user_search", {"query": "alex"}]}]
//	["CLOSE", "<correlation id>"]
//
// Incoming frames:
//
//	["EVENT", "<correlation id>", {...event...}]
//	["EOSE", "<correlation id>"]
//	["NOTICE", "<correlation id>", "message"]  (correlation id optional)
//	["OK", "<id>", true|false, "message"]
//	["CLOSED", "<correlation id>", "message"]
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"nostr-cachesync/internal/syncerr"
)

// FrameType is the closed set of frames the decoder produces.
type FrameType int

const (
	FrameNotice FrameType = iota
	FrameEvent
	FrameEOSE
	FrameOK
	FrameClosed
)

func (t FrameType) String() string {
	switch t {
	case FrameEvent:
		return "EVENT"
	case FrameEOSE:
		return "EOSE"
	case FrameNotice:
		return "NOTICE"
	case FrameOK:
		return "OK"
	case FrameClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("FrameType(%d)", int(t))
	}
}

// Frame is one decoded server message. Which fields are set depends on Type:
//
//	FrameEvent:  CorrelationID, Kind, Payload
//	FrameEOSE:   CorrelationID
//	FrameNotice: Message, CorrelationID when the server names one
//	FrameOK:     CorrelationID, Accepted, Message
//	FrameClosed: CorrelationID, Message
type Frame struct {
	Type          FrameType
	CorrelationID string
	Kind          int
	Payload       json.RawMessage
	Accepted      bool
	Message       string
}

// Request is one outgoing verb invocation.
type Request struct {
	CorrelationID string
	Verb          string
	Options       json.RawMessage
}

// Encode serializes the request as a REQ frame.
func (r Request) Encode() ([]byte, error) {
	return EncodeRequest(r.CorrelationID, r.Verb, r.Options)
}

// EncodeRequest builds the REQ frame for a cache verb. Empty options are omitted.
func EncodeRequest(correlationID, verb string, options json.RawMessage) ([]byte, error) {
	if correlationID == "" {
		return nil, errors.New("correlation id is required")
	}
	if verb == "" {
		return nil, errors.New("verb is required")
	}

	cache := []interface{}{verb}
	if len(bytes.TrimSpace(options)) > 0 {
		if !json.Valid(options) {
			return nil, fmt.Errorf("options for %s are not valid JSON", verb)
		}
		cache = append(cache, options)
	}

	req := []interface{}{"REQ", correlationID, map[string]interface{}{"cache": cache}}
	return json.Marshal(req)
}

// EncodeClose builds the CLOSE frame cancelling a request or subscription.
func EncodeClose(correlationID string) []byte {
	data, _ := json.Marshal([]string{"CLOSE", correlationID})
	return data
}

// DecodeFrame parses one server frame. Malformed or unknown frames come back
// as a FrameNotice diagnostic together with a *syncerr.DecodeError so that
// one bad frame never aborts the surrounding batch.
func DecodeFrame(data []byte) (Frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return diagnostic(data, err)
	}
	if len(parts) < 2 {
		return diagnostic(data, errors.New("frame too short"))
	}

	var tag string
	if err := json.Unmarshal(parts[0], &tag); err != nil {
		return diagnostic(data, errors.New("type tag is not a string"))
	}

	switch tag {
	case "EVENT":
		if len(parts) < 3 {
			return diagnostic(data, errors.New("EVENT frame without payload"))
		}
		id, err := decodeString(parts[1])
		if err != nil {
			return diagnostic(data, err)
		}
		var head struct {
			Kind *int `json:"kind"`
		}
		if err := json.Unmarshal(parts[2], &head); err != nil {
			return diagnostic(data, fmt.Errorf("EVENT payload: %w", err))
		}
		if head.Kind == nil {
			return diagnostic(data, errors.New("EVENT payload without kind"))
		}
		return Frame{Type: FrameEvent, CorrelationID: id, Kind: *head.Kind, Payload: parts[2]}, nil

	case "EOSE":
		id, err := decodeString(parts[1])
		if err != nil {
			return diagnostic(data, err)
		}
		return Frame{Type: FrameEOSE, CorrelationID: id}, nil

	case "NOTICE":
		if len(parts) >= 3 {
			id, _ := decodeString(parts[1])
			msg, _ := decodeString(parts[2])
			return Frame{Type: FrameNotice, CorrelationID: id, Message: msg}, nil
		}
		msg, _ := decodeString(parts[1])
		return Frame{Type: FrameNotice, Message: msg}, nil

	case "OK":
		if len(parts) < 3 {
			return diagnostic(data, errors.New("OK frame without status"))
		}
		id, err := decodeString(parts[1])
		if err != nil {
			return diagnostic(data, err)
		}
		var accepted bool
		if err := json.Unmarshal(parts[2], &accepted); err != nil {
			return diagnostic(data, fmt.Errorf("OK status: %w", err))
		}
		f := Frame{Type: FrameOK, CorrelationID: id, Accepted: accepted}
		if len(parts) >= 4 {
			f.Message, _ = decodeString(parts[3])
		}
		return f, nil

	case "CLOSED":
		id, err := decodeString(parts[1])
		if err != nil {
			return diagnostic(data, err)
		}
		f := Frame{Type: FrameClosed, CorrelationID: id}
		if len(parts) >= 3 {
			f.Message, _ = decodeString(parts[2])
		}
		return f, nil
	}

	return diagnostic(data, fmt.Errorf("unknown frame type %q", tag))
}

func decodeString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", errors.New("expected string field")
	}
	return s, nil
}

func diagnostic(data []byte, err error) (Frame, error) {
	excerpt := string(data)
	if len(excerpt) > 120 {
		excerpt = excerpt[:120] + "..."
	}
	return Frame{Type: FrameNotice, Message: "undecodable frame: " + err.Error()},
		&syncerr.DecodeError{Frame: excerpt, Err: err}
}
