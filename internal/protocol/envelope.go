// Package protocol implements the wire codec for the hub's payload
// envelope: the five opcodes, the tagged info-record variants, and the
// hub's own internal presence frame.
package protocol

import (
	"encoding/json"
	"fmt"
)

// UID identifies a client for the lifetime of the hub. Assigned by the hub
// server at handshake time, monotonically increasing, never reused.
type UID = uint64

// CallbackKey correlates a Command with its responses. Unique per client,
// monotonically increasing.
type CallbackKey = int64

// Opcode tags the shape of an envelope's data block.
type Opcode int

const (
	OpCommand           Opcode = 0
	OpEvent             Opcode = 1
	OpResponseOk        Opcode = 2
	OpResponseTraceback Opcode = 3
	OpResponseNotFound  Opcode = 4
)

func (op Opcode) String() string {
	switch op {
	case OpCommand:
		return "command"
	case OpEvent:
		return "event"
	case OpResponseOk:
		return "response_ok"
	case OpResponseTraceback:
		return "response_traceback"
	case OpResponseNotFound:
		return "response_not_found"
	default:
		return fmt.Sprintf("opcode(%d)", int(op))
	}
}

// ErrUnknownOpcode is returned by DecodeFrame for an opcode outside the
// five defined values. Callers log and drop the frame, per §7.
type ErrUnknownOpcode struct {
	Opcode Opcode
}

func (e *ErrUnknownOpcode) Error() string {
	return fmt.Sprintf("protocol: unknown opcode %d", int(e.Opcode))
}

// Envelope is the wire shape shared by every opcoded payload.
type Envelope struct {
	Opcode     Opcode          `json:"opcode"`
	Author     UID             `json:"author"`
	Recipients []UID           `json:"recipients"`
	Data       json.RawMessage `json:"data"`
}

// CommandData is the `data` block of a Command envelope.
type CommandData struct {
	Name     string          `json:"name"`
	Callback CallbackKey     `json:"callback"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// EventData is the `data` block of an Event envelope.
type EventData struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ResponseOkData is the `data` block of a successful command response.
type ResponseOkData struct {
	Callback CallbackKey     `json:"callback"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// ResponseTracebackData is the `data` block of a handler-error response.
type ResponseTracebackData struct {
	Callback  CallbackKey `json:"callback"`
	Traceback string      `json:"traceback"`
}

// ResponseNotFoundData is the `data` block sent when no handler is
// registered for a command name.
type ResponseNotFoundData struct {
	Callback CallbackKey `json:"callback"`
}

// Frame is a decoded envelope with its data block unpacked into the
// variant matching its opcode. Exactly one of the typed fields is set.
type Frame struct {
	Envelope
	Command           *CommandData
	Event             *EventData
	ResponseOk        *ResponseOkData
	ResponseTraceback *ResponseTracebackData
	ResponseNotFound  *ResponseNotFoundData
}

// PresenceFrame is the hub's own non-opcoded internal message. It must
// never be handed to the command/event dispatcher.
type PresenceFrame struct {
	Internal   bool  `json:"internal"`
	ClientUIDs []UID `json:"client_uids"`
}

// IsPresenceFrame reports whether raw looks like a PresenceFrame rather
// than an opcoded Envelope, without fully decoding either.
func IsPresenceFrame(raw []byte) bool {
	var probe struct {
		Internal bool `json:"internal"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Internal
}

// DecodeFrame parses raw bytes as an Envelope and unpacks its data block
// according to the opcode. Returns *ErrUnknownOpcode for an opcode
// outside the five defined values.
func DecodeFrame(raw []byte) (*Frame, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}

	f := &Frame{Envelope: env}
	switch env.Opcode {
	case OpCommand:
		var d CommandData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("protocol: decode command data: %w", err)
		}
		f.Command = &d
	case OpEvent:
		var d EventData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("protocol: decode event data: %w", err)
		}
		f.Event = &d
	case OpResponseOk:
		var d ResponseOkData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("protocol: decode response_ok data: %w", err)
		}
		f.ResponseOk = &d
	case OpResponseTraceback:
		var d ResponseTracebackData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("protocol: decode response_traceback data: %w", err)
		}
		f.ResponseTraceback = &d
	case OpResponseNotFound:
		var d ResponseNotFoundData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("protocol: decode response_not_found data: %w", err)
		}
		f.ResponseNotFound = &d
	default:
		return nil, &ErrUnknownOpcode{Opcode: env.Opcode}
	}
	return f, nil
}

// EncodeCommand builds the wire bytes for a Command envelope.
func EncodeCommand(author UID, recipients []UID, name string, cb CallbackKey, data any) ([]byte, error) {
	raw, err := marshalOrNull(data)
	if err != nil {
		return nil, err
	}
	return encodeEnvelope(OpCommand, author, recipients, CommandData{Name: name, Callback: cb, Data: raw})
}

// EncodeEvent builds the wire bytes for an Event envelope.
func EncodeEvent(author UID, recipients []UID, name string, data any) ([]byte, error) {
	raw, err := marshalOrNull(data)
	if err != nil {
		return nil, err
	}
	return encodeEnvelope(OpEvent, author, recipients, EventData{Name: name, Data: raw})
}

// EncodeResponseOk builds the wire bytes for a successful command response.
func EncodeResponseOk(author UID, recipient UID, cb CallbackKey, data any) ([]byte, error) {
	raw, err := marshalOrNull(data)
	if err != nil {
		return nil, err
	}
	return encodeEnvelope(OpResponseOk, author, []UID{recipient}, ResponseOkData{Callback: cb, Data: raw})
}

// EncodeResponseTraceback builds the wire bytes for a handler-error response.
func EncodeResponseTraceback(author UID, recipient UID, cb CallbackKey, traceback string) ([]byte, error) {
	return encodeEnvelope(OpResponseTraceback, author, []UID{recipient}, ResponseTracebackData{Callback: cb, Traceback: traceback})
}

// EncodeResponseNotFound builds the wire bytes for a missing-handler response.
func EncodeResponseNotFound(author UID, recipient UID, cb CallbackKey) ([]byte, error) {
	return encodeEnvelope(OpResponseNotFound, author, []UID{recipient}, ResponseNotFoundData{Callback: cb})
}

// EncodePresence builds the wire bytes for the hub's internal presence frame.
func EncodePresence(clientUIDs []UID) ([]byte, error) {
	return json.Marshal(PresenceFrame{Internal: true, ClientUIDs: clientUIDs})
}

func encodeEnvelope(op Opcode, author UID, recipients []UID, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s data: %w", op, err)
	}
	if recipients == nil {
		recipients = []UID{}
	}
	return json.Marshal(Envelope{Opcode: op, Author: author, Recipients: recipients, Data: raw})
}

func marshalOrNull(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("null"), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode data: %w", err)
	}
	return raw, nil
}
