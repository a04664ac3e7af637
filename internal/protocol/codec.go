package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed marks envelopes missing common fields or carrying an
// invalid meta shape for their type.
var ErrMalformed = errors.New("malformed message")

// ErrUnknownType marks envelopes whose type tag is not part of the union.
var ErrUnknownType = errors.New("unknown message type")

// probe checks field presence before any concrete decoding happens.
// Pointers distinguish an absent key from a zero value.
type probe struct {
	Type      *Type           `json:"type"`
	SessionID *string         `json:"sessionId"`
	Timestamp *int64          `json:"timestamp"`
	Encoding  *string         `json:"encoding"`
	Seq       *int64          `json:"seq"`
	Payload   *string         `json:"payload"`
	Meta      json.RawMessage `json:"meta"`
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// Decode parses a raw envelope, validating the common fields and the
// type-specific meta shape. The inverse of Encode.
func Decode(data []byte) (Message, error) {
	var p probe
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch {
	case p.Type == nil:
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	case p.SessionID == nil:
		return nil, fmt.Errorf("%w: missing sessionId", ErrMalformed)
	case p.Timestamp == nil:
		return nil, fmt.Errorf("%w: missing timestamp", ErrMalformed)
	case p.Encoding == nil:
		return nil, fmt.Errorf("%w: missing encoding", ErrMalformed)
	case p.Seq == nil:
		return nil, fmt.Errorf("%w: missing seq", ErrMalformed)
	case p.Payload == nil:
		return nil, fmt.Errorf("%w: missing payload", ErrMalformed)
	case p.Meta == nil:
		return nil, fmt.Errorf("%w: missing meta", ErrMalformed)
	}

	base := Base{
		Type:      *p.Type,
		SessionID: *p.SessionID,
		Timestamp: *p.Timestamp,
		Encoding:  *p.Encoding,
		Seq:       *p.Seq,
		Payload:   *p.Payload,
	}

	// Raw meta for tags that carry none; normalize JSON null to nil so
	// Decode(Encode(m)) reproduces constructed messages exactly.
	raw := p.Meta
	if isNull(raw) {
		raw = nil
	}

	switch base.Type {
	case TypeData:
		return &DataMessage{Base: base, Meta: raw}, nil
	case TypePing:
		return &PingMessage{Base: base, Meta: raw}, nil
	case TypePong:
		return &PongMessage{Base: base, Meta: raw}, nil
	case TypeSessionDestroy:
		return &SessionDestroyMessage{Base: base, Meta: raw}, nil

	case TypeResize:
		var meta ResizeMeta
		if err := decodeMeta(p.Meta, &meta, true); err != nil {
			return nil, err
		}
		return &ResizeMessage{Base: base, Meta: meta}, nil

	case TypeError:
		var meta ErrorMeta
		if err := decodeMeta(p.Meta, &meta, true); err != nil {
			return nil, err
		}
		if meta.Code == "" {
			return nil, fmt.Errorf("%w: error envelope missing code", ErrMalformed)
		}
		return &ErrorMessage{Base: base, Meta: meta}, nil

	case TypeSessionCreate:
		var meta *SessionCreateMeta
		if raw != nil {
			meta = new(SessionCreateMeta)
			if err := decodeMeta(raw, meta, true); err != nil {
				return nil, err
			}
		}
		return &SessionCreateMessage{Base: base, Meta: meta}, nil

	case TypeSessionCreated:
		var meta SessionCreatedMeta
		if err := decodeMeta(p.Meta, &meta, true); err != nil {
			return nil, err
		}
		return &SessionCreatedMessage{Base: base, Meta: meta}, nil

	case TypeSessionDestroyed:
		var meta *SessionDestroyedMeta
		if raw != nil {
			meta = new(SessionDestroyedMeta)
			if err := decodeMeta(raw, meta, true); err != nil {
				return nil, err
			}
		}
		return &SessionDestroyedMessage{Base: base, Meta: meta}, nil

	case TypeTaskRun:
		var meta TaskRunMeta
		if err := decodeMeta(p.Meta, &meta, true); err != nil {
			return nil, err
		}
		if meta.TaskName == "" {
			return nil, fmt.Errorf("%w: task.run missing taskName", ErrMalformed)
		}
		return &TaskRunMessage{Base: base, Meta: meta}, nil

	case TypeTaskControl:
		var meta TaskControlMeta
		if err := decodeMeta(p.Meta, &meta, true); err != nil {
			return nil, err
		}
		switch meta.Action {
		case ActionPause, ActionResume, ActionCancel:
		default:
			return nil, fmt.Errorf("%w: task.control action %q", ErrMalformed, meta.Action)
		}
		return &TaskControlMessage{Base: base, Meta: meta}, nil

	case TypeTaskStatus:
		var meta TaskStatusMeta
		if err := decodeMeta(p.Meta, &meta, true); err != nil {
			return nil, err
		}
		if meta.Status == "" {
			return nil, fmt.Errorf("%w: task.status missing status", ErrMalformed)
		}
		return &TaskStatusMessage{Base: base, Meta: meta}, nil

	case TypeTaskPaused:
		var meta TaskPausedMeta
		if err := decodeMeta(p.Meta, &meta, true); err != nil {
			return nil, err
		}
		return &TaskPausedMessage{Base: base, Meta: meta}, nil

	case TypeTaskProgress:
		var meta TaskProgressMeta
		if err := decodeMeta(p.Meta, &meta, true); err != nil {
			return nil, err
		}
		if meta.ExecutionID == "" {
			return nil, fmt.Errorf("%w: task.progress missing executionId", ErrMalformed)
		}
		return &TaskProgressMessage{Base: base, Meta: meta}, nil

	case TypeTaskItemResult:
		var meta TaskItemResultMeta
		if err := decodeMeta(p.Meta, &meta, true); err != nil {
			return nil, err
		}
		if meta.ExecutionID == "" || meta.ItemID == "" || meta.Status == "" {
			return nil, fmt.Errorf("%w: task.item_result missing identifiers", ErrMalformed)
		}
		return &TaskItemResultMessage{Base: base, Meta: meta}, nil

	case TypeTermScreen:
		var meta TermScreenMeta
		if err := decodeMeta(p.Meta, &meta, true); err != nil {
			return nil, err
		}
		return &TermScreenMessage{Base: base, Meta: meta}, nil

	case TypeTermCursor:
		var meta TermCursorMeta
		if err := decodeMeta(p.Meta, &meta, true); err != nil {
			return nil, err
		}
		return &TermCursorMessage{Base: base, Meta: meta}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownType, base.Type)
}

func decodeMeta(raw json.RawMessage, dst any, required bool) error {
	if isNull(raw) {
		if required {
			return fmt.Errorf("%w: missing meta object", ErrMalformed)
		}
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: invalid meta: %v", ErrMalformed, err)
	}
	return nil
}

// Encode serializes an envelope. The inverse of Decode.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Common().Type, err)
	}
	return data, nil
}
