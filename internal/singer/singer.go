package singer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidMessage marks a line that parsed as JSON but is not a message
// kind this target understands.
var ErrInvalidMessage = errors.New("invalid singer message")

// Message is one decoded line of tap output. Concrete types are
// SchemaMessage, RecordMessage, StateMessage and ActivateVersionMessage.
type Message interface {
	message()
}

type SchemaMessage struct {
	Stream        string          `json:"stream"`
	Schema        json.RawMessage `json:"schema"`
	KeyProperties []string        `json:"key_properties"`
}

type RecordMessage struct {
	Stream string          `json:"stream"`
	Record json.RawMessage `json:"record"`
}

type StateMessage struct {
	Value json.RawMessage `json:"value"`
}

type ActivateVersionMessage struct {
	Stream  string `json:"stream"`
	Version int64  `json:"version"`
}

func (*SchemaMessage) message()          {}
func (*RecordMessage) message()          {}
func (*StateMessage) message()           {}
func (*ActivateVersionMessage) message() {}

// ParseMessage decodes one input line into its message type. The line is
// decoded once; the "type" discriminator selects the concrete shape.
func ParseMessage(line []byte) (Message, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return nil, fmt.Errorf("unable to parse singer message: %w", err)
	}

	switch head.Type {
	case "SCHEMA":
		var m SchemaMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("unable to parse SCHEMA message: %w", err)
		}
		if m.Stream == "" {
			return nil, fmt.Errorf("%w: SCHEMA message without stream", ErrInvalidMessage)
		}
		if len(m.Schema) == 0 {
			return nil, fmt.Errorf("%w: SCHEMA message for stream %s without schema", ErrInvalidMessage, m.Stream)
		}
		return &m, nil
	case "RECORD":
		var m RecordMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("unable to parse RECORD message: %w", err)
		}
		if m.Stream == "" {
			return nil, fmt.Errorf("%w: RECORD message without stream", ErrInvalidMessage)
		}
		return &m, nil
	case "STATE":
		var m StateMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("unable to parse STATE message: %w", err)
		}
		return &m, nil
	case "ACTIVATE_VERSION":
		var m ActivateVersionMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("unable to parse ACTIVATE_VERSION message: %w", err)
		}
		return &m, nil
	}
	return nil, fmt.Errorf("%w: unrecognized type %q", ErrInvalidMessage, head.Type)
}

// DecodeRecord decodes a record body keeping numeric literals as
// json.Number, so fixed-precision decimals keep their exact source text when
// the record is re-encoded for the warehouse.
func DecodeRecord(raw json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var record map[string]any
	if err := dec.Decode(&record); err != nil {
		return nil, err
	}
	return record, nil
}
