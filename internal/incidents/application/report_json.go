package application

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Scalar is a JSON string or number kept as its literal text. Null decodes to empty.
type Scalar string

// UnmarshalJSON implements json.Unmarshaler.
func (s *Scalar) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	switch data[0] {
	case '"':
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*s = Scalar(text)
		return nil
	case '{', '[':
		return fmt.Errorf("incidents: expected string or number, got %s", data[:1])
	default:
		var number json.Number
		if err := json.Unmarshal(data, &number); err != nil {
			return fmt.Errorf("incidents: expected string or number: %w", err)
		}
		*s = Scalar(number.String())
		return nil
	}
}

// UnmarshalJSON accepts eventid, element and message as strings or numbers.
func (r *RawReport) UnmarshalJSON(data []byte) error {
	var wire struct {
		EventID Scalar `json:"eventid"`
		Element Scalar `json:"element"`
		Message Scalar `json:"message"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	r.EventID = string(wire.EventID)
	r.Element = string(wire.Element)
	r.Message = string(wire.Message)
	return nil
}

// ReportMessage is a report with its timestamp as delivered by queues and the ingest endpoint.
type ReportMessage struct {
	Event     RawReport `json:"event"`
	Timestamp Scalar    `json:"timestamp"`
}
