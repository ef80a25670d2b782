package application

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Rejection reasons reported by Validate.
const (
	ReasonEventID   = "eventid"
	ReasonElement   = "element"
	ReasonMessage   = "message"
	ReasonTimestamp = "timestamp"
)

// maxEpochSeconds is 9999-12-31T23:59:59Z.
const maxEpochSeconds = 253402300799

// RawReport is an event report as delivered by a monitor, before validation.
type RawReport struct {
	EventID string `json:"eventid"`
	Element string `json:"element"`
	Message string `json:"message"`
}

// ValidReport is a report that passed ingestion checks.
type ValidReport struct {
	EventID   int64
	Element   string
	Message   string
	Timestamp time.Time
}

// Validate checks a raw report and its timestamp in order, stopping at the first failure.
// The returned reason is empty when the report is valid.
func Validate(report RawReport, timestamp string) (ValidReport, string) {
	eventID, err := strconv.ParseInt(strings.TrimSpace(report.EventID), 10, 64)
	if err != nil || eventID <= 0 {
		return ValidReport{}, ReasonEventID
	}
	element := strings.TrimSpace(report.Element)
	if element == "" {
		return ValidReport{}, ReasonElement
	}
	message := strings.TrimSpace(report.Message)
	if message == "" {
		return ValidReport{}, ReasonMessage
	}
	at, ok := ParseTimestamp(timestamp)
	if !ok {
		return ValidReport{}, ReasonTimestamp
	}
	return ValidReport{
		EventID:   eventID,
		Element:   element,
		Message:   message,
		Timestamp: at,
	}, ""
}

// ParseTimestamp accepts epoch seconds (integer or fractional) or RFC 3339.
func ParseTimestamp(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if math.IsNaN(secs) || math.IsInf(secs, 0) || secs < 0 || secs > maxEpochSeconds {
			return time.Time{}, false
		}
		whole, frac := math.Modf(secs)
		return time.Unix(int64(whole), int64(math.Round(frac*1e6))*1e3).UTC(), true
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false
	}
	return parsed.UTC(), true
}
