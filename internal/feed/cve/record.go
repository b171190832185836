package cve

import (
	"errors"
	"fmt"
)

// RecordDataType is the only data type of a CVE JSON 5 record.
const RecordDataType = "CVE_RECORD"

// CNAContainer is the key of the container written by the assigning CNA.
// It is the one holding the descriptions used downstream.
const CNAContainer = "cna"

// ErrMissingField is returned when a required field of a record is absent.
var ErrMissingField = errors.New("missing required field")

// State is the lifecycle state of a record.
type State int

const (
	// StatePublished is a record which was published and carries a CNA container.
	StatePublished State = iota + 1
	// StateRejected is a record which was rejected and carries no usable description.
	StateRejected
)

var stateNames = map[State]string{
	StatePublished: "PUBLISHED",
	StateRejected:  "REJECTED",
}

// String returns the wire form of the state.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	name, ok := stateNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown record state %d", int(s))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
// Only the known states are accepted.
func (s *State) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown record state %q", text)
}

// DataType is the dataType field of a record, which must be RecordDataType.
type DataType string

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DataType) UnmarshalText(text []byte) error {
	if string(text) != RecordDataType {
		return fmt.Errorf("invalid data type (got: %q, expected: %q)", text, RecordDataType)
	}
	*d = DataType(text)
	return nil
}

// Metadata is the cveMetadata section of a record.
//
// The identifier is kept in its raw form: it is validated when the record is normalized,
// so that a single malformed identifier does not invalidate the rest of a snapshot.
type Metadata struct {
	CVEID         string     `json:"cveId"`
	State         State      `json:"state"`
	DateReserved  *Timestamp `json:"dateReserved,omitempty"`
	DatePublished *Timestamp `json:"datePublished,omitempty"`
	DateRejected  *Timestamp `json:"dateRejected,omitempty"`
	DateUpdated   *Timestamp `json:"dateUpdated,omitempty"`
}

// Record is one decoded record file of the corpus.
type Record struct {
	DataType    DataType       `json:"dataType"`
	DataVersion string         `json:"dataVersion"`
	Metadata    Metadata       `json:"cveMetadata"`
	Containers  map[string]any `json:"containers"`
}

// Validate reports required fields absent from the decoded record.
// Present fields are checked while decoding, absent ones keep their zero value.
func (r Record) Validate() error {
	switch {
	case r.DataType == "":
		return fmt.Errorf("%w: dataType", ErrMissingField)
	case r.Metadata.CVEID == "":
		return fmt.Errorf("%w: cveMetadata.cveId", ErrMissingField)
	case r.Metadata.State == 0:
		return fmt.Errorf("%w: cveMetadata.state", ErrMissingField)
	case r.Containers == nil:
		return fmt.Errorf("%w: containers", ErrMissingField)
	}
	return nil
}
