package types

import "fmt"

// Priority is one of the eight Cyphal/UDP transfer priority levels.
// Lower numeric value means more urgent; zero is Exceptional.
type Priority uint8

const (
	Exceptional Priority = iota
	Immediate
	Fast
	High
	Nominal
	Low
	Slow
	Optional
)

// PriorityLevels is the number of distinct priority levels.
const PriorityLevels = 8

func (p Priority) Valid() bool {
	return p < PriorityLevels
}

func (p Priority) String() string {
	names := [PriorityLevels]string{"Exceptional", "Immediate", "Fast", "High", "Nominal", "Low", "Slow", "Optional"}
	if int(p) < len(names) {
		return names[p]
	}
	return "Invalid"
}

// Kind tags the semantic role of a MessageRecord.
type Kind uint8

const (
	Subject Kind = iota
	ServiceRequest
	ServiceResponse
)

const (
	MaxSubjectID = 8191
	MaxServiceID = 511
	MaxNodeID    = 127
	MaxPayload   = 1024

	// BeaconSubjectID is the fixed subject used by the periodic liveness
	// beacon.
	BeaconSubjectID = 7509
)

// MessageRecord is the single unit of traffic flowing through the
// priority queue, the codec, and the transport. It unifies what the
// original source kept as two overlapping record definitions (see
// DESIGN.md).
type MessageRecord struct {
	SubjectID         uint16
	Priority          Priority
	SourceNodeID      uint8
	DestinationNodeID uint8
	TransferID        uint64
	Payload           []byte
	Kind              Kind
	TimestampUsec     uint64
}

// Anonymous reports whether the record originates from a node that has
// not yet been allocated an identifier. This must always agree with the
// wire "anonymous" flag; the codec rejects frames where they disagree.
func (m MessageRecord) Anonymous() bool {
	return m.SourceNodeID == 0
}

// Validate enforces every field invariant. It is used standalone by
// callers that build a record directly, and internally by both the
// priority queue's push and the codec's serialize.
func (m MessageRecord) Validate() error {
	if !m.Priority.Valid() {
		return NewError(ErrInvalidParameter, "MessageRecord.Validate", 0, "priority out of range", nil)
	}
	if len(m.Payload) > MaxPayload {
		return NewError(ErrInvalidParameter, "MessageRecord.Validate", 0, "payload exceeds maximum length", nil)
	}
	if m.SourceNodeID != 0 && m.SourceNodeID > MaxNodeID {
		return NewError(ErrInvalidParameter, "MessageRecord.Validate", 0, "source node id out of range", nil)
	}
	switch m.Kind {
	case Subject:
		if m.SubjectID > MaxSubjectID {
			return NewError(ErrInvalidParameter, "MessageRecord.Validate", 0, "subject id out of range", nil)
		}
	case ServiceRequest, ServiceResponse:
		if m.SubjectID > MaxServiceID {
			return NewError(ErrInvalidParameter, "MessageRecord.Validate", 0, "service id out of range", nil)
		}
		if m.DestinationNodeID == 0 || m.DestinationNodeID > MaxNodeID {
			return NewError(ErrInvalidParameter, "MessageRecord.Validate", 0, "service traffic requires a valid destination", nil)
		}
	default:
		return NewError(ErrInvalidParameter, "MessageRecord.Validate", 0, "unknown message kind", nil)
	}
	return nil
}

// NewSubjectMessage builds a publish/subscribe record, validating it
// before returning so callers cannot push an invariant-violating record
// into the priority queue.
func NewSubjectMessage(subjectID uint16, priority Priority, source uint8, payload []byte) (MessageRecord, error) {
	m := MessageRecord{
		SubjectID:    subjectID,
		Priority:     priority,
		SourceNodeID: source,
		Payload:      payload,
		Kind:         Subject,
	}
	if err := m.Validate(); err != nil {
		return MessageRecord{}, err
	}
	return m, nil
}

// NewServiceRequest builds a request record directed at a single node.
func NewServiceRequest(serviceID uint16, priority Priority, source, destination uint8, payload []byte) (MessageRecord, error) {
	m := MessageRecord{
		SubjectID:         serviceID,
		Priority:          priority,
		SourceNodeID:      source,
		DestinationNodeID: destination,
		Payload:           payload,
		Kind:              ServiceRequest,
	}
	if err := m.Validate(); err != nil {
		return MessageRecord{}, err
	}
	return m, nil
}

// NewServiceResponse builds a response record directed back at the
// original requester.
func NewServiceResponse(serviceID uint16, priority Priority, source, destination uint8, payload []byte) (MessageRecord, error) {
	m := MessageRecord{
		SubjectID:         serviceID,
		Priority:          priority,
		SourceNodeID:      source,
		DestinationNodeID: destination,
		Payload:           payload,
		Kind:              ServiceResponse,
	}
	if err := m.Validate(); err != nil {
		return MessageRecord{}, err
	}
	return m, nil
}

func (m MessageRecord) String() string {
	return fmt.Sprintf("MessageRecord{subject=%d prio=%s src=%d dst=%d xfer=%d len=%d}",
		m.SubjectID, m.Priority, m.SourceNodeID, m.DestinationNodeID, m.TransferID, len(m.Payload))
}
