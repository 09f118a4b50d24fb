package core

import (
	"encoding/binary"
	"sync"

	hcversion "github.com/hashicorp/go-version"

	"github.com/scottnortman/cyphal-udp-node/pkg/cyphal/types"
)

// Wire frame layout, byte-exact for interoperability:
//
//	offset  size   field
//	  0      2     subject_or_service_id  (little-endian)
//	  2      1     priority               (0..=7)
//	  3      1     source_node_id
//	  4      1     destination_node_id    (0 for subject)
//	  5      1     flags                  (bit0 request, bit1 anonymous, bit2 response)
//	  6      8     transfer_id            (little-endian)
//	 14      2     payload_length         (little-endian, <= 1024)
//	 16      N     payload bytes
const (
	headerSize = 16

	flagServiceRequest = 1 << 0
	flagAnonymous      = 1 << 1
	flagIsResponse     = 1 << 2
)

// CurrentWireVersion is this node's own wire version. CompatibleWireVersion
// does not read it; it checks a peer against the fixed constraint
// ">= 1.0.0, < 2.0.0", so any 1.x revision is accepted.
const CurrentWireVersion = "1.0.0"

// CompatibleWireVersion reports whether a peer advertising peerVersion
// can interoperate with this node, expressed as a semantic-version
// constraint instead of a strict integer equality.
func CompatibleWireVersion(peerVersion string) (bool, error) {
	v, err := hcversion.NewVersion(peerVersion)
	if err != nil {
		return false, types.Wrap(types.ErrInvalidParameter, "CompatibleWireVersion", 0, err)
	}
	constraint, err := hcversion.NewConstraint(">= 1.0.0, < 2.0.0")
	if err != nil {
		return false, types.Wrap(types.ErrInvalidParameter, "CompatibleWireVersion", 0, err)
	}
	return constraint.Check(v), nil
}

// Serialize renders record into buffer using the wire layout, returning
// the number of bytes written.
func Serialize(record types.MessageRecord, buffer []byte) (int, error) {
	if err := record.Validate(); err != nil {
		return 0, err
	}
	total := headerSize + len(record.Payload)
	if len(buffer) < total {
		return 0, types.NewError(types.ErrInvalidParameter, "Serialize", 0, "buffer too small", nil)
	}

	binary.LittleEndian.PutUint16(buffer[0:2], record.SubjectID)
	buffer[2] = byte(record.Priority)
	buffer[3] = record.SourceNodeID
	buffer[4] = record.DestinationNodeID

	var flags byte
	if record.Kind == types.ServiceRequest {
		flags |= flagServiceRequest
	}
	if record.Kind == types.ServiceResponse {
		flags |= flagIsResponse
	}
	if record.Anonymous() {
		flags |= flagAnonymous
	}
	buffer[5] = flags

	binary.LittleEndian.PutUint64(buffer[6:14], record.TransferID)
	binary.LittleEndian.PutUint16(buffer[14:16], uint16(len(record.Payload)))
	copy(buffer[headerSize:total], record.Payload)

	return total, nil
}

// Deserialize parses bytes into a MessageRecord, rejecting any buffer
// that violates a wire or field invariant. timestampUsec is supplied by the
// caller (the RX task, at reception time) since the wire format itself
// carries no timestamp.
func Deserialize(bytesIn []byte, timestampUsec uint64) (types.MessageRecord, error) {
	if len(bytesIn) < headerSize {
		return types.MessageRecord{}, types.NewError(types.ErrInvalidParameter, "Deserialize", 0, "buffer shorter than header", nil)
	}

	subjectID := binary.LittleEndian.Uint16(bytesIn[0:2])
	priority := types.Priority(bytesIn[2])
	if !priority.Valid() {
		return types.MessageRecord{}, types.NewError(types.ErrInvalidParameter, "Deserialize", 0, "invalid priority", nil)
	}
	source := bytesIn[3]
	destination := bytesIn[4]
	flags := bytesIn[5]
	transferID := binary.LittleEndian.Uint64(bytesIn[6:14])
	payloadLen := binary.LittleEndian.Uint16(bytesIn[14:16])

	if payloadLen > types.MaxPayload {
		return types.MessageRecord{}, types.NewError(types.ErrInvalidParameter, "Deserialize", 0, "payload_length exceeds maximum", nil)
	}
	if int(payloadLen) > len(bytesIn)-headerSize {
		return types.MessageRecord{}, types.NewError(types.ErrInvalidParameter, "Deserialize", 0, "payload_length exceeds buffer", nil)
	}
	if source != 0 && source > types.MaxNodeID {
		return types.MessageRecord{}, types.NewError(types.ErrInvalidParameter, "Deserialize", 0, "invalid source node id", nil)
	}

	anonymous := flags&flagAnonymous != 0
	if anonymous != (source == 0) {
		return types.MessageRecord{}, types.NewError(types.ErrInvalidParameter, "Deserialize", 0, "anonymous flag disagrees with source_node_id", nil)
	}

	kind := types.Subject
	switch {
	case flags&flagServiceRequest != 0:
		kind = types.ServiceRequest
	case flags&flagIsResponse != 0:
		kind = types.ServiceResponse
	}

	if kind == types.Subject && subjectID > types.MaxSubjectID {
		return types.MessageRecord{}, types.NewError(types.ErrInvalidParameter, "Deserialize", 0, "invalid subject id", nil)
	}
	if kind != types.Subject && subjectID > types.MaxServiceID {
		return types.MessageRecord{}, types.NewError(types.ErrInvalidParameter, "Deserialize", 0, "invalid service id", nil)
	}

	payload := make([]byte, payloadLen)
	copy(payload, bytesIn[headerSize:headerSize+int(payloadLen)])

	record := types.MessageRecord{
		SubjectID:         subjectID,
		Priority:          priority,
		SourceNodeID:      source,
		DestinationNodeID: destination,
		TransferID:        transferID,
		Payload:           payload,
		Kind:              kind,
		TimestampUsec:     timestampUsec,
	}
	if err := record.Validate(); err != nil {
		return types.MessageRecord{}, err
	}
	return record, nil
}

// transferKey identifies a (source_node_id, port) pair for outbound
// transfer-ID assignment.
type transferKey struct {
	source uint8
	port   uint16
}

// TransferIDAllocator assigns monotonic, per-(source,port) transfer IDs
// to outbound records, wrapping at 2^64-1.
type TransferIDAllocator struct {
	mu      sync.Mutex
	counter map[transferKey]uint64
}

// NewTransferIDAllocator builds an empty allocator.
func NewTransferIDAllocator() *TransferIDAllocator {
	return &TransferIDAllocator{counter: make(map[transferKey]uint64)}
}

// Next returns the next transfer ID for the given (source, port) and
// advances the counter, wrapping silently on overflow.
func (a *TransferIDAllocator) Next(source uint8, port uint16) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := transferKey{source: source, port: port}
	id := a.counter[key]
	a.counter[key] = id + 1 // wraps naturally at math.MaxUint64
	return id
}
