package core

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jabolina/relt/pkg/relt"
	promlog "github.com/prometheus/common/log"

	"github.com/scottnortman/cyphal-udp-node/pkg/cyphal/types"
)

const (
	// SubjectBase and ServiceBase are the multicast address bases. The
	// low 16 bits carry the subject id or destination node id
	// respectively.
	SubjectBase uint32 = 0xEF000000
	ServiceBase uint32 = 0xEF010000
)

// Endpoint identifies the source of a received datagram.
type Endpoint struct {
	Address string
	Port    int
}

// Datagram is a raw payload paired with the endpoint it arrived from,
// the unit the RX task consumes off Transport.Recv before handing it to
// the codec.
type Datagram struct {
	Payload []byte
	From    Endpoint
}

// TransportStats accumulates send/receive counters, feeding the
// stability manager's escalation logic.
type TransportStats struct {
	Sent     uint64
	Received uint64
	Dropped  uint64
}

// GroupAddressFor computes the Cyphal/UDP multicast literal for a
// subject or service group. It is exported so the Task Pipeline's TX
// task can compute a destination without duplicating the address
// arithmetic.
func GroupAddressFor(base uint32, id uint32) string {
	v := base | id
	return fmt.Sprintf("%d.%d.%d.%d", byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// ValidateMulticastAddress requires a well-formed IPv4 address in
// 224.0.0.0/4 whose top 16 bits equal either SubjectBase or ServiceBase
// shifted.
func ValidateMulticastAddress(addr string) error {
	ip := net.ParseIP(addr)
	if ip == nil || ip.To4() == nil || !ip.IsMulticast() {
		return types.NewError(types.ErrInitFailed, "ValidateMulticastAddress", 0, "not a valid IPv4 multicast literal", nil)
	}
	v4 := ip.To4()
	top16 := uint32(v4[0])<<24 | uint32(v4[1])<<16
	if top16 != SubjectBase&0xFFFF0000 && top16 != ServiceBase&0xFFFF0000 {
		return types.NewError(types.ErrInitFailed, "ValidateMulticastAddress", 0, "address outside subject/service range", nil)
	}
	return nil
}

type joinedGroup struct {
	relt   *relt.Relt
	cancel context.CancelFunc
}

// Transport is the UDP transport. A single primary relt.Relt instance
// (bound to the node's own multicast exchange) is used for every
// outbound send: Broadcast targets whatever GroupAddress is in the
// outgoing Send, independent of the instance's own listening Exchange.
// JoinSubject/JoinService generalize that "one relt per partition"
// shape to "one relt per joined group", fanning every group's
// Consume() into one shared channel.
type Transport struct {
	log     types.Logger
	mu      sync.Mutex
	primary *relt.Relt
	groups  map[string]*joinedGroup
	stats   TransportStats
	statsMu sync.Mutex

	interfaceName string
	multicastAddr string
	port          uint16

	producer chan Datagram
	ctx      context.Context
	cancel   context.CancelFunc

	sendMu *timedMutex
}

// Init opens the node's primary datagram endpoint bound to the given
// interface/port/multicast address. interfaceName is passed through to
// relt's configuration as the Name field, labeling the peer-local
// exchange. port is recorded on the Transport for later observability
// and live-change handling; relt's own group addressing in this stack
// is by multicast literal only, so it is not threaded into conf.Exchange.
func Init(interfaceName string, port uint16, multicastAddr string, log types.Logger) (*Transport, error) {
	ip := net.ParseIP(multicastAddr)
	if ip == nil || ip.To4() == nil || !ip.IsMulticast() {
		return nil, types.NewError(types.ErrInitFailed, "Init", 0, "not a valid IPv4 multicast literal", nil)
	}

	conf := relt.DefaultReltConfiguration()
	conf.Name = interfaceName
	conf.Exchange = relt.GroupAddress(multicastAddr)

	r, err := relt.NewRelt(*conf)
	if err != nil {
		return nil, types.Wrap(types.ErrInitFailed, "Init", 0, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		log:           log,
		primary:       r,
		groups:        make(map[string]*joinedGroup),
		interfaceName: interfaceName,
		multicastAddr: multicastAddr,
		port:          port,
		producer:      make(chan Datagram, 256),
		ctx:           ctx,
		cancel:        cancel,
		sendMu:        newTimedMutex(),
	}

	t.pumpGroup(ctx, r, multicastAddr)
	return t, nil
}

// Port returns the UDP port this transport was configured with.
func (t *Transport) Port() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port
}

// SetPort records a live udp_port configuration change. The primary
// relt socket is already bound and this stack has no way to rebind it
// without tearing down every joined group, so the new value takes
// effect on the next Init rather than the current session; it is
// recorded immediately so Port() and logs reflect the pending value.
func (t *Transport) SetPort(port uint16) {
	t.mu.Lock()
	old := t.port
	t.port = port
	t.mu.Unlock()
	if old != port {
		t.log.Warnf("transport: udp_port changed %d -> %d; takes effect on next restart", old, port)
	}
}

// pumpGroup spawns the goroutine that forwards one relt instance's
// Consume() channel into the transport's shared producer channel.
func (t *Transport) pumpGroup(ctx context.Context, r *relt.Relt, groupAddr string) {
	go func() {
		listener, err := r.Consume()
		if err != nil {
			promlog.Errorf("failed starting consumer for group %s. %v", groupAddr, err)
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case recv, ok := <-listener:
				if !ok {
					return
				}
				if recv.Error != nil {
					t.log.Warnf("transport: recv error on group %s: %v", groupAddr, recv.Error)
					t.statsMu.Lock()
					t.stats.Dropped++
					t.statsMu.Unlock()
					continue
				}
				dgram := Datagram{
					Payload: recv.Data,
					From:    Endpoint{Address: recv.Origin},
				}
				select {
				case t.producer <- dgram:
					t.statsMu.Lock()
					t.stats.Received++
					t.statsMu.Unlock()
				case <-time.After(DefaultLockTimeout):
					t.statsMu.Lock()
					t.stats.Dropped++
					t.statsMu.Unlock()
				}
			}
		}
	}()
}

// JoinSubject joins the multicast group for subject_id, per
// SUBJECT_BASE | subject_id.
func (t *Transport) JoinSubject(subjectID uint16) error {
	if uint32(subjectID) > types.MaxSubjectID {
		return types.NewError(types.ErrInvalidParameter, "JoinSubject", 0, "subject id out of range", nil)
	}
	return t.join(GroupAddressFor(SubjectBase, uint32(subjectID)))
}

// LeaveSubject leaves the subject's multicast group.
func (t *Transport) LeaveSubject(subjectID uint16) error {
	return t.leave(GroupAddressFor(SubjectBase, uint32(subjectID)))
}

// JoinService joins the multicast group addressed to nodeID's service
// port, requiring nodeID in 1..=127.
func (t *Transport) JoinService(nodeID uint8) error {
	if nodeID == 0 || uint32(nodeID) > types.MaxNodeID {
		return types.NewError(types.ErrInvalidParameter, "JoinService", 0, "node id out of range", nil)
	}
	return t.join(GroupAddressFor(ServiceBase, uint32(nodeID)))
}

// LeaveService leaves the service multicast group for nodeID.
func (t *Transport) LeaveService(nodeID uint8) error {
	return t.leave(GroupAddressFor(ServiceBase, uint32(nodeID)))
}

func (t *Transport) join(groupAddr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.groups[groupAddr]; exists {
		return nil // idempotent
	}

	conf := relt.DefaultReltConfiguration()
	conf.Name = groupAddr
	conf.Exchange = relt.GroupAddress(groupAddr)
	r, err := relt.NewRelt(*conf)
	if err != nil {
		return types.Wrap(types.ErrInitFailed, "Transport.join", 0, err)
	}

	ctx, cancel := context.WithCancel(t.ctx)
	t.groups[groupAddr] = &joinedGroup{relt: r, cancel: cancel}
	t.pumpGroup(ctx, r, groupAddr)
	return nil
}

func (t *Transport) leave(groupAddr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, exists := t.groups[groupAddr]
	if !exists {
		return types.NewError(types.ErrInvalidParameter, "Transport.leave", 0, "group was never joined", nil)
	}
	g.cancel()
	g.relt.Close()
	delete(t.groups, groupAddr)
	return nil
}

// Send transmits exactly one datagram to destination:port. 0 < len <=
// MaxPayload+16 (a full header plus the largest payload). Concurrent
// Send calls are serialized by a mutex with bounded acquisition; Recv
// reads the shared receive channel and does not take that mutex.
func (t *Transport) Send(datagram []byte, destination string, port uint16) error {
	if len(datagram) == 0 || len(datagram) > types.MaxPayload+16 {
		return types.NewError(types.ErrInvalidParameter, "Transport.Send", 0, "datagram size out of range", nil)
	}

	unlock, ok := t.sendMu.TryLock(DefaultLockTimeout)
	if !ok {
		return types.NewError(types.ErrTimeout, "Transport.Send", 0, "failed to acquire transport lock", nil)
	}
	defer unlock()

	msg := relt.Send{
		Address: relt.GroupAddress(destination),
		Data:    datagram,
	}
	if err := t.primary.Broadcast(t.ctx, msg); err != nil {
		return types.Wrap(types.ErrSendFailed, "Transport.Send", 0, err)
	}

	t.statsMu.Lock()
	t.stats.Sent++
	t.statsMu.Unlock()
	return nil
}

// Recv fills buffer with one datagram received on any joined group,
// returning the number of bytes and the sending endpoint, or Timeout if
// nothing arrives within the window.
func (t *Transport) Recv(buffer []byte, timeout time.Duration) (int, Endpoint, error) {
	select {
	case dgram := <-t.producer:
		n := copy(buffer, dgram.Payload)
		return n, dgram.From, nil
	case <-time.After(timeout):
		return 0, Endpoint{}, types.NewError(types.ErrTimeout, "Transport.Recv", 0, "no datagram arrived", nil)
	}
}

// Stats returns a snapshot of send/receive/drop counters.
func (t *Transport) Stats() TransportStats {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	return t.stats
}

// Close releases every joined group and the primary socket.
func (t *Transport) Close() {
	t.mu.Lock()
	for addr, g := range t.groups {
		g.cancel()
		if err := g.relt.Close(); err != nil {
			t.log.Errorf("transport: failed closing group %s. %v", addr, err)
		}
		delete(t.groups, addr)
	}
	t.mu.Unlock()

	t.cancel()
	if err := t.primary.Close(); err != nil {
		t.log.Errorf("transport: failed closing primary socket. %v", err)
	}
}
