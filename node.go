package cbcast

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"go.uber.org/zap"
)

// NodeID identifies a member of the multicast group: an index in [0, N),
// where N is the group size fixed at startup.
type NodeID int32

// DeliverFunc receives causally released messages. It is invoked exactly
// once per message, in causal order, serialized by the node's delivery
// lock. It must not call back into the node: Send blocks on that same
// lock. Record or display the message and return.
type DeliverFunc func(from NodeID, payload string)

const readTimeout = 50 * time.Millisecond

// Node is one member of the multicast group. It owns the group's full state
// for this process: the vector clock, the holdback queue, the
// acknowledgement bookkeeping, and the outbound delay queue. One mutex
// guards all of it; critical sections are kept short, and no socket I/O
// happens under the lock.
type Node struct {
	ID    NodeID
	conn  *net.UDPConn
	peers []net.Addr // indexed by NodeID; identical table on every member
	sendq *netq

	deliver DeliverFunc

	// Logger and RetryInterval may be set after NewNode, before Run.
	Logger        *zap.Logger
	RetryInterval time.Duration

	msgCounter int32 // atomic; last assigned MsgID

	// deliverMu serializes invocations of the delivery callback and is
	// held across outgoing stamping, so a message's causal predecessors
	// are always handed to the callback before the message itself.
	// Acquired before mu, never the other way around.
	deliverMu sync.Mutex

	mu           sync.Mutex
	clock        VClock
	holdback     []pending
	unackedSends []unacked
	received     mapset.Set // pair: inbound data messages already handled
	acked        mapset.Set // pair: our sends the destination has acknowledged
}

// NewNode returns a group member with identity id. conn must be a socket
// bound to peers[id]; peers is the group's address table, identical on
// every member. delay and dropRate parameterize the outbound fault
// simulator (see netq); deliver receives released messages.
func NewNode(id NodeID, conn *net.UDPConn, peers []net.Addr, delay time.Duration, dropRate float64, deliver DeliverFunc) *Node {
	n := &Node{
		ID:            id,
		conn:          conn,
		peers:         peers,
		deliver:       deliver,
		Logger:        zap.NewNop(),
		RetryInterval: 100 * time.Millisecond,
		clock:         NewVClock(len(peers)),
		received:      mapset.NewThreadUnsafeSet(),
		acked:         mapset.NewThreadUnsafeSet(),
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	n.sendq = newNetq(conn, delay, dropRate, rng, n.Logger)
	return n
}

// Run starts the node's loops — inbound receive, retransmission, and
// outbound drain — and blocks until ctx is canceled.
func (n *Node) Run(ctx context.Context) {
	n.sendq.log = n.Logger
	n.Logger.Info("node starting",
		zap.Int32("id", int32(n.ID)),
		zap.Int("peers", len(n.peers)),
		zap.Stringer("addr", n.conn.LocalAddr()))

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		n.sendq.run(ctx)
	}()
	go func() {
		defer wg.Done()
		n.retransmitLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		n.receiveLoop(ctx)
	}()
	wg.Wait()
}

// Send stamps payload with this node's next vector timestamp and multicasts
// it to every member of the group, including the sender itself. The local
// clock entry is advanced and the stamp captured in one critical section,
// so a concurrent delivery cannot produce a stale stamp.
//
// The sender's own copy is delivered here, at send time: stamping
// pre-increments the local clock entry, so the loopback copy could never
// satisfy the release rule. It is pre-marked received and the copy that
// comes back off the wire is handled as any other duplicate.
func (n *Node) Send(payload string) error {
	probe := Env{V: n.ID, T: NewVClock(len(n.peers)), P: payload}
	if _, err := probe.Bytes(); err != nil {
		return err
	}

	n.deliverMu.Lock()
	defer n.deliverMu.Unlock()

	n.mu.Lock()
	n.clock.Inc(n.ID)
	stamp := n.clock.Clone()
	n.mu.Unlock()

	for dest := range n.peers {
		if NodeID(dest) == n.ID {
			n.sendSelf(payload, stamp)
		} else {
			n.sendData(NodeID(dest), payload, stamp)
		}
	}
	n.deliver(n.ID, payload)
	return nil
}

// Clock returns a copy of the node's current vector timestamp.
func (n *Node) Clock() VClock {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.clock.Clone()
}
