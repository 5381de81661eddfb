package cbcast

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v3"
	"go.uber.org/zap"
)

// unacked records a data send awaiting acknowledgement. It is retransmitted
// verbatim — same id, same stamp, same payload — until the matching ack is
// observed.
type unacked struct {
	dest    NodeID
	id      MsgID
	stamp   VClock
	payload string
}

// pair keys the received and acked sets.
type pair struct {
	v NodeID
	c MsgID
}

// sendData assigns a fresh message id, records the send for retransmission,
// and queues the envelope to dest.
func (n *Node) sendData(dest NodeID, payload string, stamp VClock) {
	id := MsgID(atomic.AddInt32(&n.msgCounter, 1))
	n.mu.Lock()
	n.unackedSends = append(n.unackedSends, unacked{dest: dest, id: id, stamp: stamp, payload: payload})
	n.mu.Unlock()
	n.transmit(&Env{V: n.ID, C: id, T: stamp, P: payload}, dest)
}

// sendSelf queues the loopback copy of a local send. The message itself is
// delivered at Send time, so its id is pre-marked received; the copy is
// still put on the wire and tracked for retransmission so the self ack
// path works like any other destination's.
func (n *Node) sendSelf(payload string, stamp VClock) {
	id := MsgID(atomic.AddInt32(&n.msgCounter, 1))
	n.mu.Lock()
	n.received.Add(pair{n.ID, id})
	n.unackedSends = append(n.unackedSends, unacked{dest: n.ID, id: id, stamp: stamp, payload: payload})
	n.mu.Unlock()
	n.transmit(&Env{V: n.ID, C: id, T: stamp, P: payload}, n.ID)
}

// sendAck acknowledges message id from dest. The ack carries the current
// clock for uniformity of the wire format; receivers ignore it.
func (n *Node) sendAck(dest NodeID, id MsgID) {
	n.mu.Lock()
	stamp := n.clock.Clone()
	n.mu.Unlock()
	n.transmit(&Env{V: n.ID, C: id, Ack: true, T: stamp}, dest)
}

// transmit encodes env and hands it to the fault-injecting delay queue.
func (n *Node) transmit(env *Env, dest NodeID) {
	pkt, err := env.Bytes()
	if err != nil {
		n.Logger.Error("cannot encode envelope", zap.Stringer("env", env), zap.Error(err))
		return
	}
	n.sendq.Enqueue(n.peers[dest], pkt)
}

// receiveLoop reads datagrams until ctx is canceled. Read timeouts are the
// expected idle condition, not an error; undecodable datagrams are logged
// and dropped.
func (n *Node) receiveLoop(ctx context.Context) {
	buf := make([]byte, MaxDatagram)
	for {
		if ctx.Err() != nil {
			return
		}
		n.conn.SetReadDeadline(time.Now().Add(readTimeout))
		nr, _, err := n.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			n.Logger.Debug("socket read failed", zap.Error(err))
			continue
		}
		env, err := ParseEnv(buf[:nr])
		if err != nil {
			n.Logger.Warn("dropping undecodable datagram", zap.Int("bytes", nr), zap.Error(err))
			continue
		}
		n.receive(env)
	}
}

// receive applies one inbound envelope. An ack marks the corresponding send
// acknowledged. A data message is always acked — even a duplicate, since
// the peer may have missed the previous ack — then deduplicated, appended
// to the holdback queue, and run through the release rule. Deliveries
// happen after the lock is dropped, in release order.
func (n *Node) receive(env *Env) {
	if env.Ack {
		n.mu.Lock()
		n.acked.Add(pair{env.V, env.C})
		n.mu.Unlock()
		return
	}

	if int(env.V) < 0 || int(env.V) >= len(n.peers) || len(env.T) != len(n.peers) {
		n.Logger.Warn("dropping malformed envelope", zap.Stringer("env", env))
		return
	}

	n.sendAck(env.V, env.C)

	n.deliverMu.Lock()
	defer n.deliverMu.Unlock()

	n.mu.Lock()
	k := pair{env.V, env.C}
	if n.received.Contains(k) {
		n.mu.Unlock()
		n.Logger.Debug("duplicate data message", zap.Stringer("env", env))
		return
	}
	n.received.Add(k)
	n.holdback = append(n.holdback, pending{sender: env.V, stamp: env.T, payload: env.P})
	released := n.releaseLocked()
	n.mu.Unlock()

	for _, p := range released {
		n.Logger.Debug("delivering", zap.Int32("from", int32(p.sender)), zap.Stringer("stamp", p.stamp))
		n.deliver(p.sender, p.payload)
	}
}

// retransmitLoop rescans the unacked-send list on a fixed interval.
// Acknowledged entries are dropped; everything else is resent unchanged and
// kept. There is no retry ceiling: a permanently unreachable peer just
// means indefinite retransmission.
func (n *Node) retransmitLoop(ctx context.Context) {
	ticker := backoff.NewTicker(backoff.NewConstantBackOff(n.RetryInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, u := range n.rescanUnacked() {
			n.transmit(&Env{V: n.ID, C: u.id, T: u.stamp, P: u.payload}, u.dest)
		}
	}
}

// rescanUnacked drops acknowledged entries from the unacked-send list and
// returns the survivors, which are due for retransmission.
func (n *Node) rescanUnacked() []unacked {
	n.mu.Lock()
	defer n.mu.Unlock()
	keep := n.unackedSends[:0]
	var resend []unacked
	for _, u := range n.unackedSends {
		if n.acked.Contains(pair{u.dest, u.id}) {
			continue
		}
		keep = append(keep, u)
		resend = append(resend, u)
	}
	n.unackedSends = keep
	return resend
}
