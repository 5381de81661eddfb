package cbcast

// pending is a received message held back until its causal predecessors
// have been delivered.
type pending struct {
	sender  NodeID
	stamp   VClock
	payload string
}

// releaseLocked runs the holdback queue to a fixed point. Each scan looks
// for an entry deliverable against the current clock; releasing one
// advances the clock and restarts the scan, since a release can unblock
// entries examined earlier. The scan stops when a full pass releases
// nothing. Returns the released entries in release order.
//
// Caller holds n.mu. Same-sender ordering needs no tie-break: entry s of a
// sender's stamp grows by exactly one per message and Deliverable demands
// an exact match, so a later message from s cannot go out before its
// predecessor.
func (n *Node) releaseLocked() []pending {
	var released []pending
	for {
		idx := -1
		for i, p := range n.holdback {
			if n.clock.Deliverable(p.sender, p.stamp) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return released
		}
		p := n.holdback[idx]
		n.holdback = append(n.holdback[:idx], n.holdback[idx+1:]...)
		n.clock.Inc(p.sender)
		released = append(released, p)
	}
}
