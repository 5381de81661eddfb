package cbcast

import (
	"fmt"
	"strings"
)

// VClock is a vector timestamp: one logical counter per member of the group,
// indexed by NodeID. Entry i counts the messages originated by node i that
// the clock's owner has delivered (plus, for the owner's own entry, the
// messages it has sent). Entries only ever grow.
type VClock []int32

// NewVClock returns a zero clock for a group of n members.
func NewVClock(n int) VClock {
	return make(VClock, n)
}

// Clone returns an independent copy of v.
func (v VClock) Clone() VClock {
	w := make(VClock, len(v))
	copy(w, v)
	return w
}

// Inc advances the entry belonging to node id.
func (v VClock) Inc(id NodeID) {
	v[id]++
}

// Deliverable reports whether a message stamped with remote by node sender
// may be delivered to a process whose clock is v. It may iff it is exactly
// the next message expected from sender, and sender had not observed
// anything from a third node beyond what v's owner has already delivered.
func (v VClock) Deliverable(sender NodeID, remote VClock) bool {
	for i := range v {
		if NodeID(i) == sender {
			if remote[i] != v[i]+1 {
				return false
			}
		} else if remote[i] > v[i] {
			return false
		}
	}
	return true
}

func (v VClock) String() string {
	strs := make([]string, len(v))
	for i, c := range v {
		strs[i] = fmt.Sprintf("%d", c)
	}
	return "[" + strings.Join(strs, " ") + "]"
}
