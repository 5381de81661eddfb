package cbcast

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newGroup starts size nodes on loopback UDP with the given fault-simulator
// parameters and returns them with their delivery records. Loops are torn
// down at test cleanup.
func newGroup(t *testing.T, size int, delay time.Duration, drop float64) ([]*Node, []*delivered) {
	t.Helper()

	conns := make([]*net.UDPConn, size)
	peers := make([]net.Addr, size)
	for i := range conns {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		require.NoError(t, err)
		conns[i] = conn
		peers[i] = conn.LocalAddr()
		t.Cleanup(func() { conn.Close() })
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	nodes := make([]*Node, size)
	recs := make([]*delivered, size)
	for i := range nodes {
		recs[i] = new(delivered)
		nodes[i] = NewNode(NodeID(i), conns[i], peers, delay, drop, recs[i].cb)
		nodes[i].RetryInterval = 20 * time.Millisecond
		go nodes[i].Run(ctx)
	}
	return nodes, recs
}

func everyoneGot(recs []*delivered, msgs ...string) func() bool {
	return func() bool {
		for _, rec := range recs {
			got := rec.got()
			for _, want := range msgs {
				found := false
				for _, m := range got {
					if m == want {
						found = true
						break
					}
				}
				if !found {
					return false
				}
			}
		}
		return true
	}
}

func TestMulticastDelivery(t *testing.T) {
	nodes, recs := newGroup(t, 3, time.Millisecond, 0)

	require.NoError(t, nodes[0].Send("hello"))
	require.Eventually(t, everyoneGot(recs, "0:hello"), 5*time.Second, 10*time.Millisecond)

	for i, node := range nodes {
		require.Equal(t, VClock{1, 0, 0}, node.Clock(), "node %d", i)
	}
}

// With a third of all packets dropped, retransmission must still get every
// message everywhere, exactly once, in causal order.
func TestEventualDeliveryUnderLoss(t *testing.T) {
	nodes, recs := newGroup(t, 3, 2*time.Millisecond, 0.3)

	require.NoError(t, nodes[0].Send("A"))
	require.Eventually(t, everyoneGot(recs, "0:A"), 10*time.Second, 10*time.Millisecond)

	// B is sent after node 1 delivered A, so A happens-before B.
	require.NoError(t, nodes[1].Send("B"))
	require.Eventually(t, everyoneGot(recs, "0:A", "1:B"), 10*time.Second, 10*time.Millisecond)

	for i, rec := range recs {
		got := rec.got()
		require.Equal(t, []string{"0:A", "1:B"}, got, "node %d delivered %v", i, got)
	}

	// Acks eventually shut every retransmission loop down.
	for i, node := range nodes {
		require.Eventually(t, func() bool {
			node.mu.Lock()
			defer node.mu.Unlock()
			return len(node.unackedSends) == 0
		}, 10*time.Second, 10*time.Millisecond, "node %d still retransmitting", i)
	}

	for i, node := range nodes {
		require.Equal(t, VClock{1, 1, 0}, node.Clock(), "node %d", i)
	}
}

func TestCausalChainAcrossSenders(t *testing.T) {
	nodes, recs := newGroup(t, 3, time.Millisecond, 0.1)

	var sent []string
	for round := 0; round < 3; round++ {
		sender := round % 3
		msg := fmt.Sprintf("r%d", round)
		require.NoError(t, nodes[sender].Send(msg))
		sent = append(sent, fmt.Sprintf("%d:%s", sender, msg))
		// Wait for full delivery before the next round so each round
		// causally depends on the one before.
		require.Eventually(t, everyoneGot(recs, sent...), 10*time.Second, 10*time.Millisecond)
	}

	for i, rec := range recs {
		require.Equal(t, sent, rec.got(), "node %d broke causal order", i)
	}
}

// Vector entries never decrease over the life of a run.
func TestClockMonotonic(t *testing.T) {
	nodes, recs := newGroup(t, 2, time.Millisecond, 0.2)

	prev := make([]VClock, len(nodes))
	for i, node := range nodes {
		prev[i] = node.Clock()
	}
	check := func() {
		for i, node := range nodes {
			cur := node.Clock()
			for j := range cur {
				require.GreaterOrEqual(t, cur[j], prev[i][j], "node %d entry %d decreased", i, j)
			}
			prev[i] = cur
		}
	}

	var sent []string
	for round := 0; round < 5; round++ {
		sender := round % 2
		msg := strings.Repeat("x", round+1)
		require.NoError(t, nodes[sender].Send(msg))
		sent = append(sent, fmt.Sprintf("%d:%s", sender, msg))
		for k := 0; k < 10; k++ {
			time.Sleep(5 * time.Millisecond)
			check()
		}
	}

	require.Eventually(t, everyoneGot(recs, sent...), 10*time.Second, 10*time.Millisecond)
	for i, node := range nodes {
		require.Equal(t, VClock{3, 2}, node.Clock(), "node %d", i)
	}
}
