package cbcast

import (
	"container/heap"
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// packetWriter is the slice of *net.UDPConn the delay queue writes through.
type packetWriter interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
}

// netq sits between send intent and the socket, simulating a lossy, jittery
// network on the outbound path. Enqueue either discards the packet outright
// (probability dropRate) or schedules it for a uniformly random time in
// [0, 2*delay) from now. The drain loop writes packets as they come due, so
// the wire sees them delayed and reordered relative to send order.
type netq struct {
	w        packetWriter
	dropRate float64
	delay    time.Duration
	log      *zap.Logger

	mu   sync.Mutex
	rng  *rand.Rand
	q    sendHeap
	kick chan struct{} // signaled when a newly queued packet may be due before the current head
}

type scheduled struct {
	due  time.Time
	pkt  []byte
	addr net.Addr
}

type sendHeap []scheduled

func (h sendHeap) Len() int            { return len(h) }
func (h sendHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h sendHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *sendHeap) Push(x interface{}) { *h = append(*h, x.(scheduled)) }
func (h *sendHeap) Pop() interface{} {
	old := *h
	n := len(old)
	s := old[n-1]
	*h = old[:n-1]
	return s
}

func newNetq(w packetWriter, delay time.Duration, dropRate float64, rng *rand.Rand, log *zap.Logger) *netq {
	return &netq{
		w:        w,
		dropRate: dropRate,
		delay:    delay,
		log:      log,
		rng:      rng,
		kick:     make(chan struct{}, 1),
	}
}

// Enqueue schedules pkt for transmission to addr, or drops it.
func (q *netq) Enqueue(addr net.Addr, pkt []byte) {
	q.mu.Lock()
	if q.rng.Float64() < q.dropRate {
		q.mu.Unlock()
		q.log.Debug("dropping outbound packet", zap.Stringer("addr", addr))
		return
	}
	due := time.Now().Add(time.Duration(q.rng.Float64() * 2 * float64(q.delay)))
	heap.Push(&q.q, scheduled{due: due, pkt: pkt, addr: addr})
	q.mu.Unlock()

	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// pending reports the number of packets scheduled but not yet written.
func (q *netq) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.q)
}

// run drains the queue until ctx is canceled, sleeping exactly until the
// earliest release time rather than polling.
func (q *netq) run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		q.mu.Lock()
		now := time.Now()
		for len(q.q) > 0 && !q.q[0].due.After(now) {
			s := heap.Pop(&q.q).(scheduled)
			q.mu.Unlock()
			if _, err := q.w.WriteTo(s.pkt, s.addr); err != nil {
				q.log.Debug("socket write failed", zap.Stringer("addr", s.addr), zap.Error(err))
			}
			q.mu.Lock()
			now = time.Now()
		}
		wait := time.Hour
		if len(q.q) > 0 {
			wait = q.q[0].due.Sub(now)
		}
		q.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-q.kick:
		case <-timer.C:
		}
	}
}
