package scheduler

import "github.com/roach88/ledgerd/internal/ir"

// ticketQueue is a min-heap of tickets by intake sequence number.
// Implements heap.Interface.
type ticketQueue []ir.Ticket

func (q ticketQueue) Len() int           { return len(q) }
func (q ticketQueue) Less(i, j int) bool { return q[i].Seq < q[j].Seq }
func (q ticketQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }

func (q *ticketQueue) Push(x any) {
	*q = append(*q, x.(ir.Ticket))
}

func (q *ticketQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = ir.Ticket{}
	*q = old[:n-1]
	return t
}
