package history

import "github.com/opensource-finance/kestrel/internal/domain"

// ring is a fixed-capacity FIFO of transactions. It grows by append until
// full and then overwrites the oldest slot.
type ring struct {
	buf      []domain.Transaction
	head     int // index of the oldest entry once full
	capacity int
}

func newRing(capacity int) *ring {
	return &ring{capacity: capacity}
}

func (r *ring) push(tx domain.Transaction) {
	if len(r.buf) < r.capacity {
		r.buf = append(r.buf, tx)
		return
	}
	r.buf[r.head] = tx
	r.head = (r.head + 1) % r.capacity
}

func (r *ring) len() int {
	return len(r.buf)
}

// at returns the i-th entry counting from the oldest.
func (r *ring) at(i int) domain.Transaction {
	return r.buf[(r.head+i)%len(r.buf)]
}

// last copies up to n newest entries, oldest first. n <= 0 means all.
func (r *ring) last(n int) []domain.Transaction {
	size := len(r.buf)
	if n <= 0 || n > size {
		n = size
	}
	out := make([]domain.Transaction, n)
	for i := 0; i < n; i++ {
		out[i] = r.at(size - n + i)
	}
	return out
}
