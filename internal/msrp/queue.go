package msrp

// fifo is a growable ring buffer. It is not synchronized; the owning session
// guards it with its mutex.
type fifo[T any] struct {
	items []T
	head  int
	n     int
}

func (q *fifo[T]) len() int {
	return q.n
}

func (q *fifo[T]) push(v T) {
	if q.n == len(q.items) {
		q.grow()
	}
	q.items[(q.head+q.n)%len(q.items)] = v
	q.n++
}

func (q *fifo[T]) pop() (T, bool) {
	var zero T
	if q.n == 0 {
		return zero, false
	}
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.n--
	return v, true
}

// drain removes and returns every item in order.
func (q *fifo[T]) drain() []T {
	out := make([]T, 0, q.n)
	for {
		v, ok := q.pop()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

func (q *fifo[T]) reset() {
	q.items = nil
	q.head = 0
	q.n = 0
}

func (q *fifo[T]) grow() {
	size := len(q.items) * 2
	if size == 0 {
		size = 8
	}
	items := make([]T, size)
	for i := 0; i < q.n; i++ {
		items[i] = q.items[(q.head+i)%len(q.items)]
	}
	q.items = items
	q.head = 0
}
