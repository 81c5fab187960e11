package instance

// Ring is a fixed-capacity FIFO: pushing onto a full ring evicts the
// oldest entry.
type Ring[T any] struct {
	buf   []T
	start int
	n     int
}

// NewRing returns an empty ring holding at most capacity entries.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

func (r *Ring[T]) Cap() int { return len(r.buf) }
func (r *Ring[T]) Len() int { return r.n }

// Push appends v, evicting the oldest entry when full.
func (r *Ring[T]) Push(v T) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

// Items returns the entries oldest first.
func (r *Ring[T]) Items() []T {
	out := make([]T, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Last returns the newest entry.
func (r *Ring[T]) Last() (T, bool) {
	var zero T
	if r.n == 0 {
		return zero, false
	}
	return r.buf[(r.start+r.n-1)%len(r.buf)], true
}

// Resize changes the capacity, keeping the newest entries.
func (r *Ring[T]) Resize(capacity int) {
	items := r.Items()
	if capacity < 1 {
		capacity = 1
	}
	if len(items) > capacity {
		items = items[len(items)-capacity:]
	}
	r.buf = make([]T, capacity)
	r.start = 0
	r.n = copy(r.buf, items)
}
