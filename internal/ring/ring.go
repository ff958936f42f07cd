package ring

// Buffer is a fixed-capacity history that drops its oldest entry on overflow.
// It is not safe for concurrent use; owners serialise access.
type Buffer[T any] struct {
	items []T
	head  int
	size  int
}

// New returns a buffer holding at most capacity items. Capacity below one is raised to one.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push appends v, evicting the oldest entry when full.
func (b *Buffer[T]) Push(v T) {
	b.items[b.head] = v
	b.head = (b.head + 1) % len(b.items)
	if b.size < len(b.items) {
		b.size++
	}
}

// Len returns the number of stored items.
func (b *Buffer[T]) Len() int { return b.size }

// Cap returns the capacity.
func (b *Buffer[T]) Cap() int { return len(b.items) }

// Newest returns up to n items, most recent first. n <= 0 returns everything.
func (b *Buffer[T]) Newest(n int) []T {
	if n <= 0 || n > b.size {
		n = b.size
	}
	out := make([]T, 0, n)
	idx := b.head
	for i := 0; i < n; i++ {
		idx--
		if idx < 0 {
			idx = len(b.items) - 1
		}
		out = append(out, b.items[idx])
	}
	return out
}

// Latest returns the most recent item.
func (b *Buffer[T]) Latest() (T, bool) {
	var zero T
	if b.size == 0 {
		return zero, false
	}
	idx := b.head - 1
	if idx < 0 {
		idx = len(b.items) - 1
	}
	return b.items[idx], true
}

// Chronological returns every item, oldest first.
func (b *Buffer[T]) Chronological() []T {
	newest := b.Newest(0)
	for i, j := 0, len(newest)-1; i < j; i, j = i+1, j-1 {
		newest[i], newest[j] = newest[j], newest[i]
	}
	return newest
}

// Each visits items from most recent to oldest until fn returns false.
func (b *Buffer[T]) Each(fn func(T) bool) {
	idx := b.head
	for i := 0; i < b.size; i++ {
		idx--
		if idx < 0 {
			idx = len(b.items) - 1
		}
		if !fn(b.items[idx]) {
			return
		}
	}
}
