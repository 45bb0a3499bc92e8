// Package list implements the intrusive doubly-linked list abstraction
// backing the kernel's queues and chains (pages-block chains, heap chunk
// lists, process children, scheduler ready queues, semaphore wait queues).
// A Node is meant to be embedded as a named field inside the owning
// struct; the same struct may embed several independent Node fields to sit
// on several lists at once (e.g. a PagesBlock has one Node for its block
// chain and another for whichever bucket currently owns it), so an element
// never shares a single link-node across two lists.
package list

// Node is an intrusive list link. Value points back at the owning record so
// that callers recover the owner from the node handle returned by list
// operations. The zero value is a detached node.
type Node[T any] struct {
	list       *List[T]
	prev, next *Node[T]
	Value      T
}

// List is an intrusive doubly-linked list of Node handles.
type List[T any] struct {
	head, tail *Node[T]
	len        int
}

// Len returns the number of nodes currently on the list.
func (l *List[T]) Len() int { return l.len }

// Front returns the first node on the list, or nil if the list is empty.
func (l *List[T]) Front() *Node[T] { return l.head }

// Back returns the last node on the list, or nil if the list is empty.
func (l *List[T]) Back() *Node[T] { return l.tail }

// Next returns the node following n, or nil at the end of the list.
func (n *Node[T]) Next() *Node[T] { return n.next }

// Prev returns the node preceding n, or nil at the start of the list.
func (n *Node[T]) Prev() *Node[T] { return n.prev }

// Linked reports whether n currently belongs to a list.
func (n *Node[T]) Linked() bool { return n.list != nil }

// PushFront inserts n at the head of the list. n must not already belong to
// a list.
func (l *List[T]) PushFront(n *Node[T]) {
	n.list = l
	n.prev = nil
	n.next = l.head
	if l.head != nil {
		l.head.prev = n
	} else {
		l.tail = n
	}
	l.head = n
	l.len++
}

// PushBack inserts n at the tail of the list. n must not already belong to
// a list.
func (l *List[T]) PushBack(n *Node[T]) {
	n.list = l
	n.next = nil
	n.prev = l.tail
	if l.tail != nil {
		l.tail.next = n
	} else {
		l.head = n
	}
	l.tail = n
	l.len++
}

// InsertAfter inserts n immediately after mark, which must already belong
// to l.
func (l *List[T]) InsertAfter(n, mark *Node[T]) {
	if mark.next == nil {
		l.PushBack(n)
		return
	}
	n.list = l
	n.prev = mark
	n.next = mark.next
	mark.next.prev = n
	mark.next = n
	l.len++
}

// InsertBefore inserts n immediately before mark, which must already belong
// to l.
func (l *List[T]) InsertBefore(n, mark *Node[T]) {
	if mark.prev == nil {
		l.PushFront(n)
		return
	}
	n.list = l
	n.next = mark
	n.prev = mark.prev
	mark.prev.next = n
	mark.prev = n
	l.len++
}

// Remove detaches n from l. A no-op if n is not currently linked into l,
// including when n belongs to a different list.
func (l *List[T]) Remove(n *Node[T]) {
	if n.list != l {
		return
	}
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev, n.next, n.list = nil, nil, nil
	l.len--
}

// PopFront removes and returns the first node's value, the LIFO-friendly
// operation used by freelists that want to reuse the most recently freed
// entry first. ok is false if the list was empty.
func (l *List[T]) PopFront() (value T, ok bool) {
	n := l.head
	if n == nil {
		return value, false
	}
	l.Remove(n)
	return n.Value, true
}

// Each calls fn for every node on the list, from front to back. fn may
// remove the current node (and only the current node) from the list.
func (l *List[T]) Each(fn func(n *Node[T])) {
	for n := l.head; n != nil; {
		next := n.next
		fn(n)
		n = next
	}
}
