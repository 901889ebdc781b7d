package microhttpd

// A connection is linked into up to three lists at once: one of the
// active, suspended or cleanup lists of its daemon, one of the two timeout
// lists, and the epoll ready list.
const (
	linkMain = iota
	linkTimeout
	linkReady
	linkKinds
)

type connLinks struct {
	prev *Connection
	next *Connection
}

// connList is an intrusive doubly linked list of connections with O(1)
// insertion and removal. It is not safe for concurrent use; the daemon
// guards its lists with Daemon.mu, the ready list is owned by the
// scheduler goroutine.
type connList struct {
	head *Connection
	tail *Connection
	link int
	n    int
}

func newConnList(link int) connList {
	return connList{link: link}
}

func (l *connList) len() int { return l.n }

// pushFront inserts c at the head. c must not be member of another list of
// the same kind.
func (l *connList) pushFront(c *Connection) {
	if c.member[l.link] != nil {
		mhdPanic("connection inserted into two lists of the same kind")
		return
	}
	lk := &c.links[l.link]
	lk.prev = nil
	lk.next = l.head
	if l.head != nil {
		l.head.links[l.link].prev = c
	} else {
		l.tail = c
	}
	l.head = c
	c.member[l.link] = l
	l.n++
}

// pushBack inserts c at the tail.
func (l *connList) pushBack(c *Connection) {
	if c.member[l.link] != nil {
		mhdPanic("connection inserted into two lists of the same kind")
		return
	}
	lk := &c.links[l.link]
	lk.next = nil
	lk.prev = l.tail
	if l.tail != nil {
		l.tail.links[l.link].next = c
	} else {
		l.head = c
	}
	l.tail = c
	c.member[l.link] = l
	l.n++
}

// remove unlinks c and reports whether it was a member of l.
func (l *connList) remove(c *Connection) bool {
	if c.member[l.link] != l {
		return false
	}
	lk := &c.links[l.link]
	if lk.prev != nil {
		lk.prev.links[l.link].next = lk.next
	} else {
		l.head = lk.next
	}
	if lk.next != nil {
		lk.next.links[l.link].prev = lk.prev
	} else {
		l.tail = lk.prev
	}
	lk.prev = nil
	lk.next = nil
	c.member[l.link] = nil
	l.n--
	return true
}

// moveToFront moves a member of l to the head.
func (l *connList) moveToFront(c *Connection) {
	if l.head == c || !l.remove(c) {
		return
	}
	l.pushFront(c)
}

func (l *connList) contains(c *Connection) bool {
	return c.member[l.link] == l
}

// prevOf returns the predecessor of c in l.
func (l *connList) prevOf(c *Connection) *Connection {
	return c.links[l.link].prev
}

// appendTo appends the members of l, tail first, to dst.
func (l *connList) appendTo(dst []*Connection) []*Connection {
	for c := l.tail; c != nil; c = c.links[l.link].prev {
		dst = append(dst, c)
	}
	return dst
}

// unlinkFrom removes c from whatever list of the given kind holds it.
func unlinkFrom(c *Connection, link int) bool {
	if l := c.member[link]; l != nil {
		return l.remove(c)
	}
	return false
}
