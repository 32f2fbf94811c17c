package coapcore

import (
	"bytes"
	"net"
)

type ObserverEvent int

const (
	ObserverAdded ObserverEvent = iota
	ObserverRemoved
)

func (e ObserverEvent) String() string {
	if e == ObserverAdded {
		return "added"
	}
	return "removed"
}

// Observer is a subscriber of a resource. A slot with a nil Addr is free.
type Observer struct {
	Addr  net.Addr
	Token [TOKEN_MAX_LEN]byte
	TKL   int

	next, prev *Observer
	list       *observerList
}

func (o *Observer) Init(req *Packet, addr net.Addr) {
	*o = Observer{Addr: addr}
	o.TKL = copy(o.Token[:], req.Token())
}

func (o *Observer) TokenBytes() []byte {
	return o.Token[:o.TKL]
}

// Clear frees the slot. The observer must not be registered.
func (o *Observer) Clear() {
	*o = Observer{}
}

// Registered reports whether o is linked into a resource.
func (o *Observer) Registered() bool {
	return o.list != nil
}

// Next returns the following observer of the same resource or nil.
func (o *Observer) Next() *Observer {
	if o.list == nil || o.next == &o.list.root {
		return nil
	}
	return o.next
}

// observerList is a circular list threaded through the Observer records
// themselves, root being the sentinel.
type observerList struct {
	root Observer
	len  int
}

func (l *observerList) lazyInit() {
	if l.root.next == nil {
		l.root.next = &l.root
		l.root.prev = &l.root
	}
}

func (l *observerList) front() *Observer {
	if l.len == 0 {
		return nil
	}
	return l.root.next
}

func (l *observerList) pushBack(o *Observer) {
	l.lazyInit()
	at := l.root.prev
	n := at.next
	at.next = o
	o.prev = at
	o.next = n
	n.prev = o
	o.list = l
	l.len++
}

func (l *observerList) remove(o *Observer) bool {
	if o.list != l {
		return false
	}
	o.prev.next = o.next
	o.next.prev = o.prev
	o.next = nil
	o.prev = nil
	o.list = nil
	l.len--
	return true
}

func NextUnusedObserver(observers []Observer) *Observer {
	for i := range observers {
		if observers[i].Addr == nil {
			return &observers[i]
		}
	}
	return nil
}

func sameAddr(a, b net.Addr) bool {
	return a != nil && b != nil && a.Network() == b.Network() && a.String() == b.String()
}

// FindObserver looks up the observer registered by addr with token.
func FindObserver(observers []Observer, addr net.Addr, token []byte) *Observer {
	for i := range observers {
		o := &observers[i]
		if sameAddr(o.Addr, addr) && bytes.Equal(o.TokenBytes(), token) {
			return o
		}
	}
	return nil
}

func FindObserverByAddr(observers []Observer, addr net.Addr) *Observer {
	for i := range observers {
		if sameAddr(observers[i].Addr, addr) {
			return &observers[i]
		}
	}
	return nil
}

func FindObserverByToken(observers []Observer, token []byte) *Observer {
	for i := range observers {
		o := &observers[i]
		if o.Addr != nil && bytes.Equal(o.TokenBytes(), token) {
			return o
		}
	}
	return nil
}
