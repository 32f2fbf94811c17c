package coapcore

import (
	"bytes"
	"net"

	"github.com/pkg/errors"
)

// MethodHandler serves one method of a resource. options holds the decoded
// options of req.
type MethodHandler func(resource *Resource, req *Packet, options []Option, addr net.Addr) error

// NotifyHandler sends the current state of resource to one observer.
type NotifyHandler func(resource *Resource, observer *Observer)

// ObserverEventHandler is told about observers joining and leaving.
type ObserverEventHandler func(resource *Resource, observer *Observer, event ObserverEvent)

// Resource is one entry of the dispatch table. Path segments may use
// WildcardSegment and WildcardTail.
type Resource struct {
	Path   []string
	Get    MethodHandler
	Post   MethodHandler
	Put    MethodHandler
	Delete MethodHandler
	Fetch  MethodHandler
	Patch  MethodHandler
	IPatch MethodHandler

	Notify     NotifyHandler
	OnObserver ObserverEventHandler

	// Link-format attributes such as `rt="temperature"` or `obs`.
	Attributes []string
	UserData   interface{}

	Age       int
	observers observerList
}

func NewResource(path ...string) *Resource {
	return &Resource{Path: path}
}

func (r *Resource) handler(code CoapCode) (MethodHandler, error) {
	var h MethodHandler
	switch code {
	case GET:
		h = r.Get
	case POST:
		h = r.Post
	case PUT:
		h = r.Put
	case DELETE:
		h = r.Delete
	case FETCH:
		h = r.Fetch
	case PATCH:
		h = r.Patch
	case IPATCH:
		h = r.IPatch
	default:
		return nil, errors.Wrapf(ErrNotSupported, "code %s", code)
	}
	if h == nil {
		return nil, errors.Wrapf(ErrNotPermitted, "%s", code)
	}
	return h, nil
}

// HandleRequest dispatches req to the first resource whose path matches.
// Messages that are not requests are ignored.
func HandleRequest(req *Packet, resources []*Resource, options []Option, addr net.Addr) error {
	raw := req.RawCode()
	if raw == CoapCodeEmpty || (raw.IsDefined() && !raw.IsRegisteredMethod()) {
		return nil
	}

	for _, r := range resources {
		if !URIPathMatch(r.Path, options) {
			continue
		}
		h, err := r.handler(raw)
		if err != nil {
			return err
		}
		return h(r, req, options, addr)
	}
	return errors.Wrapf(ErrNotFound, "%s", URIPath(options))
}

// RegisterObserver links o into the observers of r. It reports whether o
// is the first observer. The age starts at OBSERVE_FIRST_AGE.
func (r *Resource) RegisterObserver(o *Observer) bool {
	first := r.observers.len == 0
	if r.Age == 0 {
		r.Age = OBSERVE_FIRST_AGE
	}
	r.observers.pushBack(o)
	if r.OnObserver != nil {
		r.OnObserver(r, o, ObserverAdded)
	}
	return first
}

// RemoveObserver unlinks o. It returns false when o did not observe r.
func (r *Resource) RemoveObserver(o *Observer) bool {
	if !r.observers.remove(o) {
		return false
	}
	if r.OnObserver != nil {
		r.OnObserver(r, o, ObserverRemoved)
	}
	return true
}

func (r *Resource) FirstObserver() *Observer {
	return r.observers.front()
}

// FindObserver returns the observer of r registered by addr with token.
func (r *Resource) FindObserver(addr net.Addr, token []byte) *Observer {
	for o := r.FirstObserver(); o != nil; o = o.Next() {
		if sameAddr(o.Addr, addr) && bytes.Equal(o.TokenBytes(), token) {
			return o
		}
	}
	return nil
}

func (r *Resource) ObserversCount() int {
	return r.observers.len
}

// NotifyObservers bumps the age and hands every observer to the Notify
// handler. The handler may remove the observer it is given.
func (r *Resource) NotifyObservers() error {
	if r.observers.len == 0 {
		return nil
	}
	if r.Notify == nil {
		return errors.Wrap(ErrNotFound, "no notify handler")
	}

	r.Age++
	if r.Age > OBSERVE_MAX_AGE {
		r.Age = OBSERVE_FIRST_AGE
	}

	for o := r.observers.front(); o != nil; {
		next := o.Next()
		r.Notify(r, o)
		o = next
	}
	return nil
}
