package coapcore_test

import (
	"errors"
	"net"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	. "github.com/coalalib/coapcore"
)

// observeRequest is a CON GET /s/<last> with Observe=0 and token "token".
func observeRequest(code byte, last byte) ([]Option, *Packet) {
	pdu := []byte{
		0x45, code, 0x12, 0x34,
		't', 'o', 'k', 'e', 'n',
		0x60,
		0x51, 's',
		0x01, last,
	}
	options := make([]Option, 4)
	req, n, err := ParsePacket(pdu, options)
	Expect(err).NotTo(HaveOccurred())
	return options[:n], req
}

var _ = Describe("Resource", func() {
	var (
		observers []Observer
		resource  *Resource
		resources []*Resource
		notified  int
		events    []ObserverEvent
	)

	BeforeEach(func() {
		observers = make([]Observer, 3)
		notified = 0
		events = nil

		resource = NewResource("s", "1")
		resource.Get = func(r *Resource, req *Packet, options []Option, addr net.Addr) error {
			if !RequestIsObserve(req) {
				return nil
			}
			o := NextUnusedObserver(observers)
			if o == nil {
				return ErrMessageSize
			}
			o.Init(req, addr)
			r.RegisterObserver(o)
			return nil
		}
		resource.Notify = func(r *Resource, o *Observer) {
			notified++
		}
		resource.OnObserver = func(r *Resource, o *Observer, event ObserverEvent) {
			events = append(events, event)
		}
		resources = []*Resource{resource}
	})

	It("Should register an observer from a GET with Observe", func() {
		options, req := observeRequest(0x01, '1')
		Expect(HandleRequest(req, resources, options, dummyAddr)).To(Succeed())

		Expect(resource.ObserversCount()).To(Equal(1))
		o := resource.FirstObserver()
		Expect(o).To(BeIdenticalTo(&observers[0]))
		Expect(o.TokenBytes()).To(Equal(token))
		Expect(o.Registered()).To(BeTrue())
		Expect(resource.Age).To(Equal(OBSERVE_FIRST_AGE))
		Expect(events).To(Equal([]ObserverEvent{ObserverAdded}))

		Expect(FindObserver(observers, dummyAddr, token)).To(BeIdenticalTo(o))
		Expect(FindObserverByAddr(observers, dummyAddr)).To(BeIdenticalTo(o))
		Expect(FindObserverByToken(observers, token)).To(BeIdenticalTo(o))
		Expect(FindObserver(observers, dummyAddr, []byte("nope"))).To(BeNil())

		Expect(resource.NotifyObservers()).To(Succeed())
		Expect(notified).To(Equal(1))
		Expect(resource.Age).To(Equal(OBSERVE_FIRST_AGE + 1))
	})

	It("Should report the first observer", func() {
		Expect(resource.RegisterObserver(&observers[0])).To(BeTrue())
		Expect(resource.RegisterObserver(&observers[1])).To(BeFalse())
		Expect(resource.FirstObserver()).To(BeIdenticalTo(&observers[0]))
		Expect(resource.FirstObserver().Next()).To(BeIdenticalTo(&observers[1]))
		Expect(observers[1].Next()).To(BeNil())
	})

	It("Should let the notify handler remove observers", func() {
		_, req := observeRequest(0x01, '1')
		for i := range observers {
			observers[i].Init(req, &net.UDPAddr{IP: net.ParseIP("2001:db8::3"), Port: 1000 + i})
			resource.RegisterObserver(&observers[i])
		}
		resource.Notify = func(r *Resource, o *Observer) {
			notified++
			Expect(r.RemoveObserver(o)).To(BeTrue())
			o.Clear()
		}

		Expect(resource.NotifyObservers()).To(Succeed())
		Expect(notified).To(Equal(3))
		Expect(resource.ObserversCount()).To(Equal(0))
		Expect(resource.FirstObserver()).To(BeNil())
		Expect(NextUnusedObserver(observers)).To(BeIdenticalTo(&observers[0]))
		Expect(events).To(HaveLen(6))
		Expect(events[5]).To(Equal(ObserverRemoved))
	})

	It("Should find observers per resource", func() {
		_, req := observeRequest(0x01, '1')
		other := NewResource("s", "2")
		observers[0].Init(req, dummyAddr)
		observers[1].Init(req, dummyAddr)
		resource.RegisterObserver(&observers[0])
		other.RegisterObserver(&observers[1])

		Expect(resource.FindObserver(dummyAddr, token)).To(BeIdenticalTo(&observers[0]))
		Expect(other.FindObserver(dummyAddr, token)).To(BeIdenticalTo(&observers[1]))
		Expect(other.FindObserver(dummyAddr, []byte("nope"))).To(BeNil())
		Expect(NewResource("s", "3").FindObserver(dummyAddr, token)).To(BeNil())
	})

	It("Should not remove an observer twice", func() {
		resource.RegisterObserver(&observers[0])
		Expect(resource.RemoveObserver(&observers[0])).To(BeTrue())
		Expect(resource.RemoveObserver(&observers[0])).To(BeFalse())
		Expect(observers[0].Registered()).To(BeFalse())
	})

	It("Should not notify without observers", func() {
		Expect(resource.NotifyObservers()).To(Succeed())
		Expect(notified).To(Equal(0))
		Expect(resource.Age).To(Equal(0))
	})

	It("Should fail to notify without a handler", func() {
		resource.RegisterObserver(&observers[0])
		resource.Notify = nil
		Expect(errors.Is(resource.NotifyObservers(), ErrNotFound)).To(BeTrue())
	})

	It("Should wrap the notification age", func() {
		resource.RegisterObserver(&observers[0])
		resource.Age = OBSERVE_MAX_AGE - 10
		prev := resource.Age
		for i := 0; i < 15; i++ {
			Expect(resource.NotifyObservers()).To(Succeed())
			Expect(AgeIsNewer(prev, resource.Age)).To(BeTrue())
			Expect(resource.Age).To(BeNumerically(">=", OBSERVE_FIRST_AGE))
			Expect(resource.Age).To(BeNumerically("<=", OBSERVE_MAX_AGE))
			prev = resource.Age
		}
		Expect(resource.Age).To(Equal(OBSERVE_FIRST_AGE + 4))
		Expect(notified).To(Equal(15))
	})

	Describe("Dispatch", func() {
		It("Should answer not found for an unknown path", func() {
			options, req := observeRequest(0x01, '3')
			err := HandleRequest(req, resources, options, dummyAddr)
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
			Expect(resource.ObserversCount()).To(Equal(0))
		})

		It("Should reject an undefined code", func() {
			options, req := observeRequest(0xff, '1')
			err := HandleRequest(req, resources, options, dummyAddr)
			Expect(errors.Is(err, ErrNotSupported)).To(BeTrue())
		})

		It("Should reject a method without handler", func() {
			options, req := observeRequest(byte(POST), '1')
			err := HandleRequest(req, resources, options, dummyAddr)
			Expect(errors.Is(err, ErrNotPermitted)).To(BeTrue())
		})

		It("Should ignore responses and empty messages", func() {
			options, rsp := observeRequest(byte(CoapCodeContent), '1')
			Expect(HandleRequest(rsp, resources, options, dummyAddr)).To(Succeed())
			options, empty := observeRequest(0x00, '1')
			Expect(HandleRequest(empty, resources, options, dummyAddr)).To(Succeed())
			Expect(resource.ObserversCount()).To(Equal(0))
		})

		It("Should match the first resource in order", func() {
			var hit []string
			mark := func(name string) MethodHandler {
				return func(*Resource, *Packet, []Option, net.Addr) error {
					hit = append(hit, name)
					return nil
				}
			}
			wild := NewResource("s", WildcardSegment)
			wild.Get = mark("wild")
			exact := NewResource("s", "1")
			exact.Get = mark("exact")

			options, req := observeRequest(0x01, '1')
			Expect(HandleRequest(req, []*Resource{wild, exact}, options, dummyAddr)).To(Succeed())
			Expect(HandleRequest(req, []*Resource{exact, wild}, options, dummyAddr)).To(Succeed())
			Expect(hit).To(Equal([]string{"wild", "exact"}))
		})
	})

	Describe("Client side observation", func() {
		It("Should deliver fresh notifications only", func() {
			var ages []uint32
			replies := make([]Reply, 1)

			req, err := NewPacket(newBuf(), CON, token, GET, 0x1234)
			Expect(err).NotTo(HaveOccurred())
			Expect(req.AppendOptionInt(OptionObserve, 0)).To(Succeed())
			Expect(req.SetPath("/s/1")).To(Succeed())

			r := NextUnusedReply(replies)
			r.Init(req)
			r.Handler = func(resp *Packet, reply *Reply, from net.Addr) error {
				age, _ := resp.GetOptionInt(OptionObserve)
				ages = append(ages, age)
				return nil
			}

			options := make([]Option, 4)
			_, n, err := ParsePacket(req.Bytes(), options)
			Expect(err).NotTo(HaveOccurred())
			Expect(HandleRequest(req, resources, options[:n], dummyAddr)).To(Succeed())
			Expect(resource.ObserversCount()).To(Equal(1))

			resource.Notify = func(res *Resource, o *Observer) {
				rsp, err := NewPacket(make([]byte, bufSize), CON, o.TokenBytes(), CoapCodeContent, uint16(res.Age))
				Expect(err).NotTo(HaveOccurred())
				Expect(rsp.AppendOptionInt(OptionObserve, uint32(res.Age))).To(Succeed())
				Expect(ResponseReceived(rsp, o.Addr, replies)).To(BeIdenticalTo(r))
			}
			for i := 0; i < 3; i++ {
				Expect(resource.NotifyObservers()).To(Succeed())
			}
			Expect(ages).To(Equal([]uint32{3, 4, 5}))

			old, _ := NewPacket(make([]byte, bufSize), CON, token, CoapCodeContent, 1)
			Expect(old.AppendOptionInt(OptionObserve, 4)).To(Succeed())
			ResponseReceived(old, dummyAddr, replies)
			Expect(ages).To(HaveLen(3))
		})
	})
})
