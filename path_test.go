package coapcore_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"

	. "github.com/coalalib/coapcore"
)

func optionStrings(p *Packet, code OptionCode) []string {
	var opts [8]Option
	n := p.FindOptions(code, opts[:])
	out := []string{}
	for i := 0; i < n; i++ {
		out = append(out, opts[i].String())
	}
	return out
}

var _ = Describe("Path", func() {
	DescribeTable("SetPath",
		func(path string, code OptionCode, want []string) {
			p, err := NewPacket(newBuf(), CON, nil, GET, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(p.SetPath(path)).To(Succeed())
			Expect(optionStrings(p, code)).To(Equal(want))
		},
		Entry("blank", " ", OptionURIPath, []string{}),
		Entry("empty", "", OptionURIPath, []string{}),
		Entry("root", "/", OptionURIPath, []string{}),
		Entry("bare query", "?", OptionURIQuery, []string{}),
		Entry("query", "?a", OptionURIQuery, []string{"a"}),
		Entry("two queries", "?a&b", OptionURIQuery, []string{"a", "b"}),
		Entry("segment", "a", OptionURIPath, []string{"a"}),
		Entry("segment has no query", "a", OptionURIQuery, []string{}),
		Entry("trailing slash", "a/", OptionURIPath, []string{"a"}),
		Entry("path before query", "a?b=t&a", OptionURIPath, []string{"a"}),
		Entry("query after path", "a?b=t&a", OptionURIQuery, []string{"b=t", "a"}),
		Entry("longer query", "a?b=t&aa", OptionURIQuery, []string{"b=t", "aa"}),
		Entry("flag query", "a?b&a", OptionURIQuery, []string{"b", "a"}),
		Entry("two segments", "a/b", OptionURIPath, []string{"a", "b"}),
		Entry("two segments slash", "a/b/", OptionURIPath, []string{"a", "b"}),
		Entry("two segments query", "a/b?b&aa", OptionURIQuery, []string{"b", "aa"}),
		Entry("double slash", "a//bb", OptionURIPath, []string{"a", "bb"}),
	)

	Describe("GET /sensors/temp", func() {
		var (
			options []Option
			n       int
		)

		BeforeEach(func() {
			req, err := NewPacket(newBuf(), CON, []byte{0xAB, 0xCD}, GET, 1234)
			Expect(err).NotTo(HaveOccurred())
			Expect(req.SetPath("/sensors/temp")).To(Succeed())
			Expect(req.Bytes()[6:]).To(Equal([]byte{0xb7, 's', 'e', 'n', 's', 'o', 'r', 's', 0x04, 't', 'e', 'm', 'p'}))

			options = make([]Option, 8)
			_, n, err = ParsePacket(req.Bytes(), options)
			Expect(err).NotTo(HaveOccurred())
			options = options[:n]
		})

		It("Should carry two Uri-Path options", func() {
			Expect(n).To(Equal(2))
			Expect(options[0].String()).To(Equal("sensors"))
			Expect(options[1].String()).To(Equal("temp"))
			Expect(URIPath(options)).To(Equal("/sensors/temp"))
		})

		DescribeTable("URIPathMatch",
			func(path []string, want bool) {
				Expect(URIPathMatch(path, options)).To(Equal(want))
			},
			Entry("literal", []string{"sensors", "temp"}, true),
			Entry("single level wildcard", []string{"sensors", "+"}, true),
			Entry("leading wildcard", []string{"+", "temp"}, true),
			Entry("multi level wildcard", []string{"#"}, true),
			Entry("multi level wildcard after prefix", []string{"sensors", "#"}, true),
			Entry("empty tail", []string{"sensors", "temp", "#"}, true),
			Entry("other", []string{"other"}, false),
			Entry("prefix only", []string{"sensors"}, false),
			Entry("longer", []string{"sensors", "temp", "max"}, false),
			Entry("wildcard too short", []string{"+"}, false),
		)
	})
})
