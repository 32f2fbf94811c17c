package coapcore

import (
	"strings"

	"github.com/pkg/errors"
)

var WellKnownCorePath = []string{".well-known", "core"}

func isWellKnownCore(path []string) bool {
	return len(path) == 2 && path[0] == WellKnownCorePath[0] && path[1] == WellKnownCorePath[1]
}

func hasWildcard(path []string) bool {
	for _, s := range path {
		if s == WildcardSegment || s == WildcardTail {
			return true
		}
	}
	return false
}

func resourceHref(r *Resource) string {
	return "/" + strings.Join(r.Path, "/")
}

// matchValue compares with an optional trailing '*' meaning prefix match.
func matchValue(pattern, value string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(value, pattern[:len(pattern)-1])
	}
	return pattern == value
}

// matchQuery applies a single "name=value" filter of RFC 6690 section 4.1.
func matchQuery(r *Resource, query string) bool {
	if query == "" {
		return true
	}
	name, value, hasValue := strings.Cut(query, "=")
	if name == "href" {
		return matchValue(value, resourceHref(r))
	}
	for _, attr := range r.Attributes {
		an, av, attrHasValue := strings.Cut(attr, "=")
		if an != name {
			continue
		}
		if !hasValue {
			return true
		}
		if attrHasValue {
			for _, v := range strings.Fields(strings.Trim(av, `"`)) {
				if matchValue(value, v) {
					return true
				}
			}
		}
	}
	return false
}

// LinkFormat renders the resources as </a/b>;attr entries. Wildcard paths
// and /.well-known/core itself are not listed.
func LinkFormat(resources []*Resource, query string) []byte {
	var b strings.Builder
	for _, r := range resources {
		if len(r.Path) == 0 || isWellKnownCore(r.Path) || hasWildcard(r.Path) {
			continue
		}
		if !matchQuery(r, query) {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('<')
		b.WriteString(resourceHref(r))
		b.WriteByte('>')
		for _, attr := range r.Attributes {
			b.WriteByte(';')
			b.WriteString(attr)
		}
	}
	return []byte(b.String())
}

// WellKnownCoreGet builds the answer to a GET /.well-known/core in buf. Large
// listings are sent block-wise, starting at the Block2 of req if any.
func WellKnownCoreGet(resources []*Resource, req *Packet, buf []byte) (*Packet, error) {
	var query [1]Option
	filter := ""
	if req.FindOptions(OptionURIQuery, query[:]) > 0 {
		filter = query[0].String()
	}
	body := LinkFormat(resources, filter)

	t := NON
	if req.Type() == CON {
		t = ACK
	}
	resp, err := NewPacket(buf, t, req.Token(), CoapCodeContent, req.ID())
	if err != nil {
		return nil, err
	}
	if err := resp.AppendOptionInt(OptionContentFormat, uint32(MediaTypeApplicationLinkFormat)); err != nil {
		return nil, err
	}

	_, blockwise := req.GetBlock2Option()
	if !blockwise && len(body) <= BlockSizeToBytes(WELL_KNOWN_BLOCK_SIZE) {
		if len(body) == 0 {
			return resp, nil
		}
		if err := resp.AppendPayloadMarker(); err != nil {
			return nil, err
		}
		return resp, resp.AppendPayload(body)
	}

	ctx := NewBlockContext(WELL_KNOWN_BLOCK_SIZE, len(body))
	if err := ctx.UpdateFromBlock(req); err != nil {
		return nil, err
	}
	if ctx.Current >= len(body) {
		return nil, errors.Wrapf(ErrInvalid, "block at %d past %d bytes", ctx.Current, len(body))
	}
	if err := resp.AppendBlock2Option(ctx); err != nil {
		return nil, err
	}
	if ctx.Current == 0 {
		if err := resp.AppendSize2Option(ctx); err != nil {
			return nil, err
		}
	}
	end := min(ctx.Current+BlockSizeToBytes(ctx.BlockSize), len(body))
	if err := resp.AppendPayloadMarker(); err != nil {
		return nil, err
	}
	return resp, resp.AppendPayload(body[ctx.Current:end])
}
