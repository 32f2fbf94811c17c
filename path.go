package coapcore

import (
	"strings"
)

const (
	// Matches exactly one path segment.
	WildcardSegment = "+"
	// Matches the rest of the path, including nothing.
	WildcardTail = "#"
)

// SetPath splits path at '/' into Uri-Path options and the part after the
// first '?' at '&' into Uri-Query options. Empty segments are skipped.
func (p *Packet) SetPath(path string) error {
	path = strings.TrimSpace(path)
	query := ""
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path, query = path[:i], path[i+1:]
	}

	for _, segment := range strings.Split(path, "/") {
		if segment == "" {
			continue
		}
		if err := p.AppendOption(OptionURIPath, []byte(segment)); err != nil {
			return err
		}
	}
	for _, segment := range strings.Split(query, "&") {
		if segment == "" {
			continue
		}
		if err := p.AppendOption(OptionURIQuery, []byte(segment)); err != nil {
			return err
		}
	}
	return nil
}

// URIPathMatch compares the Uri-Path options against path segments. A
// WildcardSegment matches any single segment, a WildcardTail ends the
// comparison successfully.
func URIPathMatch(path []string, options []Option) bool {
	j := 0
	i := 0
	for ; i < len(options) && j < len(path); i++ {
		if options[i].Code != OptionURIPath {
			continue
		}
		switch path[j] {
		case WildcardSegment:
			j++
			continue
		case WildcardTail:
			return true
		}
		if options[i].String() != path[j] {
			return false
		}
		j++
	}

	if j < len(path) {
		return j == len(path)-1 && path[j] == WildcardTail
	}
	for ; i < len(options); i++ {
		if options[i].Code == OptionURIPath {
			return false
		}
	}
	return true
}

// URIPath joins the Uri-Path options as "/a/b".
func URIPath(options []Option) string {
	var b strings.Builder
	for i := range options {
		if options[i].Code != OptionURIPath {
			continue
		}
		b.WriteByte('/')
		b.WriteString(options[i].String())
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}
