// Package acl decides which plain HTTP requests may be forwarded.
package acl

import "strings"

// DefaultAllowPath is the path fragment forwarded when nothing else is
// configured.
const DefaultAllowPath = "/api/"

// Policy is a path allow-list. A request is allowed when its path contains
// any of the configured substrings. The zero value allows nothing.
type Policy struct {
	allow []string
}

// New returns a Policy allowing paths that contain any of substrings. Empty
// entries are ignored. With no usable entries it falls back to
// DefaultAllowPath.
func New(substrings ...string) *Policy {
	p := &Policy{}
	for _, s := range substrings {
		s = strings.TrimSpace(s)
		if s != "" {
			p.allow = append(p.allow, s)
		}
	}
	if len(p.allow) == 0 {
		p.allow = []string{DefaultAllowPath}
	}
	return p
}

// Allow reports whether path may be forwarded.
func (p *Policy) Allow(path string) bool {
	if p == nil {
		return false
	}
	for _, s := range p.allow {
		if strings.Contains(path, s) {
			return true
		}
	}
	return false
}

// Substrings returns a copy of the allow-list.
func (p *Policy) Substrings() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.allow...)
}
