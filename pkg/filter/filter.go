// Package filter computes, for one incoming request, the slice of the
// catalog that request is allowed to see (spec.md §4.6). Three input
// sources are combined in strict precedence order: a per-request filter
// header, a session's declared tool set, and static per-tool enable flags
// from configuration. The static flag is a hard mask: a statically
// disabled tool is invisible even under a "*" header, resolving the
// "possibly-buggy source behavior" open question in spec.md §9 to the
// conservative reading.
package filter

import (
	"encoding/json"
	"strings"

	"github.com/gobwas/glob"

	"github.com/5dlabs/toolman/pkg/catalog"
	"github.com/5dlabs/toolman/pkg/jsonrpc"
)

// Patterns is a parsed filter: a set of exact names and/or glob patterns.
// A nil Patterns (as opposed to an empty, non-matching one) means "no
// header-level restriction; fall through to the next precedence level".
type Patterns struct {
	all      bool
	compiled []glob.Glob
}

// ParseHeader parses the raw value of the per-request filter header per the
// three recognized grammars in spec.md §4.6. An empty string means no
// header was supplied and returns (nil, nil): callers should fall through
// to session-level filtering.
func ParseHeader(raw string) (*Patterns, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if raw == `"*"` || raw == "*" {
		return &Patterns{all: true}, nil
	}

	var names []string
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &names); err != nil {
			return nil, jsonrpc.Wrap(jsonrpc.KindInvalidParams, "malformed filter header JSON array", err)
		}
	} else {
		for _, n := range strings.Split(raw, ",") {
			n = strings.TrimSpace(n)
			if n != "" {
				names = append(names, n)
			}
		}
	}

	return compile(names)
}

// FromList builds a Patterns directly from a list of names/glob patterns,
// e.g. a session's declared RequestedTools, sharing the same glob
// semantics as the header grammar.
func FromList(names []string) (*Patterns, error) {
	if len(names) == 0 {
		return nil, nil
	}
	return compile(names)
}

func compile(names []string) (*Patterns, error) {
	p := &Patterns{compiled: make([]glob.Glob, 0, len(names))}
	for _, n := range names {
		if n == "*" {
			return &Patterns{all: true}, nil
		}
		g, err := glob.Compile(n)
		if err != nil {
			return nil, jsonrpc.Wrap(jsonrpc.KindInvalidParams, "invalid filter pattern: "+n, err)
		}
		p.compiled = append(p.compiled, g)
	}
	return p, nil
}

// Matches reports whether name is admitted by p. A nil *Patterns matches
// nothing by itself — callers treat nil as "defer to the next precedence
// level", not as "match everything".
func (p *Patterns) Matches(name string) bool {
	if p == nil {
		return false
	}
	if p.all {
		return true
	}
	for _, g := range p.compiled {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// Resolve computes the visible tool slice for one request. headerPatterns
// is the already-parsed per-request header (nil if absent); sessionTools is
// the already-parsed session-declared set (nil if no session or session
// declared nothing). Static enable flags, baked into each catalog.Tool at
// discovery time, are applied unconditionally as a final hard mask.
//
// Ordering is the catalog's order (sorted by backend id, then original tool
// name), never caller order, so responses are stable under retries
// (spec.md §4.6).
func Resolve(cat *catalog.Catalog, headerPatterns, sessionTools *Patterns) []catalog.Tool {
	var visible []catalog.Tool
	for _, t := range cat.Iter() {
		if !t.Enabled {
			continue
		}
		if headerPatterns != nil {
			if headerPatterns.Matches(t.PrefixedName) {
				visible = append(visible, t)
			}
			continue
		}
		if sessionTools != nil && sessionTools.Matches(t.PrefixedName) {
			visible = append(visible, t)
			continue
		}
	}
	return visible
}
