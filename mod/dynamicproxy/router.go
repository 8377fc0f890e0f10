package dynamicproxy

import (
	"strings"

	radix "github.com/armon/go-radix"
)

/*
	router.go

	The route index. Built once from the configuration snapshot and
	read-only for the rest of the process lifetime. Domain-specific
	routes (other than the domain root) are stored one radix tree per
	DomainKey; path-only routes share a single global tree. Root
	("/") routes are kept separately per domain so they can be
	deprioritized behind path-only routes, per the fall-through
	decision recorded for the ambiguous case in DESIGN.md.
*/

// RouteIndex answers resolve(host_port, request_path) -> RouteEntry
// queries in the four priority bands.
type RouteIndex struct {
	byDomain      map[string]*radix.Tree // DomainKey -> path (excluding "/") -> *RouteEntry
	domainRoot    map[string]*RouteEntry // DomainKey -> "/" route, if configured
	pathOnly      *radix.Tree            // path (any, including "/") -> *RouteEntry
	globalDefault *RouteEntry
}

// NewRouteIndex builds an index from a flat route list.
func NewRouteIndex(routes []RouteEntry, globalDefault *RouteEntry) *RouteIndex {
	idx := &RouteIndex{
		byDomain:      make(map[string]*radix.Tree),
		domainRoot:    make(map[string]*RouteEntry),
		pathOnly:      radix.New(),
		globalDefault: globalDefault,
	}

	for i := range routes {
		r := &routes[i]
		if r.Domain == nil {
			idx.pathOnly.Insert(r.Path, r)
			continue
		}
		domain := *r.Domain
		if r.Path == "/" {
			idx.domainRoot[domain] = r
			continue
		}
		tree, ok := idx.byDomain[domain]
		if !ok {
			tree = radix.New()
			idx.byDomain[domain] = tree
		}
		tree.Insert(r.Path, r)
	}

	return idx
}

// Resolve implements the four-band lookup: domain-specific non-root
// routes, then path-only routes, then the domain's own root route,
// then the synthetic global default.
func (idx *RouteIndex) Resolve(domainKey string, requestPath string) *RouteEntry {
	domainKey = strings.ToLower(domainKey)

	if tree, ok := idx.byDomain[domainKey]; ok {
		if match := longestSegmentPrefix(tree, requestPath); match != nil {
			return match
		}
	}

	if match := longestSegmentPrefix(idx.pathOnly, requestPath); match != nil {
		return match
	}

	if root, ok := idx.domainRoot[domainKey]; ok {
		return root
	}

	return idx.globalDefault
}

// longestSegmentPrefix walks every prefix of path present in tree
// and returns the RouteEntry for the longest one that aligns on a
// '/' boundary (or exactly matches path).
func longestSegmentPrefix(tree *radix.Tree, path string) *RouteEntry {
	var best *RouteEntry
	var bestLen int
	tree.WalkPath(path, func(key string, value interface{}) bool {
		if isSegmentPrefix(key, path) && len(key) > bestLen {
			best = value.(*RouteEntry)
			bestLen = len(key)
		}
		return false
	})
	return best
}

// isSegmentPrefix reports whether prefix is a segment-aligned prefix
// of path: prefix must equal path, or the next character in path
// after prefix must be '/'. "/" is a universal prefix of every path,
// so a path-only catch-all route on "/" matches everything rather
// than only the literal root.
func isSegmentPrefix(prefix, path string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(prefix) == len(path) {
		return true
	}
	return path[len(prefix)] == '/'
}
