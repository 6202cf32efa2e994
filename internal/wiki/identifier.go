package wiki

import "strings"

// Resolver normalizes caller-supplied page identifiers into canonical form.
// Identifiers are hierarchical, namespace components separated by ':'.
type Resolver struct {
	startPage string
}

// NewResolver constructs a resolver that substitutes startPage for empty
// identifiers. The configured start page is itself canonicalized once.
func NewResolver(startPage string) *Resolver {
	r := &Resolver{}
	r.startPage = r.clean(startPage)
	return r
}

// Resolve canonicalizes raw and substitutes the configured start page when the
// result is empty. It never fails.
func (r *Resolver) Resolve(raw string) string {
	id := r.clean(raw)
	if id == "" {
		return r.startPage
	}
	return id
}

// ResolveNS canonicalizes a namespace or media identifier without the start
// page substitution. An empty result addresses the root namespace.
func (r *Resolver) ResolveNS(raw string) string {
	return r.clean(raw)
}

// Namespace returns the namespace portion of a canonical identifier, or ""
// for identifiers in the root namespace.
func Namespace(id string) string {
	if idx := strings.LastIndex(id, ":"); idx >= 0 {
		return id[:idx]
	}
	return ""
}

func (r *Resolver) clean(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	raw = strings.ReplaceAll(raw, "/", ":")
	raw = strings.ReplaceAll(raw, ";", ":")

	var b strings.Builder
	b.Grow(len(raw))
	lastColon := true // leading separators are dropped
	for _, ch := range raw {
		switch {
		case ch == ':':
			if !lastColon {
				b.WriteRune(':')
				lastColon = true
			}
		case ch == ' ':
			b.WriteRune('_')
			lastColon = false
		case ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9',
			ch == '_', ch == '-', ch == '.':
			b.WriteRune(ch)
			lastColon = false
		default:
			// every other character is dropped from the canonical form
		}
	}

	return strings.Trim(b.String(), ":_.")
}
