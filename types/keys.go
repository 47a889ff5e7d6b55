package types

import (
	"fmt"
	"strings"
)

/*
Hierarchical keys look like

	namespace.component.field[@lang[@env]]

e.g. "site.header.title@de@staging". Lookups resolve suffix fallbacks by probing
progressively shorter variants:

	site.header.title@de@staging -> site.header.title@de -> site.header.title
*/

type Key struct {
	Path []string // dot separated segments
	Lang string
	Env  string
}

func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, "@")
	if len(parts) > 3 {
		return Key{}, fmt.Errorf("%w: %q has more than two suffixes", ErrInvalidKey, s)
	}
	if parts[0] == "" {
		return Key{}, fmt.Errorf("%w: %q has an empty base", ErrInvalidKey, s)
	}
	segments := strings.Split(parts[0], ".")
	for _, seg := range segments {
		if seg == "" {
			return Key{}, fmt.Errorf("%w: %q has an empty segment", ErrInvalidKey, s)
		}
	}
	k := Key{Path: segments}
	if len(parts) > 1 {
		if parts[1] == "" {
			return Key{}, fmt.Errorf("%w: %q has an empty language suffix", ErrInvalidKey, s)
		}
		k.Lang = parts[1]
	}
	if len(parts) > 2 {
		if parts[2] == "" {
			return Key{}, fmt.Errorf("%w: %q has an empty environment suffix", ErrInvalidKey, s)
		}
		k.Env = parts[2]
	}
	return k, nil
}

func (k Key) Base() string { return strings.Join(k.Path, ".") }

// Namespace is the first path segment.
func (k Key) Namespace() string {
	if len(k.Path) == 0 {
		return ""
	}
	return k.Path[0]
}

func (k Key) String() string {
	s := k.Base()
	if k.Lang != "" {
		s += "@" + k.Lang
		if k.Env != "" {
			s += "@" + k.Env
		}
	}
	return s
}

// FallbackChain lists the probe order for s, most specific first. A key that
// does not parse is probed verbatim.
func FallbackChain(s string) []string {
	k, err := ParseKey(s)
	if err != nil {
		return []string{s}
	}
	chain := []string{k.String()}
	if k.Env != "" {
		chain = append(chain, Key{Path: k.Path, Lang: k.Lang}.String())
	}
	if k.Lang != "" {
		chain = append(chain, k.Base())
	}
	return chain
}
