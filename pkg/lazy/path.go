package lazy

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ravi-parthasarathy/baton/pkg/state"
)

// Path roots.
var (
	// S is the "$" root: the State the current operation will receive.
	S = Path{root: rootState}
	// Item is the current element inside each.
	Item = Path{root: rootItem}
	// Index is the position of the current element inside each.
	Index = Path{root: rootIndex}
)

type rootKind int

const (
	rootState rootKind = iota
	rootItem
	rootIndex
)

type segment struct {
	key   string
	index int
	isIdx bool
}

// Path walks keys and indices from one of the roots. Paths are values;
// Get and At return extended copies.
type Path struct {
	root rootKind
	segs []segment
}

// Get extends the path with a mapping key.
func (p Path) Get(key string) Path {
	return p.with(segment{key: key})
}

// At extends the path with a sequence index. Negative indices count from
// the end.
func (p Path) At(i int) Path {
	return p.with(segment{index: i, isIdx: true})
}

func (p Path) with(seg segment) Path {
	segs := make([]segment, len(p.segs), len(p.segs)+1)
	copy(segs, p.segs)
	return Path{root: p.root, segs: append(segs, seg)}
}

// Set always fails: a lazy expression is never an assignment target.
func (p Path) Set(any) error {
	return &WriteError{Expr: p.String()}
}

func (p Path) Resolve(s *Scope) (any, error) {
	var cur any
	switch p.root {
	case rootState:
		st, err := s.State()
		if err != nil {
			return nil, err
		}
		cur = map[string]any(st)
	case rootItem:
		v, _, err := s.Var(VarItem)
		if err != nil {
			return nil, err
		}
		cur = v
	case rootIndex:
		v, _, err := s.Var(VarIndex)
		if err != nil {
			return nil, err
		}
		cur = v
	}
	v, err := walk(cur, p.segs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	return v, nil
}

// MarshalJSON fails: a Path has no value outside a resolution scope.
func (p Path) MarshalJSON() ([]byte, error) { return unresolved(p) }

func (p Path) String() string {
	var sb strings.Builder
	switch p.root {
	case rootItem:
		sb.WriteString("item")
	case rootIndex:
		sb.WriteString("index")
	default:
		sb.WriteString("$")
	}
	for _, seg := range p.segs {
		if seg.isIdx {
			fmt.Fprintf(&sb, "[%d]", seg.index)
			continue
		}
		if isIdent(seg.key) {
			sb.WriteString("." + seg.key)
		} else {
			fmt.Fprintf(&sb, "[%q]", seg.key)
		}
	}
	return sb.String()
}

// walk follows segments from v. Missing keys and nil values resolve to
// nil; indexing into a scalar is an error.
func walk(v any, segs []segment) (any, error) {
	cur := v
	for _, seg := range segs {
		if cur == nil {
			return nil, nil
		}
		switch c := cur.(type) {
		case map[string]any:
			cur = c[seg.name()]
		case []any:
			idx := seg.index
			if !seg.isIdx {
				n, err := strconv.Atoi(seg.key)
				if err != nil {
					return nil, fmt.Errorf("segment %q is not a valid array index", seg.key)
				}
				idx = n
			}
			if idx < 0 {
				idx += len(c)
			}
			if idx < 0 || idx >= len(c) {
				cur = nil
				continue
			}
			cur = c[idx]
		case state.State:
			cur = c[seg.name()]
		default:
			return nil, fmt.Errorf("cannot index into %T with segment %q", cur, seg.name())
		}
	}
	return cur, nil
}

func (s segment) name() string {
	if s.isIdx {
		return strconv.Itoa(s.index)
	}
	return s.key
}

// ParsePath parses "$.a.b[0]", "item.name" or "index". A leading "state"
// is accepted as a synonym for "$".
func ParsePath(src string) (Path, error) {
	src = strings.TrimSpace(src)
	var p Path
	rest := ""
	switch {
	case src == "$" || strings.HasPrefix(src, "$.") || strings.HasPrefix(src, "$["):
		p, rest = S, src[1:]
	case src == "state" || strings.HasPrefix(src, "state.") || strings.HasPrefix(src, "state["):
		p, rest = S, src[len("state"):]
	case src == "item" || strings.HasPrefix(src, "item.") || strings.HasPrefix(src, "item["):
		p, rest = Item, src[len("item"):]
	case src == "index":
		return Index, nil
	default:
		return Path{}, fmt.Errorf("path %q must start with $, state, item or index", src)
	}

	for rest != "" {
		switch rest[0] {
		case '.':
			rest = rest[1:]
			end := strings.IndexAny(rest, ".[")
			if end < 0 {
				end = len(rest)
			}
			key := rest[:end]
			if key == "" {
				return Path{}, fmt.Errorf("path %q: empty key", src)
			}
			p = p.Get(key)
			rest = rest[end:]
		case '[':
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return Path{}, fmt.Errorf("path %q: unterminated index", src)
			}
			inner := rest[1:end]
			rest = rest[end+1:]
			if unq, err := strconv.Unquote(inner); err == nil {
				p = p.Get(unq)
				continue
			}
			n, err := strconv.Atoi(inner)
			if err != nil {
				return Path{}, fmt.Errorf("path %q: invalid index %q", src, inner)
			}
			p = p.At(n)
		default:
			return Path{}, fmt.Errorf("path %q: unexpected %q", src, rest[0])
		}
	}
	return p, nil
}

// MustPath is like ParsePath but panics on error. It is meant for
// package-level pipeline declarations.
func MustPath(src string) Path {
	p, err := ParsePath(src)
	if err != nil {
		panic(err)
	}
	return p
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case i > 0 && (r >= '0' && r <= '9'):
		default:
			return false
		}
	}
	return true
}
