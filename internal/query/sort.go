package query

import (
	"strings"

	"github.com/roach88/mqc/internal/attr"
	"github.com/roach88/mqc/internal/plan"
)

type sortKey struct {
	Name string
	Desc bool
	Attr attr.Attribute
}

// Sort normalizes ordering specs into an ordered (field, direction) list.
// Group reuses the same grammar; its keys are consumed as GROUP BY keys
// instead of ORDER BY keys. Key order is observable, so entries stay in
// input order and later entries override earlier ones with the same name.
type Sort struct {
	res     *attr.Resolver
	section string
	keys    []sortKey
}

func newSort(res *attr.Resolver, section string) *Sort {
	return &Sort{res: res, section: section}
}

// Empty reports whether no keys were given.
func (s *Sort) Empty() bool { return len(s.keys) == 0 }

// Names returns the key names in order.
func (s *Sort) Names() []string {
	names := make([]string, len(s.keys))
	for i, k := range s.keys {
		names[i] = k.Name
	}
	return names
}

// Input accepts "a+ b-", ["a+","b-","c"], [["a",1],["b",-1]] or a
// single-entry {name: 1|-1} map. A multi-entry plain map is rejected:
// its iteration order is not guaranteed and key order is observable.
func (s *Sort) Input(v any) error {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		for _, token := range strings.Fields(t) {
			if err := s.addToken(token); err != nil {
				return err
			}
		}
	case []any:
		for _, item := range t {
			switch entry := item.(type) {
			case string:
				if err := s.addToken(entry); err != nil {
					return err
				}
			case []any:
				if len(entry) != 2 {
					return invalidQuery(s.section, "ordered pair must be [name, direction]")
				}
				name, ok := entry[0].(string)
				if !ok {
					return invalidQuery(s.section, "ordered pair name must be a string")
				}
				dir, ok := asInt(entry[1])
				if !ok || (dir != 1 && dir != -1) {
					return invalidQuery(s.section, "direction for %q must be 1 or -1", name)
				}
				if err := s.add(name, dir == -1); err != nil {
					return err
				}
			default:
				return invalidQuery(s.section, "%s entries must be strings or pairs, got %s", s.section, describeType(item))
			}
		}
	case []string:
		for _, token := range t {
			if err := s.addToken(token); err != nil {
				return err
			}
		}
	case map[string]any:
		if len(t) > 1 {
			return invalidQuery(s.section, "a plain map with more than one %s key has no defined order; use an array", s.section)
		}
		for name, raw := range t {
			dir, ok := asInt(raw)
			if !ok || (dir != 1 && dir != -1) {
				return invalidQuery(s.section, "direction for %q must be 1 or -1", name)
			}
			if err := s.add(name, dir == -1); err != nil {
				return err
			}
		}
	default:
		return invalidQuery(s.section, "%s must be a string, array or single-entry map, got %s", s.section, describeType(v))
	}
	return nil
}

func (s *Sort) addToken(token string) error {
	name, desc := token, false
	switch {
	case strings.HasSuffix(token, "-"):
		name, desc = token[:len(token)-1], true
	case strings.HasSuffix(token, "+"):
		name = token[:len(token)-1]
	}
	return s.add(name, desc)
}

func (s *Sort) add(name string, desc bool) error {
	entity := s.res.Entity()
	a, err := s.res.Resolve(name)
	if err != nil {
		return fieldError(err, entity.Name, name, s.section)
	}
	if a.Kind == attr.KindLegacy {
		return nil // retired name, accepted and ignored
	}
	if !a.Sortable() {
		return invalidField(entity.Name, name, s.section, "field %q cannot be used for %s", name, s.section)
	}
	for i := range s.keys {
		if s.keys[i].Name == name {
			s.keys[i].Desc = desc
			s.keys[i].Attr = a
			return nil
		}
	}
	s.keys = append(s.keys, sortKey{Name: name, Desc: desc, Attr: a})
	return nil
}

// Merge appends another handler's keys, overriding same-name entries in
// place and appending new names.
func (s *Sort) Merge(other *Sort) {
	for _, k := range other.keys {
		replaced := false
		for i := range s.keys {
			if s.keys[i].Name == k.Name {
				s.keys[i] = k
				replaced = true
				break
			}
		}
		if !replaced {
			s.keys = append(s.keys, k)
		}
	}
}

// Compile renders the keys as ORDER BY entries.
func (s *Sort) Compile() ([]plan.Order, error) {
	out := make([]plan.Order, 0, len(s.keys))
	for _, k := range s.keys {
		ref, err := s.res.Reference(k.Attr)
		if err != nil {
			return nil, err
		}
		out = append(out, plan.Order{Expr: ref, Desc: k.Desc})
	}
	return out, nil
}

// GroupKeys renders the keys as GROUP BY expressions.
func (s *Sort) GroupKeys() ([]string, error) {
	out := make([]string, 0, len(s.keys))
	for _, k := range s.keys {
		ref, err := s.res.Reference(k.Attr)
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, nil
}

// keyAttrs exposes the resolved key attributes for plan assembly.
func (s *Sort) keyAttrs() []sortKey { return s.keys }
