package query

import (
	"strings"

	"github.com/roach88/mqc/internal/attr"
	"github.com/roach88/mqc/internal/settings"
)

type projectionMode int

const (
	modeInclude projectionMode = iota
	modeExclude
	modeMixed
)

type projEntry struct {
	value int
	// byDefault marks values coming from default_projection or
	// default_exclude; they never overwrite a value the caller set
	// explicitly.
	byDefault bool
}

// Projection normalizes inclusion/exclusion/mixed specs into a full
// per-field map and tracks quietly included fields (loaded but never
// advertised back to the client).
type Projection struct {
	res     *attr.Resolver
	scope   *settings.Scope
	mode    projectionMode
	entries map[string]projEntry
	quiet   map[string]bool
}

func newProjection(res *attr.Resolver, scope *settings.Scope) *Projection {
	return &Projection{
		res:     res,
		scope:   scope,
		mode:    modeExclude,
		entries: map[string]projEntry{},
		quiet:   map[string]bool{},
	}
}

// Input normalizes the project section, applies the configured projection
// policy, and returns the relation names that were found inside the map;
// the caller forwards those to the join compiler as implicit join requests.
func (p *Projection) Input(v any) (map[string]any, error) {
	relations := map[string]any{}

	var explicit map[string]int
	relMode := -1
	switch t := v.(type) {
	case nil:
	case string:
		explicit = map[string]int{}
		for _, name := range strings.Fields(t) {
			explicit[name] = 1
		}
	case []any, []string:
		names, ok := stringList(t)
		if !ok {
			return nil, invalidQuery("project", "projection array must hold strings")
		}
		explicit = map[string]int{}
		for _, name := range names {
			explicit[name] = 1
		}
	case map[string]any:
		explicit = map[string]int{}
		for _, name := range sortedKeys(t) {
			raw := t[name]
			if _, isRel := p.res.Entity().Relation(name); isRel {
				switch rv := raw.(type) {
				case map[string]any:
					relations[name] = rv
					relMode = 1
				default:
					if truthy(rv) {
						// value 1: join with no extra query
						relations[name] = nil
						relMode = 1
					} else {
						relMode = 0
					}
				}
				continue
			}
			val, ok := asInt(raw)
			if !ok {
				if b, isBool := raw.(bool); isBool {
					val, ok = 0, true
					if b {
						val = 1
					}
				}
			}
			if !ok || (val != 0 && val != 1) {
				return nil, invalidQuery("project", "projection value for %q must be 0 or 1", name)
			}
			explicit[name] = val
		}
	default:
		return nil, invalidQuery("project", "projection must be a string, array or object, got %s", describeType(v))
	}

	if explicit == nil {
		p.applyDefaults()
	} else {
		if len(explicit) == 0 && relMode != -1 {
			// a relations-only projection takes its mode from the
			// relation values: {rel: 0} excludes nothing
			if relMode == 1 {
				p.mode = modeInclude
			} else {
				p.mode = modeExclude
			}
		} else if err := p.seed(explicit); err != nil {
			return nil, err
		}
		for _, name := range p.scope.DefaultExclude {
			p.set(name, 0, true, false)
		}
	}

	for _, name := range p.scope.ForceInclude {
		p.set(name, 1, false, false)
	}
	for _, name := range p.scope.ForceExclude {
		p.set(name, 0, false, false)
	}
	for _, name := range p.scope.EnsureLoaded {
		p.set(name, 1, false, true)
	}
	p.applyBundles()

	return relations, nil
}

func (p *Projection) applyDefaults() {
	switch {
	case len(p.scope.DefaultProjection) > 0:
		p.mode = modeInclude
		for _, name := range p.scope.DefaultProjection {
			p.entries[name] = projEntry{1, true}
		}
	case len(p.scope.DefaultExclude) > 0:
		p.mode = modeExclude
		for _, name := range p.scope.DefaultExclude {
			p.entries[name] = projEntry{0, true}
		}
	default:
		p.mode = modeExclude
	}
}

// seed classifies an explicit field map into a mode. All-one values are an
// inclusion, all-zero an exclusion; mixed values are only legal when every
// field in the namespace is named.
func (p *Projection) seed(explicit map[string]int) error {
	for name := range explicit {
		if err := p.checkProjectable(name); err != nil {
			return err
		}
	}

	ones, zeros := 0, 0
	for _, v := range explicit {
		if v == 1 {
			ones++
		} else {
			zeros++
		}
	}
	switch {
	case zeros == 0:
		p.mode = modeInclude
	case ones == 0:
		p.mode = modeExclude
	default:
		fields := p.res.Entity().Fields
		named := 0
		for i := range fields {
			if _, ok := explicit[fields[i].Name]; ok {
				named++
			}
		}
		if named != len(fields) {
			return invalidQuery("project", "a mixed projection must name every field")
		}
		p.mode = modeMixed
	}
	for name, v := range explicit {
		p.entries[name] = projEntry{v, false}
	}
	return nil
}

func (p *Projection) checkProjectable(name string) error {
	entity := p.res.Entity()
	if entity.Legacy(name) || p.scope.Legacy(name) {
		return nil // retired name, passed through
	}
	a, err := p.res.Resolve(name)
	if err != nil {
		return fieldError(err, entity.Name, name, "project")
	}
	switch a.Kind {
	case attr.KindColumn, attr.KindComputed, attr.KindDerived, attr.KindAssociation:
		return nil
	}
	return invalidField(entity.Name, name, "project", "%q cannot be projected", name)
}

// set writes one projection entry, moving to MIXED mode when an entry of
// the opposite polarity forces it.
func (p *Projection) set(name string, value int, byDefault, quiet bool) {
	cur, exists := p.entries[name]
	if exists && byDefault && !cur.byDefault {
		return
	}
	wasIncluded := p.included(name)

	switch p.mode {
	case modeInclude:
		if value == 1 {
			p.entries[name] = projEntry{1, byDefault}
		} else if exists {
			p.expand()
			p.entries[name] = projEntry{0, byDefault}
		}
	case modeExclude:
		if value == 0 {
			p.entries[name] = projEntry{0, byDefault}
		} else if exists {
			delete(p.entries, name)
		}
	case modeMixed:
		p.entries[name] = projEntry{value, byDefault}
	}

	if quiet && value == 1 && !wasIncluded {
		p.quiet[name] = true
	}
}

// expand rewrites the partial entry map as a full projection and switches
// to MIXED mode.
func (p *Projection) expand() {
	full := map[string]projEntry{}
	fields := p.res.Entity().Fields
	for i := range fields {
		name := fields[i].Name
		if cur, ok := p.entries[name]; ok {
			full[name] = cur
			continue
		}
		if p.included(name) {
			full[name] = projEntry{1, false}
		} else {
			full[name] = projEntry{0, false}
		}
	}
	// keep legacy passthrough entries
	for name, e := range p.entries {
		if _, ok := full[name]; !ok {
			full[name] = e
		}
	}
	p.entries = full
	p.mode = modeMixed
}

// Merge folds more included names in. Quiet merges record which names
// became newly included purely as a side effect.
func (p *Projection) Merge(names []string, quiet bool) error {
	for _, name := range names {
		if err := p.checkProjectable(name); err != nil {
			return err
		}
		p.set(name, 1, false, quiet)
	}
	return nil
}

func (p *Projection) applyBundles() {
	if len(p.scope.BundledProject) == 0 {
		return
	}
	for _, name := range sortedKeys(p.scope.BundledProject) {
		if p.included(name) {
			for _, dep := range p.scope.BundledProject[name] {
				p.set(dep, 1, false, true)
			}
		}
	}
}

func (p *Projection) included(name string) bool {
	e, ok := p.entries[name]
	switch p.mode {
	case modeInclude:
		return ok && e.value == 1
	default:
		if ok {
			return e.value == 1
		}
		return p.mode == modeExclude
	}
}

// Includes reports whether a field is loaded, quietly or not.
func (p *Projection) Includes(name string) bool {
	if p.res.Entity().IsPrimaryKey(name) {
		return true
	}
	return p.included(name)
}

// FullProjection expands the stored, possibly partial, map into exactly
// one {0,1} entry per namespace field. Primary-key fields are always 1,
// even under an exclusion that names them.
func (p *Projection) FullProjection() map[string]int {
	out := map[string]int{}
	fields := p.res.Entity().Fields
	for i := range fields {
		name := fields[i].Name
		if p.included(name) {
			out[name] = 1
		} else {
			out[name] = 0
		}
	}
	for name, e := range p.entries {
		if _, ok := out[name]; !ok {
			out[name] = e.value // legacy passthrough
		}
	}
	for _, pk := range p.res.Entity().PrimaryKey {
		out[pk] = 1
	}
	return out
}

// Projection is the client-visible spec: the full projection with quietly
// included fields reported as excluded.
func (p *Projection) Projection() map[string]int {
	out := p.FullProjection()
	for name := range p.quiet {
		if !p.res.Entity().IsPrimaryKey(name) {
			out[name] = 0
		}
	}
	return out
}

// Quiet reports whether a field was included only quietly.
func (p *Projection) Quiet(name string) bool { return p.quiet[name] }

// Columns resolves the minimal attribute set the storage layer must load:
// every included field with a backend expression, primary keys forced in.
// Computed properties have no storage and are skipped; their bundled
// dependency columns are already merged in.
func (p *Projection) Columns() ([]attr.Attribute, error) {
	full := p.FullProjection()
	var out []attr.Attribute
	fields := p.res.Entity().Fields
	for i := range fields {
		name := fields[i].Name
		if full[name] != 1 {
			continue
		}
		a, err := p.res.Resolve(name)
		if err != nil {
			return nil, err
		}
		if a.Kind == attr.KindComputed {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}
