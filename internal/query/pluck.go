package query

// Record is a plain nested key/value structure reconstructed from a loaded
// entity graph.
type Record = map[string]any

// Pluck walks the same compiled projection and join plans that built the
// query and converts one loaded instance into a plain record. Relation
// values recurse into their join plan's nested pipeline; list-valued
// relations map to a list of nested records.
//
// Pluck never loads anything: it only reads what the query was built to
// load, and quietly included fields never appear in the result.
func (c *Compiled) Pluck(instance Record) Record {
	if instance == nil {
		return nil
	}
	out := Record{}
	visible := c.proj.Projection()
	for name, included := range visible {
		if included != 1 {
			continue
		}
		if value, ok := instance[name]; ok {
			out[name] = value
		}
	}

	for _, jp := range c.joinPlans() {
		name := jp.Relation.Name
		value, ok := instance[name]
		if !ok {
			continue
		}
		switch related := value.(type) {
		case nil:
			out[name] = nil
		case []Record:
			records := make([]Record, 0, len(related))
			for _, item := range related {
				records = append(records, jp.Nested.Pluck(item))
			}
			out[name] = records
		case []any:
			records := make([]Record, 0, len(related))
			for _, item := range related {
				if rec, ok := item.(Record); ok {
					records = append(records, jp.Nested.Pluck(rec))
				}
			}
			out[name] = records
		case Record:
			out[name] = jp.Nested.Pluck(related)
		}
	}
	return out
}
