package correlation

import "github.com/coachpo/sigma/internal/domain/entity"

// Predicate decides whether a record carries enough data to be complete.
// It runs on the table goroutine and must not block.
type Predicate func(desc entity.Descriptor, fields Fields) bool

// AnyField holds as soon as a single field was received.
func AnyField(_ entity.Descriptor, fields Fields) bool {
	return len(fields) > 0
}

// AllOf holds when every named field is set.
func AllOf(names ...string) Predicate {
	required := append([]string(nil), names...)
	return func(_ entity.Descriptor, fields Fields) bool {
		for _, name := range required {
			if !fields.Has(name) {
				return false
			}
		}
		return true
	}
}

// AnyOf holds when at least one named field is set.
func AnyOf(names ...string) Predicate {
	candidates := append([]string(nil), names...)
	return func(_ entity.Descriptor, fields Fields) bool {
		for _, name := range candidates {
			if fields.Has(name) {
				return true
			}
		}
		return false
	}
}

// Every holds when all predicates hold.
func Every(preds ...Predicate) Predicate {
	list := make([]Predicate, 0, len(preds))
	for _, p := range preds {
		if p != nil {
			list = append(list, p)
		}
	}
	return func(desc entity.Descriptor, fields Fields) bool {
		for _, p := range list {
			if !p(desc, fields) {
				return false
			}
		}
		return true
	}
}

// ByKind selects a predicate by the descriptor's request kind, falling back to def.
func ByKind(def Predicate, byKind map[string]Predicate) Predicate {
	if def == nil {
		def = AnyField
	}
	return func(desc entity.Descriptor, fields Fields) bool {
		if p, ok := byKind[desc.Kind]; ok && p != nil {
			return p(desc, fields)
		}
		return def(desc, fields)
	}
}
