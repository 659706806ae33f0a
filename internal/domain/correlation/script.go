package correlation

import (
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/dop251/goja"

	"github.com/coachpo/sigma/internal/domain/entity"
)

// Script is a compiled JavaScript completion expression, e.g.
//
//	(has("bid") || has("ask")) && has("delta")
//
// The expression sees `fields` (name to value, numeric where parseable), `entity`
// (id, kind and dimension values) and the helper `has(name)`.
type Script struct {
	source  string
	program *goja.Program
}

// CompileScript parses the expression once. Predicates built from it get their own VM.
func CompileScript(source string) (*Script, error) {
	expr := strings.TrimSpace(source)
	if expr == "" {
		return nil, fmt.Errorf("completion script: expression required")
	}
	wrapped := "(function(fields, entity, has) { return (" + expr + "); })"
	prog, err := goja.Compile("completeWhen", wrapped, true)
	if err != nil {
		return nil, fmt.Errorf("completion script: compile: %w", err)
	}
	return &Script{source: expr, program: prog}, nil
}

// Source returns the expression text.
func (s *Script) Source() string {
	if s == nil {
		return ""
	}
	return s.source
}

// Predicate instantiates a VM bound to the caller. The returned predicate is not safe for
// concurrent use; a table only evaluates predicates on its own goroutine.
// Evaluation errors are logged and treated as "not complete".
func (s *Script) Predicate(logger *log.Logger) (Predicate, error) {
	if s == nil {
		return nil, fmt.Errorf("completion script: nil receiver")
	}
	if logger == nil {
		logger = discardLogger()
	}
	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	value, err := rt.RunProgram(s.program)
	if err != nil {
		return nil, fmt.Errorf("completion script: run: %w", err)
	}
	fn, ok := goja.AssertFunction(value)
	if !ok {
		return nil, fmt.Errorf("completion script: expression did not produce a function")
	}

	return func(desc entity.Descriptor, fields Fields) bool {
		values := make(map[string]any, len(fields))
		for name, f := range fields {
			if n, err := strconv.ParseFloat(f.Value, 64); err == nil {
				values[name] = n
				continue
			}
			values[name] = f.Value
		}
		ent := map[string]any{"id": desc.ID, "kind": desc.Kind}
		for _, c := range desc.Coords {
			ent[c.Name] = c.Value
		}
		has := func(name string) bool { return fields.Has(name) }

		res, err := fn(goja.Undefined(), rt.ToValue(values), rt.ToValue(ent), rt.ToValue(has))
		if err != nil {
			logger.Printf("completion script %q failed for id %d: %v", s.source, desc.ID, err)
			return false
		}
		return res.ToBoolean()
	}, nil
}
