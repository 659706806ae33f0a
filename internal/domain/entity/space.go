// Package entity enumerates the request targets of a collection batch.
package entity

import (
	"strconv"
	"strings"

	"github.com/coachpo/sigma/errs"
)

// Coord is one business dimension value of a descriptor.
type Coord struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Dimension is a named, ordered list of values participating in the cross-product.
type Dimension struct {
	Name   string
	Values []string
}

// Space is an ordered set of dimensions. The first dimension varies slowest.
type Space struct {
	Dimensions []Dimension
}

// Descriptor identifies one requested entity. Descriptors are values and are never
// mutated after generation; WithID returns a bound copy.
type Descriptor struct {
	ID      int64   `json:"id"`
	Ordinal int     `json:"ordinal"`
	Coords  []Coord `json:"coords"`
	Kind    string  `json:"kind,omitempty"`
}

// Get returns the value of the named dimension.
func (d Descriptor) Get(name string) (string, bool) {
	for _, c := range d.Coords {
		if c.Name == name {
			return c.Value, true
		}
	}
	return "", false
}

// WithID returns a copy of the descriptor bound to the correlation id.
func (d Descriptor) WithID(id int64) Descriptor {
	out := d
	out.ID = id
	out.Coords = append([]Coord(nil), d.Coords...)
	return out
}

// WithKind returns a copy tagged with the request kind it is issued for.
func (d Descriptor) WithKind(kind string) Descriptor {
	out := d.WithID(d.ID)
	out.Kind = kind
	return out
}

// Key renders the dimension values as a stable string, independent of the id.
func (d Descriptor) Key() string {
	var b strings.Builder
	for i, c := range d.Coords {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(c.Name)
		b.WriteByte('=')
		b.WriteString(c.Value)
	}
	return b.String()
}

func (d Descriptor) String() string {
	return "#" + strconv.FormatInt(d.ID, 10) + " " + d.Key()
}

// Size returns the number of descriptors the space expands to.
func (s Space) Size() int {
	if len(s.Dimensions) == 0 {
		return 0
	}
	n := 1
	for _, dim := range s.Dimensions {
		n *= len(dim.Values)
	}
	return n
}

// Validate checks that every dimension is named, non-empty and free of duplicates.
func (s Space) Validate() error {
	if len(s.Dimensions) == 0 {
		return errs.InvalidDimension("", "entity space has no dimensions")
	}
	names := make(map[string]struct{}, len(s.Dimensions))
	for _, dim := range s.Dimensions {
		name := strings.TrimSpace(dim.Name)
		if name == "" {
			return errs.InvalidDimension("", "dimension name required")
		}
		if _, dup := names[name]; dup {
			return errs.InvalidDimension(name, "duplicate dimension name")
		}
		names[name] = struct{}{}
		if len(dim.Values) == 0 {
			return errs.InvalidDimension(name, "dimension range is empty")
		}
		seen := make(map[string]struct{}, len(dim.Values))
		for _, v := range dim.Values {
			if _, dup := seen[v]; dup {
				return errs.InvalidDimension(name, "duplicate value "+strconv.Quote(v))
			}
			seen[v] = struct{}{}
		}
	}
	return nil
}

// Generate expands the space into descriptors in row-major order. Ids are left zero;
// the dispatcher binds them at send time.
func Generate(space Space) ([]Descriptor, error) {
	if err := space.Validate(); err != nil {
		return nil, err
	}
	total := space.Size()
	out := make([]Descriptor, 0, total)
	idx := make([]int, len(space.Dimensions))
	for ordinal := 0; ordinal < total; ordinal++ {
		coords := make([]Coord, len(space.Dimensions))
		for i, dim := range space.Dimensions {
			coords[i] = Coord{Name: strings.TrimSpace(dim.Name), Value: dim.Values[idx[i]]}
		}
		out = append(out, Descriptor{Ordinal: ordinal, Coords: coords})

		// odometer increment, last dimension fastest
		for i := len(idx) - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(space.Dimensions[i].Values) {
				break
			}
			idx[i] = 0
		}
	}
	return out, nil
}
