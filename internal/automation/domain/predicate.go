package domain

import (
	"fmt"
	"strings"
)

// PredicateOp is one of the closed set of comparison variants.
type PredicateOp string

const (
	PredicateEquals    PredicateOp = "eq"
	PredicateNotEquals PredicateOp = "ne"
	PredicateContains  PredicateOp = "contains"
	PredicatePrefix    PredicateOp = "prefix"
	PredicateRange     PredicateOp = "range"
	PredicateIn        PredicateOp = "in"
	PredicateExists    PredicateOp = "exists"
	PredicateAnd       PredicateOp = "and"
	PredicateOr        PredicateOp = "or"
	PredicateNot       PredicateOp = "not"
)

// Predicate restricts which events count toward a trigger.
type Predicate struct {
	Op       PredicateOp `json:"op"`
	Field    string      `json:"field,omitempty"`
	Value    any         `json:"value,omitempty"`
	Values   []any       `json:"values,omitempty"`
	Min      *float64    `json:"min,omitempty"`
	Max      *float64    `json:"max,omitempty"`
	Children []Predicate `json:"children,omitempty"`
}

// EventContext is the typed view a predicate is evaluated against.
type EventContext interface {
	Lookup(field string) (any, bool)
}

// Eq matches when field equals value.
func Eq(field string, value any) *Predicate {
	return &Predicate{Op: PredicateEquals, Field: field, Value: value}
}

// Contains matches when the string field contains value.
func Contains(field, value string) *Predicate {
	return &Predicate{Op: PredicateContains, Field: field, Value: value}
}

// Range matches when the numeric field lies within [min, max]. Nil bounds are open.
func Range(field string, min, max *float64) *Predicate {
	return &Predicate{Op: PredicateRange, Field: field, Min: min, Max: max}
}

// And matches when all children match.
func And(children ...Predicate) *Predicate {
	return &Predicate{Op: PredicateAnd, Children: children}
}

// Or matches when any child matches.
func Or(children ...Predicate) *Predicate {
	return &Predicate{Op: PredicateOr, Children: children}
}

// Not inverts a single child.
func Not(child Predicate) *Predicate {
	return &Predicate{Op: PredicateNot, Children: []Predicate{child}}
}

// Matches evaluates the predicate. A nil predicate matches unconditionally.
func (p *Predicate) Matches(ctx EventContext) bool {
	if p == nil {
		return true
	}

	switch p.Op {
	case PredicateAnd:
		for i := range p.Children {
			if !p.Children[i].Matches(ctx) {
				return false
			}
		}
		return true
	case PredicateOr:
		for i := range p.Children {
			if p.Children[i].Matches(ctx) {
				return true
			}
		}
		return false
	case PredicateNot:
		return len(p.Children) == 1 && !p.Children[0].Matches(ctx)
	}

	value, exists := ctx.Lookup(p.Field)

	switch p.Op {
	case PredicateExists:
		return exists
	case PredicateEquals:
		return exists && valuesEqual(value, p.Value)
	case PredicateNotEquals:
		return !exists || !valuesEqual(value, p.Value)
	case PredicateContains:
		s, ok := value.(string)
		cv, cok := p.Value.(string)
		return exists && ok && cok && strings.Contains(s, cv)
	case PredicatePrefix:
		s, ok := value.(string)
		cv, cok := p.Value.(string)
		return exists && ok && cok && strings.HasPrefix(s, cv)
	case PredicateRange:
		f, ok := toFloat64(value)
		if !exists || !ok {
			return false
		}
		if p.Min != nil && f < *p.Min {
			return false
		}
		if p.Max != nil && f > *p.Max {
			return false
		}
		return true
	case PredicateIn:
		if !exists {
			return false
		}
		for _, candidate := range p.Values {
			if valuesEqual(value, candidate) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Validate checks the predicate tree for structural errors.
func (p *Predicate) Validate() error {
	if p == nil {
		return nil
	}
	switch p.Op {
	case PredicateAnd, PredicateOr:
		if len(p.Children) == 0 {
			return fmt.Errorf("%s predicate requires children", p.Op)
		}
	case PredicateNot:
		if len(p.Children) != 1 {
			return fmt.Errorf("not predicate requires exactly one child")
		}
	case PredicateEquals, PredicateNotEquals, PredicateExists:
		if p.Field == "" {
			return fmt.Errorf("%s predicate requires a field", p.Op)
		}
	case PredicateContains, PredicatePrefix:
		if p.Field == "" {
			return fmt.Errorf("%s predicate requires a field", p.Op)
		}
		if _, ok := p.Value.(string); !ok {
			return fmt.Errorf("%s predicate requires a string value", p.Op)
		}
	case PredicateRange:
		if p.Field == "" {
			return fmt.Errorf("range predicate requires a field")
		}
		if p.Min == nil && p.Max == nil {
			return fmt.Errorf("range predicate requires min or max")
		}
		if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
			return fmt.Errorf("range predicate min exceeds max")
		}
	case PredicateIn:
		if p.Field == "" {
			return fmt.Errorf("in predicate requires a field")
		}
		if len(p.Values) == 0 {
			return fmt.Errorf("in predicate requires values")
		}
	default:
		return fmt.Errorf("unknown predicate op %q", p.Op)
	}
	for i := range p.Children {
		if err := p.Children[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

func valuesEqual(a, b any) bool {
	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if aok && bok {
		return af == bf
	}
	if aok != bok {
		return false
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	default:
		return false
	}
}

func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint64:
		return float64(val), true
	default:
		return 0, false
	}
}
