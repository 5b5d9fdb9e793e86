package upstream

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Rule locates a value inside a decoded provider payload. Path segments are
// object keys; a numeric segment indexes into a list. Rules are tried in
// order and the first one that resolves to a usable value wins.
type Rule struct {
	Name string
	Path []string
}

// Lookup follows path through payload
func Lookup(payload any, path []string) (any, bool) {
	cur := payload
	for _, seg := range path {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, cur != nil
}

// FirstString returns the first rule that resolves to a non-empty string.
// Numbers are rendered without exponent so numeric ids survive.
func FirstString(payload any, rules []Rule) (string, bool) {
	for _, r := range rules {
		v, ok := Lookup(payload, r.Path)
		if !ok {
			continue
		}
		if s, ok := asString(v); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// FirstInt returns the first rule that resolves to an integer
func FirstInt(payload any, rules []Rule) (int64, bool) {
	for _, r := range rules {
		v, ok := Lookup(payload, r.Path)
		if !ok {
			continue
		}
		if n, ok := asInt(v); ok {
			return n, true
		}
	}
	return 0, false
}

// FirstList returns the first rule that resolves to a list
func FirstList(payload any, rules []Rule) ([]any, bool) {
	for _, r := range rules {
		v, ok := Lookup(payload, r.Path)
		if !ok {
			continue
		}
		if l, ok := v.([]any); ok {
			return l, true
		}
	}
	return nil, false
}

// FirstObject returns the first rule that resolves to an object
func FirstObject(payload any, rules []Rule) (map[string]any, bool) {
	for _, r := range rules {
		v, ok := Lookup(payload, r.Path)
		if !ok {
			continue
		}
		if m, ok := v.(map[string]any); ok {
			return m, true
		}
	}
	return nil, false
}

// Paths builds one rule per dotted path, e.g. Paths("cart.id", "id")
func Paths(dotted ...string) []Rule {
	rules := make([]Rule, 0, len(dotted))
	for _, d := range dotted {
		rules = append(rules, Rule{Name: d, Path: strings.Split(d, ".")})
	}
	return rules
}

func asString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), true
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10), true
		}
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

// asInt accepts integral numbers and numeric strings ("2500"). Decimal
// strings such as "25.00" are not integers and are rejected.
func asInt(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		if t != math.Trunc(t) {
			return 0, false
		}
		return int64(t), true
	case json.Number:
		n, err := t.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
