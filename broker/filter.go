package broker

import (
	jsoncodec "github.com/drblury/fanflow/internal/runtime/jsoncodec"
)

// Filter is a predicate over envelope attributes attached to a subscription.
// It maps an attribute key to the set of values it accepts: every key must
// match one of its values (AND across keys, OR within a key). A nil or empty
// filter matches everything. The shape is deliberately the same as an SNS
// filter policy so backends with server-side filtering can push it down.
type Filter map[string][]string

// Matches reports whether the attribute map satisfies the filter.
func (f Filter) Matches(attributes map[string]string) bool {
	for key, accepted := range f {
		value, ok := attributes[key]
		if !ok {
			return false
		}
		matched := false
		for _, candidate := range accepted {
			if candidate == value {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// MatchAll reports whether the filter accepts every envelope.
func (f Filter) MatchAll() bool {
	return len(f) == 0
}

// Clone returns a deep copy so a stored subscription cannot be mutated
// through the caller's map.
func (f Filter) Clone() Filter {
	if f == nil {
		return nil
	}
	cloned := make(Filter, len(f))
	for key, accepted := range f {
		values := make([]string, len(accepted))
		copy(values, accepted)
		cloned[key] = values
	}
	return cloned
}

// Policy renders the filter as a JSON filter-policy document.
func (f Filter) Policy() ([]byte, error) {
	if f == nil {
		return jsoncodec.Marshal(Filter{})
	}
	return jsoncodec.Marshal(f)
}

// ParseFilter parses a JSON filter-policy document produced by Policy.
func ParseFilter(data []byte) (Filter, error) {
	var f Filter
	if err := jsoncodec.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return f, nil
}
