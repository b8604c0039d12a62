package proto

import (
	"encoding/json"
	"fmt"

	"github.com/Ericsson/tpaf/internal/props"
)

// propsToJSON renders a property bag as the wire-form object: each name
// maps to an array of its values, in insertion order.
func propsToJSON(p *props.Props) map[string]any {
	obj := make(map[string]any)

	p.ForEach(func(name string, value props.Value) bool {
		var v any
		if value.IsInt64() {
			v = value.Int64()
		} else {
			v = value.Str()
		}

		list, _ := obj[name].([]any)
		obj[name] = append(list, v)

		return true
	})

	return obj
}

// propsFromJSON parses the wire-form property bag object.
func propsFromJSON(fieldName string, raw any) (*props.Props, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("field %q is not an object", fieldName)
	}

	p := props.New()

	for name, rawValues := range obj {
		values, ok := rawValues.([]any)
		if !ok {
			return nil, fmt.Errorf("property %q values are not an array", name)
		}

		for _, rawValue := range values {
			switch v := rawValue.(type) {
			case json.Number:
				n, err := v.Int64()
				if err != nil {
					return nil, fmt.Errorf("property %q has non-integer number value", name)
				}
				p.AddInt64(name, n)
			case string:
				p.AddString(name, v)
			default:
				return nil, fmt.Errorf("property %q value has invalid type", name)
			}
		}
	}

	return p, nil
}
