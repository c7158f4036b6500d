package engine

import (
	"fmt"

	"github.com/wirl-dev/wirlflow/pkg/wirl"
)

// applyReducer combines a new write with the prior channel value. replace
// discards the prior value, append concatenates lists, and merge performs a
// shallow key-wise union where the later value wins.
func applyReducer(reducer wirl.Reducer, channel string, prev, next any) (any, error) {
	switch reducer {
	case wirl.ReducerReplace, "":
		return next, nil

	case wirl.ReducerAppend:
		prevList, err := asList(reducer, channel, prev)
		if err != nil {
			return nil, err
		}

		nextList, err := asList(reducer, channel, next)
		if err != nil {
			return nil, err
		}

		combined := make([]any, 0, len(prevList)+len(nextList))
		combined = append(combined, prevList...)
		combined = append(combined, nextList...)

		return combined, nil

	case wirl.ReducerMerge:
		prevMap, err := asMap(reducer, channel, prev)
		if err != nil {
			return nil, err
		}

		nextMap, err := asMap(reducer, channel, next)
		if err != nil {
			return nil, err
		}

		combined := make(map[string]any, len(prevMap)+len(nextMap))
		for key, value := range prevMap {
			combined[key] = value
		}

		for key, value := range nextMap {
			combined[key] = value
		}

		return combined, nil

	default:
		return nil, &ReducerError{Channel: channel, Reducer: string(reducer), Message: "unknown reducer"}
	}
}

// asList coerces a channel value for the append reducer. A missing value
// counts as an empty list.
func asList(reducer wirl.Reducer, channel string, value any) ([]any, error) {
	if value == nil {
		return nil, nil
	}

	list, ok := value.([]any)
	if !ok {
		return nil, &ReducerError{
			Channel: channel,
			Reducer: string(reducer),
			Message: fmt.Sprintf("expected a list, got %T", value),
		}
	}

	return list, nil
}

// asMap coerces a channel value for the merge reducer. A missing value counts
// as an empty object.
func asMap(reducer wirl.Reducer, channel string, value any) (map[string]any, error) {
	if value == nil {
		return nil, nil
	}

	object, ok := value.(map[string]any)
	if !ok {
		return nil, &ReducerError{
			Channel: channel,
			Reducer: string(reducer),
			Message: fmt.Sprintf("expected an object, got %T", value),
		}
	}

	return object, nil
}
