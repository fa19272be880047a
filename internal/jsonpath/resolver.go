// Package jsonpath extracts values from nested, schema-less JSON payloads
// using a dot-path grammar with an array wildcard.
//
// A path is a sequence of `.`-separated segments. A literal segment indexes
// an object key; the segment "[]" addresses the current array at the next
// unused position from the caller-supplied index queue. The queue is
// consumed left to right and shared across the whole resolution, which lets
// one payload array drive repeated resolutions that differ only in index.
package jsonpath

import "strings"

// ArraySegment is the path segment that consumes an index from the queue.
const ArraySegment = "[]"

// Resolve walks payload along path and returns the addressed value.
// The second return is false when any segment fails to resolve: a missing
// object key, descending into a non-container, an exhausted index queue, or
// an out-of-range index. Resolution never panics on malformed input.
func Resolve(path string, payload any, indices []int) (any, bool) {
	if path == "" {
		return nil, false
	}

	queue := make([]int, len(indices))
	copy(queue, indices)

	current := payload

	for _, segment := range strings.Split(path, ".") {
		if segment == ArraySegment {
			arr, ok := current.([]any)
			if !ok || len(queue) == 0 {
				return nil, false
			}

			idx := queue[0]
			queue = queue[1:]

			if idx < 0 || idx >= len(arr) {
				return nil, false
			}

			current = arr[idx]

			continue
		}

		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		value, exists := obj[segment]
		if !exists {
			return nil, false
		}

		current = value
	}

	return current, true
}

// ArrayLen returns the length of the array addressed by path. The second
// return is false when the path does not resolve or does not address an
// array. Used to enumerate a transformation's root array.
func ArrayLen(path string, payload any, indices []int) (int, bool) {
	value, ok := Resolve(path, payload, indices)
	if !ok {
		return 0, false
	}

	arr, ok := value.([]any)
	if !ok {
		return 0, false
	}

	return len(arr), true
}
