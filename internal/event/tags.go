package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrMalformedSnapshot is returned when a tag catalog message cannot be
// decoded.
var ErrMalformedSnapshot = errors.New("malformed tag snapshot")

// EncodeTagSnapshot serializes the full tag vocabulary as a sorted JSON
// array, the value of every message on the compacted tag catalog topic.
// Sorting keeps snapshots of equal content byte-identical.
func EncodeTagSnapshot(tags []string) ([]byte, error) {
	sorted := make([]string, len(tags))
	copy(sorted, tags)
	sort.Strings(sorted)

	data, err := json.Marshal(sorted)
	if err != nil {
		return nil, fmt.Errorf("encode tag snapshot: %w", err)
	}

	return data, nil
}

// DecodeTagSnapshot parses a tag catalog message value.
func DecodeTagSnapshot(data []byte) ([]string, error) {
	var tags []string

	if err := json.Unmarshal(data, &tags); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}

	return tags, nil
}
