package event

import (
	"errors"
	"reflect"
	"testing"
)

func TestTagSnapshotRoundTrip(t *testing.T) {
	data, err := EncodeTagSnapshot([]string{"zig", "alpha", "golang"})
	if err != nil {
		t.Fatalf("EncodeTagSnapshot() error = %v", err)
	}

	tags, err := DecodeTagSnapshot(data)
	if err != nil {
		t.Fatalf("DecodeTagSnapshot() error = %v", err)
	}

	if !reflect.DeepEqual(tags, []string{"alpha", "golang", "zig"}) {
		t.Errorf("tags = %v, want sorted set", tags)
	}
}

func TestEncodeTagSnapshotDeterministic(t *testing.T) {
	first, err := EncodeTagSnapshot([]string{"b", "a"})
	if err != nil {
		t.Fatalf("EncodeTagSnapshot() error = %v", err)
	}

	second, err := EncodeTagSnapshot([]string{"a", "b"})
	if err != nil {
		t.Fatalf("EncodeTagSnapshot() error = %v", err)
	}

	if string(first) != string(second) {
		t.Errorf("snapshots differ for equal content: %s vs %s", first, second)
	}

	// The input order must survive untouched.
	input := []string{"b", "a"}
	if _, err := EncodeTagSnapshot(input); err != nil {
		t.Fatalf("EncodeTagSnapshot() error = %v", err)
	}

	if input[0] != "b" {
		t.Error("EncodeTagSnapshot mutated its input")
	}
}

func TestDecodeTagSnapshotMalformed(t *testing.T) {
	_, err := DecodeTagSnapshot([]byte("{not json"))
	if err == nil {
		t.Fatal("DecodeTagSnapshot() succeeded on malformed input")
	}

	if !errors.Is(err, ErrMalformedSnapshot) {
		t.Errorf("error = %v, want ErrMalformedSnapshot", err)
	}
}
