package codec

import (
	"bytes"
	"testing"
	"time"
)

type sample struct {
	Name  string            `cbor:"name"`
	Count uint64            `cbor:"count"`
	At    time.Time         `cbor:"at"`
	Tags  map[string]string `cbor:"tags,omitempty"`
}

func TestDeterministicEncoding(t *testing.T) {
	v := sample{Name: "w1", Count: 3, Tags: map[string]string{"b": "2", "a": "1", "c": "3"}}
	first, err := Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding not deterministic")
		}
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	type wider struct {
		Name  string `cbor:"name"`
		Extra string `cbor:"extra"`
	}
	b, err := Marshal(wider{Name: "w1", Extra: "ignored"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got sample
	if err := Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Name != "w1" {
		t.Fatalf("name = %q", got.Name)
	}
}

func TestTimePreserved(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 890, time.UTC)
	b, err := Marshal(sample{At: at})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got sample
	if err := Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got.At.Equal(at) {
		t.Fatalf("at = %v want %v", got.At, at)
	}
}
