package codec

import (
	"encoding/json"
	"testing"
)

func TestCanonical_SortsKeys(t *testing.T) {
	v := map[string]any{"b": 1, "a": 2, "c": 3}
	got, err := Canonical(v)
	if err != nil {
		t.Fatalf("Canonical() error: %v", err)
	}
	want := `{"a":2,"b":1,"c":3}`
	if string(got) != want {
		t.Errorf("Canonical() = %s, want %s", got, want)
	}
}

func TestCanonical_NestedObjects(t *testing.T) {
	v := map[string]any{
		"outer": map[string]any{"z": 1, "a": 2},
	}
	got, err := Canonical(v)
	if err != nil {
		t.Fatalf("Canonical() error: %v", err)
	}
	want := `{"outer":{"a":2,"z":1}}`
	if string(got) != want {
		t.Errorf("Canonical() = %s, want %s", got, want)
	}
}

func TestCanonical_NoWhitespace(t *testing.T) {
	type s struct {
		A int `json:"a"`
		B int `json:"b"`
	}
	got, err := Canonical(s{A: 1, B: 2})
	if err != nil {
		t.Fatalf("Canonical() error: %v", err)
	}
	want := `{"a":1,"b":2}`
	if string(got) != want {
		t.Errorf("Canonical() = %s, want %s", got, want)
	}
}

func TestCanonical_Deterministic(t *testing.T) {
	type s struct {
		Foo string `json:"foo"`
		Bar int    `json:"bar"`
	}
	v := s{Foo: "hi", Bar: 7}
	a, err := Canonical(v)
	if err != nil {
		t.Fatalf("Canonical() error: %v", err)
	}
	b, err := Canonical(v)
	if err != nil {
		t.Fatalf("Canonical() error: %v", err)
	}
	if string(a) != string(b) {
		t.Error("Canonical() should be deterministic across calls")
	}
}

func TestCanonical_PreservesLargeIntegers(t *testing.T) {
	v := map[string]any{"n": json.Number("123456789012345678901234567890")}
	got, err := Canonical(v)
	if err != nil {
		t.Fatalf("Canonical() error: %v", err)
	}
	want := `{"n":123456789012345678901234567890}`
	if string(got) != want {
		t.Errorf("Canonical() = %s, want %s", got, want)
	}
}

func TestHash_Deterministic(t *testing.T) {
	v := map[string]any{"x": 1}
	h1, err := Hash(v)
	if err != nil {
		t.Fatalf("Hash() error: %v", err)
	}
	h2, err := Hash(v)
	if err != nil {
		t.Fatalf("Hash() error: %v", err)
	}
	if h1 != h2 {
		t.Error("Hash() should be deterministic")
	}
}

func TestMustHash_PanicsOnError(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("MustHash() should panic on unencodable input")
		}
	}()
	MustHash(func() {})
}
