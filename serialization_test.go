package flowlite

import (
	"errors"
	"reflect"
	"testing"
)

type orderPayload struct {
	ID    string
	Total int64
	Tags  []string
}

func TestSerializationRoundTrip(t *testing.T) {
	order := orderPayload{ID: "ord-42", Total: 1999, Tags: []string{"rush", "gift"}}

	payloads, err := convertArgsForSerialization([]interface{}{"hello", 7, order})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if len(payloads) != 3 {
		t.Fatalf("expected 3 payloads, got %d", len(payloads))
	}

	values, err := convertArgsFromSerialization([]reflect.Type{
		reflect.TypeOf(""),
		reflect.TypeOf(0),
		reflect.TypeOf(orderPayload{}),
	}, payloads)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if values[0].(string) != "hello" {
		t.Fatalf("string mangled: %v", values[0])
	}
	if values[1].(int) != 7 {
		t.Fatalf("int mangled: %v", values[1])
	}
	if got := values[2].(orderPayload); !reflect.DeepEqual(got, order) {
		t.Fatalf("struct mangled: %+v", got)
	}
}

func TestSerializationFlattensPointers(t *testing.T) {
	order := &orderPayload{ID: "ord-7", Total: 100}

	payloads, err := convertArgsForSerialization([]interface{}{order})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	// a pointer argument decodes as its value type
	values, err := convertArgsFromSerialization([]reflect.Type{reflect.TypeOf(orderPayload{})}, payloads)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got := values[0].(orderPayload); got.ID != "ord-7" || got.Total != 100 {
		t.Fatalf("pointer flattening mangled the value: %+v", got)
	}
}

func TestSerializationInsufficientPayloads(t *testing.T) {
	_, err := convertArgsFromSerialization([]reflect.Type{reflect.TypeOf(""), reflect.TypeOf(0)}, [][]byte{{0x01}})
	if err == nil {
		t.Fatal("expected error for missing payloads")
	}
	if !errors.Is(err, ErrSerialization) {
		t.Fatalf("expected serialization kind, got %v", err)
	}
}

func TestConvertResultsIntoPointers(t *testing.T) {
	payloads, err := convertArgsForSerialization([]interface{}{"pong", int64(3)})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var body string
	var count int64
	if err := convertResultsIntoPointers(payloads, &body, &count); err != nil {
		t.Fatalf("decode into pointers failed: %v", err)
	}
	if body != "pong" || count != 3 {
		t.Fatalf("decoded values wrong: %q %d", body, count)
	}

	// asking for more outputs than results is refused
	var extra string
	if err := convertResultsIntoPointers(payloads[:1], &body, &extra); err == nil {
		t.Fatal("expected error for excess outputs")
	}
}

func TestConvertBackRequiresPointer(t *testing.T) {
	payloads, err := convertArgsForSerialization([]interface{}{"x"})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if err := ConvertBack(payloads[0], "not a pointer"); !errors.Is(err, ErrMustPointer) {
		t.Fatalf("expected pointer requirement, got %v", err)
	}
}
