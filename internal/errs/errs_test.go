package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ConfigMissingRequired("key"), 400},
		{ConfigTypeError("key", "x", "integer"), 400},
		{ToolArgumentInvalid("t", "bad"), 400},
		{ToolUnknown("t"), 404},
		{TemplateNotFound("t"), 404},
		{GatewayUnknownServer("s"), 404},
		{Backend("deploy", errors.New("boom")), 502},
		{ProtocolIncompatible("1999-01-01", "2024-11-05"), 502},
		{GatewayNoHealthyInstance("s"), 502},
		{GatewayQueueOverflow("s"), 503},
		{RequestTimeout(), 504},
		{Canceled(), 504},
		{errors.New("plain"), 500},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestWrappingPreservesKind(t *testing.T) {
	inner := TemplateNotFound("demo")
	wrapped := fmt.Errorf("while deploying: %w", inner)

	e, ok := As(wrapped)
	if !ok {
		t.Fatal("As must see through fmt.Errorf wrapping")
	}
	if e.Kind != KindTemplate || e.Code != "template_not_found" {
		t.Fatalf("unexpected: %#v", e)
	}
	if HTTPStatus(wrapped) != 404 {
		t.Fatal("status mapping must survive wrapping")
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("daemon unreachable")
	err := Backend("deploy", cause)
	if !errors.Is(err, cause) {
		t.Fatal("errors.Is must reach the wrapped cause")
	}
}
