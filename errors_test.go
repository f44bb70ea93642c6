package jrpc_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/MegaGrindStone/go-jrpc"
)

func TestErrorNames(t *testing.T) {
	testCases := map[int]string{
		jrpc.CodeParseError:     "ParseError",
		jrpc.CodeInvalidRequest: "InvalidRequest",
		jrpc.CodeMethodNotFound: "MethodNotFound",
		jrpc.CodeInvalidParams:  "InvalidParams",
		jrpc.CodeInternalError:  "InternalError",
		jrpc.CodeServerError:    "ServerError",
		-32050:                  "ServerError",
		jrpc.CodeServerErrorMin: "ServerError",
		-32500:                  "ReservedError",
		1001:                    "ApplicationError",
		-1:                      "ApplicationError",
	}

	for code, want := range testCases {
		t.Run(fmt.Sprint(code), func(t *testing.T) {
			e := &jrpc.Error{Code: code}
			if got := e.Name(); got != want {
				t.Errorf("got %s, want %s", got, want)
			}
		})
	}
}

func TestNewServerErrorClampsCode(t *testing.T) {
	if got := jrpc.NewServerError(-32010, "busy").Code; got != -32010 {
		t.Errorf("expected code in band to be kept, got %d", got)
	}
	if got := jrpc.NewServerError(5, "busy").Code; got != jrpc.CodeServerError {
		t.Errorf("expected code out of band to be clamped, got %d", got)
	}
}

func TestErrorData(t *testing.T) {
	e := jrpc.NewMethodNotFound("tools/call")
	var data map[string]string
	if err := json.Unmarshal(e.Data, &data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if data["method"] != "tools/call" {
		t.Errorf("expected method in data, got %v", data)
	}

	if e := jrpc.NewInvalidParams(""); e.Data != nil {
		t.Errorf("expected no data without a detail, got %s", e.Data)
	}

	e = jrpc.NewApplicationError(1002, "insufficient funds", map[string]int{"balance": 3})
	if string(e.Data) != `{"balance":3}` {
		t.Errorf("unexpected data %s", e.Data)
	}
}

func TestErrorIs(t *testing.T) {
	err := fmt.Errorf("call failed: %w", jrpc.NewMethodNotFound("x"))

	if !errors.Is(err, &jrpc.Error{Code: jrpc.CodeMethodNotFound}) {
		t.Error("expected a match on the code")
	}
	if errors.Is(err, &jrpc.Error{Code: jrpc.CodeInvalidParams}) {
		t.Error("expected no match on a different code")
	}
}

func TestToError(t *testing.T) {
	if jrpc.ToError(nil) != nil {
		t.Error("expected nil for nil")
	}

	appErr := jrpc.NewApplicationError(7, "seven", nil)
	if got := jrpc.ToError(fmt.Errorf("wrapped: %w", appErr)); got != appErr {
		t.Errorf("expected the wrapped *Error to be returned, got %v", got)
	}

	got := jrpc.ToError(errors.New("disk full"))
	if got.Code != jrpc.CodeInternalError {
		t.Errorf("expected InternalError, got %d", got.Code)
	}
	if string(got.Data) != `{"message":"disk full"}` {
		t.Errorf("expected the cause in data, got %s", got.Data)
	}
}

func TestTransportErrorsUnwrap(t *testing.T) {
	connErr := &jrpc.ConnectionError{Op: "read", Err: jrpc.ErrConnectionClosed}
	if !errors.Is(connErr, jrpc.ErrConnectionClosed) {
		t.Error("expected ConnectionError to unwrap")
	}
	if connErr.Error() != "connection error: read: connection closed" {
		t.Errorf("unexpected message %q", connErr.Error())
	}

	fErr := &jrpc.FramingError{Err: jrpc.ErrMessageTooLarge}
	if !errors.Is(fErr, jrpc.ErrMessageTooLarge) {
		t.Error("expected FramingError to unwrap")
	}
}
