package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestMetadataForKnownCodes(t *testing.T) {
	tests := []struct {
		code      Code
		status    int
		retryable bool
		detailsOK bool
	}{
		{code: CodeValidation, status: http.StatusBadRequest, detailsOK: true},
		{code: CodeNotFound, status: http.StatusNotFound},
		{code: CodeConflict, status: http.StatusConflict},
		{code: CodeQuotaExceeded, status: http.StatusTooManyRequests, retryable: true, detailsOK: true},
		{code: CodeTimeout, status: http.StatusGatewayTimeout, retryable: true, detailsOK: true},
		{code: CodeInternal, status: http.StatusInternalServerError, retryable: true},
		{code: CodeDependency, status: http.StatusServiceUnavailable, retryable: true, detailsOK: true},
	}

	for _, tt := range tests {
		meta := MetadataFor(tt.code)
		if meta.HTTPStatus != tt.status {
			t.Fatalf("code %s expected status %d got %d", tt.code, tt.status, meta.HTTPStatus)
		}
		if meta.Retryable != tt.retryable {
			t.Fatalf("code %s expected retryable %v got %v", tt.code, tt.retryable, meta.Retryable)
		}
		if meta.DetailsAllowed != tt.detailsOK {
			t.Fatalf("code %s expected details allowed %v got %v", tt.code, tt.detailsOK, meta.DetailsAllowed)
		}
		if meta.PublicMessage == "" {
			t.Fatalf("code %s has no public message", tt.code)
		}
	}
}

func TestMetadataForUnknownCodeDefaultsToInternal(t *testing.T) {
	meta := MetadataFor("SOMETHING_UNKNOWN")
	if meta.HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("expected internal status, got %d", meta.HTTPStatus)
	}
}

func TestErrorConstructors(t *testing.T) {
	base := New(CodeValidation, "missing id")
	if base.Code() != CodeValidation {
		t.Fatalf("expected validation code, got %s", base.Code())
	}
	if base.Message() != "missing id" {
		t.Fatalf("unexpected message %q", base.Message())
	}
	if base.Details() != nil {
		t.Fatalf("details should be nil by default")
	}

	base.WithDetails(map[string]any{"field": "id"})
	if base.Details() == nil {
		t.Fatalf("details should be preserved")
	}

	cause := stdErrors.New("boom")
	wrapped := Wrap(CodeConflict, cause, "ctx")
	if !stdErrors.Is(wrapped, cause) {
		t.Fatalf("Wrap did not preserve cause")
	}
	if wrapped.Code() != CodeConflict {
		t.Fatalf("unexpected code %s", wrapped.Code())
	}
}

func TestFromGRPCClassifiesStoreErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{name: "quota", err: status.Error(codes.ResourceExhausted, "quota"), want: CodeQuotaExceeded},
		{name: "deadline", err: status.Error(codes.DeadlineExceeded, "slow"), want: CodeTimeout},
		{name: "wrapped deadline", err: fmt.Errorf("commit: %w", status.Error(codes.DeadlineExceeded, "slow")), want: CodeTimeout},
		{name: "ctx deadline", err: context.DeadlineExceeded, want: CodeTimeout},
		{name: "not found", err: status.Error(codes.NotFound, "gone"), want: CodeNotFound},
		{name: "unavailable", err: status.Error(codes.Unavailable, "down"), want: CodeDependency},
		{name: "plain", err: stdErrors.New("boom"), want: CodeInternal},
		{name: "typed passthrough", err: New(CodeValidation, "bad"), want: CodeValidation},
	}
	for _, tt := range tests {
		got := As(FromGRPC(tt.err, "op"))
		if got == nil || got.Code() != tt.want {
			t.Fatalf("%s: expected %s, got %v", tt.name, tt.want, got)
		}
	}
	if FromGRPC(nil, "op") != nil {
		t.Fatalf("FromGRPC(nil) should be nil")
	}
}

func TestQuotaAndDeadlinePredicates(t *testing.T) {
	if !IsQuotaExceeded(status.Error(codes.ResourceExhausted, "q")) {
		t.Fatalf("expected raw resource exhausted to be quota")
	}
	if !IsQuotaExceeded(New(CodeQuotaExceeded, "q")) {
		t.Fatalf("expected typed quota error to be quota")
	}
	if IsQuotaExceeded(stdErrors.New("q")) {
		t.Fatalf("plain error is not quota")
	}
	if !IsDeadline(status.Error(codes.DeadlineExceeded, "d")) {
		t.Fatalf("expected deadline")
	}
	if IsDeadline(status.Error(codes.Internal, "d")) {
		t.Fatalf("internal is not deadline")
	}
}

func TestDumpCapturesGRPCStatus(t *testing.T) {
	err := Wrap(CodeQuotaExceeded, status.Error(codes.ResourceExhausted, "too many writes"), "commit batch")
	d := Dump(err)
	if d.Code != CodeQuotaExceeded {
		t.Fatalf("unexpected code %s", d.Code)
	}
	if d.GRPCCode != codes.ResourceExhausted.String() {
		t.Fatalf("unexpected grpc code %q", d.GRPCCode)
	}
	if len(d.Chain) != 2 {
		t.Fatalf("expected chain of 2, got %v", d.Chain)
	}
}

func TestAsReturnsTypedError(t *testing.T) {
	err := New(CodeNotFound, "no entry")
	if got := As(err); got == nil || got.Code() != CodeNotFound {
		t.Fatalf("As failed to return typed error")
	}
	if As(nil) != nil {
		t.Fatalf("As(nil) should return nil")
	}
}

func TestDumpCapturesGoogleAPIAndDetails(t *testing.T) {
	api := &googleapi.Error{Code: http.StatusTooManyRequests, Message: "rate exceeded"}
	err := Wrap(CodeDependency, fmt.Errorf("insert rows: %w", api), "export facts").
		WithDetails(map[string]any{"table": "sales_facts"})
	d := Dump(err)
	if d.HTTPStatus != http.StatusTooManyRequests || d.HTTPMessage != "rate exceeded" {
		t.Fatalf("unexpected http fields %d %q", d.HTTPStatus, d.HTTPMessage)
	}
	details, ok := d.Details.(map[string]any)
	if !ok || details["table"] != "sales_facts" {
		t.Fatalf("expected details to be carried, got %#v", d.Details)
	}
	if d.PGCode != "" {
		t.Fatalf("unexpected pg code %q", d.PGCode)
	}
}
