package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesMetadataAndCause(t *testing.T) {
	err := New(
		"labels/client",
		CodeUpstream,
		WithHTTP(502),
		WithMessage("label endpoint failed"),
		WithField("endpoint", "/rest/data/rdf/utils/getLabelsForRdfValue"),
		WithField("attempt", "3"),
		WithRemediation("check the platform backend"),
		WithCause(errors.New("bad gateway")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=labels/client") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=upstream") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "http=502") {
		t.Fatalf("expected http status in error string: %s", out)
	}
	expectedMeta := "meta=attempt=\"3\",endpoint=\"/rest/data/rdf/utils/getLabelsForRdfValue\""
	if !strings.Contains(out, expectedMeta) {
		t.Fatalf("expected metadata %q in error string: %s", expectedMeta, out)
	}
	if !strings.Contains(out, "remediation=\"check the platform backend\"") {
		t.Fatalf("expected remediation guidance in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"bad gateway\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}

func TestEmptyComponentRendersUnknown(t *testing.T) {
	err := New("  ", "")
	out := err.Error()
	if !strings.Contains(out, "component=unknown") || !strings.Contains(out, "code=unknown") {
		t.Fatalf("expected unknown markers, got %s", out)
	}
}

func TestWithFieldIgnoresBlankKey(t *testing.T) {
	err := New("eventbus", CodeInvalid, WithField(" ", "value"))
	if len(err.Metadata) != 0 {
		t.Fatalf("expected blank key to be ignored, got %v", err.Metadata)
	}
}

func TestUnwrapAndCodeOf(t *testing.T) {
	cause := errors.New("connection reset")
	err := New("batcher", CodeFetchFailed, WithCause(cause))
	wrapped := fmt.Errorf("query: %w", err)

	if !errors.Is(wrapped, cause) {
		t.Fatalf("expected cause to be reachable through the chain")
	}
	if got := CodeOf(wrapped); got != CodeFetchFailed {
		t.Fatalf("expected fetch_failed, got %q", got)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Fatalf("expected empty code for plain error, got %q", got)
	}
}

func TestIsWalksNestedEnvelopes(t *testing.T) {
	inner := New("lib/async", CodeUnavailable, WithMessage("pool at capacity"))
	outer := New("batcher", CodeFetchFailed, WithCause(inner))

	if !Is(outer, CodeFetchFailed) {
		t.Fatalf("expected outer code match")
	}
	if !Is(outer, CodeUnavailable) {
		t.Fatalf("expected nested code match")
	}
	if Is(outer, CodeNotFound) {
		t.Fatalf("unexpected match for not_found")
	}
}
