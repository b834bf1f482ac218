package errcode

import (
	"errors"
	"fmt"
	"testing"

	goerrors "github.com/goliatone/go-errors"
)

func TestIsMatchesWrappedTextCode(t *testing.T) {
	err := Timeout("request timed out", map[string]any{"cid": "abc"})
	if !Is(err, RequestTimeout) {
		t.Fatalf("expected timeout text code")
	}
	wrapped := fmt.Errorf("resolve: %w", err)
	if !Is(wrapped, RequestTimeout) {
		t.Fatalf("expected text code through fmt wrapping")
	}
	if Is(wrapped, SessionDegraded) {
		t.Fatalf("expected different code to miss")
	}
	if Is(errors.New("plain"), RequestTimeout) || Is(nil, RequestTimeout) {
		t.Fatalf("expected plain errors to carry no text code")
	}
}

func TestWrapKeepsCategory(t *testing.T) {
	err := Wrap(errors.New("disk"), goerrors.CategoryExternal, "store failed", StoreUnavailable, nil)
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected rich error")
	}
	if rich.Category != goerrors.CategoryExternal || rich.TextCode != StoreUnavailable {
		t.Fatalf("unexpected envelope %+v", rich)
	}
	if !Is(Wrap(nil, goerrors.CategoryBadInput, "bad", BadInput, nil), BadInput) {
		t.Fatalf("expected nil source to build a fresh error")
	}
}
