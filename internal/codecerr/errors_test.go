package codecerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfSeesThroughWrapping(t *testing.T) {
	base := New(TruncatedFile, "container.read", "need %d bytes, have %d", 10, 4)
	wrapped := fmt.Errorf("decode shot.vqvdb: %w", base)
	if !IsTruncatedFile(wrapped) {
		t.Fatalf("expected truncated file, got %v", KindOf(wrapped))
	}
	if IsCorruptFile(wrapped) {
		t.Fatalf("unexpected corrupt file classification")
	}
	if got := base.Error(); got != "container.read: truncated file: need 10 bytes, have 4" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(ModelLoad, "op", nil, "x"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("no such file")
	err := Wrap(ModelLoad, "native.load", cause, "model %q", "m.yaml")
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause in chain")
	}
	if !IsModelLoad(err) {
		t.Fatalf("expected model load kind")
	}
}

func TestUnclassified(t *testing.T) {
	if KindOf(errors.New("plain")) != Unknown {
		t.Fatalf("plain errors are unclassified")
	}
	if IsModelLoad(nil) {
		t.Fatalf("nil is never classified")
	}
}
