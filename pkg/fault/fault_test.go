package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrappedError(t *testing.T) {
	base := New(ReplayedCommitment, "commitment %s already bound", "sha256:ab")
	wrapped := fmt.Errorf("authorize: %w", base)
	if KindOf(wrapped) != ReplayedCommitment {
		t.Fatalf("expected kind to survive wrapping, got %q", KindOf(wrapped))
	}
	if !Is(wrapped, ReplayedCommitment) {
		t.Fatalf("expected Is to match")
	}
}

func TestKindOfForeignError(t *testing.T) {
	if KindOf(errors.New("plain")) != "" {
		t.Fatalf("expected empty kind for foreign error")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(SettlementConflict, cause, "double release on esc_1")
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to unwrap")
	}
}
