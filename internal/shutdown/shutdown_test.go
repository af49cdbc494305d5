package shutdown

import "testing"

func TestToken(t *testing.T) {
	tok := New()
	if tok.IsCancelled() {
		t.Fatal("new token must not be cancelled")
	}

	tok.RequestCancel()
	tok.RequestCancel()

	if !tok.IsCancelled() {
		t.Fatal("expected token to be cancelled")
	}
	select {
	case <-tok.Done():
	default:
		t.Error("Done() should be closed")
	}
}
