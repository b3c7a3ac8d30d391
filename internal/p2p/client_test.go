package p2p

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPollOnce_UnreachablePeerFlipsOnceNotEveryTick(t *testing.T) {
	s := newTestServer(t)

	// A closed listener's address refuses connections immediately, so every
	// poll errors out without a dial timeout.
	closed := httptest.NewServer(nil)
	endpoint := strings.TrimPrefix(closed.URL, "http://")
	closed.Close()

	lastState := make(map[string]LocalState)
	unreachable := make(map[string]bool)
	peers := map[string]string{"ns2": endpoint}

	s.pollOnce(context.Background(), peers, lastState, unreachable)
	select {
	case flip := <-s.flips:
		if !flip.Unreachable || flip.Peer != "ns2" {
			t.Fatalf("expected an unreachable flip for ns2, got %+v", flip)
		}
	default:
		t.Fatal("expected a flip on the first unreachable poll")
	}

	s.pollOnce(context.Background(), peers, lastState, unreachable)
	select {
	case flip := <-s.flips:
		t.Errorf("expected no repeat flip while peer stays unreachable, got %+v", flip)
	default:
	}
}
