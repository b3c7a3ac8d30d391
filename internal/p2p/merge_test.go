package p2p

import (
	"testing"

	"hacontrold/internal/model"
)

func snap(n int) model.ClusterSnapshot {
	s := model.ClusterSnapshot{}
	for i := 0; i < n; i++ {
		s.Members = append(s.Members, model.Member{NodeID: i + 1, Name: "n"})
	}
	return s
}

func TestMergeMemberLists_LargerIncomingWins(t *testing.T) {
	kept, accepted := MergeMemberLists(snap(2), snap(3))
	if !accepted || len(kept.Members) != 3 {
		t.Fatalf("expected larger incoming list to replace local, got accepted=%v len=%d", accepted, len(kept.Members))
	}
}

func TestMergeMemberLists_NeverShrinks(t *testing.T) {
	kept, accepted := MergeMemberLists(snap(3), snap(2))
	if accepted || len(kept.Members) != 3 {
		t.Fatalf("expected local list to be kept when incoming is shorter, got accepted=%v len=%d", accepted, len(kept.Members))
	}
}

func TestMergeMemberLists_TieKeepsLocal(t *testing.T) {
	local := snap(2)
	incoming := model.ClusterSnapshot{Members: []model.Member{{NodeID: 9, Name: "different"}, {NodeID: 10, Name: "also-different"}}}
	kept, accepted := MergeMemberLists(local, incoming)
	if accepted {
		t.Fatal("expected a size tie to not be accepted (conservative, no reconciliation)")
	}
	if len(kept.Members) != len(local.Members) || kept.Members[0].Name != local.Members[0].Name {
		t.Fatalf("expected local copy retained on tie, got %+v", kept)
	}
}
