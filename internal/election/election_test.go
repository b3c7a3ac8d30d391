package election

import (
	"testing"

	"hacontrold/internal/model"
)

func members() []model.Member {
	return []model.Member{
		{NodeID: 1, Name: "ns1", Online: true},
		{NodeID: 2, Name: "ns2", Online: true},
		{NodeID: 3, Name: "ns3", Online: true},
	}
}

func TestElect_LowestNodeIDWins(t *testing.T) {
	res := Elect(members(), 1, nil, true, true)
	if res.None {
		t.Fatal("expected a result")
	}
	if res.LeaderID != 1 || res.LeaderName != "ns1" {
		t.Errorf("expected ns1 to lead, got %+v", res)
	}
	if !res.IsLocalLeader {
		t.Error("expected IsLocalLeader=true for local node 1")
	}
}

func TestElect_RequireQuorumBlocksElection(t *testing.T) {
	res := Elect(members(), 1, nil, true, false)
	if !res.None {
		t.Errorf("expected None when requireQuorum and not quorate, got %+v", res)
	}
}

func TestElect_OfflineExcluded(t *testing.T) {
	m := members()
	m[0].Online = false
	res := Elect(m, 2, nil, true, true)
	if res.None {
		t.Fatal("expected a result")
	}
	if res.LeaderID != 2 {
		t.Errorf("expected ns2 to lead once ns1 offline, got %+v", res)
	}
}

// TestElect_StandbyBlocksLeadership covers scenario 5: the lowest node-id
// member is ineligible while in standby, even with the lowest id.
func TestElect_StandbyBlocksLeadership(t *testing.T) {
	m := []model.Member{
		{NodeID: 1, Name: "ns1", Online: true},
		{NodeID: 2, Name: "ns2", Online: true},
	}
	standby := map[string]bool{"ns1": true}
	res := Elect(m, 1, standby, true, true)
	if res.None {
		t.Fatal("expected a result")
	}
	if res.LeaderName != "ns2" {
		t.Errorf("expected ns2 to lead over standby ns1, got %+v", res)
	}
	if res.IsLocalLeader {
		t.Error("local node ns1 is in standby, must not be local leader")
	}
}

func TestElect_NoOnlineMembers(t *testing.T) {
	m := []model.Member{{NodeID: 1, Name: "ns1", Online: false}}
	res := Elect(m, 1, nil, false, true)
	if !res.None {
		t.Errorf("expected None with no online members, got %+v", res)
	}
}

func TestManager_EmitsOnlyOnChange(t *testing.T) {
	mgr := NewManager()

	mgr.Evaluate(members(), 1, nil, true, true)
	select {
	case c := <-mgr.Changes():
		if !c.IsLocal || c.LeaderName != "ns1" {
			t.Errorf("unexpected first change: %+v", c)
		}
	default:
		t.Fatal("expected a change on first evaluation")
	}

	mgr.Evaluate(members(), 1, nil, true, true)
	select {
	case c := <-mgr.Changes():
		t.Errorf("expected no change on repeat evaluation, got %+v", c)
	default:
	}

	m2 := members()
	m2[0].Online = false
	mgr.Evaluate(m2, 1, nil, true, true)
	select {
	case c := <-mgr.Changes():
		if c.LeaderName != "ns2" {
			t.Errorf("expected leader change to ns2, got %+v", c)
		}
	default:
		t.Fatal("expected a change when leader flips")
	}
}
