package observer

import (
	"testing"

	"hacontrold/internal/model"
)

func snapshot(members ...model.Member) model.ClusterSnapshot {
	return model.ClusterSnapshot{Members: members}
}

func TestEmitNodeStateChanges_FirstObservationOfflineEmitsNoEvent(t *testing.T) {
	o := New(nil)
	o.emitNodeStateChanges(snapshot(model.Member{Name: "ns2", Online: false}))
	select {
	case c := <-o.NodeStateChanges():
		t.Errorf("expected no event for a member first observed offline, got %+v", c)
	default:
	}
}

func TestEmitNodeStateChanges_FirstObservationOnlineEmits(t *testing.T) {
	o := New(nil)
	o.emitNodeStateChanges(snapshot(model.Member{Name: "ns2", Online: true}))
	select {
	case c := <-o.NodeStateChanges():
		if !c.Online || c.PreviousOnline {
			t.Errorf("expected online=true previousOnline=false, got %+v", c)
		}
	default:
		t.Fatal("expected an event for a member first observed online")
	}
}

func TestEmitNodeStateChanges_NeverEmitsNoOpTransition(t *testing.T) {
	o := New(nil)
	o.emitNodeStateChanges(snapshot(model.Member{Name: "ns2", Online: false}))
	o.emitNodeStateChanges(snapshot(model.Member{Name: "ns2", Online: false}))
	select {
	case c := <-o.NodeStateChanges():
		t.Errorf("expected no event while a member stays offline, got %+v", c)
	default:
	}
}

func TestEmitNodeStateChanges_EmitsOnFlip(t *testing.T) {
	o := New(nil)
	o.emitNodeStateChanges(snapshot(model.Member{Name: "ns2", Online: true}))
	<-o.NodeStateChanges() // drain the first-observation event

	o.emitNodeStateChanges(snapshot(model.Member{Name: "ns2", Online: false}))
	select {
	case c := <-o.NodeStateChanges():
		if c.Online || !c.PreviousOnline {
			t.Errorf("expected online=false previousOnline=true, got %+v", c)
		}
	default:
		t.Fatal("expected an event when the member goes offline")
	}
}
