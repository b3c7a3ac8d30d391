package mesh

import "testing"

func TestJoinToken_RoundTripV1(t *testing.T) {
	roundTrip(t, JoinToken{V: 1, Cluster: "prod", Endpoint: "10.0.0.1:51820", PubKey: "pub1", AuthKey: "auth1"})
}

func TestJoinToken_RoundTripV2(t *testing.T) {
	roundTrip(t, JoinToken{
		V: 2, Cluster: "prod", Endpoint: "10.0.0.1:51820", PubKey: "pub1", AuthKey: "auth1",
		MeshNetwork: "10.10.0.0/24", MeshIP: "10.10.0.1", CorosyncPort: 5405,
	})
}

func TestJoinToken_RoundTripV3(t *testing.T) {
	roundTrip(t, JoinToken{
		V: 3, Cluster: "prod", Endpoint: "10.0.0.1:51820", PubKey: "pub1", AuthKey: "auth1",
		MeshNetwork: "10.10.0.0/24", MeshIP: "10.10.0.1", CorosyncPort: 5405,
		AssignedIP: "10.10.0.5", UsedIPs: []string{"10.10.0.1", "10.10.0.2"},
		Peers:         []Peer{{Name: "ns1", PublicKey: "pub1", Endpoint: "10.0.0.1:51820", OverlayIP: "10.10.0.1"}},
		InitiatorName: "ns1",
	})
}

func roundTrip(t *testing.T, want JoinToken) {
	t.Helper()
	enc, err := EncodeJoinToken(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeJoinToken(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !tokensEqual(got, want) {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestJoinToken_PrefixedURIDecodes(t *testing.T) {
	want := JoinToken{V: 1, Cluster: "prod", Endpoint: "10.0.0.1:51820", PubKey: "pub1", AuthKey: "auth1"}
	uri, err := EncodeJoinTokenURI(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeJoinToken(uri)
	if err != nil {
		t.Fatalf("decode prefixed uri: %v", err)
	}
	if !tokensEqual(got, want) {
		t.Fatalf("prefixed round-trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestJoinToken_UnsupportedVersionRejected(t *testing.T) {
	_, err := EncodeJoinToken(JoinToken{V: 4})
	if err == nil {
		t.Fatal("expected encode to reject version 4")
	}
}

func tokensEqual(a, b JoinToken) bool {
	if a.V != b.V || a.Cluster != b.Cluster || a.Endpoint != b.Endpoint || a.PubKey != b.PubKey ||
		a.AuthKey != b.AuthKey || a.MeshNetwork != b.MeshNetwork || a.MeshIP != b.MeshIP ||
		a.CorosyncPort != b.CorosyncPort || a.AssignedIP != b.AssignedIP || a.InitiatorName != b.InitiatorName {
		return false
	}
	if len(a.UsedIPs) != len(b.UsedIPs) || len(a.Peers) != len(b.Peers) {
		return false
	}
	for i := range a.UsedIPs {
		if a.UsedIPs[i] != b.UsedIPs[i] {
			return false
		}
	}
	for i := range a.Peers {
		if a.Peers[i] != b.Peers[i] {
			return false
		}
	}
	return true
}
