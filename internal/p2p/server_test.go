package p2p

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"hacontrold/internal/mesh"
	"hacontrold/internal/model"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	allow := NewAllowList([]string{"10.10.0.0/24"})
	overlay := &mesh.StaticOverlay{Handshakes: map[string]time.Duration{}}
	return New("127.0.0.1:0", allow, "secret", overlay, nil,
		func() LocalState { return LocalState{Name: "ns1", Standby: false, IsLeader: true} },
		func() model.ClusterSnapshot { return model.ClusterSnapshot{Members: []model.Member{{NodeID: 1, Name: "ns1"}}} },
		func(model.ClusterSnapshot) bool { return true },
	)
}

func TestHandleState_DeniedOutsideAllowList(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/state", nil)
	req.RemoteAddr = "203.0.113.5:1234"
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for non-allow-listed source, got %d", rec.Code)
	}
}

func TestHandleState_AllowedWithinOverlaySubnet(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/state", nil)
	req.RemoteAddr = "10.10.0.5:1234"
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for allow-listed source, got %d", rec.Code)
	}
}

func TestHandleCorosyncNodes_RequiresSharedKey(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/corosync-nodes", nil)
	req.RemoteAddr = "10.10.0.5:1234"
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 without authKey, got %d", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/corosync-nodes?authKey=secret", nil)
	req2.RemoteAddr = "10.10.0.5:1234"
	rec2 := httptest.NewRecorder()
	s.router.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Errorf("expected 200 with correct authKey, got %d", rec2.Code)
	}
}
