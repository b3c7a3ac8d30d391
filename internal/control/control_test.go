package control

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestServer_StatusRoundTrip(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "hacontrold.sock")
	srv := New(sock, func(ctx context.Context, req Request) Response {
		if req.Command != "status" {
			return Response{Success: false, Error: "unknown command"}
		}
		return Response{Success: true, Data: map[string]string{"phase": "leader"}}
	})

	go srv.ListenAndServe()
	defer srv.Shutdown()
	waitForSocket(t, sock)

	resp, err := Call(sock, Request{Command: "status"}, time.Second)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}
}

func TestServer_UnknownCommandReturnsError(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "hacontrold.sock")
	srv := New(sock, func(ctx context.Context, req Request) Response {
		return Response{Success: false, Error: "refused"}
	})

	go srv.ListenAndServe()
	defer srv.Shutdown()
	waitForSocket(t, sock)

	resp, err := Call(sock, Request{Command: "bogus"}, time.Second)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if resp.Success {
		t.Fatal("expected success=false for a refused command")
	}
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := Call(path, Request{Command: "status"}, 50*time.Millisecond); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
