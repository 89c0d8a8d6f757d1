package ingress

import (
	"context"
	"net/http"
	"testing"
	"time"

	logx "donornotify/pkg/logx"
)

func TestServerStartStop(t *testing.T) {
	t.Parallel()
	s := NewServer(ServerConfig{Addr: "127.0.0.1:0"}, Deps{Pipeline: &fakePipeline{}}, logx.Nop())
	s.Start(context.Background())

	select {
	case <-s.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("server never became ready")
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatal("no bound address")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Supervisor() != nil {
		t.Fatal("supervisor should be cleared after stop")
	}
	if _, err := http.Get("http://" + addr + "/healthz"); err == nil {
		t.Fatal("expected connection failure after stop")
	}
}

func TestServerRestartDoesNotLeakShutdownWatchers(t *testing.T) {
	t.Parallel()
	s := NewServer(ServerConfig{Addr: "127.0.0.1:0"}, Deps{Pipeline: &fakePipeline{}}, logx.Nop())
	s.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	select {
	case <-s.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("server never became ready")
	}

	// Break the listener twice; the supervisor rebinds after each failure.
	for i := 0; i < 2; i++ {
		s.mu.Lock()
		ln := s.ln
		s.mu.Unlock()
		if ln == nil {
			t.Fatalf("restart %d: no listener", i)
		}
		_ = ln.Close()

		deadline := time.Now().Add(10 * time.Second)
		for {
			s.mu.Lock()
			rebound := s.ln != nil && s.ln != ln
			s.mu.Unlock()
			if rebound {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("restart %d: listener never rebound", i)
			}
			time.Sleep(20 * time.Millisecond)
		}
	}

	// One restart loop plus the watcher of the live listener.
	deadline := time.Now().Add(3 * time.Second)
	for {
		active := s.Supervisor().Counters().Active
		if active == 2 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("active goroutines = %d, want 2", active)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
