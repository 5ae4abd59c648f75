package systemd

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Tests in this file swap the package notifier and must not run in parallel.

type recorder struct {
	mu    sync.Mutex
	sent  []string
	ready chan struct{}
}

func (r *recorder) notify(_ bool, state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, state)
	if r.ready != nil && state == daemon.SdNotifyWatchdog && len(r.sent) == 2 {
		close(r.ready)
	}
	return true, nil
}

func (r *recorder) states() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func withRecorder(t *testing.T) *recorder {
	t.Helper()
	r := &recorder{}
	prev := notify
	notify = r.notify
	t.Cleanup(func() { notify = prev })
	return r
}

func TestNotifications(t *testing.T) {
	r := withRecorder(t)
	_, _ = Ready()
	_, _ = Status("dispatching")
	_, _ = Reloading()
	_, _ = Stopping()

	got := r.states()
	if len(got) != 4 {
		t.Fatalf("sent %d notifications, want 4", len(got))
	}
	if got[0] != daemon.SdNotifyReady || got[1] != "STATUS=dispatching" || got[3] != daemon.SdNotifyStopping {
		t.Fatalf("notifications = %q", got)
	}
	if !strings.HasPrefix(got[2], daemon.SdNotifyReloading+"\nMONOTONIC_USEC=") {
		t.Fatalf("reloading = %q", got[2])
	}
}

func TestWatchdogSkipsUnhealthy(t *testing.T) {
	r := withRecorder(t)
	r.ready = make(chan struct{})

	var mu sync.Mutex
	healthy := false
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Watchdog(ctx, 5*time.Millisecond, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return healthy
		})
	}()

	time.Sleep(30 * time.Millisecond)
	if n := len(r.states()); n != 0 {
		t.Fatalf("pinged %d times while unhealthy", n)
	}
	mu.Lock()
	healthy = true
	mu.Unlock()

	select {
	case <-r.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not ping")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watchdog() = %v", err)
	}
}

func TestWatchdogDisabled(t *testing.T) {
	if err := Watchdog(context.Background(), 0, nil); err != nil {
		t.Fatalf("Watchdog(0) = %v", err)
	}
}
