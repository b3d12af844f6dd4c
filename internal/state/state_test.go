package state_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/echonet/internal/state"
	"github.com/MrWong99/echonet/internal/store"
)

func newManager(t *testing.T) *state.Manager {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "echonet.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return state.NewManager(s)
}

func TestMode_IsValid(t *testing.T) {
	t.Parallel()
	for _, m := range []state.Mode{state.ModeInactive, state.ModeTrigger, state.ModeActive} {
		if !m.IsValid() {
			t.Errorf("IsValid(%q) = false, want true", m)
		}
	}
	for _, m := range []state.Mode{"", "standby", "Trigger", "ACTIVE"} {
		if m.IsValid() {
			t.Errorf("IsValid(%q) = true, want false", m)
		}
	}
}

func TestManager_ModeRoundTrip(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	ctx := context.Background()

	mode, err := m.Mode(ctx)
	if err != nil {
		t.Fatalf("Mode: %v", err)
	}
	if mode != state.ModeTrigger {
		t.Errorf("seeded mode = %q, want trigger", mode)
	}

	if err := m.SetMode(ctx, state.ModeActive, "api", "test"); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	mode, _ = m.Mode(ctx)
	if mode != state.ModeActive {
		t.Errorf("mode = %q, want active", mode)
	}
}

func TestManager_SetModeRejectsInvalid(t *testing.T) {
	t.Parallel()
	m := newManager(t)

	err := m.SetMode(context.Background(), "standby", "api", "")
	if !errors.Is(err, state.ErrInvalidMode) {
		t.Errorf("err = %v, want ErrInvalidMode", err)
	}

	err = m.Set(context.Background(), "listen_mode", "standby", "api", "")
	if !errors.Is(err, state.ErrInvalidMode) {
		t.Errorf("raw Set err = %v, want ErrInvalidMode", err)
	}
}

func TestManager_DeviceIndexFallback(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	ctx := context.Background()

	idx, err := m.DeviceIndex(ctx, -1)
	if err != nil {
		t.Fatalf("DeviceIndex: %v", err)
	}
	if idx != -1 {
		t.Errorf("unset device index = %d, want fallback -1", idx)
	}

	if err := m.SetDeviceIndex(ctx, 4, "api", ""); err != nil {
		t.Fatalf("SetDeviceIndex: %v", err)
	}
	idx, _ = m.DeviceIndex(ctx, -1)
	if idx != 4 {
		t.Errorf("device index = %d, want 4", idx)
	}
}

func TestManager_PrerollDefaults(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	ctx := context.Background()

	on, err := m.PrerollEnabled(ctx)
	if err != nil {
		t.Fatalf("PrerollEnabled: %v", err)
	}
	if on {
		t.Error("preroll should be disabled by default")
	}
	secs, err := m.PrerollSeconds(ctx)
	if err != nil {
		t.Fatalf("PrerollSeconds: %v", err)
	}
	if secs != 2.0 {
		t.Errorf("preroll seconds = %v, want 2.0", secs)
	}
}

func TestManager_SubscribeReceivesChanges(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	ctx := context.Background()

	ch, cancel := m.Subscribe()
	defer cancel()

	if err := m.SetMode(ctx, state.ModeInactive, "api", "night"); err != nil {
		t.Fatalf("SetMode: %v", err)
	}

	select {
	case c := <-ch:
		if c.Name != "listen_mode" || c.NewValue != "inactive" {
			t.Errorf("change = %+v, want listen_mode -> inactive", c)
		}
		if c.OldValue == nil || *c.OldValue != "trigger" {
			t.Errorf("old value = %+v, want trigger", c.OldValue)
		}
		if c.Source != "api" || c.Reason != "night" {
			t.Errorf("provenance = %q/%q, want api/night", c.Source, c.Reason)
		}
	case <-time.After(time.Second):
		t.Fatal("no change delivered within 1s")
	}
}

func TestManager_NoOpSetDoesNotNotify(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	ctx := context.Background()

	ch, cancel := m.Subscribe()
	defer cancel()

	if err := m.SetMode(ctx, state.ModeTrigger, "api", ""); err != nil {
		t.Fatalf("SetMode: %v", err)
	}

	select {
	case c := <-ch:
		t.Errorf("unexpected change for no-op set: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManager_CancelledSubscriptionStopsDelivery(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	ctx := context.Background()

	ch, cancel := m.Subscribe()
	cancel()
	cancel() // double cancel is safe

	if err := m.SetMode(ctx, state.ModeActive, "api", ""); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("closed subscription should not receive changes")
	}
}
