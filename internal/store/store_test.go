package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/MrWong99/echonet/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "echonet.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestMigrate_FreshDatabase(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	v, err := s.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != 3 {
		t.Errorf("SchemaVersion = %d, want 3", v)
	}

	// v2 seeds the listen mode.
	mode, err := s.GetSetting(ctx, "listen_mode")
	if err != nil {
		t.Fatalf("GetSetting(listen_mode): %v", err)
	}
	if mode != "trigger" {
		t.Errorf("listen_mode seed = %q, want trigger", mode)
	}

	// v3 seeds the preroll config.
	cv, err := s.GetConfig(ctx, "enable_preroll_buffer")
	if err != nil {
		t.Fatalf("GetConfig(enable_preroll_buffer): %v", err)
	}
	if on, err := cv.Bool(); err != nil || on {
		t.Errorf("enable_preroll_buffer = %v (err %v), want false", on, err)
	}
	secs, err := s.GetConfig(ctx, "preroll_buffer_seconds")
	if err != nil {
		t.Fatalf("GetConfig(preroll_buffer_seconds): %v", err)
	}
	if f, err := secs.Float(); err != nil || f != 2.0 {
		t.Errorf("preroll_buffer_seconds = %v (err %v), want 2.0", f, err)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "echonet.db")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		s, err := store.Open(path)
		if err != nil {
			t.Fatalf("Open #%d: %v", i, err)
		}
		if err := s.Migrate(ctx); err != nil {
			t.Fatalf("Migrate #%d: %v", i, err)
		}
		s.Close()
	}
}

func TestSetSetting_AuditLog(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	if err := s.SetSetting(ctx, "listen_mode", "active", "api", "user requested"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	got, err := s.GetSetting(ctx, "listen_mode")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if got != "active" {
		t.Errorf("listen_mode = %q, want active", got)
	}

	hist, err := s.History(ctx, "listen_mode", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("history length = %d, want 1", len(hist))
	}
	c := hist[0]
	if c.OldValue == nil || *c.OldValue != "trigger" || c.NewValue != "active" {
		t.Errorf("change = %+v -> %q, want trigger -> active", c.OldValue, c.NewValue)
	}
	if c.Source != "api" || c.Reason != "user requested" {
		t.Errorf("provenance = %q/%q, want api/user requested", c.Source, c.Reason)
	}
}

func TestSetSetting_UnchangedValueIsNoOp(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	if err := s.SetSetting(ctx, "listen_mode", "trigger", "api", ""); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	hist, err := s.History(ctx, "listen_mode", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 0 {
		t.Errorf("no-op set produced %d log rows, want 0", len(hist))
	}
}

func TestSetSetting_NewName(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	if err := s.SetSetting(ctx, "audio_device_index", "2", "api", ""); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	got, err := s.GetSetting(ctx, "audio_device_index")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if got != "2" {
		t.Errorf("audio_device_index = %q, want 2", got)
	}

	hist, err := s.History(ctx, "audio_device_index", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	// The first-ever write logs a NULL old value, not an empty string.
	if len(hist) != 1 || hist[0].OldValue != nil {
		t.Errorf("history = %+v, want one row with nil old value", hist)
	}

	// A subsequent write records the previous value.
	if err := s.SetSetting(ctx, "audio_device_index", "5", "api", ""); err != nil {
		t.Fatalf("SetSetting (update): %v", err)
	}
	hist, err = s.History(ctx, "audio_device_index", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 || hist[0].OldValue == nil || *hist[0].OldValue != "2" {
		t.Errorf("history after update = %+v, want newest row with old value 2", hist)
	}
}

func TestGetSetting_NotFound(t *testing.T) {
	t.Parallel()
	s := openStore(t)

	_, err := s.GetSetting(context.Background(), "no_such_setting")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestHistory_NewestFirstAndLimit(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	modes := []string{"active", "trigger", "inactive", "trigger"}
	for _, m := range modes {
		if err := s.SetSetting(ctx, "listen_mode", m, "test", ""); err != nil {
			t.Fatalf("SetSetting(%q): %v", m, err)
		}
	}

	hist, err := s.History(ctx, "listen_mode", 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2", len(hist))
	}
	if hist[0].NewValue != "trigger" || hist[1].NewValue != "inactive" {
		t.Errorf("order = %q, %q; want trigger, inactive (newest first)", hist[0].NewValue, hist[1].NewValue)
	}
}

func TestTargets_CRUD(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	tgt := store.Target{
		Name:    "assistant",
		BaseURL: "http://127.0.0.1:9000",
		Phrases: []string{"hey assistant", "assistant"},
	}
	if err := s.PutTarget(ctx, tgt); err != nil {
		t.Fatalf("PutTarget: %v", err)
	}

	all, err := s.Targets(ctx)
	if err != nil {
		t.Fatalf("Targets: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("targets = %d, want 1", len(all))
	}
	if all[0].BaseURL != tgt.BaseURL || len(all[0].Phrases) != 2 {
		t.Errorf("round-trip mismatch: %+v", all[0])
	}

	// Upsert replaces.
	tgt.BaseURL = "http://127.0.0.1:9001"
	if err := s.PutTarget(ctx, tgt); err != nil {
		t.Fatalf("PutTarget (update): %v", err)
	}
	all, _ = s.Targets(ctx)
	if len(all) != 1 || all[0].BaseURL != "http://127.0.0.1:9001" {
		t.Errorf("after update: %+v", all)
	}

	if err := s.DeleteTarget(ctx, "assistant"); err != nil {
		t.Fatalf("DeleteTarget: %v", err)
	}
	if err := s.DeleteTarget(ctx, "assistant"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}
}

func TestSetConfig(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	if err := s.SetConfig(ctx, "enable_preroll_buffer", "true"); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	cv, err := s.GetConfig(ctx, "enable_preroll_buffer")
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if on, _ := cv.Bool(); !on {
		t.Error("enable_preroll_buffer should be true after SetConfig")
	}

	if err := s.SetConfig(ctx, "unknown_key", "1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("SetConfig(unknown) = %v, want ErrNotFound", err)
	}
}
