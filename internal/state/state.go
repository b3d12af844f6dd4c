// Package state exposes EchoNet's runtime settings as typed accessors over
// the persistent store and broadcasts every change to subscribers.
package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/echonet/internal/store"
)

// Mode is the ASR worker listen mode.
type Mode string

const (
	// ModeInactive releases the audio device and processes nothing.
	ModeInactive Mode = "inactive"
	// ModeTrigger captures short segments and routes only wake-phrase matches.
	ModeTrigger Mode = "trigger"
	// ModeActive captures full segments and routes every non-empty transcript,
	// then resets itself back to trigger.
	ModeActive Mode = "active"
)

// IsValid reports whether m is a recognised listen mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeInactive, ModeTrigger, ModeActive:
		return true
	}
	return false
}

// ErrInvalidMode is returned when a caller supplies a mode outside the enum.
var ErrInvalidMode = errors.New("state: invalid listen mode")

// Setting names in the store.
const (
	keyListenMode  = "listen_mode"
	keyDeviceIndex = "audio_device_index"
)

// Config keys in the store.
const (
	keyPrerollEnabled = "enable_preroll_buffer"
	keyPrerollSeconds = "preroll_buffer_seconds"
)

// Change describes one applied setting mutation, delivered to subscribers.
// OldValue is nil when the setting had never been written before.
type Change struct {
	Name     string    `json:"name"`
	OldValue *string   `json:"old_value"`
	NewValue string    `json:"new_value"`
	Source   string    `json:"source"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Manager provides typed, validated access to runtime state. Sets return only
// after the store write has committed, so a caller that sees a Set succeed can
// rely on the worker observing the new value on its next poll.
//
// All exported methods are safe for concurrent use.
type Manager struct {
	store *store.Store

	mu   sync.Mutex
	subs map[chan Change]struct{}
}

// NewManager wraps an opened, migrated store.
func NewManager(st *store.Store) *Manager {
	return &Manager{
		store: st,
		subs:  make(map[chan Change]struct{}),
	}
}

// Mode returns the current listen mode. A corrupt stored value degrades to
// ModeTrigger rather than wedging the worker.
func (m *Manager) Mode(ctx context.Context) (Mode, error) {
	v, err := m.store.GetSetting(ctx, keyListenMode)
	if err != nil {
		return "", fmt.Errorf("state: read listen mode: %w", err)
	}
	mode := Mode(v)
	if !mode.IsValid() {
		return ModeTrigger, nil
	}
	return mode, nil
}

// SetMode writes a new listen mode with provenance.
func (m *Manager) SetMode(ctx context.Context, mode Mode, source, reason string) error {
	if !mode.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	return m.set(ctx, keyListenMode, string(mode), source, reason)
}

// DeviceIndex returns the persisted capture device index, or fallback when no
// device has ever been selected.
func (m *Manager) DeviceIndex(ctx context.Context, fallback int) (int, error) {
	v, err := m.store.GetSetting(ctx, keyDeviceIndex)
	if errors.Is(err, store.ErrNotFound) {
		return fallback, nil
	}
	if err != nil {
		return 0, fmt.Errorf("state: read device index: %w", err)
	}
	idx, err := strconv.Atoi(v)
	if err != nil {
		return fallback, nil
	}
	return idx, nil
}

// SetDeviceIndex persists the capture device selection.
func (m *Manager) SetDeviceIndex(ctx context.Context, index int, source, reason string) error {
	return m.set(ctx, keyDeviceIndex, strconv.Itoa(index), source, reason)
}

// Get returns the raw value of any setting.
func (m *Manager) Get(ctx context.Context, name string) (string, error) {
	return m.store.GetSetting(ctx, name)
}

// Set writes a raw setting value. listen_mode values are validated against
// the mode enum; other names pass through.
func (m *Manager) Set(ctx context.Context, name, value, source, reason string) error {
	if name == keyListenMode && !Mode(value).IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, value)
	}
	return m.set(ctx, name, value, source, reason)
}

// PrerollEnabled reports whether the pre-trigger audio buffer is on.
func (m *Manager) PrerollEnabled(ctx context.Context) (bool, error) {
	cv, err := m.store.GetConfig(ctx, keyPrerollEnabled)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return cv.Bool()
}

// PrerollSeconds returns the configured pre-trigger buffer length.
func (m *Manager) PrerollSeconds(ctx context.Context) (float64, error) {
	cv, err := m.store.GetConfig(ctx, keyPrerollSeconds)
	if errors.Is(err, store.ErrNotFound) {
		return 2.0, nil
	}
	if err != nil {
		return 0, err
	}
	return cv.Float()
}

// Settings returns the full settings snapshot.
func (m *Manager) Settings(ctx context.Context) ([]store.Setting, error) {
	return m.store.Settings(ctx)
}

// ConfigValues returns all tunable config rows.
func (m *Manager) ConfigValues(ctx context.Context) ([]store.ConfigValue, error) {
	return m.store.Configs(ctx)
}

// History returns recent setting changes, newest first. An empty name covers
// all settings; limit <= 0 uses the store default.
func (m *Manager) History(ctx context.Context, name string, limit int) ([]store.Change, error) {
	return m.store.History(ctx, name, limit)
}

// ConfigValue returns a typed config row by key.
func (m *Manager) ConfigValue(ctx context.Context, key string) (store.ConfigValue, error) {
	return m.store.GetConfig(ctx, key)
}

// SetConfigValue updates an existing config row. Unknown keys return
// [store.ErrNotFound]; the config table is seeded by migrations, never grown
// at runtime.
func (m *Manager) SetConfigValue(ctx context.Context, key, value string) error {
	return m.store.SetConfig(ctx, key, value)
}

// Subscribe registers a listener for setting changes. The returned cancel
// func must be called to release the subscription. Delivery is best-effort:
// a subscriber that falls behind misses events instead of blocking writers.
func (m *Manager) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, 16)

	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
		m.mu.Unlock()
	}
	return ch, cancel
}

func (m *Manager) set(ctx context.Context, name, value, source, reason string) error {
	old, err := m.store.GetSetting(ctx, name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("state: read %q: %w", name, err)
	}
	if err == nil && old == value {
		return nil
	}
	if err := m.store.SetSetting(ctx, name, value, source, reason); err != nil {
		return fmt.Errorf("state: write %q: %w", name, err)
	}
	var oldVal *string
	if err == nil { // the setting existed before this write
		oldVal = &old
	}
	m.notify(Change{
		Name:     name,
		OldValue: oldVal,
		NewValue: value,
		Source:   source,
		Reason:   reason,
		At:       time.Now().UTC(),
	})
	return nil
}

func (m *Manager) notify(c Change) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- c:
		default:
		}
	}
}
