// Package router decides what happens to each transcribed utterance: end a
// session on a cancel phrase, continue a live session, open one on a wake
// phrase match, or ignore the text. Decisions are made synchronously; event
// delivery happens inline through the forwarder but a delivery failure never
// changes the decision, only its forwarded flag and reason.
package router

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/echonet/internal/forward"
	"github.com/MrWong99/echonet/internal/observe"
	"github.com/MrWong99/echonet/internal/registry"
	"github.com/MrWong99/echonet/internal/state"
	"github.com/MrWong99/echonet/internal/store"
)

// TextEvent is one transcribed utterance entering the router.
type TextEvent struct {
	SourceID   string  `json:"source_id"`
	Room       string  `json:"room,omitempty"`
	TS         int64   `json:"ts"` // unix milliseconds; 0 means now
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Decision modes.
const (
	ModeSessionOpen     = "session_open"
	ModeSessionContinue = "session_continue"
	ModeSessionEnd      = "session_end"
	ModeIgnored         = "ignored"
)

// Decision is the outcome of routing one event.
type Decision struct {
	Handled   bool     `json:"handled"`
	RoutedTo  string   `json:"routed_to,omitempty"`
	Mode      string   `json:"mode"`
	Session   *Session `json:"session,omitempty"`
	Forwarded bool     `json:"forwarded"`
	Reason    string   `json:"reason"`
}

// Options configures a Router.
type Options struct {
	// SessionTTL is the idle lifetime of a session. Default 25s.
	SessionTTL time.Duration

	// CancelPhrases end the live session when contained in a transcript.
	CancelPhrases []string

	// StripTrigger removes the matched wake phrase from forwarded text.
	StripTrigger bool

	// FuzzyMatch enables the phonetic wake-phrase scan after an exact miss.
	FuzzyMatch bool

	// FuzzyThreshold is the minimum similarity for a fuzzy hit. Default 0.85.
	FuzzyThreshold float64

	// Metrics receives the live-session gauge updates. Nil uses
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Router routes text events to targets. All exported methods are safe for
// concurrent use.
type Router struct {
	registry *registry.Registry
	sender   forward.Sender
	sessions *sessionMap

	cancelPhrases  []string
	stripTrigger   bool
	fuzzyMatch     bool
	fuzzyThreshold float64

	lastTarget atomicString // most recently routed-to target, for active mode
}

// New builds a Router.
func New(reg *registry.Registry, sender forward.Sender, opts Options) *Router {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 25 * time.Second
	}
	if opts.FuzzyThreshold <= 0 {
		opts.FuzzyThreshold = 0.85
	}
	if opts.Metrics == nil {
		opts.Metrics = observe.DefaultMetrics()
	}
	normalized := make([]string, 0, len(opts.CancelPhrases))
	for _, p := range opts.CancelPhrases {
		if p = registry.Normalize(p); p != "" {
			normalized = append(normalized, p)
		}
	}
	return &Router{
		registry:       reg,
		sender:         sender,
		sessions:       newSessionMap(opts.SessionTTL, opts.Metrics),
		cancelPhrases:  normalized,
		stripTrigger:   opts.StripTrigger,
		fuzzyMatch:     opts.FuzzyMatch,
		fuzzyThreshold: opts.FuzzyThreshold,
	}
}

// Route decides and (when applicable) forwards one event. mode is the listen
// mode the event was captured under: in ModeActive every non-empty transcript
// is routed, in any other mode only cancel phrases, live sessions, and wake
// phrases are acted on.
func (r *Router) Route(ctx context.Context, mode state.Mode, ev TextEvent) Decision {
	if ev.TS == 0 {
		ev.TS = time.Now().UnixMilli()
	}
	text := registry.Normalize(ev.Text)
	if text == "" {
		return Decision{Mode: ModeIgnored, Reason: "no_match"}
	}

	// 1. Cancel phrases beat everything, including wake phrases in the
	// same utterance ("never mind, lights").
	if r.containsCancel(text) {
		if _, ok := r.sessions.live(ev.SourceID); ok {
			r.sessions.end(ev.SourceID)
			slog.Info("session cancelled", "source_id", ev.SourceID)
			return Decision{Handled: true, Mode: ModeSessionEnd, Reason: "cancel_phrase"}
		}
		return Decision{Mode: ModeIgnored, Reason: "cancel_phrase"}
	}

	// 2. A live session claims the utterance before any wake scan.
	if s, ok := r.sessions.live(ev.SourceID); ok {
		return r.continueSession(ctx, s, ev, text)
	}

	// 3. Wake scan, exact containment longest-phrase-first, then the
	// optional fuzzy pass.
	idx := r.registry.PhraseMap()
	entry, matched, ok := exactScan(text, idx.Entries)
	if !ok && r.fuzzyMatch {
		entry, matched, ok = fuzzyScan(text, idx.Entries, r.fuzzyThreshold)
	}
	if ok {
		return r.openSession(ctx, entry, matched, ev, text)
	}

	// 4. Active mode routes leftover speech instead of dropping it.
	if mode == state.ModeActive {
		return r.routeActive(ctx, ev, text)
	}
	return Decision{Mode: ModeIgnored, Reason: "no_match"}
}

// Sessions returns all live sessions.
func (r *Router) Sessions() []Session {
	return r.sessions.list()
}

// EndSession force-ends the session for a source. Returns ErrNoSession when
// there is none.
func (r *Router) EndSession(sourceID string) error {
	return r.sessions.end(sourceID)
}

func (r *Router) continueSession(ctx context.Context, s Session, ev TextEvent, text string) Decision {
	target, err := r.registry.Get(s.Target)
	if err != nil {
		// Target unregistered mid-session; the session cannot outlive it.
		r.sessions.end(ev.SourceID)
		slog.Warn("session target unregistered", "source_id", ev.SourceID, "target", s.Target)
		return Decision{Handled: true, Mode: ModeSessionEnd, Reason: "target_unregistered"}
	}

	if refreshed, ok := r.sessions.touch(ev.SourceID); ok {
		s = refreshed
	}
	d := Decision{
		Handled:  true,
		RoutedTo: target.Name,
		Mode:     ModeSessionContinue,
		Session:  &s,
		Reason:   "session",
	}
	d.Forwarded, d.Reason = r.deliver(ctx, target, ev, text, s.ID, d.Reason)
	return d
}

func (r *Router) openSession(ctx context.Context, entry registry.Entry, matched string, ev TextEvent, text string) Decision {
	target, err := r.registry.Get(entry.Target)
	if err != nil {
		// Index and target set are published together; a miss here means a
		// concurrent delete won the race. Treat as no match.
		return Decision{Mode: ModeIgnored, Reason: "no_match"}
	}

	s := r.sessions.open(ev.SourceID, target.Name)
	out := text
	if r.stripTrigger {
		out = stripPhrase(text, matched)
	}
	d := Decision{
		Handled:  true,
		RoutedTo: target.Name,
		Mode:     ModeSessionOpen,
		Session:  &s,
		Reason:   "trigger_phrase:" + entry.Phrase,
	}
	d.Forwarded, d.Reason = r.deliver(ctx, target, ev, out, s.ID, d.Reason)
	return d
}

func (r *Router) routeActive(ctx context.Context, ev TextEvent, text string) Decision {
	name := r.lastTarget.Load()
	if name == "" {
		return Decision{Mode: ModeIgnored, Reason: "no_match"}
	}
	target, err := r.registry.Get(name)
	if err != nil {
		return Decision{Mode: ModeIgnored, Reason: "no_match"}
	}

	d := Decision{
		Handled:  true,
		RoutedTo: target.Name,
		Mode:     ModeSessionContinue,
		Reason:   "active_mode",
	}
	d.Forwarded, d.Reason = r.deliver(ctx, target, ev, text, "", d.Reason)
	return d
}

// deliver forwards the event and folds the outcome into the decision fields.
// The routing decision itself is already made; failure only flips the
// forwarded flag and rewrites the reason.
func (r *Router) deliver(ctx context.Context, target store.Target, ev TextEvent, text, sessionID, reason string) (bool, string) {
	err := r.sender.Send(ctx, target, forward.Event{
		EventID:    newEventID(),
		SourceID:   ev.SourceID,
		Room:       ev.Room,
		TS:         ev.TS,
		Text:       text,
		Confidence: ev.Confidence,
		SessionID:  sessionID,
		Target:     target.Name,
		Reason:     reason,
	})
	if err != nil {
		slog.Warn("event delivery failed",
			"target", target.Name, "source_id", ev.SourceID, "error", err)
		return false, "target_error:" + forward.Kind(err)
	}
	r.lastTarget.Store(target.Name)
	return true, reason
}

func (r *Router) containsCancel(text string) bool {
	for _, p := range r.cancelPhrases {
		if containsPhrase(text, p) {
			return true
		}
	}
	return false
}

// exactScan finds the first indexed phrase contained in text. Entries are
// longest-first, so overlapping phrases resolve to the most specific one.
func exactScan(text string, entries []registry.Entry) (registry.Entry, string, bool) {
	for _, e := range entries {
		if containsPhrase(text, e.Phrase) {
			return e, e.Phrase, true
		}
	}
	return registry.Entry{}, "", false
}

// containsPhrase reports whether phrase occurs in text on word boundaries.
// Plain substring matching would let "art" match "start the music".
func containsPhrase(text, phrase string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], phrase)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(phrase)
		startOK := start == 0 || text[start-1] == ' '
		endOK := end == len(text) || text[end] == ' '
		if startOK && endOK {
			return true
		}
		idx = start + 1
		if idx >= len(text) {
			return false
		}
	}
}

// stripPhrase removes the first word-boundary occurrence of phrase from text
// and tidies the surrounding whitespace.
func stripPhrase(text, phrase string) string {
	idx := 0
	for {
		i := strings.Index(text[idx:], phrase)
		if i < 0 {
			return text
		}
		start := idx + i
		end := start + len(phrase)
		startOK := start == 0 || text[start-1] == ' '
		endOK := end == len(text) || text[end] == ' '
		if startOK && endOK {
			out := text[:start] + text[end:]
			return strings.Join(strings.Fields(out), " ")
		}
		idx = start + 1
		if idx >= len(text) {
			return text
		}
	}
}

func newEventID() string {
	var b [8]byte
	rand.Read(b[:])
	return "evt_" + hex.EncodeToString(b[:])
}

// atomicString is a typed wrapper over atomic.Value for target names.
type atomicString struct{ v atomic.Value }

func (a *atomicString) Load() string {
	s, _ := a.v.Load().(string)
	return s
}

func (a *atomicString) Store(s string) { a.v.Store(s) }
