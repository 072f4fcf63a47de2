// Package persist saves workspace snapshots to an ordered list of key-value
// sinks and loads them back.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/suPer8Hu/gravitychat/internal/chat"
	"github.com/suPer8Hu/gravitychat/internal/logging"
)

var ErrNotFound = errors.New("persist: key not found")

// KV is a store snapshots are written to.
type KV interface {
	Set(ctx context.Context, key string, value []byte) error
	// Get returns ErrNotFound for missing keys.
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, keys ...string) error
}

type Sink struct {
	Name string
	KV   KV
}

// Keys names the stored entries of one workspace.
type Keys struct {
	Prefix string
	// Scope separates workspaces sharing a store; empty for a single one.
	Scope string
}

func (k Keys) key(name string) string {
	if k.Scope == "" {
		return k.Prefix + name
	}
	return k.Scope + ":" + k.Prefix + name
}

func (k Keys) Personas() string      { return k.key("personas") }
func (k Keys) ActivePersona() string { return k.key("active_persona") }
func (k Keys) Settings() string      { return k.key("settings") }
func (k Keys) ProjectIndex() string  { return k.key("project_index") }

// SafeKeys are the settings fields a remote snapshot may override.
var SafeKeys = []string{
	"temperature", "maxTokens", "autoSpeak", "selectedVoice",
	"premiumEnabled", "currentModel", "theme", "mediaParams",
	"currentPath", "allowEmojis", "grokMenuExpanded", "grokApiUrl",
	"sessions", "activeSessionId", "oracularModes",
}

// ApplyWhitelist overlays the SafeKeys present in raw onto dst. Other keys
// are ignored.
func ApplyWhitelist(dst *chat.Settings, raw []byte) error {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return fmt.Errorf("decode settings: %w", err)
	}
	filtered := make(map[string]json.RawMessage, len(SafeKeys))
	for _, k := range SafeKeys {
		if v, ok := all[k]; ok && string(v) != "null" {
			filtered[k] = v
		}
	}
	b, err := json.Marshal(filtered)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

// Store writes snapshots to the first sink that accepts them. Sinks are
// ordered remote first, local mirror last.
type Store struct {
	keys  Keys
	sinks []Sink
	log   *zap.Logger
}

func NewStore(keys Keys, log *zap.Logger, sinks ...Sink) *Store {
	return &Store{keys: keys, sinks: sinks, log: logging.OrNop(log).Named("persist")}
}

func (s *Store) Keys() Keys { return s.keys }

func (s *Store) encode(snap chat.Snapshot) (map[string][]byte, error) {
	personas, err := json.Marshal(snap.Personas)
	if err != nil {
		return nil, err
	}
	settings, err := json.Marshal(snap.Settings)
	if err != nil {
		return nil, err
	}
	active := []byte("null")
	if snap.ActivePersonaID != "" {
		active = []byte(snap.ActivePersonaID)
	}
	return map[string][]byte{
		s.keys.Personas():      personas,
		s.keys.ActivePersona(): active,
		s.keys.Settings():      settings,
	}, nil
}

// Save writes snap to the sinks in order and stops at the first success.
func (s *Store) Save(ctx context.Context, snap chat.Snapshot) error {
	entries, err := s.encode(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	order := []string{s.keys.Personas(), s.keys.ActivePersona(), s.keys.Settings()}

	var errs []error
	for _, sink := range s.sinks {
		err := writeAll(ctx, sink.KV, order, entries)
		if err == nil {
			return nil
		}
		s.log.Warn("save failed, trying next sink", zap.String("sink", sink.Name), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", sink.Name, err))
	}
	if len(errs) == 0 {
		return errors.New("persist: no sinks configured")
	}
	return errors.Join(errs...)
}

func writeAll(ctx context.Context, kv KV, order []string, entries map[string][]byte) error {
	for _, k := range order {
		if err := kv.Set(ctx, k, entries[k]); err != nil {
			return err
		}
	}
	return nil
}

// Load reads the local mirror in full, then lets the remote sink override
// the whitelisted settings, the personas and the active persona. found is
// false when neither sink had anything.
func (s *Store) Load(ctx context.Context) (snap chat.Snapshot, found bool, err error) {
	if len(s.sinks) == 0 {
		return snap, false, nil
	}
	local := s.sinks[len(s.sinks)-1]
	if ok, err := s.loadFull(ctx, local.KV, &snap); err != nil {
		s.log.Warn("local load failed", zap.String("sink", local.Name), zap.Error(err))
	} else {
		found = ok
	}
	if len(s.sinks) == 1 {
		return snap, found, nil
	}

	remote := s.sinks[0]
	ok, err := s.loadRemote(ctx, remote.KV, &snap)
	if err != nil {
		s.log.Warn("remote load failed, keeping local state", zap.String("sink", remote.Name), zap.Error(err))
		if !found {
			return snap, false, err
		}
		return snap, true, nil
	}
	return snap, found || ok, nil
}

func (s *Store) loadFull(ctx context.Context, kv KV, snap *chat.Snapshot) (bool, error) {
	found := false
	raw, err := get(ctx, kv, s.keys.Settings())
	if err != nil {
		return false, err
	}
	if raw != nil {
		if err := json.Unmarshal(raw, &snap.Settings); err != nil {
			return false, fmt.Errorf("decode settings: %w", err)
		}
		found = true
	}
	ok, err := s.loadPersonas(ctx, kv, snap)
	return found || ok, err
}

func (s *Store) loadRemote(ctx context.Context, kv KV, snap *chat.Snapshot) (bool, error) {
	found := false
	raw, err := get(ctx, kv, s.keys.Settings())
	if err != nil {
		return false, err
	}
	if raw != nil {
		if err := ApplyWhitelist(&snap.Settings, raw); err != nil {
			return false, err
		}
		found = true
	}
	ok, err := s.loadPersonas(ctx, kv, snap)
	return found || ok, err
}

func (s *Store) loadPersonas(ctx context.Context, kv KV, snap *chat.Snapshot) (bool, error) {
	found := false
	raw, err := get(ctx, kv, s.keys.Personas())
	if err != nil {
		return false, err
	}
	if raw != nil {
		var personas []chat.Persona
		if err := json.Unmarshal(raw, &personas); err != nil {
			return false, fmt.Errorf("decode personas: %w", err)
		}
		snap.Personas = personas
		found = true
	}
	active, err := get(ctx, kv, s.keys.ActivePersona())
	if err != nil {
		return false, err
	}
	if active != nil {
		snap.ActivePersonaID = ""
		if id := string(active); id != "null" {
			snap.ActivePersonaID = id
		}
	}
	return found, nil
}

func get(ctx context.Context, kv KV, key string) ([]byte, error) {
	b, err := kv.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return b, err
}

// Reset deletes the stored settings from every sink.
func (s *Store) Reset(ctx context.Context) error {
	var errs []error
	for _, sink := range s.sinks {
		if err := sink.KV.Delete(ctx, s.keys.Settings()); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name, err))
		}
	}
	return errors.Join(errs...)
}

// SaveProjectIndex stores the encoded project index alongside the
// snapshot.
func (s *Store) SaveProjectIndex(ctx context.Context, raw []byte) error {
	var errs []error
	for _, sink := range s.sinks {
		err := sink.KV.Set(ctx, s.keys.ProjectIndex(), raw)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", sink.Name, err))
	}
	return errors.Join(errs...)
}

func (s *Store) LoadProjectIndex(ctx context.Context) ([]byte, error) {
	for _, sink := range s.sinks {
		raw, err := get(ctx, sink.KV, s.keys.ProjectIndex())
		if err != nil {
			s.log.Warn("load project index", zap.String("sink", sink.Name), zap.Error(err))
			continue
		}
		if raw != nil {
			return raw, nil
		}
	}
	return nil, ErrNotFound
}

// Writer is the chat.Persister of one workspace: Schedule debounces a save
// of the current snapshot.
type Writer struct {
	store    *Store
	snapshot func() chat.Snapshot
	deb      *Debouncer
}

func NewWriter(store *Store, snapshot func() chat.Snapshot, interval time.Duration, log *zap.Logger) *Writer {
	w := &Writer{store: store, snapshot: snapshot}
	w.deb = NewDebouncer(interval, func(ctx context.Context) error {
		return w.store.Save(ctx, w.snapshot())
	}, log)
	return w
}

func (w *Writer) Schedule() { w.deb.Schedule() }

func (w *Writer) Reset(ctx context.Context) error { return w.store.Reset(ctx) }

func (w *Writer) Flush(ctx context.Context) error { return w.deb.Flush(ctx) }

func (w *Writer) Close(ctx context.Context) error { return w.deb.Close(ctx) }
