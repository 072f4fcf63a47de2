package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/suPer8Hu/gravitychat/internal/chat"
	"github.com/suPer8Hu/gravitychat/internal/memory"
	"github.com/suPer8Hu/gravitychat/internal/persist"
	"github.com/suPer8Hu/gravitychat/internal/speech"
)

type Workspace struct {
	UserID uint64
	State  *chat.State
	Chat   *chat.Orchestrator
	Speech *speech.Queue
	Mic    *speech.MicState

	store    *persist.Store
	writer   *persist.Writer
	ownIndex atomic.Bool
	log      *zap.Logger
}

// load restores the persisted snapshot and project index. Failures leave
// the defaults in place.
func (w *Workspace) load(ctx context.Context) {
	snap, found, err := w.store.Load(ctx)
	switch {
	case err != nil:
		w.log.Warn("load snapshot", zap.Error(err))
	case found:
		w.State.Restore(snap)
		w.Speech.SetVoice(w.State.Preferences().SelectedVoice)
	}

	raw, err := w.store.LoadProjectIndex(ctx)
	if err != nil {
		if !errors.Is(err, persist.ErrNotFound) {
			w.log.Warn("load project index", zap.Error(err))
		}
		return
	}
	idx, err := projectIndex(raw)
	if err != nil {
		w.log.Warn("decode project index", zap.Error(err))
		return
	}
	w.State.SetProjectContext(idx.Context())
	w.ownIndex.Store(true)
}

// Save schedules a debounced write of the current snapshot.
func (w *Workspace) Save() { w.writer.Schedule() }

// Flush writes the snapshot now.
func (w *Workspace) Flush(ctx context.Context) error { return w.writer.Flush(ctx) }

// ApplySettings validates and applies p, then schedules a save.
func (w *Workspace) ApplySettings(p chat.SettingsPatch) error {
	if err := w.State.ApplySettings(p); err != nil {
		return err
	}
	if p.SelectedVoice != nil {
		w.Speech.SetVoice(*p.SelectedVoice)
	}
	w.Save()
	return nil
}

// IndexProject indexes root, uses it as this workspace's project context
// and persists the index.
func (w *Workspace) IndexProject(ctx context.Context, root string) (*memory.Index, error) {
	idx, err := memory.IndexProject(root)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(idx)
	if err != nil {
		return nil, err
	}
	w.State.SetProjectContext(idx.Context())
	w.ownIndex.Store(true)
	if err := w.store.SaveProjectIndex(ctx, raw); err != nil {
		return idx, fmt.Errorf("save project index: %w", err)
	}
	return idx, nil
}

func (w *Workspace) close(ctx context.Context) error {
	w.Chat.Stop()
	w.Speech.Close()
	return w.writer.Close(ctx)
}
