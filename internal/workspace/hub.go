// Package workspace owns one conversation engine per user: state,
// orchestrator, persistence writer and speech queue.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/suPer8Hu/gravitychat/internal/ai"
	"github.com/suPer8Hu/gravitychat/internal/chat"
	"github.com/suPer8Hu/gravitychat/internal/logging"
	"github.com/suPer8Hu/gravitychat/internal/memory"
	"github.com/suPer8Hu/gravitychat/internal/persist"
	"github.com/suPer8Hu/gravitychat/internal/speech"
)

var ErrClosed = errors.New("workspace: hub is closed")

type Config struct {
	KVPrefix     string
	DefaultModel string
	Voice        string
	BridgeURL    string
	StuckTimeout time.Duration
	SaveDebounce time.Duration
	Chat         chat.Options
	Speech       speech.Options
}

// ModelLister is the part of the cloud transport used for free model
// discovery.
type ModelLister interface {
	ListModels(ctx context.Context) ([]ai.ModelInfo, error)
}

type Deps struct {
	Transports *ai.Registry
	Models     ModelLister
	Synth      speech.Synthesizer
	// Sinks are tried in order on save; the last one is treated as the
	// local mirror on load.
	Sinks []persist.Sink
}

// Hub lazily builds and caches workspaces by user id.
type Hub struct {
	cfg  Config
	deps Deps
	log  *zap.Logger

	group singleflight.Group

	mu             sync.Mutex
	closed         bool
	workspaces     map[uint64]*Workspace
	freeModels     []string
	projectContext string
}

func NewHub(cfg Config, deps Deps, log *zap.Logger) *Hub {
	if cfg.SaveDebounce <= 0 {
		cfg.SaveDebounce = time.Second
	}
	return &Hub{
		cfg:        cfg,
		deps:       deps,
		log:        logging.OrNop(log).Named("workspace"),
		workspaces: make(map[uint64]*Workspace),
	}
}

// Get returns the user's workspace, loading its persisted snapshot on first
// use. Concurrent first calls share one load.
func (h *Hub) Get(ctx context.Context, userID uint64) (*Workspace, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	if ws, ok := h.workspaces[userID]; ok {
		h.mu.Unlock()
		return ws, nil
	}
	h.mu.Unlock()

	v, err, _ := h.group.Do(strconv.FormatUint(userID, 10), func() (any, error) {
		h.mu.Lock()
		if ws, ok := h.workspaces[userID]; ok {
			h.mu.Unlock()
			return ws, nil
		}
		free, project := h.freeModels, h.projectContext
		h.mu.Unlock()

		ws := h.build(userID)
		ws.State.SetFreeModels(free)
		ws.State.SetProjectContext(project)
		ws.load(ctx)

		h.mu.Lock()
		defer h.mu.Unlock()
		if h.closed {
			ws.close(context.WithoutCancel(ctx))
			return nil, ErrClosed
		}
		h.workspaces[userID] = ws
		return ws, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Workspace), nil
}

func (h *Hub) build(userID uint64) *Workspace {
	log := h.log.With(zap.Uint64("user_id", userID))
	state := chat.NewState(chat.StateOptions{
		DefaultModel: h.cfg.DefaultModel,
		Voice:        h.cfg.Voice,
		BridgeURL:    h.cfg.BridgeURL,
		StuckTimeout: h.cfg.StuckTimeout,
	}, log)

	store := persist.NewStore(persist.Keys{
		Prefix: h.cfg.KVPrefix,
		Scope:  "user:" + strconv.FormatUint(userID, 10),
	}, log, h.deps.Sinks...)
	writer := persist.NewWriter(store, state.Snapshot, h.cfg.SaveDebounce, log)

	mic := &speech.MicState{}
	sopts := h.cfg.Speech
	if sopts.Voice == "" {
		sopts.Voice = h.cfg.Voice
	}
	queue := speech.NewQueue(h.deps.Synth, mic, sopts, log)

	return &Workspace{
		UserID: userID,
		State:  state,
		Chat:   chat.NewOrchestrator(state, h.deps.Transports, writer, queue, h.cfg.Chat, log),
		Speech: queue,
		Mic:    mic,
		store:  store,
		writer: writer,
		log:    log,
	}
}

// RefreshFreeModels asks the cloud API for its models and hands the free
// ones to every workspace, where they lead the fallback chain.
func (h *Hub) RefreshFreeModels(ctx context.Context) ([]ai.ModelInfo, error) {
	if h.deps.Models == nil {
		return nil, errors.New("workspace: no model lister configured")
	}
	models, err := h.deps.Models.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	var free []string
	for _, m := range models {
		if m.Free {
			free = append(free, m.ID)
		}
	}

	h.mu.Lock()
	h.freeModels = free
	list := h.listLocked()
	h.mu.Unlock()

	for _, ws := range list {
		ws.State.SetFreeModels(free)
	}
	h.log.Info("free models refreshed", zap.Int("count", len(free)))
	return models, nil
}

// SetProjectContext applies a project block to every workspace without its
// own index, and to workspaces created later.
func (h *Hub) SetProjectContext(block string) {
	h.mu.Lock()
	h.projectContext = block
	list := h.listLocked()
	h.mu.Unlock()

	for _, ws := range list {
		if !ws.ownIndex.Load() {
			ws.State.SetProjectContext(block)
		}
	}
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.workspaces)
}

func (h *Hub) listLocked() []*Workspace {
	out := make([]*Workspace, 0, len(h.workspaces))
	for _, ws := range h.workspaces {
		out = append(out, ws)
	}
	return out
}

// Close stops every workspace and writes pending snapshots.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	list := h.listLocked()
	h.workspaces = map[uint64]*Workspace{}
	h.mu.Unlock()

	var errs []error
	for _, ws := range list {
		if err := ws.close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// projectIndex decodes a persisted memory.Index.
func projectIndex(raw []byte) (*memory.Index, error) {
	var idx memory.Index
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, err
	}
	return &idx, nil
}
