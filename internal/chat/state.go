package chat

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/suPer8Hu/gravitychat/internal/common"
	"github.com/suPer8Hu/gravitychat/internal/logging"
)

const (
	DefaultModel       = "z-ai/glm-4.5-air:free"
	DefaultSessionName = "New Chat"

	defaultTemperature = 0.5
	defaultMaxTokens   = 4096
	defaultTheme       = "void"
	sessionNameRunes   = 20
)

type StateOptions struct {
	DefaultModel string
	Voice        string
	BridgeURL    string
	// StuckTimeout is how long a streaming flag may stay set before the next
	// BeginStream clears it.
	StuckTimeout time.Duration
	Now          func() time.Time
}

// State is one workspace's conversation state. The live message history is
// the active session's slice; every mutation goes through State's methods,
// which hold mu.
type State struct {
	mu   sync.Mutex
	opts StateOptions
	log  *zap.Logger

	settings        Settings
	personas        []Persona
	activePersonaID string

	useLocal       bool
	proxy          string
	continuation   json.RawMessage
	freeModels     []string
	projectContext string

	streaming        bool
	streamStartedAt  time.Time
	processingIntent bool
	// generation numbers slot claims; only the current claim may release
	// the slot.
	generation uint64
}

func NewState(opts StateOptions, log *zap.Logger) *State {
	if opts.DefaultModel == "" {
		opts.DefaultModel = DefaultModel
	}
	if opts.StuckTimeout <= 0 {
		opts.StuckTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &State{
		opts:     opts,
		log:      logging.OrNop(log).Named("state"),
		personas: slices.Clone(DefaultPersonas),
	}
	s.settings = s.defaultSettings()
	s.ensureSessionLocked()
	return s
}

func (s *State) defaultSettings() Settings {
	return Settings{
		Temperature:   defaultTemperature,
		MaxTokens:     defaultMaxTokens,
		SelectedVoice: s.opts.Voice,
		CurrentModel:  s.opts.DefaultModel,
		Theme:         defaultTheme,
		CurrentPath:   "/",
		BridgeURL:     s.opts.BridgeURL,
		OracularModes: map[string]bool{},
	}
}

func newID(prefix string) string {
	id, err := common.NewPrefixedID(prefix)
	if err != nil {
		return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
	}
	return id
}

func (s *State) nowMillis() int64 { return s.opts.Now().UnixMilli() }

// Restore replaces the state with snap, filling defaults for missing values.
func (s *State) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	def := s.defaultSettings()
	st := snap.Settings
	if st.MaxTokens <= 0 {
		st.MaxTokens = def.MaxTokens
	}
	if st.Temperature < 0 || st.Temperature > 2 {
		st.Temperature = def.Temperature
	}
	if st.CurrentModel == "" {
		st.CurrentModel = def.CurrentModel
	}
	if st.SelectedVoice == "" {
		st.SelectedVoice = def.SelectedVoice
	}
	if st.Theme == "" {
		st.Theme = def.Theme
	}
	if st.CurrentPath == "" {
		st.CurrentPath = def.CurrentPath
	}
	if st.BridgeURL == "" {
		st.BridgeURL = def.BridgeURL
	}
	if st.OracularModes == nil {
		st.OracularModes = map[string]bool{}
	}
	st.Sessions = slices.DeleteFunc(st.Sessions, func(ss *Session) bool { return ss == nil })
	s.settings = st

	if len(snap.Personas) > 0 {
		s.personas = slices.Clone(snap.Personas)
	}
	s.ensureDefaultPersonasLocked()
	s.activePersonaID = ""
	if snap.ActivePersonaID != "" && s.personaIndexLocked(snap.ActivePersonaID) >= 0 {
		s.activePersonaID = snap.ActivePersonaID
	}
	s.ensureSessionLocked()
}

// Snapshot returns a deep copy of the persisted part of the state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.settings
	st.Sessions = make([]*Session, len(s.settings.Sessions))
	for i, ss := range s.settings.Sessions {
		c := *ss
		c.Messages = slices.Clone(ss.Messages)
		st.Sessions[i] = &c
	}
	st.OracularModes = cloneModes(s.settings.OracularModes)
	return Snapshot{
		Settings:        st,
		Personas:        slices.Clone(s.personas),
		ActivePersonaID: s.activePersonaID,
	}
}

// Reset drops every session and restores default settings. Personas are
// kept.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = s.defaultSettings()
	s.continuation = nil
	s.ensureSessionLocked()
}

func cloneModes(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ---- sessions

func (s *State) ensureSessionLocked() {
	if len(s.settings.Sessions) == 0 {
		s.settings.Sessions = []*Session{{
			ID:        newID("default"),
			Name:      DefaultSessionName,
			Messages:  []Message{},
			Timestamp: s.nowMillis(),
		}}
	}
	if s.sessionIndexLocked(s.settings.ActiveSessionID) < 0 {
		s.settings.ActiveSessionID = s.settings.Sessions[0].ID
	}
}

func (s *State) sessionIndexLocked(id string) int {
	return slices.IndexFunc(s.settings.Sessions, func(ss *Session) bool { return ss.ID == id })
}

func (s *State) activeLocked() *Session {
	return s.settings.Sessions[s.sessionIndexLocked(s.settings.ActiveSessionID)]
}

// syncLocked names the active session after its first user message and
// bumps its timestamp.
func (s *State) syncLocked() {
	sess := s.activeLocked()
	if len(sess.Messages) == 0 {
		sess.Name = DefaultSessionName
	} else if sess.Name == DefaultSessionName || sess.Name == "" {
		for _, m := range sess.Messages {
			if m.Role == RoleUser && !m.Hidden && strings.TrimSpace(m.Content) != "" {
				sess.Name = sessionName(m.Content)
				break
			}
		}
	}
	sess.Timestamp = s.nowMillis()
}

func sessionName(content string) string {
	r := []rune(strings.TrimSpace(content))
	if len(r) > sessionNameRunes {
		return string(r[:sessionNameRunes]) + "..."
	}
	return string(r)
}

func (s *State) SyncCurrentSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncLocked()
}

func (s *State) ActiveSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.ActiveSessionID
}

func (s *State) Sessions() []SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionSummary, 0, len(s.settings.Sessions))
	for _, ss := range s.settings.Sessions {
		out = append(out, SessionSummary{
			ID:        ss.ID,
			Name:      ss.Name,
			Timestamp: ss.Timestamp,
			Count:     len(ss.Messages),
			Active:    ss.ID == s.settings.ActiveSessionID,
		})
	}
	return out
}

// SessionMessages returns a copy of the history of session id.
func (s *State) SessionMessages(id string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.sessionIndexLocked(id)
	if i < 0 {
		return nil, ErrSessionNotFound
	}
	return slices.Clone(s.settings.Sessions[i].Messages), nil
}

// Messages returns a copy of the live history.
func (s *State) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.activeLocked().Messages)
}

// CreateSession adds an empty session at the front and makes it active.
func (s *State) CreateSession() (SessionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streaming {
		return SessionSummary{}, ErrBusy
	}
	s.syncLocked()
	ss := &Session{
		ID:        newID("chat"),
		Name:      DefaultSessionName,
		Messages:  []Message{},
		Timestamp: s.nowMillis(),
	}
	s.settings.Sessions = slices.Insert(s.settings.Sessions, 0, ss)
	s.settings.ActiveSessionID = ss.ID
	s.continuation = nil
	return SessionSummary{ID: ss.ID, Name: ss.Name, Timestamp: ss.Timestamp, Active: true}, nil
}

// SwitchSession activates session id. Session changes are refused while a
// generation holds the slot, so a reply always lands in the session it was
// asked from.
func (s *State) SwitchSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streaming {
		return ErrBusy
	}
	return s.switchLocked(id)
}

func (s *State) switchLocked(id string) error {
	if id == s.settings.ActiveSessionID {
		return nil
	}
	if s.sessionIndexLocked(id) < 0 {
		return ErrSessionNotFound
	}
	s.syncLocked()
	s.settings.ActiveSessionID = id
	s.continuation = nil
	return nil
}

// DeleteSession removes session id. The last remaining session is cleared
// in place instead; deleting the active session activates its successor, or
// its predecessor when it was the last one.
func (s *State) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streaming {
		return ErrBusy
	}

	i := s.sessionIndexLocked(id)
	if i < 0 {
		return ErrSessionNotFound
	}
	if len(s.settings.Sessions) == 1 {
		s.settings.Sessions[0].Messages = []Message{}
		s.continuation = nil
		s.syncLocked()
		return nil
	}

	if id == s.settings.ActiveSessionID {
		next := i + 1
		if next >= len(s.settings.Sessions) {
			next = i - 1
		}
		s.settings.ActiveSessionID = s.settings.Sessions[next].ID
		s.continuation = nil
		s.syncLocked()
	}
	s.settings.Sessions = slices.Delete(s.settings.Sessions, i, i+1)
	return nil
}

// Append adds m to the live history.
func (s *State) Append(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.activeLocked()
	sess.Messages = append(sess.Messages, m)
}

// AppendAssistant trims the live history to its last limit entries, appends
// the reply and syncs the session.
func (s *State) AppendAssistant(text string, limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.activeLocked()
	if limit > 0 && len(sess.Messages) > limit {
		sess.Messages = slices.Clone(sess.Messages[len(sess.Messages)-limit:])
	}
	sess.Messages = append(sess.Messages, Message{Role: RoleAssistant, Content: text})
	s.syncLocked()
}

// ReplaceMessages installs msgs as the live history of the active session.
func (s *State) ReplaceMessages(msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msgs == nil {
		msgs = []Message{}
	}
	s.activeLocked().Messages = msgs
	s.syncLocked()
}

// ---- stream guard

// BeginStream claims the single generation slot and returns the claim's
// generation number. A slot held for longer than the stuck timeout is
// reclaimed.
func (s *State) BeginStream() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reclaimLocked(); err != nil {
		return 0, err
	}
	return s.claimLocked(false), nil
}

func (s *State) reclaimLocked() error {
	if !s.streaming {
		return nil
	}
	held := s.opts.Now().Sub(s.streamStartedAt)
	if held <= s.opts.StuckTimeout {
		return ErrBusy
	}
	s.log.Warn("clearing stuck stream flag",
		zap.Duration("held", held), zap.Uint64("generation", s.generation), zap.Bool("intent", s.processingIntent))
	s.releaseLocked()
	return nil
}

func (s *State) claimLocked(intent bool) uint64 {
	s.generation++
	s.streaming = true
	s.processingIntent = intent
	s.streamStartedAt = s.opts.Now()
	return s.generation
}

func (s *State) releaseLocked() {
	s.streaming = false
	s.processingIntent = false
	s.streamStartedAt = time.Time{}
}

// EndStream releases the slot if gen still holds it. A claim that was
// reclaimed as stuck leaves its successor alone.
func (s *State) EndStream(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen == s.generation {
		s.releaseLocked()
	}
}

// BeginIntent claims the generation slot for a hidden command.
func (s *State) BeginIntent() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reclaimLocked(); err != nil {
		return 0, err
	}
	return s.claimLocked(true), nil
}

func (s *State) EndIntent(gen uint64) {
	s.EndStream(gen)
}

func (s *State) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// ---- model and routing

func (s *State) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.CurrentModel
}

func (s *State) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if model != s.settings.CurrentModel {
		s.continuation = nil
	}
	s.settings.CurrentModel = model
}

func (s *State) LocalMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.useLocal
}

func (s *State) SetLocalMode(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.useLocal = on
}

func (s *State) SetContinuation(raw json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.continuation = slices.Clone(raw)
}

func (s *State) FreeModels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.freeModels)
}

func (s *State) SetFreeModels(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freeModels = slices.Clone(ids)
}

func (s *State) SetProjectContext(block string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projectContext = block
}

// ---- settings

// SettingsPatch carries the user editable settings; nil fields are left
// unchanged.
type SettingsPatch struct {
	Temperature        *float64     `json:"temperature"`
	MaxTokens          *int         `json:"maxTokens"`
	AutoSpeak          *bool        `json:"autoSpeak"`
	SelectedVoice      *string      `json:"selectedVoice"`
	PremiumEnabled     *bool        `json:"premiumEnabled"`
	CurrentModel       *string      `json:"currentModel"`
	Theme              *string      `json:"theme"`
	MediaParams        *MediaParams `json:"mediaParams"`
	CurrentPath        *string      `json:"currentPath"`
	AllowEmojis        *bool        `json:"allowEmojis"`
	BridgeMenuExpanded *bool        `json:"grokMenuExpanded"`
	BridgeURL          *string      `json:"grokApiUrl"`
	UseLocalModel      *bool        `json:"useLocalModel"`
	Proxy              *string      `json:"proxy"`
}

// Preferences is the settings view without session data.
type Preferences struct {
	Settings
	UseLocalModel   bool     `json:"useLocalModel"`
	Proxy           string   `json:"proxy"`
	ActivePersonaID string   `json:"activePersonaId"`
	FreeModels      []string `json:"freeModels"`
}

func (s *State) Preferences() Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.settings
	st.Sessions = nil
	st.OracularModes = cloneModes(s.settings.OracularModes)
	return Preferences{
		Settings:        st,
		UseLocalModel:   s.useLocal,
		Proxy:           s.proxy,
		ActivePersonaID: s.activePersonaID,
		FreeModels:      slices.Clone(s.freeModels),
	}
}

func (s *State) ApplySettings(p SettingsPatch) error {
	if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
		return fmt.Errorf("%w: temperature must be within [0, 2]", ErrInvalidSettings)
	}
	if p.MaxTokens != nil && *p.MaxTokens <= 0 {
		return fmt.Errorf("%w: maxTokens must be positive", ErrInvalidSettings)
	}
	if p.CurrentModel != nil && strings.TrimSpace(*p.CurrentModel) == "" {
		return fmt.Errorf("%w: currentModel is empty", ErrInvalidSettings)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := &s.settings
	set(&st.Temperature, p.Temperature)
	set(&st.MaxTokens, p.MaxTokens)
	set(&st.AutoSpeak, p.AutoSpeak)
	set(&st.SelectedVoice, p.SelectedVoice)
	set(&st.PremiumEnabled, p.PremiumEnabled)
	set(&st.Theme, p.Theme)
	set(&st.MediaParams, p.MediaParams)
	set(&st.CurrentPath, p.CurrentPath)
	set(&st.AllowEmojis, p.AllowEmojis)
	set(&st.BridgeMenuExpanded, p.BridgeMenuExpanded)
	set(&st.BridgeURL, p.BridgeURL)
	set(&s.useLocal, p.UseLocalModel)
	set(&s.proxy, p.Proxy)
	if p.CurrentModel != nil && *p.CurrentModel != st.CurrentModel {
		st.CurrentModel = strings.TrimSpace(*p.CurrentModel)
		s.continuation = nil
	}
	return nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// turn is the per-attempt view of the state the orchestrator works from.
type turn struct {
	Model        string
	Local        bool
	Temperature  float64
	MaxTokens    int
	AutoSpeak    bool
	SystemPrompt string
	History      []Message
	FreeModels   []string
	Continuation json.RawMessage
	Proxy        string
}

func (s *State) turn() turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	personaPrompt := ""
	if i := s.personaIndexLocked(s.activePersonaID); i >= 0 {
		personaPrompt = s.personas[i].SystemPrompt
	}
	return turn{
		Model:        s.settings.CurrentModel,
		Local:        s.useLocal,
		Temperature:  s.settings.Temperature,
		MaxTokens:    s.settings.MaxTokens,
		AutoSpeak:    s.settings.AutoSpeak,
		SystemPrompt: SystemPrompt(personaPrompt, s.settings.AllowEmojis, s.projectContext),
		History:      slices.Clone(s.activeLocked().Messages),
		FreeModels:   slices.Clone(s.freeModels),
		Continuation: slices.Clone(s.continuation),
		Proxy:        s.proxy,
	}
}
