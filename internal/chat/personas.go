package chat

import (
	"fmt"
	"hash/fnv"
	"slices"
	"strings"
)

var personaPalette = []string{
	"#00fff7", "#ff00f7", "#00ff9d", "#ff9500", "#7B2CBF",
	"#f5e663", "#ff4d6d", "#4cc9f0", "#b5e48c", "#f72585",
	"#4361ee", "#ffd6a5",
}

const defaultPersonaCommand = "Return to default assistance mode."

func (s *State) personaIndexLocked(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(s.personas, func(p Persona) bool { return p.ID == id })
}

func (s *State) ensureDefaultPersonasLocked() {
	for _, d := range DefaultPersonas {
		if s.personaIndexLocked(d.ID) < 0 {
			s.personas = append(s.personas, d)
		}
	}
}

func (s *State) uniqueColorLocked(seed string) string {
	for _, c := range personaPalette {
		used := slices.ContainsFunc(s.personas, func(p Persona) bool { return strings.EqualFold(p.Color, c) })
		if !used {
			return c
		}
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(seed))
	return fmt.Sprintf("#%06x", h.Sum32()&0xffffff)
}

func (s *State) Personas() []Persona {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.personas)
}

func (s *State) ActivePersona() (Persona, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.personaIndexLocked(s.activePersonaID)
	if i < 0 {
		return Persona{}, false
	}
	return s.personas[i], true
}

func (s *State) CreatePersona(name, prompt string) (Persona, error) {
	name, prompt = strings.TrimSpace(name), strings.TrimSpace(prompt)
	if name == "" || prompt == "" {
		return Persona{}, fmt.Errorf("%w: persona needs a name and a prompt", ErrInvalidSettings)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := newID("persona")
	p := Persona{ID: id, Name: name, Color: s.uniqueColorLocked(id), SystemPrompt: prompt}
	s.personas = append(s.personas, p)
	return p, nil
}

func (s *State) UpdatePersona(id, name, prompt string) (Persona, error) {
	name, prompt = strings.TrimSpace(name), strings.TrimSpace(prompt)
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.personaIndexLocked(id)
	if i < 0 {
		return Persona{}, ErrPersonaNotFound
	}
	if name != "" {
		s.personas[i].Name = name
	}
	if prompt != "" {
		s.personas[i].SystemPrompt = prompt
	}
	return s.personas[i], nil
}

// DeletePersona removes a persona, clearing it when active. Default personas
// come back on the next restore.
func (s *State) DeletePersona(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.personaIndexLocked(id)
	if i < 0 {
		return ErrPersonaNotFound
	}
	s.personas = slices.Delete(s.personas, i, i+1)
	if s.activePersonaID == id {
		if id == OracularPersonaID {
			s.settings.OracularModes = map[string]bool{}
		}
		s.activePersonaID = ""
	}
	return nil
}

// SelectPersona activates persona id, or the default assistant when id is
// empty, and returns the hidden command announcing the change to the model.
func (s *State) SelectPersona(id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	leavingOracular := s.activePersonaID == OracularPersonaID && id != OracularPersonaID
	if id == "" {
		cmd := defaultPersonaCommand
		if leavingOracular {
			cmd = "Disengage Oracular Function. Reset all operational frameworks. Return to default assistance mode. Clear all previous output formatting."
			s.settings.OracularModes = map[string]bool{}
		}
		s.activePersonaID = ""
		return cmd, nil
	}

	i := s.personaIndexLocked(id)
	if i < 0 {
		return "", ErrPersonaNotFound
	}
	p := s.personas[i]

	var cmd string
	switch {
	case leavingOracular:
		cmd = fmt.Sprintf("Disengage Oracular Function. Reset all operational frameworks. Persona %q engaged. Clear all previous output formatting.", p.Name)
		s.settings.OracularModes = map[string]bool{}
	case id == OracularPersonaID:
		cmd = "Engage Oracular Function"
	default:
		cmd = fmt.Sprintf("Persona %q engaged.", p.Name)
	}
	s.activePersonaID = id
	return cmd, nil
}

// ToggleOracularMode flips mode and returns the hidden command plus the new
// value. It requires the oracular persona to be active.
func (s *State) ToggleOracularMode(mode string) (string, bool, error) {
	mode = strings.TrimSpace(mode)
	if mode == "" {
		return "", false, fmt.Errorf("%w: mode is empty", ErrInvalidSettings)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activePersonaID != OracularPersonaID {
		return "", false, ErrOracularInactive
	}
	on := !s.settings.OracularModes[mode]
	s.settings.OracularModes[mode] = on
	if on {
		return fmt.Sprintf("Engage %s Mode", mode), true, nil
	}
	return fmt.Sprintf("Disengage %s Mode", mode), false, nil
}

// SetOracularMode sets mode directly, used to roll back a failed toggle.
func (s *State) SetOracularMode(mode string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings.OracularModes == nil {
		s.settings.OracularModes = map[string]bool{}
	}
	s.settings.OracularModes[mode] = on
}
