package profile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Keys accepted by SetField. List values are stored as JSON arrays.
var Keys = []string{
	"identity.name", "identity.role", "identity.timezone",
	"communication.tone", "communication.language", "communication.detail_level",
	"interests", "goals", "preferences",
	"style.enabled", "style.examples",
}

// ProfileStore defines the storage operations the Manager needs.
// Implemented by storage.Store.
type ProfileStore interface {
	SetProfileKey(key, value string) error
	DeleteProfileKey(key string) error
	GetAllProfileKeys() (map[string]string, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Manager provides cached, structured access to the profile stored in SQLite.
type Manager struct {
	store ProfileStore
	clock Clock
	ttl   time.Duration

	mu       sync.RWMutex
	cached   *Profile
	cachedAt time.Time
}

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(store ProfileStore) *Manager {
	return NewManagerWithClock(store, realClock{}, 60*time.Second)
}

func NewManagerWithClock(store ProfileStore, clock Clock, ttl time.Duration) *Manager {
	return &Manager{store: store, clock: clock, ttl: ttl}
}

// ValidKey reports whether key is one of Keys.
func ValidKey(key string) bool {
	for _, k := range Keys {
		if k == key {
			return true
		}
	}
	return false
}

// GetProfile assembles the profile from storage or cache. An empty store
// yields a zero Profile.
func (m *Manager) GetProfile() (Profile, error) {
	m.mu.RLock()
	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		p := deepCopyProfile(m.cached)
		m.mu.RUnlock()
		return p, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		return deepCopyProfile(m.cached), nil
	}

	keys, err := m.store.GetAllProfileKeys()
	if err != nil {
		return Profile{}, fmt.Errorf("loading profile keys: %w", err)
	}

	p := buildProfile(keys)
	m.cached = &p
	m.cachedAt = m.clock.Now()
	return deepCopyProfile(&p), nil
}

// SetField persists one key and invalidates the cache. A nil value deletes
// the key.
func (m *Manager) SetField(key string, value any) error {
	if !ValidKey(key) {
		return fmt.Errorf("unknown profile key %q", key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached = nil

	if value == nil {
		if err := m.store.DeleteProfileKey(key); err != nil {
			return fmt.Errorf("deleting profile key %q: %w", key, err)
		}
		return nil
	}

	var str string
	switch v := value.(type) {
	case string:
		str = v
	case bool:
		str = strconv.FormatBool(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshalling value for key %q: %w", key, err)
		}
		str = string(b)
	}
	if err := m.store.SetProfileKey(key, str); err != nil {
		return fmt.Errorf("setting profile key %q: %w", key, err)
	}
	return nil
}

// StyleProfile returns the style section for the context pack. It is
// disabled, with no examples, unless the user turned it on.
func (m *Manager) StyleProfile() (StyleProfile, error) {
	p, err := m.GetProfile()
	if err != nil {
		return StyleProfile{Examples: []string{}}, err
	}
	if !p.Style.Enabled {
		return StyleProfile{Examples: []string{}}, nil
	}
	ex := p.Style.Examples
	if ex == nil {
		ex = []string{}
	}
	return StyleProfile{
		Enabled:     true,
		Tone:        p.Communication.Tone,
		Language:    p.Communication.Language,
		DetailLevel: p.Communication.DetailLevel,
		Examples:    ex,
	}, nil
}

// GetSummary returns a compact one-paragraph description of the user for a
// system prompt.
func (m *Manager) GetSummary() (string, error) {
	p, err := m.GetProfile()
	if err != nil {
		return "", fmt.Errorf("getting profile for summary: %w", err)
	}
	return summarize(p), nil
}

// maxSummaryChars keeps the summary under ~500 tokens.
const maxSummaryChars = 2000

func summarize(p Profile) string {
	var parts []string

	switch {
	case p.Identity.Name != "" && p.Identity.Role != "":
		parts = append(parts, fmt.Sprintf("User: %s, %s.", p.Identity.Name, p.Identity.Role))
	case p.Identity.Name != "":
		parts = append(parts, fmt.Sprintf("User: %s.", p.Identity.Name))
	case p.Identity.Role != "":
		parts = append(parts, fmt.Sprintf("User: %s.", p.Identity.Role))
	}

	var comm []string
	if p.Communication.Tone != "" {
		comm = append(comm, p.Communication.Tone+" tone")
	}
	if p.Communication.DetailLevel != "" {
		comm = append(comm, p.Communication.DetailLevel)
	}
	if len(comm) > 0 {
		parts = append(parts, fmt.Sprintf("Prefers: %s.", strings.Join(comm, ", ")))
	}
	if p.Communication.Language != "" {
		parts = append(parts, fmt.Sprintf("Reply in: %s.", p.Communication.Language))
	}
	if len(p.Interests) > 0 {
		parts = append(parts, fmt.Sprintf("Interests: %s.", strings.Join(p.Interests, ", ")))
	}
	if len(p.Goals) > 0 {
		parts = append(parts, fmt.Sprintf("Goals: %s.", strings.Join(p.Goals, ", ")))
	}
	parts = append(parts, p.Preferences...)

	if len(parts) == 0 {
		return "User profile: not yet configured."
	}

	summary := strings.Join(parts, " ")
	if len(summary) > maxSummaryChars {
		end := maxSummaryChars
		for end > 0 && !utf8.RuneStart(summary[end]) {
			end--
		}
		if idx := strings.LastIndex(summary[:end], " "); idx > 0 {
			summary = summary[:idx]
		} else {
			summary = summary[:end]
		}
	}
	return summary
}

func copyStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func deepCopyProfile(p *Profile) Profile {
	if p == nil {
		return Profile{}
	}
	cp := *p
	cp.Interests = copyStrings(p.Interests)
	cp.Goals = copyStrings(p.Goals)
	cp.Preferences = copyStrings(p.Preferences)
	cp.Style.Examples = copyStrings(p.Style.Examples)
	return cp
}

// buildProfile assembles a Profile from flat dot-notation keys.
func buildProfile(keys map[string]string) Profile {
	var p Profile

	p.Identity.Name = keys["identity.name"]
	p.Identity.Role = keys["identity.role"]
	p.Identity.Timezone = keys["identity.timezone"]

	p.Communication.Tone = keys["communication.tone"]
	p.Communication.Language = keys["communication.language"]
	p.Communication.DetailLevel = keys["communication.detail_level"]

	unmarshalProfileKey(keys, "interests", &p.Interests)
	unmarshalProfileKey(keys, "goals", &p.Goals)
	unmarshalProfileKey(keys, "preferences", &p.Preferences)
	unmarshalProfileKey(keys, "style.examples", &p.Style.Examples)

	if v, ok := keys["style.enabled"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			slog.Warn("malformed profile key, skipping", "key", "style.enabled", "error", err)
		}
		p.Style.Enabled = b
	}
	return p
}

// unmarshalProfileKey decodes a JSON value, logging a warning if the value
// is present but malformed.
func unmarshalProfileKey(keys map[string]string, key string, target any) {
	v, ok := keys[key]
	if !ok {
		return
	}
	if err := json.Unmarshal([]byte(v), target); err != nil {
		slog.Warn("malformed profile key, skipping", "key", key, "error", err)
	}
}
