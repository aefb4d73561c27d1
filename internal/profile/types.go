package profile

// Profile is what the user has told memoir about themselves and how they
// like to be answered. It never holds diary content.
type Profile struct {
	Identity      IdentityProfile      `json:"identity"`
	Communication CommunicationProfile `json:"communication"`
	Interests     []string             `json:"interests,omitempty"`
	Goals         []string             `json:"goals,omitempty"`
	Preferences   []string             `json:"preferences,omitempty"`
	Style         StyleSettings        `json:"style"`
}

type IdentityProfile struct {
	Name     string `json:"name,omitempty"`
	Role     string `json:"role,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// CommunicationProfile captures how replies should read.
type CommunicationProfile struct {
	Tone        string `json:"tone,omitempty"`     // e.g. "warm, brief"
	Language    string `json:"language,omitempty"` // e.g. "en", "zh"
	DetailLevel string `json:"detail_level,omitempty"`
}

// StyleSettings controls the style profile handed to the answer model.
type StyleSettings struct {
	Enabled  bool     `json:"enabled"`
	Examples []string `json:"examples,omitempty"`
}

// StyleProfile is the context pack's style section.
type StyleProfile struct {
	Enabled     bool     `json:"enabled"`
	Tone        string   `json:"tone,omitempty"`
	Language    string   `json:"language,omitempty"`
	DetailLevel string   `json:"detail_level,omitempty"`
	Examples    []string `json:"examples"`
}
