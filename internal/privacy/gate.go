// Package privacy turns local diary text into a pseudonymized contract that
// may leave the machine, and validates result contracts coming back before
// they are written.
package privacy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kalambet/memoir/internal/fault"
	"github.com/kalambet/memoir/internal/redact"
)

// ContractVersion is the only contract version produced and accepted.
const ContractVersion = "v1"

// MinSaltLen is the shortest pseudonym salt accepted, in bytes.
const MinSaltLen = 16

// NER backends.
const (
	NERNone    = "none"
	NERLexicon = "lexicon"
	NERSimple  = "simple"
)

// Entity types with a pseudonym prefix. Dates are never exported; the
// contract carries a coarse time bucket instead.
const (
	EntityPerson = "PERSON"
	EntityOrg    = "ORG"
	EntityLoc    = "LOC"
)

const (
	minFacts = 3
	maxFacts = 8
	maxTags  = 8

	defaultSource = "local_privacy_gate"
	emptyFact     = "No content provided."
)

var entityPrefix = map[string]string{EntityPerson: "P", EntityOrg: "O", EntityLoc: "L"}

var (
	orgRe    = regexp.MustCompile(`[\x{4e00}-\x{9fff}A-Za-z0-9]{2,40}(?:公司|集团|大学|学院|银行|医院|学校)`)
	locRe    = regexp.MustCompile(`[\x{4e00}-\x{9fff}A-Za-z0-9]{1,30}(?:省|市|区|县|镇|路|街|国|城)`)
	personRe = regexp.MustCompile(`(?:和|与|跟)([\x{4e00}-\x{9fff}]{2,3})`)

	sentenceEndRe = regexp.MustCompile(`[.!?。！？]\s+`)

	tagRules = []struct {
		tag string
		re  *regexp.Regexp
	}{
		{"work", regexp.MustCompile(`\b(?:work|meeting|deadline)\b|工作|上班|项目`)},
		{"health", regexp.MustCompile(`\b(?:sleep|insomnia|sick)\b|睡|失眠|身体|生病`)},
		{"study", regexp.MustCompile(`\b(?:study|english|learn)\b|学习|英语|复习`)},
		{"social", regexp.MustCompile(`\b(?:friend|party|date)\b|朋友|聚会|社交`)},
	}
)

// Hints lists known entity surface forms by type for the lexicon backend.
type Hints map[string][]string

type Entity struct {
	Type     string `json:"type"`
	PseudoID string `json:"pseudo_id"`
}

type TimelineEvent struct {
	EventTS int64  `json:"event_ts"`
	Summary string `json:"summary"`
}

// Contract is the cloud-bound view of one text: PII replaced by typed
// tokens, named entities replaced by salted pseudonyms.
type Contract struct {
	Version      string          `json:"contract_version"`
	ContractID   string          `json:"contract_id"`
	Source       string          `json:"source"`
	CreatedAt    string          `json:"created_at"`
	TimeBucket   string          `json:"time_bucket"`
	TextRedacted string          `json:"text_redacted"`
	Facts        []string        `json:"facts"`
	Timeline     []TimelineEvent `json:"timeline"`
	Entities     []Entity        `json:"entities"`
	Tags         []string        `json:"tags"`
}

// BuildRequest is the input of Gate.Build. An empty NER uses the gate's
// default backend.
type BuildRequest struct {
	Text   string `json:"text"`
	Source string `json:"source"`
	NER    string `json:"ner_backend"`
	Hints  Hints  `json:"entity_hints"`
}

type Config struct {
	Salt []byte
	NER  string
}

// Gate builds contracts with stable pseudonyms: the same salt and value
// always yield the same pseudo id.
type Gate struct {
	salt []byte
	ner  string
	now  func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

func New(cfg Config, opts ...Option) (*Gate, error) {
	if len(cfg.Salt) < MinSaltLen {
		return nil, fault.Errorf(fault.KindConfig, "privacy gate", "salt is %d bytes, want at least %d", len(cfg.Salt), MinSaltLen)
	}
	ner := strings.ToLower(strings.TrimSpace(cfg.NER))
	if ner == "" {
		ner = NERNone
	}
	if !ValidNER(ner) {
		return nil, fault.Errorf(fault.KindConfig, "privacy gate", "ner backend %q: want none, lexicon or simple", cfg.NER)
	}
	g := &Gate{salt: append([]byte(nil), cfg.Salt...), ner: ner, now: time.Now}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

func ValidNER(name string) bool {
	switch name {
	case NERNone, NERLexicon, NERSimple:
		return true
	}
	return false
}

// Build redacts and pseudonymizes req.Text. Empty text and an unknown NER
// backend are input errors.
func (g *Gate) Build(req BuildRequest) (Contract, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Contract{}, fault.Errorf(fault.KindInput, "privacy contract", "text is empty")
	}
	ner := strings.ToLower(strings.TrimSpace(req.NER))
	if ner == "" {
		ner = g.ner
	}
	if !ValidNER(ner) {
		return Contract{}, fault.Errorf(fault.KindInput, "privacy contract", "ner backend %q: want none, lexicon or simple", req.NER)
	}
	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = defaultSource
	}

	red := redact.Tokens(text)
	red, entities := g.pseudonymize(red, collectEntities(red, ner, req.Hints))
	facts := extractFacts(red)

	now := g.now().UTC()
	return Contract{
		Version:      ContractVersion,
		ContractID:   uuid.NewString(),
		Source:       source,
		CreatedAt:    now.Format(time.RFC3339),
		TimeBucket:   now.Format("2006-01-02"),
		TextRedacted: red,
		Facts:        facts,
		Timeline:     []TimelineEvent{{EventTS: now.Unix(), Summary: facts[0]}},
		Entities:     entities,
		Tags:         extractTags(red),
	}, nil
}

// Pseudonym returns the stable id of value: a type prefix and the first four
// hex digits of HMAC-SHA256(salt, lowercased value).
func (g *Gate) Pseudonym(entityType, value string) string {
	mac := hmac.New(sha256.New, g.salt)
	mac.Write([]byte(strings.ToLower(strings.TrimSpace(value))))
	return entityPrefix[entityType] + "#" + hex.EncodeToString(mac.Sum(nil))[:4]
}

type candidate struct {
	typ, value string
}

func collectEntities(text, ner string, hints Hints) []candidate {
	var out []candidate
	switch ner {
	case NERLexicon:
		for _, typ := range []string{EntityPerson, EntityOrg, EntityLoc} {
			for _, h := range hints[typ] {
				if h = strings.TrimSpace(h); h != "" && strings.Contains(text, h) {
					out = append(out, candidate{typ, h})
				}
			}
		}
	case NERSimple:
		for _, m := range orgRe.FindAllString(text, -1) {
			out = append(out, candidate{EntityOrg, m})
		}
		for _, m := range locRe.FindAllString(text, -1) {
			out = append(out, candidate{EntityLoc, m})
		}
		for _, m := range personRe.FindAllStringSubmatch(text, -1) {
			out = append(out, candidate{EntityPerson, m[1]})
		}
	}
	return out
}

// pseudonymize replaces candidates longest first so a short value never
// splits a longer one that contains it.
func (g *Gate) pseudonymize(text string, cands []candidate) (string, []Entity) {
	sort.SliceStable(cands, func(i, j int) bool {
		return utf8.RuneCountInString(cands[i].value) > utf8.RuneCountInString(cands[j].value)
	})
	entities := []Entity{}
	seen := map[Entity]bool{}
	for _, c := range cands {
		v := strings.TrimSpace(c.value)
		if v == "" {
			continue
		}
		e := Entity{Type: c.typ, PseudoID: g.Pseudonym(c.typ, v)}
		text = strings.ReplaceAll(text, v, e.PseudoID)
		if !seen[e] {
			seen[e] = true
			entities = append(entities, e)
		}
	}
	return text, entities
}

func splitSentences(s string) []string {
	var out []string
	add := func(part string) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	last := 0
	for _, loc := range sentenceEndRe.FindAllStringIndex(s, -1) {
		_, size := utf8.DecodeRuneInString(s[loc[0]:])
		add(s[last : loc[0]+size])
		last = loc[1]
	}
	add(s[last:])
	return out
}

// extractFacts returns between minFacts and maxFacts sentences, repeating
// the last one when the text is short.
func extractFacts(text string) []string {
	facts := splitSentences(text)
	if len(facts) == 0 {
		facts = []string{emptyFact}
	}
	if len(facts) > maxFacts {
		facts = facts[:maxFacts]
	}
	for len(facts) < minFacts {
		facts = append(facts, facts[len(facts)-1])
	}
	return facts
}

func extractTags(text string) []string {
	low := strings.ToLower(text)
	tags := []string{}
	for _, r := range tagRules {
		if r.re.MatchString(low) {
			tags = append(tags, r.tag)
		}
	}
	if len(tags) > maxTags {
		tags = tags[:maxTags]
	}
	return tags
}
