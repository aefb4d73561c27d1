package analyzer

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ErrInvalid marks model output that could not be turned into a valid
// analysis.
var ErrInvalid = errors.New("invalid analysis")

// SignalKeys are the six scored dimensions, in template order.
var SignalKeys = []string{"mood", "stress", "sleep", "exercise", "social", "work"}

var (
	listKeys     = []string{"facts", "todos", "topics", "evidence_spans"}
	requiredKeys = []string{"summary_1_3", "signals", "facts", "todos", "topics"}
	firstNumRe   = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
)

// Signals holds integer scores in [0,10]; nil means not stated.
type Signals struct {
	Mood     *int `json:"mood"`
	Stress   *int `json:"stress"`
	Sleep    *int `json:"sleep"`
	Exercise *int `json:"exercise"`
	Social   *int `json:"social"`
	Work     *int `json:"work"`
}

// Get returns the score for one of SignalKeys.
func (s Signals) Get(key string) *int {
	switch key {
	case "mood":
		return s.Mood
	case "stress":
		return s.Stress
	case "sleep":
		return s.Sleep
	case "exercise":
		return s.Exercise
	case "social":
		return s.Social
	case "work":
		return s.Work
	}
	return nil
}

// Set assigns the score for one of SignalKeys.
func (s *Signals) Set(key string, v *int) {
	switch key {
	case "mood":
		s.Mood = v
	case "stress":
		s.Stress = v
	case "sleep":
		s.Sleep = v
	case "exercise":
		s.Exercise = v
	case "social":
		s.Social = v
	case "work":
		s.Work = v
	}
}

// Any reports whether at least one score is set.
func (s Signals) Any() bool {
	for _, k := range SignalKeys {
		if s.Get(k) != nil {
			return true
		}
	}
	return false
}

// Analysis is the validated structure extracted from one block.
type Analysis struct {
	Summary         string   `json:"summary_1_3"`
	Signals         Signals  `json:"signals"`
	Facts           []string `json:"facts"`
	Todos           []string `json:"todos"`
	Topics          []string `json:"topics"`
	EvidenceSpans   []string `json:"evidence_spans"`
	ReflectionDepth *int     `json:"reflection_depth"`
}

// JSON encodes the analysis with empty lists as [] rather than null.
func (a Analysis) JSON() string {
	for _, l := range []*[]string{&a.Facts, &a.Todos, &a.Topics, &a.EvidenceSpans} {
		if *l == nil {
			*l = []string{}
		}
	}
	b, _ := json.Marshal(a)
	return string(b)
}

// ExtractJSON returns the span from the first '{' to the last '}', or the
// trimmed input when there is no such span.
func ExtractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end <= start {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(s[start : end+1])
}

// filterLines keeps only brace lines and `"key":` lines.
func filterLines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	var kept []string
	for _, line := range strings.Split(s, "\n") {
		ls := strings.TrimLeft(line, " \t")
		switch {
		case ls == "":
		case strings.HasPrefix(ls, "{"), strings.HasPrefix(ls, "}"):
			kept = append(kept, line)
		case strings.HasPrefix(ls, `"`) && strings.Contains(ls, `":`):
			kept = append(kept, line)
		}
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// decodeObject tries the raw candidate, the line-filtered candidate and a
// jsonrepair pass, in that order.
func decodeObject(raw string) (map[string]any, error) {
	cand := ExtractJSON(raw)
	var v any
	err := json.Unmarshal([]byte(cand), &v)
	if err != nil {
		if err2 := json.Unmarshal([]byte(filterLines(cand)), &v); err2 == nil {
			err = nil
		} else if fixed, rerr := jsonrepair.JSONRepair(cand); rerr == nil {
			if json.Unmarshal([]byte(fixed), &v) == nil {
				err = nil
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: non-JSON output: %v", ErrInvalid, err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top-level must be an object", ErrInvalid)
	}
	return obj, nil
}

// Parse decodes, normalizes and validates model output.
func Parse(raw string) (Analysis, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return Analysis{}, err
	}
	obj = Normalize(obj)
	if err := Validate(obj); err != nil {
		return Analysis{}, err
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return Analysis{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var a Analysis
	if err := json.Unmarshal(b, &a); err != nil {
		return Analysis{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return a, nil
}

func roundInRange(f float64, lo, hi int) any {
	if math.IsNaN(f) || f < float64(lo) || f > float64(hi) {
		return nil
	}
	n := int(math.RoundToEven(f))
	if n < lo || n > hi {
		return nil
	}
	return n
}

func coerceSignal(v any) any {
	switch t := v.(type) {
	case float64:
		return roundInRange(t, 0, 10)
	case int:
		return roundInRange(float64(t), 0, 10)
	case string:
		m := firstNumRe.FindString(t)
		if m == "" {
			return nil
		}
		f, err := strconv.ParseFloat(m, 64)
		if err != nil {
			return nil
		}
		return roundInRange(f, 0, 10)
	}
	return nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// Normalize coerces field values in place: signals to int-or-nil in [0,10],
// list fields to non-blank strings, summary to a string and reflection depth
// to int-or-nil in [0,3]. Malformed values become nil or empty instead of
// failing the whole object.
func Normalize(obj map[string]any) map[string]any {
	if _, ok := obj["evidence_spans"]; !ok {
		obj["evidence_spans"] = []any{}
	}
	if _, ok := obj["reflection_depth"]; !ok {
		obj["reflection_depth"] = nil
	}

	if sig, ok := obj["signals"].(map[string]any); ok {
		for _, k := range SignalKeys {
			sig[k] = coerceSignal(sig[k])
		}
	}

	for _, k := range listKeys {
		items, ok := obj[k].([]any)
		if !ok {
			obj[k] = []string{}
			continue
		}
		out := []string{}
		for _, it := range items {
			switch it.(type) {
			case string, float64, int:
				if s := stringify(it); strings.TrimSpace(s) != "" {
					out = append(out, s)
				}
			}
		}
		obj[k] = out
	}

	if s, ok := obj["summary_1_3"]; ok && s != nil {
		if _, isStr := s.(string); !isStr {
			obj["summary_1_3"] = stringify(s)
		}
	}

	// Depth is rounded before the range check, unlike signals.
	switch rd := obj["reflection_depth"].(type) {
	case float64:
		obj["reflection_depth"] = roundInRange(math.RoundToEven(rd), 0, 3)
	case int:
		obj["reflection_depth"] = roundInRange(float64(rd), 0, 3)
	default:
		obj["reflection_depth"] = nil
	}
	return obj
}

// Validate checks a normalized object. Errors wrap ErrInvalid.
func Validate(obj map[string]any) error {
	var missing []string
	for _, k := range requiredKeys {
		if _, ok := obj[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing keys: %v", ErrInvalid, missing)
	}

	if s, ok := obj["summary_1_3"].(string); !ok || strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: summary_1_3 must be a non-empty string", ErrInvalid)
	}

	sig, ok := obj["signals"].(map[string]any)
	if !ok {
		return fmt.Errorf("%w: signals must be an object", ErrInvalid)
	}
	for _, k := range SignalKeys {
		v, present := sig[k]
		if !present {
			return fmt.Errorf("%w: missing signals.%s", ErrInvalid, k)
		}
		if v == nil {
			continue
		}
		if n, isInt := v.(int); !isInt || n < 0 || n > 10 {
			return fmt.Errorf("%w: signals.%s must be int 0-10 or null", ErrInvalid, k)
		}
	}

	for _, k := range listKeys {
		if _, ok := obj[k].([]string); !ok {
			return fmt.Errorf("%w: %s must be an array of strings", ErrInvalid, k)
		}
	}

	if rd := obj["reflection_depth"]; rd != nil {
		if n, isInt := rd.(int); !isInt || n < 0 || n > 3 {
			return fmt.Errorf("%w: reflection_depth must be int 0-3 or null", ErrInvalid)
		}
	}
	return nil
}
