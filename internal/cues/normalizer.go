package cues

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Cue is one raw time-stamped caption or transcript fragment
type Cue struct {
	StartMs float64 `json:"start_ms"`
	EndMs   float64 `json:"end_ms"`
	Text    string  `json:"text"`
}

// UnmarshalJSON accepts times as numbers or numeric strings. Any other
// time, null included, reads as 0, and a scalar text reads as its literal.
func (c *Cue) UnmarshalJSON(data []byte) error {
	var raw struct {
		StartMs json.RawMessage `json:"start_ms"`
		EndMs   json.RawMessage `json:"end_ms"`
		Text    json.RawMessage `json:"text"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = Cue{
		StartMs: coerceMillis(raw.StartMs),
		EndMs:   coerceMillis(raw.EndMs),
		Text:    coerceText(raw.Text),
	}
	return nil
}

func coerceMillis(raw json.RawMessage) float64 {
	var v interface{}
	if len(raw) == 0 || json.Unmarshal(raw, &v) != nil {
		return 0
	}
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0
		}
		f = parsed
	default:
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func coerceText(raw json.RawMessage) string {
	var v interface{}
	if len(raw) == 0 || json.Unmarshal(raw, &v) != nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64, bool:
		return string(raw)
	}
	return ""
}

// Segment is a merged output span, times in seconds
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Config controls merging and minimum segment length
type Config struct {
	MinDurationMs   float64 `toml:"min_duration_ms"`
	MergeGapMs      float64 `toml:"merge_gap_ms"`
	MinOverlapRunes int     `toml:"min_overlap_runes"`
}

// DefaultConfig returns the standard caption settings
func DefaultConfig() Config {
	return Config{
		MinDurationMs:   300,
		MergeGapMs:      250,
		MinOverlapRunes: 3,
	}
}

type span struct {
	start float64
	end   float64
	text  string
	norm  string
}

var folder = cases.Fold()

// Normalize merges overlapping or adjacent cues that repeat the same text
// and returns time-ordered, non-overlapping segments.
func Normalize(input []Cue, cfg Config) []Segment {
	if len(input) == 0 {
		return []Segment{}
	}
	cfg = sanitizeConfig(cfg)

	items := make([]Cue, len(input))
	for i, c := range input {
		s, e := finite(c.StartMs), finite(c.EndMs)
		if e < s {
			e = s
		}
		items[i] = Cue{StartMs: s, EndMs: e, Text: c.Text}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].StartMs != items[j].StartMs {
			return items[i].StartMs < items[j].StartMs
		}
		return items[i].EndMs < items[j].EndMs
	})

	var merged []span
	for _, c := range items {
		text := JoinLines(c.Text)
		if text == "" {
			continue
		}
		next := span{start: c.StartMs, end: c.EndMs, text: text, norm: NormalizeText(text)}

		if len(merged) == 0 {
			merged = append(merged, next)
			continue
		}
		last := &merged[len(merged)-1]
		near := next.start <= last.end || next.start-last.end <= cfg.MergeGapMs
		if near {
			if text, ok := mergeText(*last, next, cfg.MinOverlapRunes); ok {
				last.start = math.Min(last.start, next.start)
				last.end = math.Max(last.end, next.end)
				last.text = text
				last.norm = NormalizeText(text)
				continue
			}
		}
		merged = append(merged, next)
	}

	out := make([]Segment, 0, len(merged))
	prevEnd := 0.0
	for _, m := range merged {
		text := strings.TrimSpace(m.text)
		if text == "" {
			continue
		}
		s := math.Max(m.start, 0)
		if len(out) > 0 && s < prevEnd {
			s = prevEnd
		}
		e := math.Max(m.end, s+cfg.MinDurationMs)
		out = append(out, Segment{Start: s / 1000, End: e / 1000, Text: text})
		prevEnd = e
	}
	return out
}

// mergeText decides whether two cues repeat the same speech and, if so,
// returns the text the merged cue keeps.
func mergeText(last, next span, minOverlap int) (string, bool) {
	a, b := last.norm, next.norm
	switch {
	case a == b, strings.HasPrefix(a, b), strings.HasPrefix(b, a),
		strings.HasSuffix(a, b), strings.HasSuffix(b, a):
		if utf8.RuneCountInString(b) >= utf8.RuneCountInString(a) {
			return next.text, true
		}
		return last.text, true
	}

	if SuffixPrefixOverlap(a, b) < minOverlap {
		return "", false
	}
	// Stitch on the raw text when its casing lines up, else keep the longer.
	if n := SuffixPrefixOverlap(last.text, next.text); n >= minOverlap {
		r := []rune(next.text)
		return last.text + string(r[n:]), true
	}
	if utf8.RuneCountInString(b) >= utf8.RuneCountInString(a) {
		return next.text, true
	}
	return last.text, true
}

// NormalizeText applies NFKC, casefolding and whitespace collapsing
func NormalizeText(s string) string {
	s = norm.NFKC.String(s)
	s = folder.String(s)
	return strings.Join(strings.Fields(s), " ")
}

// SuffixPrefixOverlap returns the longest L, in runes, such that a ends
// with the first L runes of b.
func SuffixPrefixOverlap(a, b string) int {
	ar, br := []rune(a), []rune(b)
	n := len(ar)
	if len(br) < n {
		n = len(br)
	}
	for l := n; l > 0; l-- {
		if string(ar[len(ar)-l:]) == string(br[:l]) {
			return l
		}
	}
	return 0
}

// JoinLines folds a multi-line caption into one line, dropping blank lines
func JoinLines(text string) string {
	var out []string
	for _, raw := range strings.Split(text, "\n") {
		if line := strings.TrimSpace(raw); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, " ")
}
