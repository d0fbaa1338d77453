// Package moderation provides the local content filter used when no
// upstream classifier can judge a message. It screens text against a fixed
// denylist of words and phrases and produces a masked rendering.
package moderation

import (
	"sort"
	"strings"
	"unicode"
)

// Mask replaces every matched token in the filtered rendering.
const Mask = "***"

// DefaultTerms is the built-in denylist. Single words match whole tokens;
// multi-word entries match consecutive tokens.
var DefaultTerms = []string{
	"hate",
	"kill",
	"die",
	"stupid",
	"idiot",
	"ugly",
	"fat",
	"loser",
	"hate you",
	"kill yourself",
	"go die",
}

// Filter holds a normalized denylist.
type Filter struct {
	words   map[string]struct{}
	phrases []phrase
}

type phrase struct {
	term  string
	parts []string
}

// Scan is the outcome of screening one text.
type Scan struct {
	// Matches lists each distinct denylist term found, in order of first
	// appearance in the text.
	Matches []string
	// Filtered is the input with every matched token replaced by Mask.
	Filtered string
}

// Matched reports whether any term was found.
func (s Scan) Matched() bool { return len(s.Matches) > 0 }

// NewFilter returns a Filter over DefaultTerms.
func NewFilter() *Filter {
	return NewFilterWithTerms(DefaultTerms)
}

// NewFilterWithTerms builds a Filter from terms. Terms are lowercased and
// trimmed; empty entries are ignored.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		parts := strings.Fields(t)
		if len(parts) == 1 {
			f.words[parts[0]] = struct{}{}
			continue
		}
		f.phrases = append(f.phrases, phrase{term: strings.Join(parts, " "), parts: parts})
	}
	return f
}

type span struct {
	start, end int // byte offsets into the original text
	norm       string
}

type hit struct {
	term  string
	first int // byte offset of the first token of the match
}

// Scan screens text. Tokens are compared both as plain alphanumeric runs and
// with leetspeak symbols folded (0->o, 3->e, @->a, $->s, 1/!->i). Each
// distinct term counts once regardless of how often it occurs.
func (f *Filter) Scan(text string) Scan {
	var (
		hits   []hit
		seen   = make(map[string]bool)
		masked []span
	)

	record := func(term string, toks []span) {
		masked = append(masked, toks...)
		if !seen[term] {
			seen[term] = true
			hits = append(hits, hit{term: term, first: toks[0].start})
		}
	}

	for _, toks := range [][]span{tokenSpans(text, false), tokenSpans(text, true)} {
		for i, tok := range toks {
			if _, ok := f.words[tok.norm]; ok {
				record(tok.norm, toks[i:i+1])
			}
			for _, p := range f.phrases {
				if i+len(p.parts) > len(toks) {
					continue
				}
				match := true
				for j, part := range p.parts {
					if toks[i+j].norm != part {
						match = false
						break
					}
				}
				if match {
					record(p.term, toks[i:i+len(p.parts)])
				}
			}
		}
	}

	if len(hits) == 0 {
		return Scan{Filtered: text}
	}

	sort.SliceStable(hits, func(a, b int) bool { return hits[a].first < hits[b].first })
	matches := make([]string, len(hits))
	for i, h := range hits {
		matches[i] = h.term
	}
	return Scan{Matches: matches, Filtered: applyMask(text, masked)}
}

// applyMask replaces each (merged) token span with Mask.
func applyMask(text string, spans []span) string {
	sort.Slice(spans, func(a, b int) bool { return spans[a].start < spans[b].start })

	var b strings.Builder
	b.Grow(len(text))
	pos := 0
	for _, s := range spans {
		if s.end <= pos {
			continue // already covered by an overlapping span
		}
		if s.start < pos {
			// Overlap with the previous span: extend it without a second mask.
			pos = s.end
			continue
		}
		b.WriteString(text[pos:s.start])
		b.WriteString(Mask)
		pos = s.end
	}
	b.WriteString(text[pos:])
	return b.String()
}

// tokenSpans splits text into runs of letters and digits. With leet set,
// the symbols @ $ ! also count as token characters and the normalized form
// folds them to letters.
func tokenSpans(text string, leet bool) []span {
	var (
		spans []span
		start = -1
	)
	isTok := func(r rune) bool {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
		return leet && (r == '@' || r == '$' || r == '!')
	}
	flush := func(end int) {
		if start < 0 {
			return
		}
		raw := strings.ToLower(text[start:end])
		norm := raw
		if leet {
			norm = normalizeLeet(raw)
		}
		spans = append(spans, span{start: start, end: end, norm: norm})
		start = -1
	}

	for i, r := range text {
		if isTok(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(text))
	return spans
}

var leetReplacer = strings.NewReplacer(
	"0", "o",
	"3", "e",
	"@", "a",
	"$", "s",
	"1", "i",
	"!", "i",
)

func normalizeLeet(s string) string {
	return leetReplacer.Replace(s)
}
