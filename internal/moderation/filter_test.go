package moderation

import (
	"reflect"
	"strings"
	"testing"
)

func TestNewFilter(t *testing.T) {
	f := NewFilter()
	if f == nil {
		t.Fatal("NewFilter returned nil")
	}
	if len(f.words) == 0 && len(f.phrases) == 0 {
		t.Fatal("NewFilter created an empty filter")
	}
}

func TestScan_FixedSentence(t *testing.T) {
	f := NewFilter()

	got := f.Scan("I hate you, you are stupid")

	wantMatches := []string{"hate", "hate you", "stupid"}
	if !reflect.DeepEqual(got.Matches, wantMatches) {
		t.Errorf("Matches = %v, want %v", got.Matches, wantMatches)
	}
	if want := "I *** ***, you are ***"; got.Filtered != want {
		t.Errorf("Filtered = %q, want %q", got.Filtered, want)
	}
}

func TestScan_SingleWord(t *testing.T) {
	f := NewFilterWithTerms([]string{"badword", "offensive"})

	tests := []struct {
		name     string
		input    string
		matched  bool
		filtered string
	}{
		{"exact match", "badword", true, "***"},
		{"in sentence", "this is badword here", true, "this is *** here"},
		{"case insensitive", "BADWORD", true, "***"},
		{"mixed case", "BaDwOrD", true, "***"},
		{"with punctuation", "hello, badword!", true, "hello, ***!"},
		{"repeated", "badword badword", true, "*** ***"},
		{"clean message", "hello world", false, "hello world"},
		{"partial match no block", "badwording is fine", false, "badwording is fine"},
		{"substring no block", "mybadword", false, "mybadword"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := f.Scan(tt.input)
			if s.Matched() != tt.matched {
				t.Errorf("Scan(%q).Matched() = %v, want %v", tt.input, s.Matched(), tt.matched)
			}
			if s.Filtered != tt.filtered {
				t.Errorf("Scan(%q).Filtered = %q, want %q", tt.input, s.Filtered, tt.filtered)
			}
		})
	}
}

func TestScan_RepeatedTermCountsOnce(t *testing.T) {
	f := NewFilterWithTerms([]string{"ugly"})
	s := f.Scan("ugly ugly ugly")
	if len(s.Matches) != 1 {
		t.Errorf("Matches = %v, want one distinct term", s.Matches)
	}
}

func TestScan_Phrase(t *testing.T) {
	f := NewFilterWithTerms([]string{"kill yourself", "go die"})

	tests := []struct {
		name    string
		input   string
		matched bool
		term    string
	}{
		{"exact phrase", "kill yourself", true, "kill yourself"},
		{"phrase in sentence", "you should kill yourself now", true, "kill yourself"},
		{"case insensitive phrase", "KILL YOURSELF", true, "kill yourself"},
		{"partial word no match", "kill yourselves", false, ""},
		{"words separated", "kill and yourself", false, ""},
		{"go die phrase", "go die already", true, "go die"},
		{"clean message", "i love this chat", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := f.Scan(tt.input)
			if s.Matched() != tt.matched {
				t.Errorf("Scan(%q).Matched() = %v, want %v", tt.input, s.Matched(), tt.matched)
			}
			if tt.matched && s.Matches[0] != tt.term {
				t.Errorf("Scan(%q).Matches[0] = %q, want %q", tt.input, s.Matches[0], tt.term)
			}
		})
	}

	if got := f.Scan("you should kill yourself now").Filtered; got != "you should *** *** now" {
		t.Errorf("phrase mask = %q", got)
	}
}

func TestScan_Leetspeak(t *testing.T) {
	f := NewFilterWithTerms([]string{"badword", "offensive"})

	tests := []struct {
		name     string
		input    string
		filtered string
	}{
		{"zero for o", "b@dw0rd", "***"},
		{"dollar for s", "off3n$ive", "***"},
		{"one for i", "offens1ve", "***"},
		{"exclaim for i", "offens!ve", "***"},
		{"mixed leet in sentence", "you 0ff3n$!v3 person", "you *** person"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := f.Scan(tt.input)
			if !s.Matched() {
				t.Fatalf("Scan(%q) did not match", tt.input)
			}
			if s.Filtered != tt.filtered {
				t.Errorf("Scan(%q).Filtered = %q, want %q", tt.input, s.Filtered, tt.filtered)
			}
		})
	}
}

func TestScan_CleanMessages(t *testing.T) {
	f := NewFilter()

	messages := []string{
		"hello, how are you?",
		"nice weather today",
		"what are your hobbies?",
		"I love programming",
		"that was a skillful move",
		"the diet plan is working",
		"",
	}

	for _, msg := range messages {
		s := f.Scan(msg)
		if s.Matched() {
			t.Errorf("Scan(%q) matched %v, expected clean", msg, s.Matches)
		}
		if s.Filtered != msg {
			t.Errorf("Scan(%q).Filtered = %q, want input unchanged", msg, s.Filtered)
		}
	}
}

func TestScan_Deterministic(t *testing.T) {
	f := NewFilter()
	first := f.Scan("die loser, you fat idiot")
	for i := 0; i < 50; i++ {
		again := f.Scan("die loser, you fat idiot")
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs: %#v vs %#v", i, first, again)
		}
	}
	if want := []string{"die", "loser", "fat", "idiot"}; !reflect.DeepEqual(first.Matches, want) {
		t.Errorf("Matches = %v, want %v", first.Matches, want)
	}
}

func TestNewFilterWithTerms_EmptyAndWhitespace(t *testing.T) {
	f := NewFilterWithTerms([]string{"", "  ", "valid", " Two  Words "})

	if _, ok := f.words["valid"]; !ok {
		t.Error("expected 'valid' in words set")
	}
	if len(f.words) != 1 {
		t.Errorf("expected 1 word, got %d", len(f.words))
	}
	if len(f.phrases) != 1 || f.phrases[0].term != "two words" {
		t.Errorf("expected phrase %q, got %#v", "two words", f.phrases)
	}
}

func TestNormalizeLeet(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello", "hello"},
		{"h3ll0", "hello"},
		{"@ss", "ass"},
		{"$h!t", "shit"},
		{"n0", "no"},
		{"ch@ng3", "change"},
	}

	for _, tt := range tests {
		got := normalizeLeet(tt.input)
		if got != tt.want {
			t.Errorf("normalizeLeet(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestTokenizePlain(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"hello world", []string{"hello", "world"}},
		{"hello, world!", []string{"hello", "world"}},
		{"  spaced  out  ", []string{"spaced", "out"}},
		{"one", []string{"one"}},
		{"", nil},
		{"hello---world", []string{"hello", "world"}},
	}

	for _, tt := range tests {
		got := tokenizePlain(tt.input)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("tokenizePlain(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestTokenizeLeet(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"hello world", []string{"hello", "world"}},
		{"b@dw0rd", []string{"b@dw0rd"}},
		{"hello $h!t bye", []string{"hello", "$h!t", "bye"}},
	}

	for _, tt := range tests {
		got := tokenizeLeet(tt.input)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("tokenizeLeet(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

// BenchmarkScan measures filter cost on a typical clean message.
func BenchmarkScan(b *testing.B) {
	f := NewFilter()
	msg := "hey how are you doing today? I love chatting about music and movies. What are your favorite hobbies?"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Scan(msg)
	}
}

func BenchmarkScan_LongMessage(b *testing.B) {
	f := NewFilter()
	msg := strings.Repeat("this is a perfectly normal message with no bad content. ", 40)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Scan(msg)
	}
}
