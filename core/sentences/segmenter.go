// Package sentences turns a stream of text deltas into speakable sentences.
//
// A sentence ends at the first '.', '!' or '?' that is immediately followed by
// whitespace. The sentence keeps its terminal punctuation and consumes the
// whitespace run behind it. Whatever has not reached a boundary yet stays in
// the residual until more text arrives or the stream is flushed.
//
// Candidates made of nothing but punctuation are never emitted on their own.
// Their input is carried into the next sentence.
//
// Every emitted [Sentence] carries the exact input it consumed in Raw, so
// joining the Raw of all sentences with the final flush reproduces the input
// byte for byte.
package sentences

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

type Sentence struct {
	// Text is the trimmed, speakable sentence.
	Text string
	// Raw is the exact slice of input this sentence consumed.
	Raw string
}

// Segmenter is a stateful accumulator. It is not safe for concurrent use.
type Segmenter struct {
	residual string
	// scanned is the offset in residual below which no boundary can start.
	scanned int
}

func New() *Segmenter { return &Segmenter{} }

// Push appends a delta and returns every sentence completed by it, in order.
func (s *Segmenter) Push(delta string) []Sentence {
	if delta == "" {
		return nil
	}
	s.residual += delta

	var completed []Sentence
	for {
		end, ok := s.nextBoundary()
		if !ok {
			break
		}

		raw := s.residual[:end]
		text := speakable(raw)
		if text == "" {
			// Bare punctuation, keep it in front of the next sentence.
			s.scanned = end
			continue
		}

		s.residual = s.residual[end:]
		s.scanned = 0
		completed = append(completed, Sentence{Text: text, Raw: raw})
	}

	return completed
}

// Flush returns the residual as the final sentence and resets the segmenter.
// ok is false when the residual holds nothing speakable; Raw is still set so
// callers can account for trailing whitespace.
func (s *Segmenter) Flush() (sentence Sentence, ok bool) {
	raw := s.residual
	s.Reset()

	text := speakable(raw)
	return Sentence{Text: text, Raw: raw}, text != ""
}

// Residual is the text received but not yet emitted.
func (s *Segmenter) Residual() string { return s.residual }

func (s *Segmenter) Reset() {
	s.residual = ""
	s.scanned = 0
}

// nextBoundary returns the end offset of the first complete sentence.
func (s *Segmenter) nextBoundary() (int, bool) {
	for i := s.scanned; i < len(s.residual); i++ {
		if !isTerminal(s.residual[i]) {
			continue
		}

		next, size := utf8.DecodeRuneInString(s.residual[i+1:])
		if size == 0 {
			// Punctuation is the last byte, wait for what follows it.
			s.scanned = i
			return 0, false
		}
		if !unicode.IsSpace(next) {
			continue
		}

		end := i + 1
		for end < len(s.residual) {
			r, size := utf8.DecodeRuneInString(s.residual[end:])
			if !unicode.IsSpace(r) {
				break
			}
			end += size
		}
		return end, true
	}

	s.scanned = len(s.residual)
	return 0, false
}

func isTerminal(b byte) bool { return b == '.' || b == '!' || b == '?' }

// speakable trims raw and drops the terminal punctuation left in front of it
// by candidates that held nothing else. It is empty when raw has no words.
func speakable(raw string) string {
	return strings.TrimLeftFunc(strings.TrimSpace(raw), func(r rune) bool {
		return unicode.IsSpace(r) || (r < utf8.RuneSelf && isTerminal(byte(r)))
	})
}
