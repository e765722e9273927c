package transcriber

import "strings"

// Accumulator merges successive per-chunk texts into one monotonically
// growing transcript. Because consecutive windows share overlap audio, a
// backend occasionally re-emits content it already recognized; text that is
// already a substring of the cumulative transcript (case-insensitive) is not
// appended twice.
//
// The last raw chunk text is retained separately from the merged transcript:
// it is the priming context fed to context-aware backends for continuity
// across window boundaries.
type Accumulator struct {
	current   string
	lastChunk string
}

// Merge folds newText into the cumulative transcript and returns it.
func (a *Accumulator) Merge(newText string) string {
	t := strings.TrimSpace(newText)
	if t == "" {
		return a.current
	}
	a.lastChunk = t

	if strings.Contains(strings.ToLower(a.current), strings.ToLower(t)) {
		return a.current
	}
	if a.current == "" {
		a.current = t
	} else {
		a.current += " " + t
	}
	return a.current
}

// Text returns the cumulative merged transcript.
func (a *Accumulator) Text() string { return a.current }

// Priming returns the previous chunk's raw text, used as backend context.
func (a *Accumulator) Priming() string { return a.lastChunk }

// Reset clears the transcript and the priming context.
func (a *Accumulator) Reset() {
	a.current = ""
	a.lastChunk = ""
}
