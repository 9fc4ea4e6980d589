// Package sentence turns a stream of model text fragments into complete
// sentences suitable for per-sentence speech synthesis.
package sentence

import (
	"iter"
	"strings"
)

// Terminators close a sentence when a trimmed fragment ends with one of them.
// "다." is the Korean declarative ending and is listed explicitly even though
// it also ends in ".".
var Terminators = []string{".", "!", "?", "다."}

// IsTerminal reports whether fragment, after trimming, ends a sentence.
// Empty and whitespace-only fragments never terminate.
func IsTerminal(fragment string) bool {
	trimmed := strings.TrimSpace(fragment)
	if trimmed == "" {
		return false
	}
	for _, t := range Terminators {
		if strings.HasSuffix(trimmed, t) {
			return true
		}
	}
	return false
}

// Assembler accumulates fragments until a terminator is seen. The zero value
// is ready to use. It is not safe for concurrent use.
type Assembler struct {
	buf strings.Builder
}

// Push appends fragment and returns the completed sentence when fragment
// terminates it. Fragments are joined without a separator and the result is
// trimmed.
func (a *Assembler) Push(fragment string) (string, bool) {
	a.buf.WriteString(fragment)
	if !IsTerminal(fragment) {
		return "", false
	}
	sentence := strings.TrimSpace(a.buf.String())
	a.buf.Reset()
	if sentence == "" {
		return "", false
	}
	return sentence, true
}

// Pending returns the not yet terminated text.
func (a *Assembler) Pending() string {
	return a.buf.String()
}

// Flush returns any non-blank trailing text as a final sentence and resets
// the accumulator.
func (a *Assembler) Flush() (string, bool) {
	rest := strings.TrimSpace(a.buf.String())
	a.buf.Reset()
	return rest, rest != ""
}

// Reset discards accumulated text.
func (a *Assembler) Reset() {
	a.buf.Reset()
}

type options struct {
	flushTrailing bool
	onFragment    func(string)
}

// Option configures Assemble.
type Option func(*options)

// WithTrailingFlush emits non-terminated trailing text as a final sentence
// once the fragment stream completes without error.
func WithTrailingFlush() Option {
	return func(o *options) { o.flushTrailing = true }
}

// WithFragmentHook calls fn for every fragment consumed.
func WithFragmentHook(fn func(string)) Option {
	return func(o *options) { o.onFragment = fn }
}

// Assemble lazily converts fragments into sentences. Trailing text without a
// terminator is dropped unless WithTrailingFlush is given. When fragments
// yields an error, sentences completed so far have already been emitted, the
// partial accumulator is discarded and the error is yielded last.
func Assemble(fragments iter.Seq2[string, error], opts ...Option) iter.Seq2[string, error] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return func(yield func(string, error) bool) {
		var a Assembler
		for fragment, err := range fragments {
			if err != nil {
				yield("", err)
				return
			}
			if o.onFragment != nil {
				o.onFragment(fragment)
			}
			if s, ok := a.Push(fragment); ok {
				if !yield(s, nil) {
					return
				}
			}
		}
		if o.flushTrailing {
			if s, ok := a.Flush(); ok {
				yield(s, nil)
			}
		}
	}
}
