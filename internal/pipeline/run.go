package pipeline

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Stage is the lifecycle position of a run. Non-terminal stages only move
// forward; any stage may end in a terminal one.
type Stage int32

const (
	StageStarted Stage = iota
	StageRetrievingTokens
	StageAssemblingSentences
	StageSynthesizing
	StageReframing
	StageCompleted
	StageFailed
	StageCancelled
)

var stageNames = [...]string{
	StageStarted:             "STARTED",
	StageRetrievingTokens:    "RETRIEVING_TOKENS",
	StageAssemblingSentences: "ASSEMBLING_SENTENCES",
	StageSynthesizing:        "SYNTHESIZING",
	StageReframing:           "REFRAMING",
	StageCompleted:           "COMPLETED",
	StageFailed:              "FAILED",
	StageCancelled:           "CANCELLED",
}

func (s Stage) String() string {
	if s >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("STAGE(%d)", int32(s))
}

// Terminal reports whether s ends a run.
func (s Stage) Terminal() bool {
	return s >= StageCompleted
}

// Event describes a stage transition of a run. The STARTED event carries
// the input text; terminal events carry the final counters and the
// synthesized response text.
type Event struct {
	RunID      string
	Stage      Stage
	Input      string
	Time       time.Time
	Tokens     int64
	Sentences  int64
	Chunks     int64
	Elapsed    time.Duration
	FirstChunk time.Duration
	Response   string
	Err        string
}

// Observer receives run events. Observe is called synchronously from
// pipeline goroutines and must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(evt Event) { f(evt) }

// Run is the state of one pipeline invocation. It is owned by the invocation
// that created it and only changes through stage advancement and counters.
type Run struct {
	ID        string
	Text      string
	StartedAt time.Time

	stage      atomic.Int32
	tokens     atomic.Int64
	sentences  atomic.Int64
	chunks     atomic.Int64
	firstChunk atomic.Int64

	mu       sync.Mutex
	response []string
	observer Observer
	clock    func() time.Time
}

func newRun(text string, observer Observer, clock func() time.Time) *Run {
	if clock == nil {
		clock = time.Now
	}
	r := &Run{
		ID:        uuid.NewString(),
		Text:      text,
		StartedAt: clock(),
		observer:  observer,
		clock:     clock,
	}
	r.emit(StageStarted, "")
	return r
}

// Stage returns the current stage.
func (r *Run) Stage() Stage {
	return Stage(r.stage.Load())
}

// advance moves the run forward to s. Moves backwards and moves out of a
// terminal stage are ignored.
func (r *Run) advance(s Stage) bool {
	for {
		cur := Stage(r.stage.Load())
		if cur.Terminal() || cur >= s {
			return false
		}
		if r.stage.CompareAndSwap(int32(cur), int32(s)) {
			r.emit(s, "")
			return true
		}
	}
}

// finish records the terminal stage exactly once.
func (r *Run) finish(s Stage, err error) bool {
	for {
		cur := Stage(r.stage.Load())
		if cur.Terminal() {
			return false
		}
		if r.stage.CompareAndSwap(int32(cur), int32(s)) {
			msg := ""
			if err != nil {
				msg = err.Error()
			}
			r.emit(s, msg)
			return true
		}
	}
}

func (r *Run) addSentence(s string) {
	r.sentences.Add(1)
	r.mu.Lock()
	r.response = append(r.response, s)
	r.mu.Unlock()
}

func (r *Run) addChunk() {
	if r.chunks.Add(1) == 1 {
		r.firstChunk.Store(int64(r.clock().Sub(r.StartedAt)))
	}
}

// Response returns the sentences sent to synthesis, joined by a space.
func (r *Run) Response() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.response, " ")
}

// Counts returns the token, sentence and audio chunk counters.
func (r *Run) Counts() (tokens, sentences, chunks int64) {
	return r.tokens.Load(), r.sentences.Load(), r.chunks.Load()
}

func (r *Run) emit(s Stage, errMsg string) {
	if r.observer == nil {
		return
	}
	evt := Event{
		RunID:      r.ID,
		Stage:      s,
		Time:       r.clock(),
		Tokens:     r.tokens.Load(),
		Sentences:  r.sentences.Load(),
		Chunks:     r.chunks.Load(),
		FirstChunk: time.Duration(r.firstChunk.Load()),
		Err:        errMsg,
	}
	evt.Elapsed = evt.Time.Sub(r.StartedAt)
	if s == StageStarted {
		evt.Input = r.Text
	}
	if s.Terminal() {
		evt.Response = r.Response()
	}
	r.observer.Observe(evt)
}
