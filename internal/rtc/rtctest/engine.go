// Package rtctest provides a scripted rtc.Engine for tests.
package rtctest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/whep-bench/whepbench/internal/rtc"
)

// DefaultOffer is a minimal but well-formed receive-only offer.
const DefaultOffer = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=recvonly\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:1\r\n" +
	"a=recvonly\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

// ErrClosed is returned by a closed engine.
var ErrClosed = errors.New("rtctest: engine closed")

// Engine replays a queue of outputs. Once the queue is empty it returns a
// timeout IdleFor in the future.
type Engine struct {
	mu sync.Mutex

	Offer     string
	OfferErr  error
	AnswerErr error
	PollErr   error
	InputErr  error
	IdleFor   time.Duration
	// OnInput, when set, observes every input after it was recorded.
	OnInput func(in rtc.Input)

	outputs []rtc.Output
	inputs  []rtc.Input
	answer  string
	closed  bool
	notify  chan struct{}
}

// New returns an engine with an empty script.
func New() *Engine {
	return &Engine{
		Offer:   DefaultOffer,
		IdleFor: time.Hour,
		notify:  make(chan struct{}, 1),
	}
}

// Push appends outputs to the script and wakes a waiting driver.
func (e *Engine) Push(outs ...rtc.Output) {
	e.mu.Lock()
	e.outputs = append(e.outputs, outs...)
	e.mu.Unlock()
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// PushEvents appends event outputs.
func (e *Engine) PushEvents(evs ...rtc.Event) {
	outs := make([]rtc.Output, 0, len(evs))
	for _, ev := range evs {
		outs = append(outs, rtc.EventOutput(ev))
	}
	e.Push(outs...)
}

// Inputs returns a copy of every input fed so far.
func (e *Engine) Inputs() []rtc.Input {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]rtc.Input(nil), e.inputs...)
}

// Answer returns the answer applied with AcceptAnswer.
func (e *Engine) Answer() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.answer
}

// Closed reports whether Close was called.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) CreateOffer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.OfferErr != nil {
		return "", e.OfferErr
	}
	return e.Offer, nil
}

func (e *Engine) AcceptAnswer(sdp string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.AnswerErr != nil {
		return e.AnswerErr
	}
	e.answer = sdp
	return nil
}

func (e *Engine) PollOutput() (rtc.Output, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return rtc.Output{}, ErrClosed
	}
	if e.PollErr != nil {
		return rtc.Output{}, e.PollErr
	}
	if len(e.outputs) > 0 {
		out := e.outputs[0]
		e.outputs = e.outputs[1:]
		return out, nil
	}
	return rtc.TimeoutOutput(time.Now().Add(e.IdleFor)), nil
}

func (e *Engine) HandleInput(in rtc.Input) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.inputs = append(e.inputs, in)
	err := e.InputErr
	hook := e.OnInput
	e.mu.Unlock()
	if hook != nil {
		hook(in)
	}
	return err
}

func (e *Engine) Notify() <-chan struct{} {
	return e.notify
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}
