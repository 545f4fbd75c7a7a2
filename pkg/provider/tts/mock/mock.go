// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled synthesis results and inspect the requests
// the speech pipeline sends.
//
// Example:
//
//	p := &mock.Provider{
//	    SynthesizeResult: &tts.Result{Audio: pcm, SampleRate: 24000, Channels: 1},
//	}
//	res, err := p.Synthesize(ctx, tts.Request{Text: "Welcome to the cantina!"})
package mock

import (
	"context"
	"sync"

	"github.com/rexworks/cantina/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Req is the Request passed to Synthesize.
	Req tts.Request
}

// Provider is a mock implementation of tts.Provider. Zero values for response
// fields cause Synthesize to return an empty result and nil error; set
// SynthesizeErr to inject failures.
type Provider struct {
	mu sync.Mutex

	// SynthesizeResult is returned by Synthesize. Nil returns an empty result.
	SynthesizeResult *tts.Result

	// SynthesizeErr, if non-nil, is returned as the error from Synthesize.
	SynthesizeErr error

	// SynthesizeFunc, if non-nil, replaces the canned-response behaviour
	// entirely.
	SynthesizeFunc func(ctx context.Context, req tts.Request) (*tts.Result, error)

	// SynthesizeCalls records every invocation of Synthesize in order.
	SynthesizeCalls []SynthesizeCall
}

var _ tts.Provider = (*Provider)(nil)

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Req: req})
	fn := p.SynthesizeFunc
	err := p.SynthesizeErr
	res := p.SynthesizeResult
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		return &tts.Result{SampleRate: 24000, Channels: 1}, nil
	}
	return res, nil
}

// Calls returns a copy of the recorded Synthesize invocations.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeCall, len(p.SynthesizeCalls))
	copy(out, p.SynthesizeCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}
