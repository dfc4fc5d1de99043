package client

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/guerillaglass/glassengine/pkg/protocol"
)

// outcome is the single settlement of a pending call.
type outcome struct {
	result json.RawMessage
	err    error
}

// pendingCall is an in-flight request awaiting settlement.
type pendingCall struct {
	id         string
	method     string
	generation uint64
	createdAt  time.Time
	timer      *time.Timer

	// done has capacity one and receives exactly one outcome.
	done chan outcome
}

// correlator matches responses to pending calls. Whoever removes an entry
// from the table settles it, so response, timer, sweep, and cancellation
// can race without double settlement.
type correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingCall

	// onChange observes the pending count after every mutation.
	onChange func(pending int)
}

func newCorrelator(onChange func(int)) *correlator {
	if onChange == nil {
		onChange = func(int) {}
	}
	return &correlator{
		pending:  make(map[string]*pendingCall),
		onChange: onChange,
	}
}

// register creates a pending entry with a fresh id and arms its timer when
// timeout is finite.
func (c *correlator) register(method string, generation uint64, timeout time.Duration, hasTimeout bool) *pendingCall {
	c.mu.Lock()

	id := uuid.NewString()
	for c.pending[id] != nil {
		id = uuid.NewString()
	}

	p := &pendingCall{
		id:         id,
		method:     method,
		generation: generation,
		createdAt:  time.Now(),
		done:       make(chan outcome, 1),
	}
	c.pending[id] = p

	// Armed under the lock; an immediate fire blocks in take until the
	// entry is fully registered.
	if hasTimeout {
		p.timer = time.AfterFunc(timeout, func() {
			c.settle(id, outcome{err: newTimeoutFailure(method)})
		})
	}

	n := len(c.pending)
	c.mu.Unlock()

	c.onChange(n)
	return p
}

// take removes and returns the entry for id, stopping its timer.
func (c *correlator) take(id string) *pendingCall {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	n := len(c.pending)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	c.onChange(n)
	return p
}

// settle delivers out to the call with id. It reports false when the call
// was already settled.
func (c *correlator) settle(id string, out outcome) bool {
	p := c.take(id)
	if p == nil {
		return false
	}
	p.done <- out
	return true
}

// resolve settles the call matching resp. Responses for unknown or already
// settled ids are discarded and reported as false.
func (c *correlator) resolve(resp protocol.Response) bool {
	p := c.take(resp.ID)
	if p == nil {
		return false
	}

	if resp.OK {
		result := resp.Result
		if len(result) == 0 {
			result = json.RawMessage(`{}`)
		}
		p.done <- outcome{result: result}
		return true
	}

	p.done <- outcome{err: newProtocolFailure(p.method, resp.Error)}
	return true
}

// failGeneration settles every call sent to generation with f.
func (c *correlator) failGeneration(generation uint64, f *Failure) int {
	return c.sweep(func(p *pendingCall) bool { return p.generation == generation }, f)
}

// failAll settles every pending call with f.
func (c *correlator) failAll(f *Failure) int {
	return c.sweep(func(*pendingCall) bool { return true }, f)
}

func (c *correlator) sweep(match func(*pendingCall) bool, f *Failure) int {
	c.mu.Lock()
	var swept []*pendingCall
	for id, p := range c.pending {
		if match(p) {
			delete(c.pending, id)
			swept = append(swept, p)
		}
	}
	n := len(c.pending)
	c.mu.Unlock()

	for _, p := range swept {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.done <- outcome{err: f.withMethod(p.method)}
	}
	if len(swept) > 0 {
		c.onChange(n)
	}
	return len(swept)
}

// count returns the number of pending calls.
func (c *correlator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
