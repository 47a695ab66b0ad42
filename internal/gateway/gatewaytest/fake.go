// Package gatewaytest provides a scripted in-memory gateway for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/mpataki/crew/internal/gateway"
	"github.com/mpataki/crew/internal/models"
)

// Reply is one scripted answer. Exactly one of Envelope, Err or Block
// should be set; Block waits for the request context to end. A non-nil
// Release holds the answer back until it is closed.
type Reply struct {
	Envelope *gateway.Envelope
	Err      error
	Block    bool
	Release  <-chan struct{}
}

// Fake answers Execute calls from a queue of replies and records every
// request it received.
type Fake struct {
	mu        sync.Mutex
	replies   []Reply
	requests  []gateway.Request
	Templates []gateway.Template
	Files     []gateway.Document
}

func New(replies ...Reply) *Fake {
	return &Fake{replies: replies}
}

// Push appends replies to the queue.
func (f *Fake) Push(replies ...Reply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, replies...)
}

func (f *Fake) Execute(ctx context.Context, req gateway.Request) (*gateway.Envelope, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	if len(f.replies) == 0 {
		f.mu.Unlock()
		return nil, fmt.Errorf("gatewaytest: no reply scripted for %s/%s", req.Agent, req.Command)
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	f.mu.Unlock()

	if r.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if r.Release != nil {
		select {
		case <-r.Release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.Envelope, r.Err
}

func (f *Fake) ListTemplates(context.Context) []gateway.Template {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.Template{}, f.Templates...)
}

func (f *Fake) ListFiles(context.Context) []gateway.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.Document{}, f.Files...)
}

// Requests returns the requests received so far.
func (f *Fake) Requests() []gateway.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.Request(nil), f.requests...)
}

// Message scripts a plain response.
func Message(text string) Reply {
	return Reply{Envelope: &gateway.Envelope{Result: gateway.Response{Message: text}}}
}

// Elicit scripts an elicitation request.
func Elicit(text string, options ...string) Reply {
	return Reply{Envelope: &gateway.Envelope{Result: gateway.ElicitationRequest{Message: text, Options: options}}}
}

// Document scripts a document_created reply.
func Document(text string, artifact models.Artifact) Reply {
	return Reply{Envelope: &gateway.Envelope{Result: gateway.DocumentCreated{Message: text, Artifact: artifact}}}
}

func Fail(err error) Reply { return Reply{Err: err} }

func Hang() Reply { return Reply{Block: true} }

// Held delays r until release is closed.
func Held(release <-chan struct{}, r Reply) Reply {
	r.Release = release
	return r
}
