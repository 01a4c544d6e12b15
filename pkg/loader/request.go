package loader

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrCancelled completes a request removed with Coordinator.Cancel.
	ErrCancelled = errors.New("loading request cancelled")

	// ErrClosed completes requests of a closed coordinator.
	ErrClosed = errors.New("coordinator closed")
)

// Kind is the type of a loading request.
type Kind string

const (
	// KindContentInfo asks for content type, length and range support.
	KindContentInfo Kind = "content_info"

	// KindData asks for bytes starting at an offset.
	KindData Kind = "data"
)

// Spec describes a loading request.
type Spec struct {
	Kind   Kind
	Offset int64
	Length int64
}

// ContentInfo returns the spec of a content-info request.
func ContentInfo() Spec {
	return Spec{Kind: KindContentInfo}
}

// Data returns the spec of a data request for length bytes at offset.
func Data(offset, length int64) Spec {
	return Spec{Kind: KindData, Offset: offset, Length: length}
}

// Info is the answer to a content-info request.
type Info struct {
	ContentType string

	// ContentLength is the total resource length, -1 when unknown.
	ContentLength int64

	ByteRangeAccessSupported bool
}

// Result is the outcome of a loading request. Exactly one of Info, Data or
// Err is meaningful, depending on the request kind.
type Result struct {
	Info      *Info
	Data      []byte
	Err       error
	FromCache bool
}

// Request is a submitted loading request. It completes exactly once.
type Request struct {
	spec   Spec
	done   chan struct{}
	once   sync.Once
	result Result
}

func newRequest(spec Spec) *Request {
	return &Request{spec: spec, done: make(chan struct{})}
}

// Spec returns what was requested.
func (r *Request) Spec() Spec {
	return r.spec
}

// Done is closed when the request completed.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Result returns the outcome once the request completed.
func (r *Request) Result() (Result, bool) {
	select {
	case <-r.done:
		return r.result, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the request completes or ctx is done.
func (r *Request) Wait(ctx context.Context) (Result, error) {
	select {
	case <-r.done:
		return r.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// complete stores res unless the request already completed.
func (r *Request) complete(res Result) bool {
	completed := false
	r.once.Do(func() {
		r.result = res
		close(r.done)
		completed = true
	})
	return completed
}

func (r *Request) isDone() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}
