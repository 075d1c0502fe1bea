package ship

import (
	"context"
	"fmt"
)

// pipeTransport is an in-memory Transport backed by buffered channels,
// used to drive both ends of a Connection within a single test process
// without any real network or TLS layer.
type pipeTransport struct {
	ski  string
	out  chan<- []byte
	in   <-chan []byte
	done chan struct{}
}

func newPipePair(skiA, skiB string) (*pipeTransport, *pipeTransport) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	a := &pipeTransport{ski: skiB, out: ab, in: ba, done: make(chan struct{})}
	b := &pipeTransport{ski: skiA, out: ba, in: ab, done: make(chan struct{})}
	return a, b
}

func (p *pipeTransport) Send(ctx context.Context, raw []byte) error {
	buf := make([]byte, len(raw))
	copy(buf, raw)
	select {
	case p.out <- buf:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return fmt.Errorf("pipe: closed")
	}
}

func (p *pipeTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case raw := <-p.in:
		return raw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, fmt.Errorf("pipe: closed")
	}
}

func (p *pipeTransport) PeerSKI() string { return p.ski }

func (p *pipeTransport) Close() error {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	return nil
}
