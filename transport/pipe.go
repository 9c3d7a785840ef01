package transport

import (
	"context"
	"io"
	"net"
	"sync"
)

// KindPipe is the in-memory transport returned by NewPipe.
const KindPipe Kind = "pipe"

// Pipe is the listening side of an in-memory transport. Every Connect of
// the client produces one PipeEnd for Accept.
type Pipe struct {
	accept chan *PipeEnd
}

// NewPipe creates an in-memory client and the Pipe its connections arrive
// on. The address and port passed to Connect are ignored.
func NewPipe(config Config) (*Client, *Pipe) {
	p := &Pipe{accept: make(chan *PipeEnd, 16)}

	return newClient(KindPipe, config, func(ctx context.Context, _ string, _ int, _ Config) (link, error) {
		end := &PipeEnd{
			toClient: make(chan []byte, 64),
			toServer: make(chan []byte, 64),
			closed:   make(chan struct{}),
		}

		select {
		case p.accept <- end:
			return &pipeLink{end: end}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}), p
}

// Accept returns the next connection made by the client.
func (p *Pipe) Accept(ctx context.Context) (*PipeEnd, error) {
	select {
	case end := <-p.accept:
		return end, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PipeEnd is the remote side of one in-memory connection.
type PipeEnd struct {
	toClient chan []byte
	toServer chan []byte

	closed    chan struct{}
	closeOnce sync.Once
}

// Send delivers data to the client.
func (e *PipeEnd) Send(ctx context.Context, data []byte) error {
	select {
	case <-e.closed:
		return net.ErrClosed
	default:
	}

	select {
	case e.toClient <- data:
		return nil
	case <-e.closed:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns the next frame sent by the client.
func (e *PipeEnd) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data := <-e.toServer:
		return data, nil
	case <-e.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close ends the connection for both sides. It is idempotent.
func (e *PipeEnd) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	return nil
}

// Closed is closed once either side closed the connection.
func (e *PipeEnd) Closed() <-chan struct{} {
	return e.closed
}

type pipeLink struct {
	end *PipeEnd
}

func (l *pipeLink) ReadFrame() ([]byte, error) {
	select {
	case data := <-l.end.toClient:
		return data, nil
	case <-l.end.closed:
		return nil, io.EOF
	}
}

func (l *pipeLink) WriteFrame(ctx context.Context, data []byte) error {
	select {
	case <-l.end.closed:
		return net.ErrClosed
	default:
	}

	select {
	case l.end.toServer <- data:
		return nil
	case <-l.end.closed:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *pipeLink) Close() error {
	return l.end.Close()
}
