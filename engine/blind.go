package engine

import (
	"context"

	"github.com/omalloc/originfetch/netio"
	xerrors "github.com/omalloc/originfetch/pkg/errors"
)

// BlindEngine relays a client request to its origin verbatim, with no
// parsing, caching, or interpretation of the reply: it exists for
// resources and protocols this module does not otherwise understand.
// It has no receive side of its own; once its send buffer is drained it
// hands the caller a BlindResponse and the reactor pumps the remaining
// upstream bytes straight through to the client.
type BlindEngine struct {
	cfg     Config
	req     Request
	sock    *netio.Socket
	sendBuf []byte

	response *Response
}

// NewBlindEngine opens a connection to req's address and queues req's
// original bytes for send.
func NewBlindEngine(ctx context.Context, cfg Config, req Request, resolver *netio.Resolver) (*BlindEngine, error) {
	addr := req.Addr()
	sock, err := netio.Connect(ctx, resolver, cfg.Online, addr.Host, addr.Port)
	if err != nil {
		return nil, err
	}
	return &BlindEngine{
		cfg:     cfg,
		req:     req,
		sock:    sock,
		sendBuf: append([]byte(nil), req.Recvbuf()...),
	}, nil
}

// WantSend reports whether bytes remain queued to send upstream.
func (e *BlindEngine) WantSend() bool { return len(e.sendBuf) > 0 }

// Send performs one non-blocking send attempt, removing accepted bytes
// from the front of the queue. Once the queue empties, it selects a
// BlindResponse so the reactor can start pumping the raw upstream
// socket directly.
func (e *BlindEngine) Send() error {
	if done, err := e.sock.PollConnect(); !done {
		return nil
	} else if err != nil {
		return xerrors.NewEngineError(xerrors.KindProtocolViolation, err)
	}

	if len(e.sendBuf) == 0 {
		if e.response == nil {
			resp := BlindResponse()
			e.response = &resp
		}
		return nil
	}

	n, err := e.sock.TrySend(e.sendBuf)
	if err != nil {
		return xerrors.NewEngineError(xerrors.KindPrematureClose, err)
	}
	e.sendBuf = e.sendBuf[n:]
	if len(e.sendBuf) == 0 {
		resp := BlindResponse()
		e.response = &resp
	}
	return nil
}

func (e *BlindEngine) Response() *Response   { return e.response }
func (e *BlindEngine) Socket() *netio.Socket { return e.sock }
func (e *BlindEngine) Close() error          { return e.sock.Close() }
