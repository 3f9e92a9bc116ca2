package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/omalloc/originfetch/cache"
	"github.com/omalloc/originfetch/contrib/log"
	xerrors "github.com/omalloc/originfetch/pkg/errors"
	"github.com/omalloc/originfetch/netio"
)

type parseState int8

const (
	stateHead parseState = iota
	stateArgs
	stateDone
)

// httpParser drives the two-state {head, args} HTTP/1.1 response
// parser. It is handed the engine's pushback buffer on every recv and
// returns how many of those bytes belong to fully-parsed lines, so the
// caller can drop exactly that many from the buffer and leave the rest
// (the start of the body) untouched.
type httpParser struct {
	state      parseState
	statusCode int
	reason     string
	headers    *Header
}

func newHTTPParser() *httpParser {
	return &httpParser{state: stateHead, headers: NewHeader()}
}

func (p *httpParser) done() bool { return p.state == stateDone }

func (p *httpParser) step(buf []byte) (int, error) {
	consumed := 0
	for p.state != stateDone {
		idx := bytes.IndexByte(buf[consumed:], '\n')
		if idx < 0 {
			return consumed, nil
		}
		lineEnd := consumed + idx + 1
		line := bytes.TrimRight(buf[consumed:lineEnd], "\r\n")
		consumed = lineEnd

		switch p.state {
		case stateHead:
			fields := bytes.Fields(line)
			if len(fields) < 3 {
				return consumed, xerrors.NewEngineError(xerrors.KindProtocolViolation, fmt.Errorf("http: malformed status line %q", line))
			}
			if !bytes.HasPrefix(fields[0], []byte("HTTP/")) {
				return consumed, xerrors.NewEngineError(xerrors.KindProtocolViolation, fmt.Errorf("http: bad protocol token %q", fields[0]))
			}
			if !isAllDigits(fields[1]) {
				return consumed, xerrors.NewEngineError(xerrors.KindProtocolViolation, fmt.Errorf("http: bad status code %q", fields[1]))
			}
			code, err := strconv.Atoi(string(fields[1]))
			if err != nil {
				return consumed, xerrors.NewEngineError(xerrors.KindProtocolViolation, err)
			}
			p.statusCode = code
			p.reason = string(bytes.Join(fields[2:], []byte(" ")))
			p.state = stateArgs

		case stateArgs:
			if len(line) == 0 {
				p.state = stateDone
				return consumed, nil
			}
			ci := bytes.IndexByte(line, ':')
			if ci < 0 {
				log.Warnf("http: ignoring malformed header line %q", line)
				continue
			}
			name := canonicalHeaderName(strings.TrimSpace(string(line[:ci])))
			value := strings.TrimSpace(string(line[ci+1:]))
			p.headers.Add(name, value)
		}
	}
	return consumed, nil
}

func isAllDigits(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func canonicalHeaderName(name string) string {
	parts := strings.Split(name, "-")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + strings.ToLower(p[1:])
	}
	return strings.Join(parts, "-")
}

// HttpEngine is the HTTP/1.1 client state machine: it synthesizes a
// conditional/range GET from the cache entry's state, then parses the
// upstream response headers and selects a Response per the status code.
type HttpEngine struct {
	cfg   Config
	req   Request
	cache cache.Handle

	sock    *netio.Socket
	sendBuf []byte

	parser   *httpParser
	response *Response

	writer io.WriteCloser
	reader io.ReadCloser
}

// NewHttpEngine constructs an HttpEngine for req against entry. In
// static mode with a complete entry it serves from disk without any
// network activity; otherwise it opens a connection and synthesizes the
// conditional/range GET request.
func NewHttpEngine(ctx context.Context, cfg Config, req Request, entry cache.Handle, resolver *netio.Resolver) (*HttpEngine, error) {
	e := &HttpEngine{cfg: cfg, req: req, cache: entry, parser: newHTTPParser()}

	if cfg.Static {
		if _, ok := entry.Full(); ok {
			r, err := entry.OpenFull()
			if err != nil {
				return nil, err
			}
			e.reader = r
			resp := DataResponse(entry.Size())
			e.response = &resp
			return e, nil
		}
	}

	addr := req.Addr()
	sock, err := netio.Connect(ctx, resolver, cfg.Online, addr.Host, addr.Port)
	if err != nil {
		return nil, err
	}
	e.sock = sock
	e.sendBuf = buildGetRequest(req, entry, cfg)
	return e, nil
}

func buildGetRequest(req Request, entry cache.Handle, cfg Config) []byte {
	var buf bytes.Buffer
	buf.WriteString("GET ")
	buf.Write(req.Path())
	buf.WriteString(" HTTP/1.1\r\n")

	req.Args().Each(func(name, value string) {
		if EqualFoldName(name, "Accept-Encoding") || EqualFoldName(name, "Range") {
			return
		}
		buf.WriteString(name)
		buf.WriteString(": ")
		buf.WriteString(value)
		buf.WriteString("\r\n")
	})

	if stat, ok := entry.Partial(); ok {
		buf.WriteString(fmt.Sprintf("Range: bytes=%d-\r\n", stat.Size))
	} else if stat, ok := entry.Full(); ok && stat.MTime != 0 {
		buf.WriteString("If-Modified-Since: ")
		buf.WriteString(formatMTime(stat.MTime, cfg.TimeFormats))
		buf.WriteString("\r\n")
	}

	buf.WriteString("\r\n")
	return buf.Bytes()
}

// WantSend reports whether the engine still has bytes queued to write.
func (e *HttpEngine) WantSend() bool { return len(e.sendBuf) > 0 }

// Send performs one non-blocking send attempt.
func (e *HttpEngine) Send() error {
	if e.sock == nil || len(e.sendBuf) == 0 {
		return nil
	}
	if done, err := e.sock.PollConnect(); !done {
		return nil
	} else if err != nil {
		return xerrors.NewEngineError(xerrors.KindProtocolViolation, err)
	}

	n, err := e.sock.TrySend(e.sendBuf)
	if err != nil {
		return xerrors.NewEngineError(xerrors.KindPrematureClose, err)
	}
	e.sendBuf = e.sendBuf[n:]
	return nil
}

// WantRecv reports whether the engine is ready to receive (send buffer
// drained, response not yet selected).
func (e *HttpEngine) WantRecv() bool {
	return e.sock != nil && len(e.sendBuf) == 0 && e.response == nil
}

// Recv performs one non-blocking recv attempt and drives the header
// parser.
func (e *HttpEngine) Recv() error {
	if e.sock == nil || e.parser.done() {
		return nil
	}
	if done, err := e.sock.PollConnect(); !done {
		return nil
	} else if err != nil {
		return xerrors.NewEngineError(xerrors.KindProtocolViolation, err)
	}

	_, err := e.sock.FillRecv(e.cfg.MaxChunk)
	if err != nil {
		return xerrors.NewEngineError(xerrors.KindPrematureClose, err)
	}

	consumed, perr := e.parser.step(e.sock.PeekAll())
	if perr != nil {
		return perr
	}
	e.sock.Consume(consumed)

	if e.parser.done() {
		return e.selectResponse()
	}
	return nil
}

func (e *HttpEngine) selectResponse() error {
	status := e.parser.statusCode
	hdr := e.parser.headers

	switch status {
	case 200:
		w, err := e.cache.OpenNew()
		if err != nil {
			return err
		}
		e.writer = w

		if lm, ok := hdr.Get("Last-Modified"); ok {
			t, err := parseMTime(lm, e.cfg.TimeFormats)
			if err != nil {
				return err
			}
			e.cache.SetMTime(t)
		}
		size := int64(-1)
		if cl, ok := hdr.Get("Content-Length"); ok {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
				e.cache.SetSize(n)
				size = n
			}
		}

		if isChunked(hdr) {
			resp := ChunkedDataResponse()
			e.response = &resp
		} else {
			resp := DataResponse(size)
			e.response = &resp
		}

	case 206:
		if _, ok := e.cache.Partial(); !ok {
			resp := BlindResponse()
			e.response = &resp
			return nil
		}

		cr, ok := hdr.Get("Content-Range")
		if !ok {
			return xerrors.NewEngineError(xerrors.KindProtocolViolation, fmt.Errorf("http: 206 without Content-Range"))
		}
		beg, end, total, err := parseContentRange(cr)
		if err != nil {
			return err
		}
		if total != end+1 {
			return xerrors.NewEngineError(xerrors.KindProtocolViolation, fmt.Errorf("http: Content-Range total %d != end+1 %d", total, end+1))
		}
		e.cache.SetSize(total)

		w, err := e.cache.OpenPartial(beg)
		if err != nil {
			return err
		}
		e.writer = w

		if isChunked(hdr) {
			resp := ChunkedDataResponse()
			e.response = &resp
		} else {
			resp := DataResponse(total)
			e.response = &resp
		}

	case 304:
		if _, ok := e.cache.Full(); !ok {
			resp := BlindResponse()
			e.response = &resp
			return nil
		}
		r, err := e.cache.OpenFull()
		if err != nil {
			return err
		}
		e.reader = r
		resp := DataResponse(e.cache.Size())
		e.response = &resp

	case 403, 416:
		if _, ok := e.cache.Partial(); !ok {
			resp := BlindResponse()
			e.response = &resp
			return nil
		}
		if err := e.cache.RemovePartial(); err != nil {
			log.Warnf("http: failed to remove partial after resume refusal: %v", err)
		}
		resp := BlindResponse()
		e.response = &resp

	default:
		resp := BlindResponse()
		e.response = &resp
	}
	return nil
}

func isChunked(hdr *Header) bool {
	v, _ := hdr.Get("Transfer-Encoding")
	return EqualFoldName(v, "chunked")
}

// parseContentRange parses "bytes B-E/T".
func parseContentRange(s string) (beg, end, total int64, err error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "bytes ")
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, 0, 0, xerrors.NewEngineError(xerrors.KindProtocolViolation, fmt.Errorf("http: malformed Content-Range %q", s))
	}
	rng := strings.SplitN(parts[0], "-", 2)
	if len(rng) != 2 {
		return 0, 0, 0, xerrors.NewEngineError(xerrors.KindProtocolViolation, fmt.Errorf("http: malformed Content-Range range %q", parts[0]))
	}
	beg, berr := strconv.ParseInt(strings.TrimSpace(rng[0]), 10, 64)
	end, eerr := strconv.ParseInt(strings.TrimSpace(rng[1]), 10, 64)
	total, terr := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if berr != nil || eerr != nil || terr != nil {
		return 0, 0, 0, xerrors.NewEngineError(xerrors.KindProtocolViolation, fmt.Errorf("http: non-numeric Content-Range %q", s))
	}
	return beg, end, total, nil
}

// Response returns the engine's selected Response, or nil if it has not
// finished negotiating yet.
func (e *HttpEngine) Response() *Response { return e.response }

// Socket returns the upstream socket, or nil in static mode.
func (e *HttpEngine) Socket() *netio.Socket { return e.sock }

// Writer returns the cache writer opened for a 200/206 response, nil
// otherwise.
func (e *HttpEngine) Writer() io.WriteCloser { return e.writer }

// Reader returns the cache reader opened for a 304/static-mode
// response, nil otherwise.
func (e *HttpEngine) Reader() io.ReadCloser { return e.reader }

// Recvbuf serializes the parsed upstream status line and headers back
// into CRLF-delimited wire form, for relay to the client.
func (e *HttpEngine) Recvbuf() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", e.parser.statusCode, e.parser.reason)
	e.parser.headers.Each(func(name, value string) {
		buf.WriteString(name)
		buf.WriteString(": ")
		buf.WriteString(value)
		buf.WriteString("\r\n")
	})
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// Args returns a copy of the parsed upstream header map.
func (e *HttpEngine) Args() *Header {
	return e.parser.headers.Clone()
}

func (e *HttpEngine) Close() error {
	var err error
	if e.sock != nil {
		err = e.sock.Close()
	}
	if e.writer != nil {
		_ = e.writer.Close()
	}
	if e.reader != nil {
		_ = e.reader.Close()
	}
	return err
}
