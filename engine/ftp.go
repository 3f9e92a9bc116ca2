package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/omalloc/originfetch/cache"
	"github.com/omalloc/originfetch/contrib/log"
	"github.com/omalloc/originfetch/netio"
	xerrors "github.com/omalloc/originfetch/pkg/errors"
)

type ftpState int8

const (
	ftpAwaitServiceReady ftpState = iota
	ftpAwaitPasswordPrompt
	ftpAwaitLoggedIn
	ftpAwaitBinaryOK
	ftpAwaitEPassive
	ftpAwaitPassive
	ftpAwaitSize
	ftpAwaitMtime
	ftpAwaitResumeAck
	ftpAwaitDataStart
	ftpDone
)

// ftpMtimeLayout is the fixed wire format of an FTP MDTM reply, distinct
// from the configurable HTTP date formats an HttpEngine tries.
const ftpMtimeLayout = "20060102150405"

var epsvPattern = regexp.MustCompile(`\((.)\1\1(\d+)\1\)`)
var pasvPattern = regexp.MustCompile(`(\d+),(\d+),(\d+),(\d+),(\d+),(\d+)`)

// FtpEngine drives the FTP control channel through login, a passive
// data channel negotiation, a freshness check (SIZE/MDTM), an optional
// resume (REST), and RETR, before handing the data channel to the
// reactor as a DataResponse (or selecting NotFoundResponse on a 550).
type FtpEngine struct {
	cfg      Config
	req      Request
	resolver *netio.Resolver
	cache    cache.Handle

	ctrl    *netio.Socket
	data    *netio.Socket
	state   ftpState
	sendBuf []byte

	size          int64
	mtime         int64
	resuming      bool
	retrConfirmed bool

	writer io.WriteCloser
	reader io.ReadCloser

	response *Response
}

// NewFtpEngine opens the control channel to req's address. The login
// sequence is driven by repeated Send/Recv calls as the control channel
// replies arrive.
func NewFtpEngine(ctx context.Context, cfg Config, req Request, entry cache.Handle, resolver *netio.Resolver) (*FtpEngine, error) {
	addr := req.Addr()
	ctrl, err := netio.Connect(ctx, resolver, cfg.Online, addr.Host, addr.Port)
	if err != nil {
		return nil, err
	}
	return &FtpEngine{
		cfg:      cfg,
		req:      req,
		resolver: resolver,
		cache:    entry,
		ctrl:     ctrl,
		state:    ftpAwaitServiceReady,
	}, nil
}

func (e *FtpEngine) WantSend() bool { return len(e.sendBuf) > 0 }

func (e *FtpEngine) Send() error {
	if e.sendBuf == nil || e.state == ftpDone {
		return nil
	}
	if done, err := e.ctrl.PollConnect(); !done {
		return nil
	} else if err != nil {
		return xerrors.NewEngineError(xerrors.KindProtocolViolation, err)
	}
	n, err := e.ctrl.TrySend(e.sendBuf)
	if err != nil {
		return xerrors.NewEngineError(xerrors.KindPrematureClose, err)
	}
	e.sendBuf = e.sendBuf[n:]
	return nil
}

func (e *FtpEngine) WantRecv() bool {
	return e.state != ftpDone && e.response == nil
}

// Recv reads whatever arrived on the active socket, extracts complete
// reply lines, and advances the state machine.
func (e *FtpEngine) Recv() error {
	if e.state == ftpAwaitDataStart && e.retrConfirmed && e.data != nil {
		return e.pollDataReady()
	}

	if done, err := e.ctrl.PollConnect(); !done {
		return nil
	} else if err != nil {
		return xerrors.NewEngineError(xerrors.KindProtocolViolation, err)
	}
	if _, err := e.ctrl.FillRecv(e.cfg.MaxChunk); err != nil {
		return xerrors.NewEngineError(xerrors.KindPrematureClose, err)
	}

	code, text, ok, consumed := scanReply(e.ctrl.PeekAll())
	if !ok {
		return nil
	}
	e.ctrl.Consume(consumed)
	return e.advance(code, text)
}

// scanReply extracts one complete (possibly multi-line) FTP reply from
// buf, returning the numeric code, the final line's text, whether a
// complete reply was found, and how many bytes it occupied.
func scanReply(buf []byte) (code int, text string, ok bool, consumed int) {
	offset := 0
	for {
		idx := bytes.IndexByte(buf[offset:], '\n')
		if idx < 0 {
			return 0, "", false, 0
		}
		line := bytes.TrimRight(buf[offset:offset+idx], "\r\n")
		offset += idx + 1

		if len(line) < 4 {
			continue
		}
		c, err := strconv.Atoi(string(line[:3]))
		if err != nil {
			continue
		}
		if line[3] == '-' {
			// multi-line reply continues until a line starting "code ".
			for {
				idx2 := bytes.IndexByte(buf[offset:], '\n')
				if idx2 < 0 {
					return 0, "", false, 0
				}
				cline := bytes.TrimRight(buf[offset:offset+idx2], "\r\n")
				offset += idx2 + 1
				if len(cline) >= 4 && cline[3] == ' ' {
					if n, err := strconv.Atoi(string(cline[:3])); err == nil && n == c {
						return c, string(cline[4:]), true, offset
					}
				}
			}
		}
		return c, string(line[4:]), true, offset
	}
}

func (e *FtpEngine) advance(code int, text string) error {
	switch e.state {
	case ftpAwaitServiceReady:
		if code != 220 {
			return xerrors.NewEngineError(xerrors.KindProtocolViolation, fmt.Errorf("ftp: service not ready: %d %s", code, text))
		}
		e.sendBuf = []byte("USER anonymous\r\n")
		e.state = ftpAwaitPasswordPrompt

	case ftpAwaitPasswordPrompt:
		if code != 331 {
			return xerrors.NewEngineError(xerrors.KindProtocolViolation, fmt.Errorf("ftp: unexpected USER reply: %d %s", code, text))
		}
		e.sendBuf = []byte("PASS anonymous@\r\n")
		e.state = ftpAwaitLoggedIn

	case ftpAwaitLoggedIn:
		if code != 230 {
			return xerrors.NewEngineError(xerrors.KindProtocolViolation, fmt.Errorf("ftp: login refused: %d %s", code, text))
		}
		e.sendBuf = []byte("TYPE I\r\n")
		e.state = ftpAwaitBinaryOK

	case ftpAwaitBinaryOK:
		if code != 200 {
			return xerrors.NewEngineError(xerrors.KindProtocolViolation, fmt.Errorf("ftp: TYPE I refused: %d %s", code, text))
		}
		if e.ctrl.IsIPv6() {
			e.sendBuf = []byte("EPSV\r\n")
			e.state = ftpAwaitEPassive
		} else {
			e.sendBuf = []byte("PASV\r\n")
			e.state = ftpAwaitPassive
		}

	case ftpAwaitEPassive:
		if code != 229 {
			return xerrors.NewEngineError(xerrors.KindProtocolViolation, fmt.Errorf("ftp: EPSV refused: %d %s", code, text))
		}
		m := epsvPattern.FindStringSubmatch(text)
		if m == nil {
			return xerrors.NewEngineError(xerrors.KindProtocolViolation, fmt.Errorf("ftp: malformed EPSV reply %q", text))
		}
		port, _ := strconv.Atoi(m[2])
		ip := e.ctrl.RemoteIP()
		data, err := netio.DialDirect(ip, port)
		if err != nil {
			return err
		}
		e.data = data
		e.sendBuf = []byte(fmt.Sprintf("SIZE %s\r\n", e.req.Path()))
		e.state = ftpAwaitSize

	case ftpAwaitPassive:
		if code != 227 {
			return xerrors.NewEngineError(xerrors.KindProtocolViolation, fmt.Errorf("ftp: PASV refused: %d %s", code, text))
		}
		m := pasvPattern.FindStringSubmatch(text)
		if m == nil {
			return xerrors.NewEngineError(xerrors.KindProtocolViolation, fmt.Errorf("ftp: malformed PASV reply %q", text))
		}
		ip := net.IPv4(atob(m[1]), atob(m[2]), atob(m[3]), atob(m[4]))
		p1, _ := strconv.Atoi(m[5])
		p2, _ := strconv.Atoi(m[6])
		port := p1*256 + p2
		data, err := netio.DialDirect(ip, port)
		if err != nil {
			return err
		}
		e.data = data
		e.sendBuf = []byte(fmt.Sprintf("SIZE %s\r\n", e.req.Path()))
		e.state = ftpAwaitSize

	case ftpAwaitSize:
		if code == 550 {
			resp := NotFoundResponse()
			e.response = &resp
			e.state = ftpDone
			return nil
		}
		if code != 213 {
			return xerrors.NewEngineError(xerrors.KindProtocolViolation, fmt.Errorf("ftp: SIZE failed: %d %s", code, text))
		}
		size, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
		if err != nil {
			return xerrors.NewEngineError(xerrors.KindProtocolViolation, err)
		}
		e.size = size
		e.sendBuf = []byte(fmt.Sprintf("MDTM %s\r\n", e.req.Path()))
		e.state = ftpAwaitMtime

	case ftpAwaitMtime:
		if code == 550 {
			resp := NotFoundResponse()
			e.response = &resp
			e.state = ftpDone
			return nil
		}
		if code != 213 {
			return xerrors.NewEngineError(xerrors.KindProtocolViolation, fmt.Errorf("ftp: MDTM failed: %d %s", code, text))
		}
		t, err := parseMTime(strings.TrimSpace(text), []string{ftpMtimeLayout})
		if err != nil {
			return err
		}
		e.mtime = t
		fullStat, hasFull := e.cache.Full()
		e.cache.SetSize(e.size)
		e.cache.SetMTime(e.mtime)

		if hasFull && fullStat.MTime == e.mtime {
			r, err := e.cache.OpenFull()
			if err != nil {
				return err
			}
			e.reader = r
			resp := DataResponse(e.size)
			e.response = &resp
			e.state = ftpDone
			return nil
		}
		if stat, ok := e.cache.Partial(); ok {
			e.resuming = true
			e.sendBuf = []byte(fmt.Sprintf("REST %d\r\n", stat.Size))
			e.state = ftpAwaitResumeAck
			return nil
		}
		e.sendBuf = []byte(fmt.Sprintf("RETR %s\r\n", e.req.Path()))
		e.state = ftpAwaitDataStart

	case ftpAwaitResumeAck:
		if code != 350 {
			// origin refuses the resume; start over from scratch.
			e.resuming = false
			if err := e.cache.RemovePartial(); err != nil {
				log.Warnf("ftp: failed to remove partial after resume refusal: %v", err)
			}
		}
		e.sendBuf = []byte(fmt.Sprintf("RETR %s\r\n", e.req.Path()))
		e.state = ftpAwaitDataStart

	case ftpAwaitDataStart:
		if code == 550 {
			resp := NotFoundResponse()
			e.response = &resp
			e.state = ftpDone
			return nil
		}
		if code != 150 && code != 125 {
			return xerrors.NewEngineError(xerrors.KindProtocolViolation, fmt.Errorf("ftp: RETR refused: %d %s", code, text))
		}
		e.retrConfirmed = true
	}
	return nil
}

func (e *FtpEngine) pollDataReady() error {
	if done, err := e.data.PollConnect(); !done {
		return nil
	} else if err != nil {
		return xerrors.NewEngineError(xerrors.KindPrematureClose, err)
	}

	var w io.WriteCloser
	var err error
	if e.resuming {
		if stat, ok := e.cache.Partial(); ok {
			w, err = e.cache.OpenPartial(stat.Size)
		}
	} else {
		w, err = e.cache.OpenNew()
	}
	if err != nil {
		return err
	}
	e.writer = w

	resp := DataResponse(e.size)
	e.response = &resp
	e.state = ftpDone
	return nil
}

func atob(s string) byte {
	n, _ := strconv.Atoi(s)
	return byte(n)
}

func (e *FtpEngine) Response() *Response          { return e.response }
func (e *FtpEngine) ControlSocket() *netio.Socket { return e.ctrl }
func (e *FtpEngine) DataSocket() *netio.Socket    { return e.data }
func (e *FtpEngine) Writer() io.WriteCloser       { return e.writer }

// Reader returns the cache reader opened when a complete, fresh entry
// short-circuits RETR entirely, or nil otherwise.
func (e *FtpEngine) Reader() io.ReadCloser { return e.reader }

func (e *FtpEngine) Close() error {
	if e.writer != nil {
		_ = e.writer.Close()
	}
	if e.reader != nil {
		_ = e.reader.Close()
	}
	if e.data != nil {
		_ = e.data.Close()
	}
	return e.ctrl.Close()
}
