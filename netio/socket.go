package netio

import (
	"context"
	"fmt"
	"net"
	"time"

	xerrors "github.com/omalloc/originfetch/pkg/errors"
)

// Socket wraps a net.Conn to approximate the non-blocking, one-syscall-
// per-attempt socket the protocol engines are specified against. Go's
// net package exposes no raw non-blocking read/write, so each Try*
// method arms an immediate deadline and treats a timeout as "would
// block" rather than an error, which is the portable equivalent of a
// single non-blocking syscall attempt.
//
// A pushback buffer stands in for MSG_PEEK: FillRecv reads what is
// available into the buffer, PeekAll exposes it without removing
// anything, and Consume drops only the bytes a caller has actually
// parsed, leaving the rest for the next FillRecv/PeekAll round.
type Socket struct {
	conn     net.Conn
	connDone chan error
	connErr  error
	connSet  bool

	pending []byte
}

// Connect starts an asynchronous dial to host:port and returns
// immediately with a Socket in the "connecting" state. online gates the
// attempt per spec's ONLINE configuration flag. Name resolution goes
// through resolver and is memoized for the life of the process.
func Connect(ctx context.Context, resolver *Resolver, online bool, host string, port int) (*Socket, error) {
	if !online {
		return nil, xerrors.NewEngineError(xerrors.KindOffline, fmt.Errorf("netio: connect to %s:%d while offline", host, port))
	}

	ip, err := resolver.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}

	s := &Socket{connDone: make(chan error, 1)}
	addr := net.JoinHostPort(ip.String(), fmt.Sprintf("%d", port))

	go func() {
		conn, dialErr := net.DialTimeout("tcp", addr, 30*time.Second)
		if dialErr == nil {
			s.conn = conn
		}
		s.connDone <- dialErr
	}()

	return s, nil
}

// DialDirect opens a socket to ip:port without going through the
// resolver, used by FtpEngine to open the PASV/EPSV data channel to an
// address parsed out of a control-channel reply rather than looked up
// by name.
func DialDirect(ip net.IP, port int) (*Socket, error) {
	s := &Socket{connDone: make(chan error, 1)}
	addr := net.JoinHostPort(ip.String(), fmt.Sprintf("%d", port))

	go func() {
		conn, dialErr := net.DialTimeout("tcp", addr, 30*time.Second)
		if dialErr == nil {
			s.conn = conn
		}
		s.connDone <- dialErr
	}()

	return s, nil
}

// Wrap adapts an already-established net.Conn into a Socket whose
// PollConnect reports done immediately, used for accepted connections
// and in tests that dial a loopback listener instead of calling Connect.
func Wrap(conn net.Conn) *Socket {
	return &Socket{conn: conn, connSet: true}
}

// PollConnect is a non-blocking check for connect completion. It
// returns (true, err) exactly once the background dial has finished;
// until then it returns (false, nil).
func (s *Socket) PollConnect() (done bool, err error) {
	if s.connSet {
		return true, s.connErr
	}
	select {
	case err := <-s.connDone:
		s.connSet = true
		s.connErr = err
		return true, err
	default:
		return false, nil
	}
}

// TrySend performs one non-blocking write attempt, returning the number
// of bytes accepted by the socket. n == 0, err == nil means the socket
// would have blocked.
func (s *Socket) TrySend(buf []byte) (int, error) {
	if s.conn == nil {
		return 0, nil
	}
	_ = s.conn.SetWriteDeadline(time.Now())
	n, err := s.conn.Write(buf)
	if err != nil {
		if isTimeout(err) {
			return n, nil
		}
		return n, err
	}
	return n, nil
}

// FillRecv performs one non-blocking read attempt of up to max bytes and
// appends whatever arrived onto the pushback buffer. It returns the
// number of new bytes appended; 0, nil means the socket would have
// blocked (or max <= 0). io.EOF (via premature-close classification) is
// left to the caller to interpret against "bytes expected".
func (s *Socket) FillRecv(max int) (int, error) {
	if s.conn == nil || max <= 0 {
		return 0, nil
	}
	chunk := make([]byte, max)
	_ = s.conn.SetReadDeadline(time.Now())
	n, err := s.conn.Read(chunk)
	if n > 0 {
		s.pending = append(s.pending, chunk[:n]...)
	}
	if err != nil {
		if isTimeout(err) {
			return n, nil
		}
		return n, err
	}
	return n, nil
}

// PeekAll returns the bytes accumulated by FillRecv that have not yet
// been Consumed, without removing them.
func (s *Socket) PeekAll() []byte {
	return s.pending
}

// Consume drops the first n bytes of the pushback buffer, which the
// caller asserts it has fully parsed.
func (s *Socket) Consume(n int) {
	if n <= 0 {
		return
	}
	if n >= len(s.pending) {
		s.pending = s.pending[:0]
		return
	}
	s.pending = append(s.pending[:0], s.pending[n:]...)
}

// RemoteIP returns the IP of the connected peer, used by FtpEngine's
// EPSV handling to reuse the control channel's peer address for the
// data channel.
func (s *Socket) RemoteIP() net.IP {
	if s.conn == nil {
		return nil
	}
	addr, ok := s.conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return nil
	}
	return addr.IP
}

// IsIPv6 reports whether the connected peer's address is IPv6, used by
// FtpEngine to pick EPSV (IPv6) vs PASV (IPv4) for passive data channel
// negotiation.
func (s *Socket) IsIPv6() bool {
	ip := s.RemoteIP()
	return ip != nil && ip.To4() == nil
}

func (s *Socket) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Raw exposes the underlying net.Conn for the Response layer once an
// engine hands off a completed socket (e.g. the FTP data channel).
func (s *Socket) Raw() net.Conn {
	return s.conn
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
