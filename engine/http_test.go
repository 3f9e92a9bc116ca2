package engine

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omalloc/originfetch/cache"
	"github.com/omalloc/originfetch/netio"
)

// fakeRequest is a minimal Request used to drive engine tests without a
// real client-side parser.
type fakeRequest struct {
	addr     Addr
	path     string
	args     *Header
	cacheKey string
}

func (r *fakeRequest) Addr() Addr        { return r.addr }
func (r *fakeRequest) Path() []byte      { return []byte(r.path) }
func (r *fakeRequest) Args() *Header     { return r.args }
func (r *fakeRequest) CacheKey() string  { return r.cacheKey }
func (r *fakeRequest) Recvbuf() []byte   { return nil }

// fakeEntry is an in-memory cache.Handle used to exercise HttpEngine/
// FtpEngine without touching disk.
type fakeEntry struct {
	partial    *bytes.Buffer
	full       *bytes.Buffer
	size       int64
	mtime      int64
	hasPartial bool
	hasFull    bool
}

func newFakeEntry() *fakeEntry { return &fakeEntry{} }

func (e *fakeEntry) Partial() (cache.Stat, bool) {
	if !e.hasPartial {
		return cache.Stat{}, false
	}
	return cache.Stat{Size: int64(e.partial.Len()), MTime: e.mtime}, true
}

func (e *fakeEntry) Full() (cache.Stat, bool) {
	if !e.hasFull {
		return cache.Stat{}, false
	}
	return cache.Stat{Size: int64(e.full.Len()), MTime: e.mtime}, true
}

type nopWriteCloser struct{ *bytes.Buffer }

func (nopWriteCloser) Close() error { return nil }

func (e *fakeEntry) OpenNew() (io.WriteCloser, error) {
	e.partial = &bytes.Buffer{}
	e.hasPartial = true
	return nopWriteCloser{e.partial}, nil
}

func (e *fakeEntry) OpenPartial(offset int64) (io.WriteCloser, error) {
	if e.partial == nil {
		e.partial = &bytes.Buffer{}
		e.hasPartial = true
	}
	return nopWriteCloser{e.partial}, nil
}

func (e *fakeEntry) OpenFull() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(e.full.Bytes())), nil
}

func (e *fakeEntry) RemovePartial() error {
	e.hasPartial = false
	e.partial = nil
	return nil
}

func (e *fakeEntry) Complete() error {
	e.full = e.partial
	e.hasFull = e.partial != nil
	e.hasPartial = false
	return nil
}

func (e *fakeEntry) Size() int64      { return e.size }
func (e *fakeEntry) SetSize(n int64)  { e.size = n }
func (e *fakeEntry) MTime() int64     { return e.mtime }
func (e *fakeEntry) SetMTime(t int64) { e.mtime = t }
func (e *fakeEntry) Commit() error    { return nil }

// listenLoopback opens a TCP listener on 127.0.0.1 and returns it along
// with a dialed client connection, standing in for the (socket,
// upstream) pair an engine would otherwise get from netio.Connect.
func listenLoopback(t *testing.T) (ln net.Listener, client net.Conn, acceptedCh chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	acceptedCh = make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			acceptedCh <- conn
		}
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return ln, client, acceptedCh
}

func waitRecv(t *testing.T, deadline time.Duration, poll func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if poll() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timed out waiting for engine to finish negotiating")
}

func testConfig() Config {
	return Config{Online: true, MaxChunk: 4096, TimeFormats: DefaultTimeFormats}
}

func TestHttpEngine_ColdFetch200(t *testing.T) {
	_, client, acceptedCh := listenLoopback(t)
	origin := <-acceptedCh
	defer origin.Close()

	entry := newFakeEntry()
	req := &fakeRequest{addr: Addr{Host: "example.com", Port: 80}, path: "/file.bin", args: NewHeader()}

	e := &HttpEngine{cfg: testConfig(), req: req, cache: entry, parser: newHTTPParser()}
	e.sock = netio.Wrap(client)
	e.sendBuf = buildGetRequest(req, entry, e.cfg)

	go func() {
		_, _ = origin.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 11\r\nLast-Modified: Mon, 01 Jan 2024 00:00:00 GMT\r\n\r\nhello world"))
	}()

	waitRecv(t, time.Second, func() bool {
		require.NoError(t, e.Recv())
		return e.Response() != nil
	})

	resp := e.Response()
	require.NotNil(t, resp)
	assert.Equal(t, ResponseData, resp.Kind)
	assert.EqualValues(t, 11, resp.Size)
	assert.EqualValues(t, 11, entry.Size())

	lm, _ := e.parser.headers.Get("Last-Modified")
	assert.Equal(t, "Mon, 01 Jan 2024 00:00:00 GMT", lm)
}

func TestHttpEngine_ResumePartial206(t *testing.T) {
	_, client, acceptedCh := listenLoopback(t)
	origin := <-acceptedCh
	defer origin.Close()

	entry := newFakeEntry()
	entry.hasPartial = true
	entry.partial = bytes.NewBufferString("0123456789")
	entry.mtime = 1700000000

	req := &fakeRequest{addr: Addr{Host: "example.com", Port: 80}, path: "/file.bin", args: NewHeader()}
	sendBuf := buildGetRequest(req, entry, testConfig())
	assert.Contains(t, string(sendBuf), "Range: bytes=10-")

	e := &HttpEngine{cfg: testConfig(), req: req, cache: entry, parser: newHTTPParser()}
	e.sock = netio.Wrap(client)

	go func() {
		_, _ = origin.Write([]byte("HTTP/1.1 206 Partial Content\r\nContent-Range: bytes 10-19/20\r\n\r\n"))
	}()

	waitRecv(t, time.Second, func() bool {
		require.NoError(t, e.Recv())
		return e.Response() != nil
	})

	resp := e.Response()
	require.NotNil(t, resp)
	assert.Equal(t, ResponseData, resp.Kind)
	assert.EqualValues(t, 20, resp.Size)
	assert.EqualValues(t, 20, entry.Size())
}

func TestHttpEngine_NotModified304(t *testing.T) {
	_, client, acceptedCh := listenLoopback(t)
	origin := <-acceptedCh
	defer origin.Close()

	entry := newFakeEntry()
	entry.hasFull = true
	entry.full = bytes.NewBufferString("cached body")
	entry.mtime = 1700000000
	entry.size = 11

	req := &fakeRequest{addr: Addr{Host: "example.com", Port: 80}, path: "/file.bin", args: NewHeader()}
	e := &HttpEngine{cfg: testConfig(), req: req, cache: entry, parser: newHTTPParser()}
	e.sock = netio.Wrap(client)

	go func() {
		_, _ = origin.Write([]byte("HTTP/1.1 304 Not Modified\r\n\r\n"))
	}()

	waitRecv(t, time.Second, func() bool {
		require.NoError(t, e.Recv())
		return e.Response() != nil
	})

	resp := e.Response()
	require.NotNil(t, resp)
	assert.Equal(t, ResponseData, resp.Kind)
	assert.EqualValues(t, 11, resp.Size)
	require.NotNil(t, e.Reader())
}

func TestHttpEngine_ResumeRefused416(t *testing.T) {
	_, client, acceptedCh := listenLoopback(t)
	origin := <-acceptedCh
	defer origin.Close()

	entry := newFakeEntry()
	entry.hasPartial = true
	entry.partial = bytes.NewBufferString("0123456789")

	req := &fakeRequest{addr: Addr{Host: "example.com", Port: 80}, path: "/file.bin", args: NewHeader()}
	e := &HttpEngine{cfg: testConfig(), req: req, cache: entry, parser: newHTTPParser()}
	e.sock = netio.Wrap(client)

	go func() {
		_, _ = origin.Write([]byte("HTTP/1.1 416 Range Not Satisfiable\r\n\r\n"))
	}()

	waitRecv(t, time.Second, func() bool {
		require.NoError(t, e.Recv())
		return e.Response() != nil
	})

	resp := e.Response()
	require.NotNil(t, resp)
	assert.Equal(t, ResponseBlind, resp.Kind)
	_, ok := entry.Partial()
	assert.False(t, ok, "partial must be discarded after a resume refusal")
}

func TestHttpEngine_StripsAcceptEncodingAndRange(t *testing.T) {
	args := NewHeader()
	args.Add("Accept-Encoding", "gzip")
	args.Add("Range", "bytes=0-10")
	args.Add("User-Agent", "test")
	req := &fakeRequest{addr: Addr{Host: "example.com", Port: 80}, path: "/x", args: args}

	out := string(buildGetRequest(req, newFakeEntry(), testConfig()))
	assert.NotContains(t, out, "Accept-Encoding")
	assert.NotContains(t, out, "Range: bytes=0-10")
	assert.Contains(t, out, "User-Agent: test")
}

func TestHttpEngine_DuplicateHeaderRoundTrip(t *testing.T) {
	p := newHTTPParser()
	raw := "HTTP/1.1 200 OK\r\nSet-Cookie: a=1\r\nSet-Cookie: b=2\r\n\r\n"
	_, err := p.step([]byte(raw))
	require.NoError(t, err)
	require.True(t, p.done())

	v, ok := p.headers.Get("Set-Cookie")
	require.True(t, ok)
	assert.Equal(t, "a=1\r\nSet-Cookie: b=2", v)
}

func TestHttpEngine_ContentRangeAssertion(t *testing.T) {
	_, _, total, err := parseContentRange("bytes 10-19/20")
	require.NoError(t, err)
	assert.EqualValues(t, 20, total)

	// parseContentRange only parses; the TOTAL == END+1 assertion is made
	// by selectResponse, so a mismatched total still parses here.
	_, _, _, err = parseContentRange("bytes 10-19/999")
	require.NoError(t, err)
}

func TestHttpEngine_DefaultStatusIsBlind(t *testing.T) {
	_, client, acceptedCh := listenLoopback(t)
	origin := <-acceptedCh
	defer origin.Close()

	entry := newFakeEntry()
	req := &fakeRequest{addr: Addr{Host: "example.com", Port: 80}, path: "/x", args: NewHeader()}
	e := &HttpEngine{cfg: testConfig(), req: req, cache: entry, parser: newHTTPParser()}
	e.sock = netio.Wrap(client)

	go func() {
		_, _ = origin.Write([]byte("HTTP/1.1 500 Internal Server Error\r\n\r\n"))
	}()

	waitRecv(t, time.Second, func() bool {
		require.NoError(t, e.Recv())
		return e.Response() != nil
	})

	assert.Equal(t, ResponseBlind, e.Response().Kind)
}
