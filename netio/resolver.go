// Package netio provides the shared DNS resolution and connection
// primitives the protocol engines build on: a process-lifetime memoized
// resolver and a non-blocking connect.
package netio

import (
	"context"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/omalloc/originfetch/contrib/log"
	xerrors "github.com/omalloc/originfetch/pkg/errors"
)

type resolveState int8

const (
	stateUnresolved resolveState = iota
	stateResolved
	stateFailed
)

type resolveEntry struct {
	state resolveState
	ip    net.IP
	err   error
}

// Resolver memoizes (host) -> IP lookups for the lifetime of the
// process. It is safe for concurrent use; concurrent lookups of the
// same host are collapsed into one syscall via singleflight.
type Resolver struct {
	mu      sync.RWMutex
	entries map[string]*resolveEntry
	group   singleflight.Group
}

func NewResolver() *Resolver {
	return &Resolver{entries: make(map[string]*resolveEntry)}
}

var defaultResolver = NewResolver()

// DefaultResolver is the process-wide resolver shared by every engine,
// matching spec's "process-lifetime memoization table shared read-mostly
// across engines".
func DefaultResolver() *Resolver {
	return defaultResolver
}

// Resolve returns the first address-family-agnostic candidate for host.
// A host that previously failed to resolve is not retried within this
// process; a host that previously resolved returns the cached IP.
func (r *Resolver) Resolve(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}

	r.mu.RLock()
	entry, ok := r.entries[host]
	r.mu.RUnlock()
	if ok {
		switch entry.state {
		case stateResolved:
			return entry.ip, nil
		case stateFailed:
			return nil, entry.err
		}
	}

	v, err, _ := r.group.Do(host, func() (any, error) {
		addrs, lookupErr := net.DefaultResolver.LookupIPAddr(ctx, host)
		if lookupErr != nil || len(addrs) == 0 {
			if lookupErr == nil {
				lookupErr = fmt.Errorf("netio: no addresses for host %q", host)
			}
			r.mu.Lock()
			r.entries[host] = &resolveEntry{state: stateFailed, err: lookupErr}
			r.mu.Unlock()
			return nil, lookupErr
		}

		ip := addrs[0].IP
		r.mu.Lock()
		r.entries[host] = &resolveEntry{state: stateResolved, ip: ip}
		r.mu.Unlock()

		log.Debugf("netio: resolved %s -> %s", host, ip)
		return ip, nil
	})
	if err != nil {
		return nil, xerrors.NewEngineError(xerrors.KindProtocolViolation, err)
	}
	return v.(net.IP), nil
}
