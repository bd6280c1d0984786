/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package session implements the per-transfer state machines: one goroutine
// owns one ephemeral socket and runs either a Read or a Write to
// completion, mirroring the way ptp4u's sendWorker owns a socket for the
// life of a single client subscription.
package session

import (
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebookincubator/tftpd/internal/clock"
	"github.com/facebookincubator/tftpd/internal/eventsink"
	"github.com/facebookincubator/tftpd/internal/negotiate"
	"github.com/facebookincubator/tftpd/internal/wire"
)

// DefaultTimeout is the per-block retransmission deadline, spec default 1s.
const DefaultTimeout = 1 * time.Second

// MaxRetries is the number of consecutive timeouts on one block at which a
// session gives up: the first MaxRetries-1 trigger a retransmission, the
// last one ends the session.
const MaxRetries = 5

// Conn is the subset of net.PacketConn a session needs. Its own goroutine
// owns the socket for the session's entire lifetime and nothing else
// touches it, so no locking is required here.
type Conn interface {
	ReadFrom(p []byte) (int, net.Addr, error)
	WriteTo(p []byte, addr net.Addr) (int, error)
	Close() error
}

// Config bundles the parameters common to both Read and Write sessions.
type Config struct {
	ID       uint64
	Conn     Conn
	Peer     net.Addr
	Filename string
	Blksize  uint16
	Options  *negotiate.Negotiated
	OackOpts *wire.Options // nil if no options were negotiated
	Clock    clock.Clock
	Sink     eventsink.Sink
	Deadline time.Time // wall-time cap; zero means none
	// RetryBudget and BlockTimeout are the per-session retry/timeout
	// knobs; zero means "use the package default" (MaxRetries/
	// DefaultTimeout), so callers that don't set them keep the old
	// behavior.
	RetryBudget  int
	BlockTimeout time.Duration
	// OnRetransmit, if set, is called once for every DATA/ACK resend
	// caused by a timeout. Kept as a plain callback rather than a direct
	// dependency on internal/stats so the state machines stay agnostic
	// to what collects the count.
	OnRetransmit func()
}

// Result summarizes a finished session for the caller (dispatcher) to log
// and to remove the session from its registry.
type Result struct {
	BytesTransferred uint64
	Blocks           int
	Err              error
}

// datagram is what the background reader hands to the state machine loop.
type datagram struct {
	data []byte
	addr net.Addr
	err  error
}

// startReader spawns the goroutine that owns Conn.ReadFrom, decoupling the
// blocking socket read from the virtual-clock-driven timeout select so
// tests can drive retransmission deterministically with a Fake clock.
func startReader(c Conn) <-chan datagram {
	ch := make(chan datagram, 1)
	go func() {
		buf := make([]byte, 65535+4)
		for {
			n, addr, err := c.ReadFrom(buf)
			if err != nil {
				ch <- datagram{err: err}
				return
			}
			cp := append([]byte(nil), buf[:n]...)
			ch <- datagram{data: cp, addr: addr}
		}
	}()
	return ch
}

// sameHost reports whether addr originated from peer, the RFC 1350 TID
// check that every datagram arriving on a session's ephemeral socket must
// pass before it is allowed to affect session state.
func sameHost(peer, addr net.Addr) bool {
	return peer != nil && addr != nil && peer.String() == addr.String()
}

func sendError(c Conn, addr net.Addr, code wire.ErrorCode, msg string) {
	pkt := &wire.Error{Code: code, Message: msg}
	_, _ = c.WriteTo(pkt.Encode(), addr)
}

func publish(sink eventsink.Sink, ev eventsink.Event) {
	if sink == nil {
		return
	}
	sink.Publish(ev)
}

func noteRetransmit(cfg Config) {
	if cfg.OnRetransmit != nil {
		cfg.OnRetransmit()
	}
}

// retryBudget returns cfg.RetryBudget, falling back to MaxRetries when the
// caller left it unset.
func retryBudget(cfg Config) int {
	if cfg.RetryBudget > 0 {
		return cfg.RetryBudget
	}
	return MaxRetries
}

// blockTimeout returns cfg.BlockTimeout, falling back to DefaultTimeout
// when the caller left it unset.
func blockTimeout(cfg Config) time.Duration {
	if cfg.BlockTimeout > 0 {
		return cfg.BlockTimeout
	}
	return DefaultTimeout
}

func sessionLog(cfg Config) *log.Entry {
	return log.WithFields(log.Fields{
		"session": cfg.ID,
		"peer":    cfg.Peer,
		"file":    cfg.Filename,
	})
}
