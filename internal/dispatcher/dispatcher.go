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

// Package dispatcher owns the well-known listening socket. It is the only
// place that ever reads from port 69 (the caller binds the socket and hands
// it to Serve): it decodes RRQ/WRQ, resolves the path,
// negotiates options, hands a fresh ephemeral socket to a new session
// goroutine, and enforces the server-wide concurrency cap. Everything past
// that handoff belongs to package session, the same split ptp4u draws
// between its generalListener (accepts, hands off) and a sendWorker that
// owns one client's socket for the rest of its life.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/facebookincubator/tftpd/internal/clock"
	"github.com/facebookincubator/tftpd/internal/config"
	"github.com/facebookincubator/tftpd/internal/eventsink"
	"github.com/facebookincubator/tftpd/internal/negotiate"
	"github.com/facebookincubator/tftpd/internal/pathsafe"
	"github.com/facebookincubator/tftpd/internal/session"
	"github.com/facebookincubator/tftpd/internal/vfs"
	"github.com/facebookincubator/tftpd/internal/wire"
)

// Listener is the subset of net.PacketConn the dispatcher's accept loop
// needs; the production path uses a *net.UDPConn, tests use an in-memory
// fake with the same shape as session.Conn.
type Listener interface {
	ReadFrom(p []byte) (int, net.Addr, error)
	WriteTo(p []byte, addr net.Addr) (int, error)
	Close() error
}

// SocketFactory opens the ephemeral, per-session socket the dispatcher
// hands off to a session goroutine. Production code binds ":0"; tests
// substitute an in-memory pair.
type SocketFactory func() (session.Conn, error)

// Dispatcher is the server's single entry point for inbound datagrams.
type Dispatcher struct {
	Config    config.DynamicConfig
	RootDir   string
	FS        vfs.Filesystem
	Sink      eventsink.Sink
	OnRetrans func()
	Clock     clock.Clock
	NewSocket SocketFactory

	listener Listener
	reg      *registry
	nextID   uint64
}

// New builds a Dispatcher. clk and fs are required; sink and onRetransmit
// may be nil (eventsink.Discard and a no-op are used).
func New(cfg config.DynamicConfig, rootDir string, fs vfs.Filesystem, sink eventsink.Sink, onRetransmit func(), clk clock.Clock) *Dispatcher {
	if sink == nil {
		sink = eventsink.Discard{}
	}
	return &Dispatcher{
		Config:    cfg,
		RootDir:   rootDir,
		FS:        fs,
		Sink:      sink,
		OnRetrans: onRetransmit,
		Clock:     clk,
		NewSocket: defaultSocketFactory,
		reg:       newRegistry(),
	}
}

func defaultSocketFactory() (session.Conn, error) {
	return net.ListenUDP("udp", &net.UDPAddr{})
}

// Serve runs the accept loop on listener until ctx is cancelled or
// listener.ReadFrom returns a permanent error. It replaces ptp4u's
// hand-rolled "first goroutine to exit wins" sync.WaitGroup lifecycle with
// an errgroup: the accept loop and the context-cancellation watcher race,
// and whichever finishes first triggers the other's shutdown.
func (d *Dispatcher) Serve(ctx context.Context, listener Listener) error {
	d.listener = listener

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return d.acceptLoop(listener)
	})
	g.Go(func() error {
		<-ctx.Done()
		_ = listener.Close()
		d.reg.closeAll()
		return ctx.Err()
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Dispatcher) acceptLoop(listener Listener) error {
	buf := make([]byte, 65535+4)
	for {
		n, addr, err := listener.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		datagram := append([]byte(nil), buf[:n]...)
		go d.handle(listener, datagram, addr)
	}
}

func (d *Dispatcher) handle(listener Listener, datagram []byte, addr net.Addr) {
	pkt, err := wire.Decode(datagram)
	if err != nil {
		log.WithField("peer", addr).Debug("dropping undecodable datagram")
		return
	}

	switch req := pkt.(type) {
	case *wire.ReadRequest:
		d.startSession(listener, addr, req.Filename, req.Mode, req.Options, false)
	case *wire.WriteRequest:
		d.startSession(listener, addr, req.Filename, req.Mode, req.Options, true)
	default:
		sendErrorFrom(listener, addr, wire.ErrIllegalOperation, fmt.Sprintf("unexpected %s at listener", pkt.Opcode()))
	}
}

// startSession resolves the path, opens the file, negotiates options, and
// spawns the per-transfer goroutine — the handoff point past which the
// listening socket is never touched again for this transfer.
func (d *Dispatcher) startSession(listener Listener, addr net.Addr, filename string, mode wire.Mode, opts *wire.Options, isWrite bool) {
	if d.reg.len() >= d.Config.ConcurrencyCap {
		sendErrorFrom(listener, addr, wire.ErrNotDefined, "server busy")
		return
	}

	switch mode {
	case wire.ModeMail:
		sendErrorFrom(listener, addr, wire.ErrIllegalOperation, "mail mode is not supported")
		return
	case wire.ModeNetascii:
		log.WithField("peer", addr).Warn("netascii requested, serving as octet")
	}

	path, err := pathsafe.Resolve(d.RootDir, filename, isWrite)
	if err != nil {
		sendErrorFrom(listener, addr, pathErrorCode(err), err.Error())
		return
	}

	id := atomic.AddUint64(&d.nextID, 1)

	conn, err := d.NewSocket()
	if err != nil {
		sendErrorFrom(listener, addr, wire.ErrNotDefined, "cannot allocate session socket")
		return
	}

	sink := d.Sink
	clk := d.Clock
	deadline := clk.Now().Add(d.Config.WallTimeCap)

	if isWrite {
		out, err := d.FS.CreateWrite(path, id)
		if err != nil {
			_ = conn.Close()
			sendErrorFrom(listener, addr, wire.ErrAccessViolation, err.Error())
			return
		}
		negotiated, ack := negotiate.NegotiateWithBounds(opts, true, 0, d.Config.MinBlksize, d.Config.MaxBlksize)
		cfg := d.sessionConfig(id, conn, addr, filename, negotiated, ack, deadline, sink)
		d.reg.store(id, sessionEntry{conn: conn, filename: filename})
		go func() {
			defer d.reg.delete(id)
			session.RunWrite(cfg, out)
		}()
		return
	}

	file, err := d.FS.OpenRead(path)
	if err != nil {
		_ = conn.Close()
		sendErrorFrom(listener, addr, wire.ErrFileNotFound, err.Error())
		return
	}
	negotiated, ack := negotiate.NegotiateWithBounds(opts, false, uint64(file.Size()), d.Config.MinBlksize, d.Config.MaxBlksize)
	cfg := d.sessionConfig(id, conn, addr, filename, negotiated, ack, deadline, sink)
	d.reg.store(id, sessionEntry{conn: conn, filename: filename})
	go func() {
		defer d.reg.delete(id)
		defer file.Close()
		session.RunRead(cfg, file)
	}()
}

func (d *Dispatcher) sessionConfig(id uint64, conn session.Conn, addr net.Addr, filename string, negotiated negotiate.Negotiated, ack *wire.Options, deadline time.Time, sink eventsink.Sink) session.Config {
	var oack *wire.Options
	if negotiated.Accepted {
		oack = ack
	}
	return session.Config{
		ID:           id,
		Conn:         conn,
		Peer:         addr,
		Filename:     filename,
		Blksize:      negotiated.Blksize,
		Options:      &negotiated,
		OackOpts:     oack,
		Clock:        d.Clock,
		Sink:         sink,
		Deadline:     deadline,
		RetryBudget:  d.Config.RetryBudget,
		BlockTimeout: d.Config.BlockTimeout,
		OnRetransmit: d.OnRetrans,
	}
}

func pathErrorCode(err error) wire.ErrorCode {
	if errors.Is(err, pathsafe.ErrNotFound) {
		return wire.ErrFileNotFound
	}
	return wire.ErrAccessViolation
}

func sendErrorFrom(listener Listener, addr net.Addr, code wire.ErrorCode, msg string) {
	pkt := &wire.Error{Code: code, Message: msg}
	_, _ = listener.WriteTo(pkt.Encode(), addr)
}
