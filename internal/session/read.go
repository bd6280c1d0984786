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

package session

import (
	"fmt"
	"io"

	"github.com/facebookincubator/tftpd/internal/eventsink"
	"github.com/facebookincubator/tftpd/internal/vfs"
	"github.com/facebookincubator/tftpd/internal/wire"
)

// RunRead drives a Read session (RRQ: server sends the file) to completion
// on cfg.Conn, which must already be bound to the session's dedicated
// ephemeral socket. It blocks until the transfer completes, fails, or
// cfg.Deadline passes.
func RunRead(cfg Config, file vfs.ReadFile) Result {
	recv := startReader(cfg.Conn)
	defer cfg.Conn.Close()

	sessionLog(cfg).Debug("read session starting")
	publish(cfg.Sink, eventsink.Event{
		Kind: eventsink.SessionStarted, SessionID: cfg.ID, Transfer: eventsink.Read,
		Peer: cfg.Peer, Filename: cfg.Filename, At: cfg.Clock.Now(),
	})

	// RFC 2347: an OACK only goes out when the client negotiated at least
	// one option, and it must itself be ACKed (block 0) before block 1.
	if cfg.OackOpts != nil && cfg.OackOpts.Len() > 0 {
		ack := &wire.OptionAck{Options: cfg.OackOpts}
		if res, ok := waitForAck(cfg, recv, ack.Encode(), 0); !ok {
			return res
		}
	}

	var blockNum uint64 = 1
	var transferred uint64
	buf := make([]byte, cfg.Blksize)

	for {
		off := int64(blockNum-1) * int64(cfg.Blksize)
		n, err := file.ReadAt(buf, off)
		if err != nil && err != io.EOF {
			return fail(cfg, eventsink.Read, fmt.Sprintf("read error: %v", err))
		}
		payload := append([]byte(nil), buf[:n]...)

		data := &wire.Data{Block: uint16(blockNum), Payload: payload}
		res, ok := waitForAck(cfg, recv, data.Encode(), uint16(blockNum))
		if !ok {
			return res
		}
		transferred += uint64(n)
		publish(cfg.Sink, eventsink.Event{
			Kind: eventsink.BlockProgress, SessionID: cfg.ID, Transfer: eventsink.Read,
			Peer: cfg.Peer, Filename: cfg.Filename, Block: uint16(blockNum), Bytes: transferred,
			At: cfg.Clock.Now(),
		})

		if uint64(n) < uint64(cfg.Blksize) {
			sessionLog(cfg).WithField("bytes", transferred).Debug("read session complete")
			publish(cfg.Sink, eventsink.Event{
				Kind: eventsink.SessionCompleted, SessionID: cfg.ID, Transfer: eventsink.Read,
				Peer: cfg.Peer, Filename: cfg.Filename, Bytes: transferred, At: cfg.Clock.Now(),
			})
			return Result{BytesTransferred: transferred, Blocks: int(blockNum)}
		}
		blockNum++
	}
}

// waitForAck sends wireBytes and waits for a matching Ack{expected}, with
// retransmission on timeout and duplicate/foreign-datagram filtering. It
// returns (zero Result, true) to continue the caller's loop, or a final
// Result and false when the session is over (success handled by the
// caller, failure/cancellation handled here).
func waitForAck(cfg Config, recv <-chan datagram, wireBytes []byte, expected uint16) (Result, bool) {
	retries := retryBudget(cfg)
	for {
		timeout := blockTimeout(cfg)
		if !cfg.Deadline.IsZero() {
			if remaining := cfg.Deadline.Sub(cfg.Clock.Now()); remaining < timeout {
				timeout = remaining
			}
			if timeout <= 0 {
				return fail(cfg, eventsink.Read, "wall-time cap exceeded"), false
			}
		}
		// The timer is armed before the datagram is sent so its deadline
		// always starts at this send, not at whatever moment the peer's
		// reply happens to be scheduled relative to it.
		timer := cfg.Clock.NewTimer(timeout)
		if _, err := cfg.Conn.WriteTo(wireBytes, cfg.Peer); err != nil {
			timer.Stop()
			return fail(cfg, eventsink.Read, fmt.Sprintf("send error: %v", err)), false
		}

	waitLoop:
		for {
			select {
			case dg := <-recv:
				if dg.err != nil {
					timer.Stop()
					return fail(cfg, eventsink.Read, fmt.Sprintf("recv error: %v", dg.err)), false
				}
				if !sameHost(cfg.Peer, dg.addr) {
					sendError(cfg.Conn, dg.addr, wire.ErrUnknownTID, "unknown transfer ID")
					continue waitLoop
				}
				pkt, err := wire.Decode(dg.data)
				if err != nil {
					continue waitLoop
				}
				ack, isAck := pkt.(*wire.Ack)
				if !isAck {
					continue waitLoop
				}
				if ack.Block != expected {
					// duplicate of a prior ACK (or, under wrap, a stray):
					// ignore and keep waiting on the original deadline.
					continue waitLoop
				}
				timer.Stop()
				return Result{}, true
			case <-timer.C():
				retries--
				if retries <= 0 {
					sendError(cfg.Conn, cfg.Peer, wire.ErrNotDefined, "retry budget exhausted")
					return fail(cfg, eventsink.Read, "retry budget exhausted"), false
				}
				noteRetransmit(cfg)
				break waitLoop // retransmit
			}
		}
	}
}

func fail(cfg Config, transfer eventsink.TransferKind, reason string) Result {
	sessionLog(cfg).Warnf("session failed: %s", reason)
	publish(cfg.Sink, eventsink.Event{
		Kind: eventsink.SessionFailed, SessionID: cfg.ID, Transfer: transfer,
		Peer: cfg.Peer, Filename: cfg.Filename, Reason: reason, At: cfg.Clock.Now(),
	})
	return Result{Err: fmt.Errorf("session %d: %s", cfg.ID, reason)}
}
