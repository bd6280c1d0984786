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

	"github.com/facebookincubator/tftpd/internal/eventsink"
	"github.com/facebookincubator/tftpd/internal/vfs"
	"github.com/facebookincubator/tftpd/internal/wire"
)

// RunWrite drives a Write session (WRQ: server receives the file) to
// completion on cfg.Conn. On any failure the temp file backing out is
// discarded so a partial upload is never left visible under its final
// name; on success it is committed (synced and renamed into place).
func RunWrite(cfg Config, out vfs.WriteFile) Result {
	recv := startReader(cfg.Conn)
	defer cfg.Conn.Close()

	sessionLog(cfg).Debug("write session starting")
	publish(cfg.Sink, eventsink.Event{
		Kind: eventsink.SessionStarted, SessionID: cfg.ID, Transfer: eventsink.Write,
		Peer: cfg.Peer, Filename: cfg.Filename, At: cfg.Clock.Now(),
	})

	var opening wire.Packet
	if cfg.OackOpts != nil && cfg.OackOpts.Len() > 0 {
		opening = &wire.OptionAck{Options: cfg.OackOpts}
	} else {
		opening = &wire.Ack{Block: 0}
	}

	var expected uint64 = 1
	var transferred uint64
	lastAck := opening.Encode()

	for {
		data, failRes, ok := waitForData(cfg, recv, lastAck, uint16(expected))
		if !ok {
			_ = out.Discard()
			return failRes
		}

		if _, err := out.Write(data.Payload); err != nil {
			sendError(cfg.Conn, cfg.Peer, wire.ErrDiskFull, err.Error())
			_ = out.Discard()
			return fail(cfg, eventsink.Write, fmt.Sprintf("write error: %v", err))
		}
		transferred += uint64(len(data.Payload))

		ack := &wire.Ack{Block: uint16(expected)}
		ackBytes := ack.Encode()
		final := len(data.Payload) < int(cfg.Blksize)

		// The final ack is sent right away since no further waitForData
		// call follows to carry it; every other ack rides out as the
		// opening send of the next waitForData call, so it is not sent
		// twice.
		if final {
			if _, err := cfg.Conn.WriteTo(ackBytes, cfg.Peer); err != nil {
				_ = out.Discard()
				return fail(cfg, eventsink.Write, fmt.Sprintf("send error: %v", err))
			}
		}

		publish(cfg.Sink, eventsink.Event{
			Kind: eventsink.BlockProgress, SessionID: cfg.ID, Transfer: eventsink.Write,
			Peer: cfg.Peer, Filename: cfg.Filename, Block: uint16(expected), Bytes: transferred,
			At: cfg.Clock.Now(),
		})

		if final {
			if err := out.Commit(); err != nil {
				_ = out.Discard()
				return fail(cfg, eventsink.Write, fmt.Sprintf("commit error: %v", err))
			}
			sessionLog(cfg).WithField("bytes", transferred).Debug("write session complete")
			publish(cfg.Sink, eventsink.Event{
				Kind: eventsink.SessionCompleted, SessionID: cfg.ID, Transfer: eventsink.Write,
				Peer: cfg.Peer, Filename: cfg.Filename, Bytes: transferred, At: cfg.Clock.Now(),
			})
			return Result{BytesTransferred: transferred, Blocks: int(expected)}
		}

		lastAck = ackBytes
		expected++
	}
}

// waitForData sends wireBytes (the opening OACK/ACK, or a previously-sent
// ACK being retransmitted) and waits for Data{expected}, retransmitting on
// timeout and filtering duplicate blocks and foreign datagrams. ok is
// false when the session is over; the caller should not inspect data in
// that case, only failRes.
func waitForData(cfg Config, recv <-chan datagram, wireBytes []byte, expected uint16) (data *wire.Data, failRes Result, ok bool) {
	retries := retryBudget(cfg)

	for {
		timeout := blockTimeout(cfg)
		if !cfg.Deadline.IsZero() {
			if remaining := cfg.Deadline.Sub(cfg.Clock.Now()); remaining < timeout {
				timeout = remaining
			}
			if timeout <= 0 {
				return nil, fail(cfg, eventsink.Write, "wall-time cap exceeded"), false
			}
		}
		timer := cfg.Clock.NewTimer(timeout)
		if _, err := cfg.Conn.WriteTo(wireBytes, cfg.Peer); err != nil {
			timer.Stop()
			return nil, fail(cfg, eventsink.Write, fmt.Sprintf("send error: %v", err)), false
		}

	waitLoop:
		for {
			select {
			case dg := <-recv:
				if dg.err != nil {
					timer.Stop()
					return nil, fail(cfg, eventsink.Write, fmt.Sprintf("recv error: %v", dg.err)), false
				}
				if !sameHost(cfg.Peer, dg.addr) {
					sendError(cfg.Conn, dg.addr, wire.ErrUnknownTID, "unknown transfer ID")
					continue waitLoop
				}
				pkt, err := wire.Decode(dg.data)
				if err != nil {
					continue waitLoop
				}
				d, isData := pkt.(*wire.Data)
				if !isData {
					continue waitLoop
				}
				if d.Block == expected-1 {
					// duplicate of the block already written: re-send the
					// ack for it without writing the payload again. The timer
					// keeps running on its original deadline.
					if _, err := cfg.Conn.WriteTo(wireBytes, cfg.Peer); err != nil {
						return nil, fail(cfg, eventsink.Write, fmt.Sprintf("send error: %v", err)), false
					}
					continue waitLoop
				}
				if d.Block != expected {
					continue waitLoop
				}
				timer.Stop()
				return d, Result{}, true
			case <-timer.C():
				retries--
				if retries <= 0 {
					sendError(cfg.Conn, cfg.Peer, wire.ErrNotDefined, "retry budget exhausted")
					return nil, fail(cfg, eventsink.Write, "retry budget exhausted"), false
				}
				noteRetransmit(cfg)
				break waitLoop // retransmit last ack
			}
		}
	}
}
