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

// Package negotiate implements RFC 2347/2348 option negotiation: clamping
// blksize into range, and resolving tsize for RRQ/WRQ. It is pure — no
// socket, no filesystem — so every negotiation rule can be table-tested.
package negotiate

import (
	"strconv"

	"github.com/facebookincubator/tftpd/internal/wire"
)

// MinBlksize and MaxBlksize bound the RFC 2348 blksize option.
const (
	MinBlksize = 8
	MaxBlksize = 65464
	// DefaultBlksize is used whenever the client does not negotiate one.
	DefaultBlksize = 512
)

// Negotiated carries the server's final decision for a single transfer.
type Negotiated struct {
	Blksize uint16
	// Tsize is present only when the client sent the option and the
	// server could resolve a size for it.
	Tsize    *uint64
	Accepted bool // true if any option survived negotiation (an OACK is due)
}

// Negotiate clamps a request's option map to the RFC 2348 bounds [8,
// 65464] and builds both the server's internal Negotiated view and the
// wire OptionMap to echo in an OACK. knownSize is the RRQ's file size in
// bytes (ignored for WRQ, which simply echoes the client's declared tsize
// back for progress-reporting purposes).
func Negotiate(req *wire.Options, isWrite bool, knownSize uint64) (Negotiated, *wire.Options) {
	return NegotiateWithBounds(req, isWrite, knownSize, MinBlksize, MaxBlksize)
}

// NegotiateWithBounds is Negotiate with the blksize range narrowed to
// [minBlksize, maxBlksize], the knobs an operator sets in
// config.DynamicConfig to cap memory per session below the RFC maximum.
// Bounds outside [MinBlksize, MaxBlksize] are clamped back into range.
func NegotiateWithBounds(req *wire.Options, isWrite bool, knownSize uint64, minBlksize, maxBlksize int) (Negotiated, *wire.Options) {
	lo := clamp(minBlksize, MinBlksize, MaxBlksize)
	hi := clamp(maxBlksize, MinBlksize, MaxBlksize)
	if lo > hi {
		lo, hi = hi, lo
	}

	n := Negotiated{Blksize: uint16(clamp(DefaultBlksize, lo, hi))}
	ack := wire.NewOptions()

	if v, ok := req.Get("blksize"); ok {
		if parsed, err := strconv.Atoi(v); err == nil {
			clamped := clamp(parsed, lo, hi)
			n.Blksize = uint16(clamped)
			ack.Set("blksize", strconv.Itoa(clamped))
			n.Accepted = true
		}
		// unparseable blksize is silently dropped per the tolerant default policy
	}

	if v, ok := req.Get("tsize"); ok {
		tsize, resolved := knownSize, true
		if isWrite {
			parsed, err := strconv.ParseUint(v, 10, 64)
			tsize, resolved = parsed, err == nil
		}
		// an unparseable WRQ tsize is silently dropped, like blksize above
		if resolved {
			n.Tsize = &tsize
			ack.Set("tsize", strconv.FormatUint(tsize, 10))
			n.Accepted = true
		}
	}

	return n, ack
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
