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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/facebookincubator/tftpd/internal/clock"
	"github.com/facebookincubator/tftpd/internal/eventsink"
	"github.com/facebookincubator/tftpd/internal/vfs"
	"github.com/facebookincubator/tftpd/internal/wire"
)

func newWriteFixture(t *testing.T, blksize uint16) (*fakeConn, *clock.Fake, *vfs.Fake, Config, vfs.WriteFile) {
	t.Helper()
	fs := vfs.NewFake()
	w, err := fs.CreateWrite("upload.bin", 1)
	require.NoError(t, err)

	conn := newFakeConn()
	fc := clock.NewFake(time.Unix(0, 0))
	cfg := Config{
		ID: 2, Conn: conn, Peer: peer, Filename: "upload.bin",
		Blksize: blksize, Clock: fc, Sink: eventsink.NewChannel(16),
	}
	return conn, fc, fs, cfg, w
}

func runWrite(cfg Config, w vfs.WriteFile) <-chan Result {
	ch := make(chan Result, 1)
	go func() { ch <- RunWrite(cfg, w) }()
	return ch
}

func TestWriteSessionHappyPathSingleBlock(t *testing.T) {
	conn, _, fs, cfg, w := newWriteFixture(t, 512)
	resCh := runWrite(cfg, w)

	conn.WaitSent() // opening Ack{0}
	opening := decodeAt(t, conn, 0).(*wire.Ack)
	require.Equal(t, uint16(0), opening.Block)

	conn.Deliver((&wire.Data{Block: 1, Payload: []byte("uploaded")}).Encode(), peer)

	conn.WaitSent() // Ack{1}
	ack1 := decodeAt(t, conn, 1).(*wire.Ack)
	require.Equal(t, uint16(1), ack1.Block)

	res := <-resCh
	require.NoError(t, res.Err)
	require.Equal(t, uint64(8), res.BytesTransferred)

	content, ok := fs.Get("upload.bin")
	require.True(t, ok)
	require.Equal(t, "uploaded", string(content))
}

func TestWriteSessionMultiBlock(t *testing.T) {
	conn, _, fs, cfg, w := newWriteFixture(t, 4)
	resCh := runWrite(cfg, w)

	conn.WaitSent()
	conn.Deliver((&wire.Data{Block: 1, Payload: []byte("abcd")}).Encode(), peer)
	conn.WaitSent()
	conn.Deliver((&wire.Data{Block: 2, Payload: []byte("ef")}).Encode(), peer)
	conn.WaitSent()

	res := <-resCh
	require.NoError(t, res.Err)
	require.Equal(t, uint64(6), res.BytesTransferred)
	content, _ := fs.Get("upload.bin")
	require.Equal(t, "abcdef", string(content))
}

func TestWriteSessionDuplicateDataResendsAckWithoutRewriting(t *testing.T) {
	conn, _, fs, cfg, w := newWriteFixture(t, 4)
	resCh := runWrite(cfg, w)

	conn.WaitSent()
	conn.Deliver((&wire.Data{Block: 1, Payload: []byte("once")}).Encode(), peer)
	conn.WaitSent() // Ack{1}

	// client didn't see the ack and retransmits the same block
	conn.Deliver((&wire.Data{Block: 1, Payload: []byte("once")}).Encode(), peer)
	conn.WaitSent() // re-sent Ack{1}, no further write

	conn.Deliver((&wire.Data{Block: 2, Payload: []byte("x")}).Encode(), peer)
	res := <-resCh
	require.NoError(t, res.Err)

	content, _ := fs.Get("upload.bin")
	require.Equal(t, "oncex", string(content))
}

func TestWriteSessionRetryExhaustionDeletesTemp(t *testing.T) {
	conn, fc, fs, cfg, w := newWriteFixture(t, 512)
	resCh := runWrite(cfg, w)

	conn.WaitSent()
	for i := 0; i < MaxRetries; i++ {
		fc.Advance(DefaultTimeout + time.Millisecond)
		conn.WaitSent()
	}

	res := <-resCh
	require.Error(t, res.Err)
	_, ok := fs.Get("upload.bin")
	require.False(t, ok)
}

func TestWriteSessionDiskFullSendsErrorAndDiscards(t *testing.T) {
	conn, _, fs, cfg, w := newWriteFixture(t, 512)
	fs.WriteErr = errDiskFullStub{}
	resCh := runWrite(cfg, w)

	conn.WaitSent()
	conn.Deliver((&wire.Data{Block: 1, Payload: []byte("x")}).Encode(), peer)

	res := <-resCh
	require.Error(t, res.Err)
	_, ok := fs.Get("upload.bin")
	require.False(t, ok)
}

type errDiskFullStub struct{}

func (errDiskFullStub) Error() string { return "simulated disk full" }
