package connector

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/discord-ipc/internal/ipctest"
	"github.com/energizer-project/discord-ipc/internal/protocol"
	"github.com/energizer-project/discord-ipc/internal/transport"
)

// pipePeer runs script against the server side of a pipe and returns the
// client side wrapped as a transport conn.
func pipePeer(t *testing.T, script func(peer net.Conn)) *transport.Conn {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	go script(server)
	return transport.NewConn(client, "pipe", transport.ConnOptions{})
}

func readHello(t *testing.T, peer net.Conn) string {
	f, err := protocol.ReadFrame(peer, 0)
	if !assert.NoError(t, err) {
		return ""
	}
	assert.Equal(t, protocol.OpHandshake, f.Opcode)
	var hello struct {
		V        int    `json:"v"`
		ClientID string `json:"client_id"`
	}
	assert.NoError(t, json.Unmarshal(f.Payload, &hello))
	assert.Equal(t, 1, hello.V)
	return hello.ClientID
}

func write(peer net.Conn, op protocol.Opcode, payload string) error {
	return protocol.WriteFrame(peer, protocol.Frame{Opcode: op, Payload: []byte(payload)})
}

func TestHandshakeSuccess(t *testing.T) {
	peer := ipctest.NewPeer()
	conn, err := peer.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	ready, err := Handshake(context.Background(), conn, "383226320970055681", time.Second, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "123", string(ready.User.ID))
	assert.Equal(t, "tester", ready.User.Username)
	assert.Equal(t, 1, ready.Version)
	assert.Equal(t, "383226320970055681", <-peer.ClientIDs())
}

func TestHandshakeRejectedByClose(t *testing.T) {
	peer := ipctest.NewPeer()
	peer.RejectHandshake("Invalid Client ID")
	conn, err := peer.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	_, err = Handshake(context.Background(), conn, "bogus", time.Second, zerolog.Nop())
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrHandshakeRejected)
	assert.Contains(t, err.Error(), "Invalid Client ID")

	var pe *protocol.ProtocolError
	assert.True(t, errors.As(err, &pe))
}

func TestHandshakeRejectsNonReady(t *testing.T) {
	conn := pipePeer(t, func(peer net.Conn) {
		readHello(t, peer)
		write(peer, protocol.OpFrame, `{"cmd":"DISPATCH","evt":"ACTIVITY_JOIN","data":{"secret":"s"}}`)
	})

	_, err := Handshake(context.Background(), conn, "1", time.Second, zerolog.Nop())
	assert.ErrorIs(t, err, protocol.ErrHandshakeRejected)
	assert.Contains(t, err.Error(), "ACTIVITY_JOIN")
}

func TestHandshakeRejectsErrorEvent(t *testing.T) {
	conn := pipePeer(t, func(peer net.Conn) {
		readHello(t, peer)
		write(peer, protocol.OpFrame, `{"cmd":"DISPATCH","evt":"ERROR","data":{"code":4000,"message":"Invalid Client ID"}}`)
	})

	_, err := Handshake(context.Background(), conn, "1", time.Second, zerolog.Nop())
	assert.ErrorIs(t, err, protocol.ErrHandshakeRejected)
	assert.Contains(t, err.Error(), "4000")
}

func TestHandshakeRejectsReadyWithoutUser(t *testing.T) {
	conn := pipePeer(t, func(peer net.Conn) {
		readHello(t, peer)
		write(peer, protocol.OpFrame, `{"cmd":"DISPATCH","evt":"READY","data":{"v":1}}`)
	})

	_, err := Handshake(context.Background(), conn, "1", time.Second, zerolog.Nop())
	assert.ErrorIs(t, err, protocol.ErrHandshakeRejected)
}

func TestHandshakeAnswersPing(t *testing.T) {
	pong := make(chan string, 1)
	conn := pipePeer(t, func(peer net.Conn) {
		readHello(t, peer)
		write(peer, protocol.OpPing, `{"n":7}`)
		f, err := protocol.ReadFrame(peer, 0)
		if assert.NoError(t, err) {
			assert.Equal(t, protocol.OpPong, f.Opcode)
			pong <- string(f.Payload)
		}
		write(peer, protocol.OpPong, `{}`)
		write(peer, protocol.OpFrame, `{"cmd":"DISPATCH","evt":"READY","data":`+ipctest.ReadyData+`}`)
	})

	ready, err := Handshake(context.Background(), conn, "1", time.Second, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "tester", ready.User.Username)
	assert.Equal(t, `{"n":7}`, <-pong)
}

func TestHandshakeTimeout(t *testing.T) {
	conn := pipePeer(t, func(peer net.Conn) {
		readHello(t, peer)
		// never answer
	})

	start := time.Now()
	_, err := Handshake(context.Background(), conn, "1", 50*time.Millisecond, zerolog.Nop())
	assert.ErrorIs(t, err, protocol.ErrHandshakeTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, conn.IsClosed())
}

func TestHandshakeCallerCancel(t *testing.T) {
	conn := pipePeer(t, func(peer net.Conn) {
		readHello(t, peer)
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err := Handshake(ctx, conn, "1", 5*time.Second, zerolog.Nop())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHandshakePeerHangup(t *testing.T) {
	conn := pipePeer(t, func(peer net.Conn) {
		readHello(t, peer)
		peer.Close()
	})

	_, err := Handshake(context.Background(), conn, "1", time.Second, zerolog.Nop())
	require.Error(t, err)
	assert.True(t, protocol.IsTransport(err))
	assert.ErrorIs(t, err, protocol.ErrTransportClosed)
}
