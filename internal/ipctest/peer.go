// Package ipctest provides an in-memory stand-in for the Discord desktop
// client, for tests that need a live IPC peer.
package ipctest

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/energizer-project/discord-ipc/internal/protocol"
	"github.com/energizer-project/discord-ipc/internal/transport"
)

// ReadyData is the READY payload the peer sends unless overridden.
const ReadyData = `{"v":1,"config":{"cdn_host":"cdn.discordapp.com","api_endpoint":"//discord.com/api","environment":"production"},"user":{"id":"123","username":"tester","discriminator":"0001"}}`

// Reply is what a Responder wants sent back for a command. A non-zero Code
// turns it into an ERROR response. Skip sends nothing.
type Reply struct {
	Data    string
	Code    int
	Message string
	Skip    bool
}

// Responder decides the reply to a command. Returning nil falls back to
// the default behaviour.
type Responder func(env *protocol.Envelope) *Reply

// Peer accepts simulated connections and answers them like the desktop
// client would.
type Peer struct {
	mu        sync.Mutex
	current   *peerConn
	responder Responder
	readyData string
	rejectMsg string
	down      bool

	commands  chan *protocol.Envelope
	clientIDs chan string
	closes    chan protocol.ErrorPayload
	dials     atomic.Int32
	accepted  atomic.Int32
}

// NewPeer creates a reachable peer.
func NewPeer() *Peer {
	return &Peer{
		readyData: ReadyData,
		commands:  make(chan *protocol.Envelope, 256),
		clientIDs: make(chan string, 32),
		closes:    make(chan protocol.ErrorPayload, 32),
	}
}

// SetResponder installs a custom command responder.
func (p *Peer) SetResponder(r Responder) {
	p.mu.Lock()
	p.responder = r
	p.mu.Unlock()
}

// SetDown makes future dials fail as if no endpoint existed.
func (p *Peer) SetDown(down bool) {
	p.mu.Lock()
	p.down = down
	p.mu.Unlock()
}

// RejectHandshake makes future handshakes end in a close frame carrying msg.
// An empty msg restores normal handshakes.
func (p *Peer) RejectHandshake(msg string) {
	p.mu.Lock()
	p.rejectMsg = msg
	p.mu.Unlock()
}

// Dial opens a new in-memory connection to the peer, already framed.
func (p *Peer) Dial(ctx context.Context) (*transport.Conn, error) {
	c, err := p.DialNet(ctx)
	if err != nil {
		return nil, err
	}
	return transport.NewConn(c, "ipctest", transport.ConnOptions{}), nil
}

// DialNet opens a new in-memory connection and returns the raw client end.
func (p *Peer) DialNet(ctx context.Context) (net.Conn, error) {
	p.dials.Add(1)

	p.mu.Lock()
	down := p.down
	p.mu.Unlock()
	if down {
		return nil, &protocol.TransportError{Op: "discover", Err: protocol.ErrNoEndpointFound}
	}

	client, server := net.Pipe()
	pc := &peerConn{conn: server, peer: p}

	p.mu.Lock()
	if p.current != nil {
		p.current.close()
	}
	p.current = pc
	p.mu.Unlock()

	go pc.serve()
	return client, nil
}

// Dialer adapts the peer to endpoint discovery. Every candidate path
// reaches the same peer, and a down peer looks absent.
func (p *Peer) Dialer() transport.Dialer {
	return peerDialer{p}
}

type peerDialer struct{ p *Peer }

func (d peerDialer) Present(string) bool {
	d.p.mu.Lock()
	defer d.p.mu.Unlock()
	return !d.p.down
}

func (d peerDialer) Dial(ctx context.Context, _ string) (net.Conn, error) {
	return d.p.DialNet(ctx)
}

// Dials returns how many times Dial was called.
func (p *Peer) Dials() int { return int(p.dials.Load()) }

// Accepted returns how many handshakes completed.
func (p *Peer) Accepted() int { return int(p.accepted.Load()) }

// Commands streams every command the client sent, in order.
func (p *Peer) Commands() <-chan *protocol.Envelope { return p.commands }

// ClientIDs streams the client id of every handshake.
func (p *Peer) ClientIDs() <-chan string { return p.clientIDs }

// CloseFrames streams the close frames the client sent.
func (p *Peer) CloseFrames() <-chan protocol.ErrorPayload { return p.closes }

// Emit pushes an event on the current connection.
func (p *Peer) Emit(evt string, data string) error {
	pc := p.conn()
	if pc == nil {
		return fmt.Errorf("no connection")
	}
	return pc.write(protocol.OpFrame, fmt.Sprintf(`{"cmd":"DISPATCH","evt":%q,"data":%s}`, evt, data))
}

// Respond writes a raw message frame on the current connection.
func (p *Peer) Respond(payload string) error {
	pc := p.conn()
	if pc == nil {
		return fmt.Errorf("no connection")
	}
	return pc.write(protocol.OpFrame, payload)
}

// Close sends a close frame and hangs up the current connection.
func (p *Peer) Close(code int, message string) error {
	pc := p.conn()
	if pc == nil {
		return fmt.Errorf("no connection")
	}
	payload, _ := json.Marshal(protocol.ErrorPayload{Code: code, Message: message})
	err := pc.write(protocol.OpClose, string(payload))
	pc.close()
	return err
}

// Drop hangs up the current connection without a close frame.
func (p *Peer) Drop() {
	if pc := p.conn(); pc != nil {
		pc.close()
	}
}

func (p *Peer) conn() *peerConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

type peerConn struct {
	wmu    sync.Mutex
	conn   net.Conn
	peer   *Peer
	closed atomic.Bool
}

func (pc *peerConn) write(op protocol.Opcode, payload string) error {
	pc.wmu.Lock()
	defer pc.wmu.Unlock()
	return protocol.WriteFrame(pc.conn, protocol.Frame{Opcode: op, Payload: []byte(payload)})
}

func (pc *peerConn) close() {
	if pc.closed.CompareAndSwap(false, true) {
		pc.conn.Close()
	}
}

func (pc *peerConn) serve() {
	defer pc.close()

	f, err := protocol.ReadFrame(pc.conn, 0)
	if err != nil || f.Opcode != protocol.OpHandshake {
		return
	}
	var hello struct {
		ClientID string `json:"client_id"`
	}
	json.Unmarshal(f.Payload, &hello)
	select {
	case pc.peer.clientIDs <- hello.ClientID:
	default:
	}

	pc.peer.mu.Lock()
	rejectMsg, readyData := pc.peer.rejectMsg, pc.peer.readyData
	pc.peer.mu.Unlock()

	if rejectMsg != "" {
		payload, _ := json.Marshal(protocol.ErrorPayload{Code: protocol.CodeInvalidClientID, Message: rejectMsg})
		pc.write(protocol.OpClose, string(payload))
		return
	}
	if err := pc.write(protocol.OpFrame, `{"cmd":"DISPATCH","evt":"READY","data":`+readyData+`}`); err != nil {
		return
	}
	pc.peer.accepted.Add(1)

	for {
		f, err := protocol.ReadFrame(pc.conn, 0)
		if err != nil {
			return
		}
		switch f.Opcode {
		case protocol.OpPing:
			pc.write(protocol.OpPong, string(f.Payload))
		case protocol.OpClose:
			select {
			case pc.peer.closes <- protocol.DecodeClose(f.Payload):
			default:
			}
			return
		case protocol.OpFrame:
			env, err := protocol.DecodeEnvelope(f.Payload)
			if err != nil {
				return
			}
			select {
			case pc.peer.commands <- env:
			default:
			}
			pc.reply(env)
		}
	}
}

func (pc *peerConn) reply(env *protocol.Envelope) {
	pc.peer.mu.Lock()
	responder := pc.peer.responder
	pc.peer.mu.Unlock()

	var r *Reply
	if responder != nil {
		r = responder(env)
	}
	if r == nil {
		r = defaultReply(env)
	}
	if r.Skip {
		return
	}

	if r.Code != 0 {
		payload, _ := json.Marshal(map[string]interface{}{
			"cmd":   env.Cmd,
			"evt":   protocol.EventError,
			"data":  protocol.ErrorPayload{Code: r.Code, Message: r.Message},
			"nonce": env.Nonce,
		})
		pc.write(protocol.OpFrame, string(payload))
		return
	}

	data := r.Data
	if data == "" {
		data = "{}"
	}
	pc.write(protocol.OpFrame, fmt.Sprintf(`{"cmd":%q,"evt":%q,"data":%s,"nonce":%q}`, env.Cmd, env.Evt, data, env.Nonce))
}

func defaultReply(env *protocol.Envelope) *Reply {
	switch env.Cmd {
	case protocol.CmdSubscribe, protocol.CmdUnsubscribe:
		return &Reply{Data: fmt.Sprintf(`{"evt":%q}`, env.Evt)}
	case protocol.CmdGetCurrentUser:
		return &Reply{Data: `{"id":"123","username":"tester"}`}
	default:
		return &Reply{Data: "{}"}
	}
}
