package session

import (
	"context"

	"github.com/Sentinel-Gate/overlay-mcp/pkg/mcp"
)

// Tunnel is the pair of linked broadcast channels that carries JSON-RPC
// frames between the HTTP handlers and a session's pump loop. One side
// carries client-originated frames toward the upstream server, the other
// carries server-originated frames toward the downstream SSE stream.
//
// Sends never block on a receiver and a send with zero receivers is not an
// error; slow consumers lose the oldest frames and receive a lag notice.
type Tunnel struct {
	toServer *Broadcast[*mcp.Message]
	toClient *Broadcast[*mcp.Message]
}

// NewTunnel creates a tunnel with both directions primed.
func NewTunnel() *Tunnel {
	return &Tunnel{
		toServer: NewBroadcast[*mcp.Message](),
		toClient: NewBroadcast[*mcp.Message](),
	}
}

// Close terminates both directions.
func (t *Tunnel) Close() {
	t.toServer.Close()
	t.toClient.Close()
}

// Upstream is the producer endpoint that feeds client-originated frames
// into the tunnel. Held exclusively via GuardUpstream.
type Upstream struct {
	b *Broadcast[*mcp.Message]
}

// Send writes a client frame into the tunnel. Never blocks; a frame with
// no pump listening is silently discarded.
func (u *Upstream) Send(msg *mcp.Message) {
	u.b.Send(msg)
}

// Downstream is the consumer endpoint of server-originated frames, read
// by the SSE response writer. Held exclusively via GuardDownstream.
type Downstream struct {
	r *Receiver[*mcp.Message]
}

// Recv returns the next server frame, a *LagError, ErrClosed, or the
// context error.
func (d *Downstream) Recv(ctx context.Context) (*mcp.Message, error) {
	return d.r.Recv(ctx)
}

// BypassDownstream is the producer endpoint the proxy itself uses to
// synthesize server-originated frames (e.g. an authorization denial)
// without round-tripping upstream. Held exclusively via
// GuardBypassDownstream.
type BypassDownstream struct {
	b *Broadcast[*mcp.Message]
}

// Send writes a synthesized server frame to the downstream side.
func (b *BypassDownstream) Send(msg *mcp.Message) {
	b.b.Send(msg)
}

// pumpEndpoints is the pump-side view of the tunnel, held inside the
// connection state while the session is stopped and owned by the pump
// goroutine while it runs.
type pumpEndpoints struct {
	cltRecv *Receiver[*mcp.Message]
	svrSend *Broadcast[*mcp.Message]
}

// endpoints builds the handler-side endpoints plus the pump-side pair.
func (t *Tunnel) endpoints() (*Upstream, *Downstream, *BypassDownstream, *pumpEndpoints) {
	return &Upstream{b: t.toServer},
		&Downstream{r: t.toClient.Subscribe()},
		&BypassDownstream{b: t.toClient},
		&pumpEndpoints{cltRecv: t.toServer.Subscribe(), svrSend: t.toClient}
}
