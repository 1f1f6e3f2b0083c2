package delivery

import "context"

// Mux routes each message to the transport registered for its channel,
// falling back to the default transport (email) for everything else.
type Mux struct {
	byChannel map[string]Transport
	fallback  Transport
}

// NewMux creates a channel mux with the given default transport.
func NewMux(fallback Transport) *Mux {
	return &Mux{byChannel: make(map[string]Transport), fallback: fallback}
}

// Register binds a channel name to a transport. Not safe to call after
// delivery has started.
func (m *Mux) Register(channel string, t Transport) {
	m.byChannel[channel] = t
}

func (m *Mux) Send(ctx context.Context, msg *OutboundMessage) (*SendOutcome, error) {
	if t, ok := m.byChannel[msg.Channel]; ok {
		return t.Send(ctx, msg)
	}
	return m.fallback.Send(ctx, msg)
}
