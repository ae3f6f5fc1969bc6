package hooks

import "time"

// Kind identifies which listener a connection belongs to.
type Kind string

const (
	KindPair        Kind = "pair"         // bidirectional proxy pair
	KindRelayClient Kind = "relay-client" // protocol gateway client
)

// ConnectionHook observes connection lifecycle events.
type ConnectionHook interface {
	OnConnect(kind Kind, id string)
	OnDisconnect(kind Kind, id string, err error)
}

// RequestHook observes requests the gateway forwards upstream.
type RequestHook interface {
	OnRequest(requestType string, latency time.Duration, err error)
}

// TrafficHook observes bytes forwarded by a proxy pair, reported once when
// the pair is torn down.
type TrafficHook interface {
	OnTraffic(id string, inbound, outbound int64)
}

// Pipeline runs registered hooks in order. Zero-value is ready to use and a
// nil *Pipeline is a no-op. Register hooks before the pipeline is shared.
type Pipeline struct {
	connHooks    []ConnectionHook
	reqHooks     []RequestHook
	trafficHooks []TrafficHook
}

// Add registers h for every hook interface it implements.
func (p *Pipeline) Add(h any) {
	if c, ok := h.(ConnectionHook); ok {
		p.connHooks = append(p.connHooks, c)
	}
	if r, ok := h.(RequestHook); ok {
		p.reqHooks = append(p.reqHooks, r)
	}
	if t, ok := h.(TrafficHook); ok {
		p.trafficHooks = append(p.trafficHooks, t)
	}
}

func (p *Pipeline) NotifyConnect(kind Kind, id string) {
	if p == nil {
		return
	}
	for _, h := range p.connHooks {
		h.OnConnect(kind, id)
	}
}

func (p *Pipeline) NotifyDisconnect(kind Kind, id string, err error) {
	if p == nil {
		return
	}
	for _, h := range p.connHooks {
		h.OnDisconnect(kind, id, err)
	}
}

func (p *Pipeline) NotifyRequest(requestType string, latency time.Duration, err error) {
	if p == nil {
		return
	}
	for _, h := range p.reqHooks {
		h.OnRequest(requestType, latency, err)
	}
}

func (p *Pipeline) NotifyTraffic(id string, inbound, outbound int64) {
	if p == nil {
		return
	}
	for _, h := range p.trafficHooks {
		h.OnTraffic(id, inbound, outbound)
	}
}
