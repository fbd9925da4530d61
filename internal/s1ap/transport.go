package s1ap

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/go-mme/core/internal/mmectx"
)

// SCTPTransport is a thin stub for the production S1-MME transport: a
// real implementation multiplexes one SCTP association per eNB and
// ASN.1 PER-encodes/decodes every PDU per TS 36.413, both out of scope
// per spec.md's Non-goals since nothing in the retrieved examples
// supplies an SCTP or S1AP codec to build on. It exists so
// internal/s1ap has a concrete non-test Transport to wire cmd/mme
// against; Send always fails until a real association is bound.
type SCTPTransport struct {
	logger *zap.Logger

	mu    sync.RWMutex
	conns map[mmectx.ENBKey]struct{}
}

// NewSCTPTransport creates the production transport stub.
func NewSCTPTransport(logger *zap.Logger) *SCTPTransport {
	return &SCTPTransport{logger: logger, conns: make(map[mmectx.ENBKey]struct{})}
}

// Send implements Transport.
func (t *SCTPTransport) Send(enbKey mmectx.ENBKey, pdu PDU) error {
	t.mu.RLock()
	_, bound := t.conns[enbKey]
	t.mu.RUnlock()
	if !bound {
		return fmt.Errorf("s1ap: no SCTP association for %+v (ASN.1 PER encoding not implemented)", enbKey)
	}
	return fmt.Errorf("s1ap: SCTP transport is a stub, cannot send %v", pdu.Procedure)
}

// InMemoryENB is a Transport double standing in for a real eNB's SCTP
// association in tests: PDUs sent to it are recorded in a slice (see
// Sent), and
// its own uplink PDUs are delivered straight into the bound Adaptor's
// HandleInbound, collapsing the round trip an SCTPTransport would make
// over the wire into a synchronous in-process call — the same
// simplification internal/sgw.InMemoryPeer makes for S11/S10.
type InMemoryENB struct {
	enbKey  mmectx.ENBKey
	adaptor *Adaptor

	mu  sync.Mutex
	out []PDU
}

// NewInMemoryENB creates a double answering as enbKey.
func NewInMemoryENB(enbKey mmectx.ENBKey) *InMemoryENB {
	return &InMemoryENB{enbKey: enbKey}
}

// Bind registers the Adaptor this eNB double's uplink PDUs are delivered
// into.
func (e *InMemoryENB) Bind(adaptor *Adaptor) { e.adaptor = adaptor }

// Send implements Transport: it records every downlink PDU addressed to
// this eNB so tests can assert on it.
func (e *InMemoryENB) Send(enbKey mmectx.ENBKey, pdu PDU) error {
	if enbKey != e.enbKey {
		return fmt.Errorf("s1ap: in-memory eNB %+v received a PDU addressed to %+v", e.enbKey, enbKey)
	}
	e.mu.Lock()
	e.out = append(e.out, pdu)
	e.mu.Unlock()
	return nil
}

// Sent returns every downlink PDU this double has received so far.
func (e *InMemoryENB) Sent() []PDU {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PDU, len(e.out))
	copy(out, e.out)
	return out
}

// Uplink delivers pdu from this eNB into the bound Adaptor, as if it had
// arrived over SCTP.
func (e *InMemoryENB) Uplink(pdu PDU) {
	pdu.ENBKey = e.enbKey
	if e.adaptor != nil {
		e.adaptor.HandleInbound(pdu)
	}
}
