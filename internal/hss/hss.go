// Package hss specifies the S6a contract the MME core consumes (spec.md
// §6) and provides an in-memory fixture double for tests and the single
// binary, since the real HSS Diameter client is out of scope per spec.md
// §1. The transport this package would otherwise speak (Diameter) is
// replaced by a direct Go interface, the same way the teacher's
// nf/ausf/internal/client and nf/udm/internal/service packages stand in
// for their out-of-process collaborators behind a narrow interface.
package hss

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/go-mme/core/internal/security"
)

// ErrUnknownSubscriber is returned for any operation on an IMSI the HSS
// has no fixture record for.
var ErrUnknownSubscriber = errors.New("hss: unknown subscriber")

// MaxEPSAuthVectors bounds how many vectors a single Authentication
// Information Answer may carry, spec.md §6.
const MaxEPSAuthVectors = 5

// AMBR is an Aggregate Maximum Bit Rate pair, as carried in subscription data.
type AMBR struct {
	Uplink, Downlink uint64
}

// QoSProfile is the subscribed QoS of one APN configuration.
type QoSProfile struct {
	QCI uint8
	ARP uint8
}

// APNConfiguration is one entry of a subscriber's APN configuration
// profile, spec.md §6.
type APNConfiguration struct {
	ContextID      int
	APN            string
	PDNType        string // "IPv4" | "IPv6" | "IPv4v6"
	SubscribedQoS  QoSProfile
	SubscribedAMBR AMBR
	StaticIPv4     string // empty unless the subscriber has a static assignment
}

// SubscriptionData is the payload of an Update-Location-Answer, spec.md §6.
type SubscriptionData struct {
	IMSI              string
	MSISDN            string
	SubscriberStatus  string // "SERVICE_GRANTED" | "OPERATOR_DETERMINED_BARRING"
	NetworkAccessMode string
	RAUTAUTimer       time.Duration
	SubscribedUEAMBR  AMBR
	APNConfigs        []APNConfiguration
}

// Client is the S6a contract consumed by internal/emm (Authentication,
// Update Location) and internal/mmeapp (Cancel Location, Reset, Notify).
type Client interface {
	// UpdateLocation corresponds to sending an Update-Location-Request
	// and returns the subscription data carried on the Answer.
	UpdateLocation(ctx context.Context, imsi string) (SubscriptionData, error)
	// AuthenticationInformation corresponds to an
	// Authentication-Information-Request/Answer exchange, returning up
	// to numVectors EUTRAN vectors (capped at MaxEPSAuthVectors).
	AuthenticationInformation(ctx context.Context, imsi string, numVectors int) ([]security.Vector, error)
	// CancelLocation corresponds to an MME-initiated Cancel-Location.
	CancelLocation(ctx context.Context, imsi string, cause string) error
	// Reset corresponds to a Reset-Request, informing the HSS the MME
	// restarted and any cached location information for it is stale.
	Reset(ctx context.Context) error
	// Notify corresponds to a Notify-Request (e.g. after implicit detach).
	Notify(ctx context.Context, imsi string) error
}

type subscriber struct {
	k, opc []byte
	amf    []byte
	sqn    uint64
	data   SubscriptionData
}

// InMemoryClient is a fixture-seeded Client double: every subscriber
// served must be registered via AddSubscriber before first use.
type InMemoryClient struct {
	plmnID string

	mu   sync.Mutex
	subs map[string]*subscriber
}

// NewInMemoryClient creates an empty fixture double. plmnID folds into
// the KASME derivation (TS 33.401 Annex A.2's SNid parameter).
func NewInMemoryClient(plmnID string) *InMemoryClient {
	return &InMemoryClient{plmnID: plmnID, subs: make(map[string]*subscriber)}
}

// AddSubscriber seeds a fixture subscriber record. k and opc must each be
// 16 bytes; amf is the 2-byte Authentication Management Field used for
// every vector generated for this subscriber.
func (c *InMemoryClient) AddSubscriber(imsi string, k, opc, amf []byte, data SubscriptionData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data.IMSI = imsi
	c.subs[imsi] = &subscriber{k: k, opc: opc, amf: amf, data: data}
}

// UpdateLocation returns the fixture subscription data for imsi.
func (c *InMemoryClient) UpdateLocation(ctx context.Context, imsi string) (SubscriptionData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.subs[imsi]
	if !ok {
		return SubscriptionData{}, ErrUnknownSubscriber
	}
	return s.data, nil
}

// AuthenticationInformation generates numVectors (capped at
// MaxEPSAuthVectors) fresh EPS-AKA vectors, advancing the fixture's SQN
// by one per vector as a real HSS would.
func (c *InMemoryClient) AuthenticationInformation(ctx context.Context, imsi string, numVectors int) ([]security.Vector, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.subs[imsi]
	if !ok {
		return nil, ErrUnknownSubscriber
	}
	if numVectors <= 0 {
		numVectors = 1
	}
	if numVectors > MaxEPSAuthVectors {
		numVectors = MaxEPSAuthVectors
	}

	vectors := make([]security.Vector, 0, numVectors)
	for i := 0; i < numVectors; i++ {
		s.sqn++
		sqn := sqnBytes(s.sqn)
		rand := randomOctets(16)
		v, err := security.GenerateVector(s.k, s.opc, rand, sqn, s.amf, c.plmnID)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, v)
	}
	return vectors, nil
}

// CancelLocation is a no-op on the fixture double beyond bookkeeping: a
// real HSS would drop its location record for imsi.
func (c *InMemoryClient) CancelLocation(ctx context.Context, imsi string, cause string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[imsi]; !ok {
		return ErrUnknownSubscriber
	}
	return nil
}

// Reset is a no-op on the fixture double.
func (c *InMemoryClient) Reset(ctx context.Context) error { return nil }

// Notify is a no-op on the fixture double.
func (c *InMemoryClient) Notify(ctx context.Context, imsi string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[imsi]; !ok {
		return ErrUnknownSubscriber
	}
	return nil
}

func sqnBytes(sqn uint64) []byte {
	b := make([]byte, 6)
	for i := 5; i >= 0; i-- {
		b[i] = byte(sqn)
		sqn >>= 8
	}
	return b
}

func randomOctets(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}
