package hss

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-mme/core/internal/security"
)

func seededClient(t *testing.T) (*InMemoryClient, string) {
	t.Helper()
	k := bytes.Repeat([]byte{0x11}, 16)
	op := bytes.Repeat([]byte{0x22}, 16)
	opc, err := security.ComputeOPc(k, op)
	require.NoError(t, err)

	c := NewInMemoryClient("262010")
	imsi := "262010000000001"
	c.AddSubscriber(imsi, k, opc, []byte{0x80, 0x00}, SubscriptionData{
		SubscriberStatus: "SERVICE_GRANTED",
		APNConfigs: []APNConfiguration{
			{ContextID: 1, APN: "internet", PDNType: "IPv4", SubscribedQoS: QoSProfile{QCI: 9, ARP: 1}},
		},
	})
	return c, imsi
}

func TestUpdateLocation_UnknownSubscriber(t *testing.T) {
	c := NewInMemoryClient("262010")
	_, err := c.UpdateLocation(context.Background(), "262010000000099")
	require.ErrorIs(t, err, ErrUnknownSubscriber)
}

func TestUpdateLocation_ReturnsSeededSubscriptionData(t *testing.T) {
	c, imsi := seededClient(t)
	data, err := c.UpdateLocation(context.Background(), imsi)
	require.NoError(t, err)
	require.Equal(t, imsi, data.IMSI)
	require.Len(t, data.APNConfigs, 1)
	require.Equal(t, "internet", data.APNConfigs[0].APN)
}

func TestAuthenticationInformation_CapsAtMax(t *testing.T) {
	c, imsi := seededClient(t)
	vectors, err := c.AuthenticationInformation(context.Background(), imsi, 100)
	require.NoError(t, err)
	require.Len(t, vectors, MaxEPSAuthVectors)
}

func TestAuthenticationInformation_EachVectorHasFreshRANDAndSQN(t *testing.T) {
	c, imsi := seededClient(t)
	vectors, err := c.AuthenticationInformation(context.Background(), imsi, 2)
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	require.NotEqual(t, vectors[0].RAND, vectors[1].RAND)
	require.NotEqual(t, vectors[0].KASME, vectors[1].KASME)
}

func TestAuthenticationInformation_UnknownSubscriber(t *testing.T) {
	c := NewInMemoryClient("262010")
	_, err := c.AuthenticationInformation(context.Background(), "000", 1)
	require.ErrorIs(t, err, ErrUnknownSubscriber)
}

func TestCancelLocationAndNotify_UnknownSubscriber(t *testing.T) {
	c := NewInMemoryClient("262010")
	require.ErrorIs(t, c.CancelLocation(context.Background(), "000", "detach"), ErrUnknownSubscriber)
	require.ErrorIs(t, c.Notify(context.Background(), "000"), ErrUnknownSubscriber)
}

func TestReset_Succeeds(t *testing.T) {
	c := NewInMemoryClient("262010")
	require.NoError(t, c.Reset(context.Background()))
}
