package main

import (
	"context"

	"github.com/go-mme/core/internal/emm"
	"github.com/go-mme/core/internal/hss"
)

// hssAdapter narrows an internal/hss.Client down to the single-vector,
// no-subscription-data shape internal/emm's Engine consumes, the same
// way nf/amf's internal/client wraps its AUSF/UDM HTTP clients behind a
// service-local interface rather than handing the whole client out.
type hssAdapter struct {
	client hss.Client
}

func newHSSAdapter(client hss.Client) *hssAdapter {
	return &hssAdapter{client: client}
}

func (a *hssAdapter) AuthenticationInformation(ctx context.Context, imsi string) (emm.AuthVector, error) {
	vectors, err := a.client.AuthenticationInformation(ctx, imsi, 1)
	if err != nil {
		return emm.AuthVector{}, err
	}
	if len(vectors) == 0 {
		return emm.AuthVector{}, hss.ErrUnknownSubscriber
	}
	v := vectors[0]
	return emm.AuthVector{RAND: v.RAND, AUTN: v.AUTN, XRES: v.XRES, KASME: v.KASME}, nil
}

func (a *hssAdapter) UpdateLocation(ctx context.Context, imsi string) error {
	_, err := a.client.UpdateLocation(ctx, imsi)
	return err
}
