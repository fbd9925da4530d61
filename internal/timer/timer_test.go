package timer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/go-mme/core/internal/itti"
)

type recvTask struct {
	id       itti.TaskID
	received chan itti.Message
}

func (r *recvTask) ID() itti.TaskID { return r.id }

func (r *recvTask) Run(ctx context.Context, in <-chan itti.Message) {
	for m := range in {
		if m.ID == itti.TerminateMessage {
			return
		}
		r.received <- m
	}
}

func newHarness(t *testing.T) (*Service, *recvTask, context.CancelFunc) {
	t.Helper()
	logger := zap.NewNop()
	bus := itti.NewBus(logger)
	ctx, cancel := context.WithCancel(context.Background())

	task := &recvTask{id: itti.TaskNASEMM, received: make(chan itti.Message, 10)}
	bus.Register(ctx, task)

	svc := NewService(bus, logger)
	go svc.Run(ctx)

	return svc, task, cancel
}

func TestService_OneShotFires(t *testing.T) {
	svc, task, cancel := newHarness(t)
	defer cancel()

	h := svc.Create(10*time.Millisecond, OneShot, itti.TaskNASEMM, "t3450")

	select {
	case m := <-task.received:
		require.Equal(t, itti.TimerHasExpired, m.ID)
		exp := m.Payload.(Expiry)
		require.Equal(t, h, exp.Handle)
		require.Equal(t, "t3450", exp.Arg)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for expiry")
	}
}

func TestService_RemoveBeforeFirePreventsDelivery(t *testing.T) {
	svc, task, cancel := newHarness(t)
	defer cancel()

	h := svc.Create(200*time.Millisecond, OneShot, itti.TaskNASEMM, "t3460")
	require.NoError(t, svc.Remove(h))

	select {
	case m := <-task.received:
		t.Fatalf("unexpected delivery after cancellation: %+v", m)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestService_RemoveAfterFireReturnsNotFound(t *testing.T) {
	svc, task, cancel := newHarness(t)
	defer cancel()

	h := svc.Create(10*time.Millisecond, OneShot, itti.TaskNASEMM, "t3470")

	select {
	case <-task.received:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for expiry")
	}

	require.ErrorIs(t, svc.Remove(h), ErrNotFound)
}

func TestService_PeriodicFiresMultipleTimes(t *testing.T) {
	svc, task, cancel := newHarness(t)
	defer cancel()

	h := svc.Create(10*time.Millisecond, Periodic, itti.TaskNASEMM, "heartbeat")

	for i := 0; i < 3; i++ {
		select {
		case m := <-task.received:
			require.Equal(t, h, m.Payload.(Expiry).Handle)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for periodic firing %d", i)
		}
	}

	require.NoError(t, svc.Remove(h))
}
