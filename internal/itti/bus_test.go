package itti

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type echoTask struct {
	id       TaskID
	received chan Message
}

func (e *echoTask) ID() TaskID { return e.id }

func (e *echoTask) Run(ctx context.Context, in <-chan Message) {
	for m := range in {
		if m.ID == TerminateMessage {
			return
		}
		e.received <- m
	}
}

func TestBus_SendAndDeliverFIFO(t *testing.T) {
	logger := zap.NewNop()
	bus := NewBus(logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := &echoTask{id: TaskMMEApp, received: make(chan Message, 10)}
	bus.Register(ctx, task)

	for i := 0; i < 5; i++ {
		err := bus.Send(Message{Source: TaskS1AP, Destination: TaskMMEApp, ID: S1APInitialUEMessage, Payload: i})
		require.NoError(t, err)
	}

	for i := 0; i < 5; i++ {
		select {
		case m := <-task.received:
			require.Equal(t, i, m.Payload)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
	}
}

func TestBus_SendToUnknownTaskFails(t *testing.T) {
	bus := NewBus(zap.NewNop())
	err := bus.Send(Message{Destination: TaskS6A, ID: S6AAuthInfoRequest})
	require.Error(t, err)
}

func TestBus_HighAndNormalPriorityBothDelivered(t *testing.T) {
	logger := zap.NewNop()
	bus := NewBus(logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := &echoTask{id: TaskNASEMM, received: make(chan Message, 10)}
	bus.Register(ctx, task)

	require.NoError(t, bus.Send(Message{Destination: TaskNASEMM, ID: TimerHasExpired, Priority: PriorityNormal, Payload: "normal"}))
	require.NoError(t, bus.Send(Message{Destination: TaskNASEMM, ID: TimerHasExpired, Priority: PriorityHigh, Payload: "high"}))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case m := <-task.received:
			seen[m.Payload.(string)] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
	}
	require.True(t, seen["high"])
	require.True(t, seen["normal"])
}
