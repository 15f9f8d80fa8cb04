package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appliedEvent(resourceID string, version uint64) Event {
	return Event{
		Type:       EventOperationApplied,
		ResourceID: resourceID,
		Payload: OperationAppliedPayload{
			OperationID: fmt.Sprintf("op-%d", version),
			Operation:   Operation{Section: "plan", Field: "note", Value: "rest", BaseVersion: version - 1},
			User:        alice,
			Version:     version,
			AppliedAt:   t0,
		},
	}
}

func TestEventDispatcher_PublishesOperationApplied(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt OperationEvent
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.EventType != "OP_APPLIED" || evt.ResourceID != "enc-1" || evt.Version != 2 {
			return fmt.Errorf("unexpected event %+v", evt)
		}
		if evt.UserID != alice.UserID || evt.UserRole != alice.Role {
			return fmt.Errorf("unexpected user %q/%q", evt.UserID, evt.UserRole)
		}
		return nil
	})

	d := NewEventDispatcher(sp, "collab-ops", EventDispatcherOptions{Workers: 1}, nil)
	// 非操作事件不进入审计流
	d.Publish(Event{Type: EventCursorUpdate, ResourceID: "enc-1", Payload: CursorUpdatePayload{}})
	d.Publish(appliedEvent("enc-1", 2))
	d.Close()

	require.NoError(t, sp.Close())
}

func TestEventDispatcher_RetriesWithBackoff(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	sp.ExpectSendMessageAndSucceed()

	d := NewEventDispatcher(sp, "collab-ops", EventDispatcherOptions{
		Workers:     1,
		MaxRetry:    3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	}, nil)
	d.Publish(appliedEvent("enc-1", 2))
	d.Close()

	require.NoError(t, sp.Close())
}

func TestEventDispatcher_GivesUpAfterMaxRetry(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	d := NewEventDispatcher(sp, "collab-ops", EventDispatcherOptions{
		Workers:     1,
		MaxRetry:    1,
		BaseBackoff: time.Millisecond,
	}, nil)
	d.Publish(appliedEvent("enc-1", 2))
	d.Close()

	require.NoError(t, sp.Close())
}

func TestEventDispatcher_EnqueueAfterClose(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	d := NewEventDispatcher(sp, "collab-ops", EventDispatcherOptions{Workers: 1}, nil)
	d.Close()

	err := d.Enqueue(context.Background(), OperationEvent{ResourceID: "enc-1"})
	assert.True(t, errors.Is(err, context.Canceled))
	// Close 之后 Publish 直接丢弃，不会 panic
	d.Publish(appliedEvent("enc-1", 3))
	d.Close()

	require.NoError(t, sp.Close())
}

func TestEventDispatcher_FedFromSession(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndSucceed()
	sp.ExpectSendMessageAndSucceed()

	d := NewEventDispatcher(sp, "collab-ops", EventDispatcherOptions{Workers: 2}, nil)
	reg := NewSessionRegistry(RegistryOptions{Publisher: d})
	ctx := context.Background()
	_, err := reg.StartOrJoin(ctx, "enc-1", alice, nil)
	require.NoError(t, err)
	for i := 1; i <= 2; i++ {
		_, err := reg.ApplyOperation(ctx, "enc-1", callerOf(alice, "a"),
			Operation{Section: "plan", Field: "note", Value: i, BaseVersion: uint64(i)})
		require.NoError(t, err)
	}
	// 入会、锁等事件不会发往 Kafka
	_, _, err = reg.AcquireLock(ctx, "enc-1", callerOf(alice, "a"), "plan", "")
	require.NoError(t, err)
	d.Close()

	require.NoError(t, sp.Close())
}
