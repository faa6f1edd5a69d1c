package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/coastal-hazard-pipeline/internal/domain"
)

func TestMapMessageToRawEvent(t *testing.T) {
	now := time.Now()
	msg := kafkago.Message{
		Key:       []byte("key-1"),
		Value:     []byte(`{"reporter_id":"alice"}`),
		Topic:     "hazard-reports",
		Partition: 2,
		Offset:    42,
		Time:      now,
		Headers: []kafkago.Header{
			{Key: "source", Value: []byte("mobile-app")},
		},
	}

	raw := mapMessageToRawEvent(msg)

	assert.Equal(t, []byte("key-1"), raw.Key)
	assert.JSONEq(t, `{"reporter_id":"alice"}`, string(raw.Value))
	assert.Equal(t, "hazard-reports", raw.Topic)
	assert.Equal(t, 2, raw.Partition)
	assert.Equal(t, int64(42), raw.Offset)
	assert.Equal(t, now, raw.Timestamp)
	assert.Equal(t, "mobile-app", raw.Headers["source"])
	assert.Nil(t, raw.Commit)
}

func TestTransitionMessage(t *testing.T) {
	at := time.Date(2025, 9, 3, 15, 10, 0, 0, time.UTC)
	tr := domain.Transition{
		HotspotID:   "hs-1",
		HazardType:  domain.HazardCyclone,
		From:        domain.StateActive,
		To:          domain.StateEscalated,
		Severity:    domain.SeverityCritical,
		MemberCount: 7,
		At:          at,
	}

	msg, err := transitionMessage("hotspot-transitions", tr)
	require.NoError(t, err)

	assert.Equal(t, "hotspot-transitions", msg.Topic)
	assert.Equal(t, []byte("hs-1"), msg.Key)
	assert.Contains(t, string(msg.Value), `"severity":"critical"`)
	require.Len(t, msg.Headers, 3)
	assert.Equal(t, "hazard_type", msg.Headers[0].Key)
	assert.Equal(t, []byte("cyclone"), msg.Headers[0].Value)
	assert.Equal(t, []byte("escalated"), msg.Headers[1].Value)
	assert.Equal(t, []byte(at.Format(time.RFC3339)), msg.Headers[2].Value)

	var back domain.Transition
	require.NoError(t, json.Unmarshal(msg.Value, &back))
	assert.Equal(t, tr, back)
}

func TestExhaustedMessage(t *testing.T) {
	task := domain.AlertTask{ID: "task-1", HotspotID: "hs-1", Channel: "sms", Attempts: 5, State: domain.DeliveryExhausted}

	msg, err := exhaustedMessage("alert-exhausted", task)
	require.NoError(t, err)

	assert.Equal(t, "alert-exhausted", msg.Topic)
	assert.Equal(t, []byte("hs-1"), msg.Key)
	assert.Contains(t, string(msg.Value), `"state":"exhausted"`)
	require.Len(t, msg.Headers, 3)
	assert.Equal(t, []byte("task_exhausted"), msg.Headers[0].Value)
	assert.Equal(t, []byte("5"), msg.Headers[2].Value)
}

func TestLostTriggerMessage(t *testing.T) {
	tr := domain.Transition{HotspotID: "hs-2", HazardType: domain.HazardFlood, From: domain.StateForming, To: domain.StateActive, MemberCount: 3}

	msg, err := lostTriggerMessage("alert-exhausted", tr, errors.New("directory unavailable"))
	require.NoError(t, err)

	assert.Equal(t, "alert-exhausted", msg.Topic)
	assert.Equal(t, []byte("hs-2"), msg.Key)
	require.Len(t, msg.Headers, 3)
	assert.Equal(t, []byte("trigger_lost"), msg.Headers[0].Value)
	assert.Equal(t, []byte("active"), msg.Headers[1].Value)
	assert.Equal(t, []byte("directory unavailable"), msg.Headers[2].Value)

	var back domain.Transition
	require.NoError(t, json.Unmarshal(msg.Value, &back))
	assert.Equal(t, tr, back)
}

func TestPublishExhausted_NoTopicIsNoop(t *testing.T) {
	w := &Writer{}
	assert.NoError(t, w.PublishExhausted(context.Background(), domain.AlertTask{ID: "task-1"}))
	assert.NoError(t, w.PublishTransitions(context.Background(), nil))
	assert.NoError(t, w.PublishLostTrigger(context.Background(), domain.Transition{HotspotID: "hs-1"}, errors.New("boom")))
}
