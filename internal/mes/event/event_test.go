package event

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/bitfantasy/nimo-mes/internal/mes/sse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	events []Event
	err    error
}

func (r *recorder) Publish(_ context.Context, ev Event) error {
	r.events = append(r.events, ev)
	return r.err
}

func TestParseBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, ParseBrokers(" a:9092, ,b:9092 "))
	assert.Nil(t, ParseBrokers(""))
}

func TestFanout(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("broker down")}
	ev := Event{Type: TypeUnitStatus, Code: "C1", UnitID: "U1"}

	err := Fanout{bad, ok}.Publish(context.Background(), ev)
	assert.ErrorContains(t, err, "broker down")
	assert.Len(t, ok.events, 1)
	assert.Len(t, bad.events, 1)

	assert.NoError(t, Fanout{ok, Nop{}}.Publish(context.Background(), ev))
}

func TestHubPublisher(t *testing.T) {
	hub := sse.NewHub(nil)
	c := &sse.Client{ID: "c", Operation: "Weld", Events: make(chan sse.Event, 2)}
	hub.Register(c)

	p := NewHubPublisher(hub, nil)
	require.NoError(t, p.Publish(context.Background(), Event{
		Type: TypeUnitStatus, Code: "C1", UnitID: "U1", Operation: "Weld", InstanceID: "OI-1", Status: "In Progress",
	}))
	require.NoError(t, p.Publish(context.Background(), Event{Type: TypeUnitStatus, Operation: "Cut"}))

	require.Len(t, c.Events, 1)
	got := <-c.Events
	assert.Equal(t, TypeUnitStatus, got.EventType)

	var ev Event
	require.NoError(t, json.Unmarshal([]byte(got.Data), &ev))
	assert.Equal(t, "C1", ev.Code)
	assert.Equal(t, "In Progress", ev.Status)
}

func TestNewKafkaPublisher_RequiresBrokers(t *testing.T) {
	_, err := NewKafkaPublisher(KafkaConfig{}, nil)
	assert.Error(t, err)

	p, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}, Username: "u", Password: "p"}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultTopic, p.writer.Topic)
	assert.NoError(t, p.Close())
}
