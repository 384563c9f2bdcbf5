package mqtt

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/efergy-bridge/config"
	"github.com/eddielth/efergy-bridge/transformer"
	"github.com/eddielth/efergy-bridge/validator"
)

type published struct {
	topic   string
	payload string
}

type fakeSink struct {
	messages []published
	err      error
}

func (s *fakeSink) Publish(topic string, payload []byte) error {
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, published{topic, string(payload)})
	return nil
}

type failingEncoder struct{}

func (failingEncoder) Payload(validator.Reading) ([]byte, error) {
	return nil, errors.New("cannot encode")
}

func newEncoder(t *testing.T) *transformer.Manager {
	t.Helper()
	m, err := transformer.NewManager(config.TransformerConfig{})
	require.NoError(t, err)
	return m
}

func TestPublisher_PublishesToHouseEnergy(t *testing.T) {
	sink := &fakeSink{}
	var echo bytes.Buffer
	p := NewPublisher(sink, newEncoder(t), &echo)

	require.NoError(t, p.Publish(validator.Reading{ConsumptionWatts: 1234.57}))

	require.Len(t, sink.messages, 1)
	assert.Equal(t, "house/energy", sink.messages[0].topic)
	assert.Equal(t, `{"consumption_watts":1234.57}`, sink.messages[0].payload)
	assert.Equal(t, "{\"consumption_watts\":1234.57}\n", echo.String())
}

func TestPublisher_EchoBeforeNetworkFailure(t *testing.T) {
	sink := &fakeSink{err: fmt.Errorf("%w: dial tcp: connection refused", ErrConnectionFailed)}
	var echo bytes.Buffer
	p := NewPublisher(sink, newEncoder(t), &echo)

	err := p.Publish(validator.Reading{ConsumptionWatts: 12})

	var pubErr *PublishError
	require.True(t, errors.As(err, &pubErr))
	assert.Equal(t, KindNetwork, pubErr.Kind)
	assert.Equal(t, Topic, pubErr.Topic)
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.Equal(t, "{\"consumption_watts\":12}\n", echo.String())
}

func TestPublisher_ErrorKinds(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{fmt.Errorf("%w: bad user name or password", ErrNotAuthorized), KindAuth},
		{fmt.Errorf("%w: after 5s", ErrTimeout), KindTimeout},
		{ErrNotConnected, KindNetwork},
		{fmt.Errorf("%w: broken pipe", ErrPublishFailed), KindNetwork},
	}

	for _, tt := range tests {
		t.Run(string(tt.want)+"/"+tt.err.Error(), func(t *testing.T) {
			p := NewPublisher(&fakeSink{err: tt.err}, newEncoder(t), nil)

			var pubErr *PublishError
			require.True(t, errors.As(p.Publish(validator.Reading{}), &pubErr))
			assert.Equal(t, tt.want, pubErr.Kind)
		})
	}
}

func TestPublisher_SerializationFailure(t *testing.T) {
	sink := &fakeSink{}
	var echo bytes.Buffer
	p := NewPublisher(sink, failingEncoder{}, &echo)

	err := p.Publish(validator.Reading{ConsumptionWatts: 1})

	var pubErr *PublishError
	require.True(t, errors.As(err, &pubErr))
	assert.Equal(t, KindSerialization, pubErr.Kind)
	assert.Empty(t, sink.messages)
	assert.Empty(t, echo.String())
}
