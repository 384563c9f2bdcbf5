package mqtt

import (
	"errors"
	"fmt"
	"io"

	"github.com/eddielth/efergy-bridge/validator"
)

// Topic is where readings are published.
const Topic = "house/energy"

// ErrorKind classifies publish failures for logs and metrics. Every kind
// is handled the same way: log and carry on with the next reading.
type ErrorKind string

const (
	KindSerialization ErrorKind = "serialization"
	KindNetwork       ErrorKind = "network"
	KindAuth          ErrorKind = "auth"
	KindTimeout       ErrorKind = "timeout"
)

// PublishError wraps any failure to deliver one reading.
type PublishError struct {
	Kind  ErrorKind
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s failed (%s): %v", e.Topic, e.Kind, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Sink delivers a payload to a topic. *Client is the production Sink.
type Sink interface {
	Publish(topic string, payload []byte) error
}

// Encoder turns a reading into a payload. *transformer.Manager is the
// production Encoder.
type Encoder interface {
	Payload(r validator.Reading) ([]byte, error)
}

// Publisher serializes readings, echoes them locally and hands them to the
// broker.
type Publisher struct {
	sink    Sink
	encoder Encoder
	echo    io.Writer
	topic   string
}

// NewPublisher creates a Publisher. echo receives one line per reading
// before the network publish; nil disables the echo.
func NewPublisher(sink Sink, encoder Encoder, echo io.Writer) *Publisher {
	return &Publisher{
		sink:    sink,
		encoder: encoder,
		echo:    echo,
		topic:   Topic,
	}
}

// Publish delivers one reading. Any failure comes back as *PublishError.
func (p *Publisher) Publish(r validator.Reading) error {
	payload, err := p.encoder.Payload(r)
	if err != nil {
		return &PublishError{Kind: KindSerialization, Topic: p.topic, Err: err}
	}

	if p.echo != nil {
		fmt.Fprintf(p.echo, "%s\n", payload)
	}

	if err := p.sink.Publish(p.topic, payload); err != nil {
		return &PublishError{Kind: classify(err), Topic: p.topic, Err: err}
	}
	return nil
}

func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrNotAuthorized):
		return KindAuth
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	default:
		return KindNetwork
	}
}
