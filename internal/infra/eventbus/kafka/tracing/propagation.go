package tracing

import (
	"context"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

var _ propagation.TextMapCarrier = (*HeaderCarrier)(nil)

// HeaderCarrier adapts Kafka record headers to propagation.TextMapCarrier.
type HeaderCarrier struct {
	Headers []sarama.RecordHeader
}

func (c *HeaderCarrier) Get(key string) string {
	for _, h := range c.Headers {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

// Set replaces any existing header with the same key.
func (c *HeaderCarrier) Set(key, value string) {
	for i, h := range c.Headers {
		if string(h.Key) == key {
			c.Headers[i].Value = []byte(value)
			return
		}
	}
	c.Headers = append(c.Headers, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
}

func (c *HeaderCarrier) Keys() []string {
	out := make([]string, len(c.Headers))
	for i, h := range c.Headers {
		out[i] = string(h.Key)
	}
	return out
}

// InjectTraceContext writes the trace context of ctx into msg headers.
func InjectTraceContext(ctx context.Context, msg *sarama.ProducerMessage) {
	carrier := &HeaderCarrier{Headers: msg.Headers}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	msg.Headers = carrier.Headers
}

// ExtractTraceContext returns ctx extended with the trace context in msg headers.
func ExtractTraceContext(ctx context.Context, msg *sarama.ConsumerMessage) context.Context {
	headers := make([]sarama.RecordHeader, 0, len(msg.Headers))
	for _, h := range msg.Headers {
		if h != nil {
			headers = append(headers, *h)
		}
	}
	return otel.GetTextMapPropagator().Extract(ctx, &HeaderCarrier{Headers: headers})
}
