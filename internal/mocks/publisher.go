package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"realtime-service/internal/observability"
	"realtime-service/internal/telemetry"
)

var (
	_ telemetry.Publisher     = (*PublisherMock)(nil)
	_ observability.Publisher = (*EventPublisherMock)(nil)
)

// PublisherMock stands in for the audit publisher.
type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any) error {
	args := m.Called(ctx, routingKey, event)
	return args.Error(0)
}

func (m *PublisherMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

// EventPublisherMock stands in for the ws lifecycle event publisher.
type EventPublisherMock struct {
	mock.Mock
}

func (m *EventPublisherMock) PublishJSON(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error {
	args := m.Called(ctx, routingKey, message, headers)
	return args.Error(0)
}
