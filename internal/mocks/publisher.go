package mocks

import (
	"context"

	"github.com/samber/lo"
	"github.com/stretchr/testify/mock"
)

// PublisherMock stands in for the RabbitMQ publisher used by the audit and feed exchanges.
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

// Published returns the events sent under routingKey in call order.
func (m *PublisherMock) Published(routingKey string) []any {
	calls := lo.Filter(m.Calls, func(c mock.Call, _ int) bool {
		return c.Method == "Publish" && c.Arguments.String(1) == routingKey
	})
	return lo.Map(calls, func(c mock.Call, _ int) any { return c.Arguments.Get(2) })
}
