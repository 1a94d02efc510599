package mocks

import (
	"context"

	"github.com/resident-x/go-pika2mqtt/internal/domain"
	"github.com/stretchr/testify/mock"
)

// MockMessagePublisher is a mock of domain.MessagePublisher.
type MockMessagePublisher struct {
	mock.Mock
}

// NewMockMessagePublisher creates a MockMessagePublisher whose expectations are asserted at test cleanup.
func NewMockMessagePublisher(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockMessagePublisher {
	m := &MockMessagePublisher{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockMessagePublisher) Connect(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockMessagePublisher) Publish(ctx context.Context, topic string, data interface{}) error {
	return m.Called(ctx, topic, data).Error(0)
}

func (m *MockMessagePublisher) Close() error {
	return m.Called().Error(0)
}

// MockRecoverer is a mock of domain.Recoverer.
type MockRecoverer struct {
	mock.Mock
}

// NewMockRecoverer creates a MockRecoverer whose expectations are asserted at test cleanup.
func NewMockRecoverer(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockRecoverer {
	m := &MockRecoverer{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockRecoverer) Recover(ctx context.Context, target string) (domain.RecoveryOutcome, error) {
	args := m.Called(ctx, target)
	return args.Get(0).(domain.RecoveryOutcome), args.Error(1)
}

// MockMonitoringService is a mock of domain.MonitoringService.
type MockMonitoringService struct {
	mock.Mock
}

// NewMockMonitoringService creates a MockMonitoringService whose expectations are asserted at test cleanup.
func NewMockMonitoringService(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockMonitoringService {
	m := &MockMonitoringService{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockMonitoringService) Send(ctx context.Context, snapshot *domain.Snapshot) error {
	return m.Called(ctx, snapshot).Error(0)
}

func (m *MockMonitoringService) Connect() error {
	return m.Called().Error(0)
}

func (m *MockMonitoringService) Close() error {
	return m.Called().Error(0)
}
