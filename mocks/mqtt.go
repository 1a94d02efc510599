// Package mocks provides testify mocks for the interfaces used across go-pika2mqtt.
package mocks

import (
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/mock"
)

// MockClient is a mock of mqtt.Client.
type MockClient struct {
	mock.Mock
}

// NewMockClient creates a MockClient whose expectations are asserted at test cleanup.
func NewMockClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockClient {
	m := &MockClient{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockClient) IsConnected() bool {
	return m.Called().Bool(0)
}

func (m *MockClient) IsConnectionOpen() bool {
	return m.Called().Bool(0)
}

func (m *MockClient) Connect() mqtt.Token {
	return m.Called().Get(0).(mqtt.Token)
}

func (m *MockClient) Disconnect(quiesce uint) {
	m.Called(quiesce)
}

func (m *MockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return m.Called(topic, qos, retained, payload).Get(0).(mqtt.Token)
}

func (m *MockClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return m.Called(topic, qos, callback).Get(0).(mqtt.Token)
}

func (m *MockClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return m.Called(filters, callback).Get(0).(mqtt.Token)
}

func (m *MockClient) Unsubscribe(topics ...string) mqtt.Token {
	return m.Called(topics).Get(0).(mqtt.Token)
}

func (m *MockClient) AddRoute(topic string, callback mqtt.MessageHandler) {
	m.Called(topic, callback)
}

func (m *MockClient) OptionsReader() mqtt.ClientOptionsReader {
	return m.Called().Get(0).(mqtt.ClientOptionsReader)
}

// MockToken is a mock of mqtt.Token.
type MockToken struct {
	mock.Mock
}

// NewMockToken creates a MockToken whose expectations are asserted at test cleanup.
func NewMockToken(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockToken {
	m := &MockToken{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockToken) Wait() bool {
	return m.Called().Bool(0)
}

func (m *MockToken) WaitTimeout(d time.Duration) bool {
	return m.Called(d).Bool(0)
}

func (m *MockToken) Done() <-chan struct{} {
	return m.Called().Get(0).(<-chan struct{})
}

func (m *MockToken) Error() error {
	return m.Called().Error(0)
}

// DoneChannel returns an already closed channel for MockToken.Done expectations.
func DoneChannel() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
