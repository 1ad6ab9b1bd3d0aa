package queue

import (
	"sync"

	"github.com/streadway/amqp"
)

// MockAMQPConnection is a mock implementation of AMQPConnection for testing
type MockAMQPConnection struct {
	// MockChannel is the channel to return from Channel()
	MockChannel AMQPChannel
	// Errors to return from operations
	ChannelErr error
	CloseErr   error
	// Track function calls
	ChannelCalled bool
	CloseCalled   bool

	closeListeners []chan *amqp.Error
}

// Channel returns the mock channel
func (m *MockAMQPConnection) Channel() (AMQPChannel, error) {
	m.ChannelCalled = true
	if m.ChannelErr != nil {
		return nil, m.ChannelErr
	}
	return m.MockChannel, nil
}

// NotifyClose registers a close listener
func (m *MockAMQPConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	m.closeListeners = append(m.closeListeners, receiver)
	return receiver
}

// Close mocks closing the connection
func (m *MockAMQPConnection) Close() error {
	m.CloseCalled = true
	return m.CloseErr
}

// SignalClose notifies registered close listeners of a connection loss
func (m *MockAMQPConnection) SignalClose(err *amqp.Error) {
	for _, listener := range m.closeListeners {
		select {
		case listener <- err:
		default:
		}
	}
}

// MockAMQPChannel is a mock implementation of AMQPChannel for testing
type MockAMQPChannel struct {
	mu sync.Mutex

	// PublishedMessages stores all published messages for verification
	PublishedMessages []amqp.Publishing
	// PublishedKeys stores routing keys for published messages
	PublishedKeys []string
	// DeclaredQueues stores names of declared queues
	DeclaredQueues []string
	// DeclaredQueueArgs stores arguments per declared queue
	DeclaredQueueArgs map[string]amqp.Table
	// Bindings stores queue -> routing key bindings
	Bindings map[string]string
	// Deliveries maps queue names to delivery channels fed by tests
	Deliveries map[string]chan amqp.Delivery

	// Errors to return from operations
	ExchangeDeclareErr error
	QueueDeclareErr    error
	QueueBindErr       error
	QosErr             error
	ConfirmErr         error
	PublishErr         error
	ConsumeErr         error
	CloseErr           error

	// NackPublishes makes the broker reject confirmed publishes
	NackPublishes bool

	// Track function calls
	ExchangeDeclareCalled bool
	QueueDeclareCalled    bool
	PublishCalled         bool
	ConsumeCalled         bool
	CloseCalled           bool

	// Store last call parameters
	LastExchange     string
	LastExchangeKind string
	LastQueueName    string
	LastKey          string
	LastPrefetch     int

	confirmListeners []chan amqp.Confirmation
	deliveryTag      uint64
}

// ExchangeDeclare mocks declaring an exchange
func (m *MockAMQPChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ExchangeDeclareCalled = true
	m.LastExchange = name
	m.LastExchangeKind = kind
	return m.ExchangeDeclareErr
}

// QueueDeclare mocks declaring a queue
func (m *MockAMQPChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.QueueDeclareCalled = true
	m.LastQueueName = name
	if m.QueueDeclareErr != nil {
		return amqp.Queue{}, m.QueueDeclareErr
	}
	m.DeclaredQueues = append(m.DeclaredQueues, name)
	if m.DeclaredQueueArgs == nil {
		m.DeclaredQueueArgs = make(map[string]amqp.Table)
	}
	m.DeclaredQueueArgs[name] = args
	return amqp.Queue{Name: name}, nil
}

// QueueBind mocks binding a queue
func (m *MockAMQPChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.QueueBindErr != nil {
		return m.QueueBindErr
	}
	if m.Bindings == nil {
		m.Bindings = make(map[string]string)
	}
	m.Bindings[name] = key
	return nil
}

// Qos mocks setting the prefetch budget
func (m *MockAMQPChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastPrefetch = prefetchCount
	return m.QosErr
}

// Confirm mocks enabling publisher confirms
func (m *MockAMQPChannel) Confirm(noWait bool) error {
	return m.ConfirmErr
}

// NotifyPublish registers a confirm listener
func (m *MockAMQPChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmListeners = append(m.confirmListeners, confirm)
	return confirm
}

// Publish mocks publishing a message and emits a confirmation
func (m *MockAMQPChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PublishCalled = true
	m.LastExchange = exchange
	m.LastKey = key
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.PublishedMessages = append(m.PublishedMessages, msg)
	m.PublishedKeys = append(m.PublishedKeys, key)

	m.deliveryTag++
	confirmation := amqp.Confirmation{DeliveryTag: m.deliveryTag, Ack: !m.NackPublishes}
	for _, listener := range m.confirmListeners {
		select {
		case listener <- confirmation:
		default:
		}
	}
	return nil
}

// Consume returns the test-fed delivery channel for a queue
func (m *MockAMQPChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConsumeCalled = true
	if m.ConsumeErr != nil {
		return nil, m.ConsumeErr
	}
	if m.Deliveries == nil {
		m.Deliveries = make(map[string]chan amqp.Delivery)
	}
	ch, ok := m.Deliveries[queue]
	if !ok {
		ch = make(chan amqp.Delivery, 64)
		m.Deliveries[queue] = ch
	}
	return ch, nil
}

// Deliver feeds a message body into a queue's delivery channel
func (m *MockAMQPChannel) Deliver(queue string, body []byte) {
	m.mu.Lock()
	if m.Deliveries == nil {
		m.Deliveries = make(map[string]chan amqp.Delivery)
	}
	ch, ok := m.Deliveries[queue]
	if !ok {
		ch = make(chan amqp.Delivery, 64)
		m.Deliveries[queue] = ch
	}
	m.deliveryTag++
	tag := m.deliveryTag
	m.mu.Unlock()

	ch <- amqp.Delivery{
		Acknowledger: &MockAcknowledger{},
		DeliveryTag:  tag,
		ContentType:  "application/json",
		Body:         body,
	}
}

// PublishedTo returns the bodies published under a routing key
func (m *MockAMQPChannel) PublishedTo(key string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	var bodies [][]byte
	for i, k := range m.PublishedKeys {
		if k == key {
			bodies = append(bodies, m.PublishedMessages[i].Body)
		}
	}
	return bodies
}

// Close mocks closing the channel
func (m *MockAMQPChannel) Close() error {
	m.CloseCalled = true
	return m.CloseErr
}

// MockAcknowledger records ack/nack decisions on mock deliveries
type MockAcknowledger struct {
	mu          sync.Mutex
	Acked       bool
	Nacked      bool
	LastRequeue bool
}

// Ack records an acknowledgement
func (m *MockAcknowledger) Ack(tag uint64, multiple bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Acked = true
	return nil
}

// Nack records a negative acknowledgement
func (m *MockAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Nacked = true
	m.LastRequeue = requeue
	return nil
}

// Reject records a rejection
func (m *MockAcknowledger) Reject(tag uint64, requeue bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Nacked = true
	m.LastRequeue = requeue
	return nil
}

// State returns the recorded ack/nack flags
func (m *MockAcknowledger) State() (acked, nacked, requeue bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Acked, m.Nacked, m.LastRequeue
}

// MockAMQPDialer is a mock implementation of AMQPDialer for testing
type MockAMQPDialer struct {
	// MockConnection is the connection to return from Dial()
	MockConnection AMQPConnection
	// Error to return from Dial
	DialErr error
	// Track function calls
	DialCalled bool
	DialCount  int
	// Store last call parameters
	LastURL string
}

// Dial returns the mock connection
func (m *MockAMQPDialer) Dial(url string) (AMQPConnection, error) {
	m.DialCalled = true
	m.DialCount++
	m.LastURL = url
	if m.DialErr != nil {
		return nil, m.DialErr
	}
	return m.MockConnection, nil
}

// NewMockBus wires a Bus to a fresh mock dialer/connection/channel and
// returns all three for test assertions.
func NewMockBus(config Config) (*Bus, *MockAMQPChannel, *MockAMQPConnection) {
	channel := &MockAMQPChannel{}
	conn := &MockAMQPConnection{MockChannel: channel}
	dialer := &MockAMQPDialer{MockConnection: conn}
	return NewBusWithDialer(config, dialer), channel, conn
}
