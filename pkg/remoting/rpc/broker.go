package rpc

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// ReceiveFunc получатель сообщений, адресованных конкретному handle
type ReceiveFunc func(msg *Message)

// SendFunc доставляет сообщение удаленной стороне
type SendFunc func(msg *Message)

// BrokerStats счетчики брокера
type BrokerStats struct {
	Sent        uint64
	Received    uint64
	Undelivered uint64
	Receivers   int
}

// Broker распределяет входящие сообщения по зарегистрированным получателям
// и отправляет исходящие через SendFunc.
//
// Все методы потокобезопасны. Получатель вызывается на горутине, доставившей
// сообщение, поэтому получатели сами переносят обработку в свой контекст.
type Broker struct {
	receivers map[Handle]ReceiveFunc
	send      SendFunc
	mutex     sync.RWMutex

	nextHandle atomic.Int32

	sent        atomic.Uint64
	received    atomic.Uint64
	undelivered atomic.Uint64

	logger *slog.Logger
}

// NewBroker создает брокер. send может быть nil и установлен позже через SetMessageSender.
func NewBroker(send SendFunc, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		receivers: make(map[Handle]ReceiveFunc),
		send:      send,
		logger:    logger.With("component", "rpc_broker"),
	}
	b.nextHandle.Store(int32(FirstHandle))
	return b
}

// GetUniqueHandle выдает новый уникальный handle
func (b *Broker) GetUniqueHandle() Handle {
	return Handle(b.nextHandle.Add(1) - 1)
}

// RegisterMessageReceiver регистрирует получателя для handle, заменяя предыдущего
func (b *Broker) RegisterMessageReceiver(handle Handle, receiver ReceiveFunc) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if _, exists := b.receivers[handle]; exists {
		b.logger.Warn("replacing message receiver", "handle", handle)
	}
	b.receivers[handle] = receiver
}

// UnregisterMessageReceiver удаляет получателя
func (b *Broker) UnregisterMessageReceiver(handle Handle) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	delete(b.receivers, handle)
}

// SetMessageSender устанавливает функцию доставки исходящих сообщений
func (b *Broker) SetMessageSender(send SendFunc) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.send = send
}

// SendMessageToRemote отправляет сообщение удаленной стороне
func (b *Broker) SendMessageToRemote(msg *Message) {
	b.mutex.RLock()
	send := b.send
	b.mutex.RUnlock()

	if send == nil {
		b.undelivered.Add(1)
		b.logger.Warn("no message sender, dropping", "proc", msg.Proc, "handle", msg.Handle)
		return
	}
	b.sent.Add(1)
	send(msg)
}

// ProcessMessageFromRemote доставляет входящее сообщение получателю по handle.
// Сообщения для незарегистрированных handle отбрасываются.
func (b *Broker) ProcessMessageFromRemote(msg *Message) {
	b.mutex.RLock()
	receiver, exists := b.receivers[msg.Handle]
	b.mutex.RUnlock()

	if !exists {
		b.undelivered.Add(1)
		b.logger.Debug("no receiver for message", "proc", msg.Proc, "handle", msg.Handle)
		return
	}
	b.received.Add(1)
	receiver(msg)
}

// Stats возвращает снимок счетчиков
func (b *Broker) Stats() BrokerStats {
	b.mutex.RLock()
	receivers := len(b.receivers)
	b.mutex.RUnlock()

	return BrokerStats{
		Sent:        b.sent.Load(),
		Received:    b.received.Load(),
		Undelivered: b.undelivered.Load(),
		Receivers:   receivers,
	}
}
