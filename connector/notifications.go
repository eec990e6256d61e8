package connector

import (
	"errors"
	"fmt"

	"cloudlet-rpc/message"
	"cloudlet-rpc/reactor"
)

var ErrSubscribed = errors.New("connector: already subscribed")

// NotificationCallbacks receives notifications pushed by drivers, such as queue
// deliveries. The delegate may also implement the reactor lifecycle notifiers.
type NotificationCallbacks interface {
	Notified(msg *message.Message)
}

// NotificationFunc adapts a function to NotificationCallbacks.
type NotificationFunc func(msg *message.Message)

func (f NotificationFunc) Notified(msg *message.Message) { f(msg) }

// Subscribe routes notifications addressed to key (their resource, e.g. a consumer tag)
// to delegate. The empty key catches notifications nobody else subscribed to.
func (c *Connector) Subscribe(key string, delegate NotificationCallbacks) (reactor.CallbackReference, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[key]; ok {
		return reactor.CallbackReference{}, fmt.Errorf("%w: %q", ErrSubscribed, key)
	}
	trigger, ref, err := reactor.Register[NotificationCallbacks](c.reactor, delegate)
	if err != nil {
		return reactor.CallbackReference{}, err
	}
	c.subs[key] = trigger
	return ref, nil
}

// Reassign swaps the delegate of a subscription.
func (c *Connector) Reassign(key string, delegate NotificationCallbacks) (reactor.CallbackReference, error) {
	c.mu.Lock()
	trigger, ok := c.subs[key]
	c.mu.Unlock()
	if !ok {
		return reactor.CallbackReference{}, fmt.Errorf("%w: no subscription %q", reactor.ErrUnregisteredTrigger, key)
	}
	return trigger.Assign(delegate)
}

func (c *Connector) Unsubscribe(key string) (reactor.CallbackReference, error) {
	c.mu.Lock()
	trigger, ok := c.subs[key]
	delete(c.subs, key)
	c.mu.Unlock()
	if !ok {
		return reactor.CallbackReference{}, fmt.Errorf("%w: no subscription %q", reactor.ErrUnregisteredTrigger, key)
	}
	return trigger.Unregister()
}

// Resolve returns the completion of a subscription transition.
func (c *Connector) Resolve(ref reactor.CallbackReference) *reactor.Completion[struct{}] {
	return c.reactor.Resolve(ref)
}

func (c *Connector) route(msg *message.Message) {
	c.mu.Lock()
	trigger, ok := c.subs[msg.Resource]
	if !ok {
		trigger, ok = c.subs[""]
	}
	c.mu.Unlock()

	log := c.logger.WithField("spec", msg.Specification.Identifier).WithField("resource", msg.Resource)
	if !ok {
		log.Debug("notification without subscriber dropped")
		return
	}
	if err := trigger.Dispatch(func(cb NotificationCallbacks) { cb.Notified(msg) }); err != nil {
		log.WithError(err).Debug("notification not delivered")
	}
}
