package link

import (
	"log/slog"

	"blechat/radio"
)

// AcceptorState is the acceptor-role lifecycle.
type AcceptorState string

const (
	AcceptorIdle              AcceptorState = "idle"
	AcceptorChannelExposed    AcceptorState = "channel_exposed"
	AcceptorAdvertising       AcceptorState = "advertising"
	AcceptorSubscriberPresent AcceptorState = "subscriber_present"
)

type acceptorTrigger string

const (
	triggerExposed      acceptorTrigger = "exposed"
	triggerAdvertised   acceptorTrigger = "advertised"
	triggerSubscribed   acceptorTrigger = "subscribed"
	triggerUnsubscribed acceptorTrigger = "unsubscribed"
	triggerPoweredOff   acceptorTrigger = "powered_off"
)

// nextAcceptorState returns the state reached by applying trigger to state,
// and false when the trigger is not valid in that state.
func nextAcceptorState(state AcceptorState, trigger acceptorTrigger) (AcceptorState, bool) {
	switch trigger {
	case triggerExposed:
		if state == AcceptorIdle {
			return AcceptorChannelExposed, true
		}
	case triggerAdvertised:
		if state == AcceptorChannelExposed {
			return AcceptorAdvertising, true
		}
	case triggerSubscribed:
		switch state {
		case AcceptorChannelExposed, AcceptorAdvertising, AcceptorSubscriberPresent:
			return AcceptorSubscriberPresent, true
		}
	case triggerUnsubscribed:
		if state == AcceptorSubscriberPresent {
			return AcceptorAdvertising, true
		}
	case triggerPoweredOff:
		return AcceptorIdle, true
	}
	return state, false
}

// AcceptorService drives the acceptor role: expose the message channel,
// advertise it and track the current subscriber. It is not safe for
// concurrent use; Manager serializes access.
type AcceptorService struct {
	radio      radio.Radio
	logger     *slog.Logger
	label      string
	state      AcceptorState
	subscriber string
}

func newAcceptorService(r radio.Radio, logger *slog.Logger, label string) *AcceptorService {
	return &AcceptorService{radio: r, logger: logger, label: label, state: AcceptorIdle}
}

// State returns the current acceptor state.
func (a *AcceptorService) State() AcceptorState {
	return a.state
}

// Subscriber returns the current subscriber, empty when none.
func (a *AcceptorService) Subscriber() string {
	return a.subscriber
}

// OnPoweredOn exposes the write+notify channel.
func (a *AcceptorService) OnPoweredOn() {
	if a.state != AcceptorIdle {
		return
	}
	if err := a.radio.ExposeChannel(radio.DefaultChannelSpec()); err != nil {
		a.logger.Warn("expose channel request failed", "error", err)
	}
}

// OnChannelExposed starts advertising once the channel is registered.
func (a *AcceptorService) OnChannelExposed(err error) {
	if err != nil {
		a.logger.Warn("expose channel failed", "error", err)
		return
	}
	if !a.apply(triggerExposed) {
		return
	}
	if err := a.radio.Advertise(a.label, radio.ServiceID); err != nil {
		a.logger.Warn("advertise request failed", "label", a.label, "error", err)
		return
	}
	a.apply(triggerAdvertised)
	a.logger.Info("advertising", "label", a.label)
}

// OnSubscriptionChanged tracks the subscriber. It reports true when a new
// subscriber arrived and must be sent the READY handshake.
func (a *AcceptorService) OnSubscriptionChanged(subscriberID string, subscribed bool) bool {
	if subscribed {
		if a.state == AcceptorSubscriberPresent && a.subscriber == subscriberID {
			return false
		}
		if !a.apply(triggerSubscribed) {
			return false
		}
		a.subscriber = subscriberID
		a.logger.Info("subscriber present", "subscriber_id", subscriberID)
		return true
	}

	if a.subscriber != subscriberID {
		return false
	}
	if a.apply(triggerUnsubscribed) {
		a.subscriber = ""
		a.logger.Info("subscriber left", "subscriber_id", subscriberID)
	}
	return false
}

// OnPoweredOff resets to Idle.
func (a *AcceptorService) OnPoweredOff() {
	a.apply(triggerPoweredOff)
	a.subscriber = ""
}

func (a *AcceptorService) apply(trigger acceptorTrigger) bool {
	next, ok := nextAcceptorState(a.state, trigger)
	if !ok {
		a.logger.Debug("ignored acceptor trigger", "state", a.state, "trigger", trigger)
		return false
	}
	a.state = next
	return true
}
