package link

import (
	"bytes"
	"errors"
	"testing"

	"blechat/radio"
)

func TestNextAcceptorStateFollowsLifecycle(t *testing.T) {
	state := AcceptorIdle
	for _, step := range []struct {
		trigger acceptorTrigger
		want    AcceptorState
	}{
		{triggerExposed, AcceptorChannelExposed},
		{triggerAdvertised, AcceptorAdvertising},
		{triggerSubscribed, AcceptorSubscriberPresent},
		{triggerUnsubscribed, AcceptorAdvertising},
		{triggerPoweredOff, AcceptorIdle},
	} {
		next, ok := nextAcceptorState(state, step.trigger)
		if !ok || next != step.want {
			t.Fatalf("%s from %s: expected %s, got %s (ok=%v)", step.trigger, state, step.want, next, ok)
		}
		state = next
	}

	if _, ok := nextAcceptorState(AcceptorIdle, triggerAdvertised); ok {
		t.Fatalf("expected advertise before expose to be rejected")
	}
	if _, ok := nextAcceptorState(AcceptorIdle, triggerSubscribed); ok {
		t.Fatalf("expected subscription while idle to be rejected")
	}
}

func TestAcceptorExposesAndAdvertisesOnPowerOn(t *testing.T) {
	r := newFakeRadio()
	m := newTestManager(t, r)

	m.HandleEvent(radio.PoweredOn{Role: radio.RoleAcceptor})
	expose, ok := r.last("ExposeChannel")
	if !ok {
		t.Fatalf("expected ExposeChannel after power on")
	}
	if expose.Spec.ServiceID != radio.ServiceID || expose.Spec.CharacteristicID != radio.MessageCharacteristicID {
		t.Fatalf("unexpected channel spec: %+v", expose.Spec)
	}
	if len(expose.Spec.Properties) != 2 {
		t.Fatalf("expected write+notify properties, got %v", expose.Spec.Properties)
	}

	m.HandleEvent(radio.ChannelExposed{})
	advertise, ok := r.last("Advertise")
	if !ok {
		t.Fatalf("expected Advertise after channel exposed")
	}
	if advertise.Label != radio.DefaultLabel || advertise.ServiceID != radio.ServiceID {
		t.Fatalf("unexpected advertise call: %+v", advertise)
	}
	if got := m.Snapshot().Acceptor; got != AcceptorAdvertising {
		t.Fatalf("expected advertising, got %s", got)
	}
}

func TestAcceptorExposeFailureStaysIdle(t *testing.T) {
	r := newFakeRadio()
	m := newTestManager(t, r)

	m.HandleEvent(radio.PoweredOn{Role: radio.RoleAcceptor})
	m.HandleEvent(radio.ChannelExposed{Err: errors.New("register application failed")})

	if got := m.Snapshot().Acceptor; got != AcceptorIdle {
		t.Fatalf("expected idle after expose failure, got %s", got)
	}
	if r.count("Advertise") != 0 {
		t.Fatalf("expected no advertise after expose failure")
	}
}

func TestReadySentOncePerNewSubscriber(t *testing.T) {
	r := newFakeRadio()
	m := newTestManager(t, r)
	m.HandleEvent(radio.PoweredOn{Role: radio.RoleAcceptor})
	m.HandleEvent(radio.ChannelExposed{})

	m.HandleEvent(radio.SubscriptionChanged{SubscriberID: "central-1", Subscribed: true})
	m.HandleEvent(radio.SubscriptionChanged{SubscriberID: "central-1", Subscribed: true})
	if got := r.count("Notify"); got != 1 {
		t.Fatalf("expected one READY for a repeated subscription, got %d", got)
	}
	notify, _ := r.last("Notify")
	if !bytes.Equal(notify.Payload, []byte("READY")) {
		t.Fatalf("expected READY payload, got %q", notify.Payload)
	}

	m.HandleEvent(radio.SubscriptionChanged{SubscriberID: "central-2", Subscribed: true})
	if got := r.count("Notify"); got != 2 {
		t.Fatalf("expected READY for a changed subscriber, got %d", got)
	}

	m.HandleEvent(radio.SubscriptionChanged{SubscriberID: "central-1", Subscribed: false})
	if got := m.Snapshot().Acceptor; got != AcceptorSubscriberPresent {
		t.Fatalf("expected stale unsubscribe to be ignored, got %s", got)
	}

	m.HandleEvent(radio.SubscriptionChanged{SubscriberID: "central-2", Subscribed: false})
	snapshot := m.Snapshot()
	if snapshot.Acceptor != AcceptorAdvertising || snapshot.Subscriber != "" {
		t.Fatalf("expected advertising without subscriber, got %+v", snapshot)
	}

	m.HandleEvent(radio.SubscriptionChanged{SubscriberID: "central-2", Subscribed: true})
	if got := r.count("Notify"); got != 3 {
		t.Fatalf("expected READY for a new subscription after unsubscribe, got %d", got)
	}
}

func TestAcceptorPowerOffResets(t *testing.T) {
	r := newFakeRadio()
	m := newTestManager(t, r)
	m.HandleEvent(radio.PoweredOn{Role: radio.RoleAcceptor})
	m.HandleEvent(radio.ChannelExposed{})
	m.HandleEvent(radio.SubscriptionChanged{SubscriberID: "central-1", Subscribed: true})

	m.HandleEvent(radio.PoweredOff{Role: radio.RoleAcceptor})
	snapshot := m.Snapshot()
	if snapshot.Acceptor != AcceptorIdle || snapshot.Subscriber != "" {
		t.Fatalf("expected idle after power off, got %+v", snapshot)
	}

	m.HandleEvent(radio.PoweredOn{Role: radio.RoleAcceptor})
	if got := r.count("ExposeChannel"); got != 2 {
		t.Fatalf("expected channel to be exposed again after power cycle, got %d", got)
	}
}
