package bus

import (
	"fmt"
	"testing"
	"time"
)

// testBusContract checks the delivery guarantees every backend must give.
func testBusContract(t *testing.T, newBus func(t *testing.T) MessageBus) {
	t.Run("Fanout", func(t *testing.T) {
		b := newBus(t)
		defer b.Close()

		s1, err := b.Subscribe(TopicResults)
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		s2, _ := b.Subscribe(TopicResults)
		defer s1.Unsubscribe()
		defer s2.Unsubscribe()

		if err := b.Publish(TopicResults, []byte("r")); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		for i, s := range []Subscription{s1, s2} {
			if msg := receive(t, s, time.Second); string(msg.Data) != "r" {
				t.Errorf("sub%d got %q", i+1, msg.Data)
			}
		}
	})

	t.Run("NoReplay", func(t *testing.T) {
		b := newBus(t)
		defer b.Close()

		if err := b.Publish(TopicInbox, []byte("early")); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		sub, _ := b.Subscribe(TopicInbox)
		defer sub.Unsubscribe()

		b.Publish(TopicInbox, []byte("late"))
		if msg := receive(t, sub, time.Second); string(msg.Data) != "late" {
			t.Errorf("late subscriber saw %q", msg.Data)
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		b := newBus(t)
		defer b.Close()

		grok, _ := b.Subscribe(TaskTopic("grok"))
		defer grok.Unsubscribe()

		b.Publish(TaskTopic("chatgpt"), []byte("not yours"))
		b.Publish(TaskTopic("grok"), []byte("yours"))
		if msg := receive(t, grok, time.Second); string(msg.Data) != "yours" {
			t.Errorf("grok received %q", msg.Data)
		}
	})

	t.Run("SinglePublisherOrdering", func(t *testing.T) {
		b := newBus(t)
		defer b.Close()

		sub, _ := b.Subscribe(TopicHeartbeats)
		defer sub.Unsubscribe()

		const n = 50
		for i := 0; i < n; i++ {
			if err := b.Publish(TopicHeartbeats, []byte(fmt.Sprint(i))); err != nil {
				t.Fatalf("Publish %d: %v", i, err)
			}
		}
		for i := 0; i < n; i++ {
			msg := receive(t, sub, time.Second)
			if string(msg.Data) != fmt.Sprint(i) {
				t.Fatalf("message %d = %q, out of order", i, msg.Data)
			}
		}
	})

	t.Run("UnsubscribeClosesChannel", func(t *testing.T) {
		b := newBus(t)
		defer b.Close()

		sub, _ := b.Subscribe(TopicResults)
		if err := sub.Unsubscribe(); err != nil {
			t.Fatalf("Unsubscribe: %v", err)
		}
		select {
		case _, ok := <-sub.Messages():
			if ok {
				t.Error("expected closed channel")
			}
		case <-time.After(time.Second):
			t.Error("channel not closed after Unsubscribe")
		}
	})
}

func receive(t *testing.T, sub Subscription, timeout time.Duration) *Message {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		if !ok {
			t.Fatal("subscription closed")
		}
		return msg
	case <-time.After(timeout):
		t.Fatal("timeout waiting for message")
	}
	return nil
}
