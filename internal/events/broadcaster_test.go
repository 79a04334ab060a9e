package events

import (
	"strings"
	"testing"
	"time"
)

func TestBroadcasterSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()

	ch1 := b.Subscribe("alice")
	ch2 := b.Subscribe("bob")

	if b.Count() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.Count())
	}

	b.Unsubscribe(ch1)
	if b.Count() != 1 {
		t.Fatalf("expected 1 subscriber after unsubscribe, got %d", b.Count())
	}

	b.Unsubscribe(ch2)
	if b.Count() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Count())
	}
}

func TestBroadcasterPublish(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe("alice")
	defer b.Unsubscribe(ch)

	b.Publish(Event{
		Type:  EventCreate,
		Owner: "alice",
		Path:  "/Documents/notes.txt",
		Size:  100,
	})

	select {
	case received := <-ch:
		if received.Type != EventCreate {
			t.Errorf("expected type %s, got %s", EventCreate, received.Type)
		}
		if received.Path != "/Documents/notes.txt" {
			t.Errorf("expected path /Documents/notes.txt, got %s", received.Path)
		}
		if received.Timestamp == 0 {
			t.Error("expected non-zero timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcasterFiltersByOwner(t *testing.T) {
	b := NewBroadcaster()
	alice := b.Subscribe("alice")
	bob := b.Subscribe("bob")
	defer b.Unsubscribe(alice)
	defer b.Unsubscribe(bob)

	b.Publish(Event{Type: EventRename, Owner: "alice", Path: "/Docs", OldPath: "/Documents"})

	select {
	case received := <-alice:
		if received.OldPath != "/Documents" {
			t.Errorf("expected old path /Documents, got %s", received.OldPath)
		}
	case <-time.After(time.Second):
		t.Fatal("alice: timed out")
	}

	select {
	case received := <-bob:
		t.Fatalf("bob received alice's event: %+v", received)
	default:
	}
}

func TestBroadcasterMultipleSubscribers(t *testing.T) {
	b := NewBroadcaster()
	ch1 := b.Subscribe("alice")
	ch2 := b.Subscribe("alice")
	defer b.Unsubscribe(ch1)
	defer b.Unsubscribe(ch2)

	b.Publish(Event{Type: EventModify, Owner: "alice", Path: "/shared.txt"})

	for i, ch := range []chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.Path != "/shared.txt" {
				t.Errorf("subscriber %d: expected /shared.txt, got %s", i, received.Path)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestBroadcasterDropsForSlowConsumer(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe("alice")
	defer b.Unsubscribe(ch)

	// Fill the channel buffer (64)
	for i := 0; i < 100; i++ {
		b.Publish(Event{Type: EventCreate, Owner: "alice", Path: "/overflow.txt"})
	}

	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			goto done
		}
	}
done:
	if count != 64 {
		t.Errorf("expected 64 buffered events, got %d", count)
	}
}

func TestMarshalEventOmitsOwner(t *testing.T) {
	data, err := MarshalEvent(Event{
		Type:      EventDelete,
		Owner:     "alice",
		Path:      "/deleted.txt",
		Affected:  3,
		Timestamp: 1234567890,
	})
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	if strings.Contains(s, "alice") {
		t.Errorf("owner leaked into payload: %s", s)
	}
	if !strings.Contains(s, `"affected":3`) {
		t.Errorf("expected affected count in payload: %s", s)
	}
}
