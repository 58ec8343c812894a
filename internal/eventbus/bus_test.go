package eventbus

import "testing"

func TestPublishFanout(t *testing.T) {
	b := New[int]()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(7)
	if v := <-a; v != 7 {
		t.Fatalf("a got %d, want 7", v)
	}
	if v := <-c; v != 7 {
		t.Fatalf("c got %d, want 7", v)
	}
}

func TestSlowSubscriberKeepsLatest(t *testing.T) {
	b := New[int]()
	ch, unsub := b.Subscribe(2)
	defer unsub()

	for i := 1; i <= 5; i++ {
		b.Publish(i)
	}
	var got []int
	for len(ch) > 0 {
		got = append(got, <-ch)
	}
	if len(got) != 2 || got[len(got)-1] != 5 {
		t.Fatalf("got %v, want 2 values ending in 5", got)
	}
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	b := New[string]()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	if b.Len() != 0 {
		t.Fatalf("len = %d, want 0", b.Len())
	}
	// Publishing after unsubscribe must not panic.
	b.Publish("x")
}

func TestCloseDetachesEveryone(t *testing.T) {
	b := New[int]()
	ch, unsub := b.Subscribe(1)
	b.Close()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after Close")
	}
	unsub()
	late, _ := b.Subscribe(1)
	if _, ok := <-late; ok {
		t.Fatalf("subscribe after Close should return a closed channel")
	}
	b.Publish(1)
}

func TestSubscribeWithSeedsOnlyNewChannel(t *testing.T) {
	b := New[int]()
	old, unsubOld := b.Subscribe(4)
	defer unsubOld()

	fresh, unsubFresh := b.SubscribeWith(4, 3)
	defer unsubFresh()
	if v := <-fresh; v != 3 {
		t.Fatalf("fresh got %d, want 3", v)
	}
	select {
	case v := <-old:
		t.Fatalf("existing subscriber got %d", v)
	default:
	}

	b.Publish(9)
	if v := <-old; v != 9 {
		t.Fatalf("old got %d, want 9", v)
	}
	if v := <-fresh; v != 9 {
		t.Fatalf("fresh got %d, want 9", v)
	}
}

func TestSubscribeWithAfterClose(t *testing.T) {
	b := New[int]()
	b.Close()
	ch, _ := b.SubscribeWith(1, 5)
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed without the initial value")
	}
}
