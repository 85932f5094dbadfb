package bus

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeDelivery struct {
	m     Message
	state *[]string
}

func (d fakeDelivery) Message() Message { return d.m }
func (d fakeDelivery) Ack() error       { *d.state = append(*d.state, "ack:"+d.m.ID); return nil }
func (d fakeDelivery) Nak(time.Duration) error {
	*d.state = append(*d.state, "nak:"+d.m.ID)
	return nil
}
func (d fakeDelivery) Term() error { *d.state = append(*d.state, "term:"+d.m.ID); return nil }

type fakeConsumer struct {
	batches [][]Delivery
	cancel  context.CancelFunc
}

func (c *fakeConsumer) Fetch(ctx context.Context, _ int) ([]Delivery, error) {
	if len(c.batches) == 0 {
		c.cancel()
		return nil, ctx.Err()
	}
	b := c.batches[0]
	c.batches = c.batches[1:]
	if b == nil {
		return nil, ErrNoMessages
	}
	return b, nil
}

func TestConsumeSettlesByResult(t *testing.T) {
	var state []string
	d := func(id string) Delivery { return fakeDelivery{m: Message{ID: id}, state: &state} }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &fakeConsumer{batches: [][]Delivery{{d("a"), d("b")}, nil, {d("c")}}, cancel: cancel}

	err := Consume(ctx, c, 0, time.Second, func(_ context.Context, m Message) error {
		switch m.ID {
		case "b":
			return errors.New("try later")
		case "c":
			return Permanent(errors.New("bad payload"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	want := []string{"ack:a", "nak:b", "term:c"}
	if len(state) != len(want) {
		t.Fatalf("state = %v, want %v", state, want)
	}
	for i := range want {
		if state[i] != want[i] {
			t.Fatalf("state = %v, want %v", state, want)
		}
	}
}

func TestConsumeReturnsFetchErrors(t *testing.T) {
	boom := errors.New("boom")
	c := consumerFunc(func(context.Context, int) ([]Delivery, error) { return nil, boom })
	if err := Consume(context.Background(), c, 1, 0, nil); !errors.Is(err, boom) {
		t.Fatalf("Consume() error = %v, want %v", err, boom)
	}
}

type consumerFunc func(context.Context, int) ([]Delivery, error)

func (f consumerFunc) Fetch(ctx context.Context, n int) ([]Delivery, error) { return f(ctx, n) }
