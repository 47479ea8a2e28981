// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package transporttest runs the checks every fabric transport must pass.
package transporttest

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/luxfi/fabric"
)

// Topic is the topic Run registers its receiver under.
const Topic int32 = 0x5eed

// Factory builds a started receiving side with r registered for topic, and
// returns a started transport that sends to it. It registers its own
// cleanup.
type Factory func(t *testing.T, topic int32, r fabric.Receiver) fabric.Transport

// Envelope returns [topic][body].
func Envelope(topic int32, body string) []byte {
	env := binary.BigEndian.AppendUint32(nil, uint32(topic))
	return append(env, body...)
}

// Echo records fire-and-forget envelopes and answers synchronous ones with
// "echo:" followed by the envelope body. A body of "fail" is refused.
type Echo struct {
	mu   sync.Mutex
	got  [][]byte
	wake chan struct{}
}

func NewEcho() *Echo {
	return &Echo{wake: make(chan struct{}, 1)}
}

func (e *Echo) Deliver(_ context.Context, envelope []byte) error {
	e.mu.Lock()
	e.got = append(e.got, append([]byte(nil), envelope...))
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

func (e *Echo) DeliverSync(_ context.Context, envelope []byte) ([]byte, error) {
	body := envelope[4:]
	if string(body) == "fail" {
		return nil, errors.New("refused")
	}
	return append([]byte("echo:"), body...), nil
}

// Wait blocks until n envelopes arrived and returns them.
func (e *Echo) Wait(t testing.TB, n int) [][]byte {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		e.mu.Lock()
		if len(e.got) >= n {
			got := append([][]byte(nil), e.got...)
			e.mu.Unlock()
			return got
		}
		have := len(e.got)
		e.mu.Unlock()
		select {
		case <-e.wake:
		case <-time.After(10 * time.Millisecond):
		case <-timeout:
			t.Fatalf("received %d of %d envelopes", have, n)
		}
	}
}

// Run checks ordered delivery and, when the sender supports it,
// send-and-wait, including concurrent callers and receiver errors.
func Run(t *testing.T, f Factory) {
	t.Run("SendInOrder", func(t *testing.T) {
		echo := NewEcho()
		tr := f(t, Topic, echo)
		ctx := context.Background()

		const n = 100
		for i := 0; i < n; i++ {
			if err := tr.Send(ctx, Topic, Envelope(Topic, fmt.Sprintf("m%03d", i))); err != nil {
				t.Fatalf("Send %d: %v", i, err)
			}
		}
		got := echo.Wait(t, n)
		for i, env := range got[:n] {
			if want := Envelope(Topic, fmt.Sprintf("m%03d", i)); !bytes.Equal(env, want) {
				t.Fatalf("envelope %d: got %q, want %q", i, env, want)
			}
		}
	})

	t.Run("SendAndWait", func(t *testing.T) {
		tr := f(t, Topic, NewEcho())
		if !tr.SupportsSendAndWait() {
			t.Skip("transport is fire-and-forget only")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		resp, err := tr.SendAndWait(ctx, Topic, Envelope(Topic, "ping"))
		if err != nil {
			t.Fatalf("SendAndWait: %v", err)
		}
		if string(resp) != "echo:ping" {
			t.Fatalf("got %q", resp)
		}

		if _, err := tr.SendAndWait(ctx, Topic, Envelope(Topic, "fail")); !errors.Is(err, fabric.ErrTransport) {
			t.Fatalf("refused envelope: expected ErrTransport, got %v", err)
		}
	})

	t.Run("ConcurrentSendAndWait", func(t *testing.T) {
		tr := f(t, Topic, NewEcho())
		if !tr.SupportsSendAndWait() {
			t.Skip("transport is fire-and-forget only")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					body := fmt.Sprintf("g%d-%d", g, i)
					resp, err := tr.SendAndWait(ctx, Topic, Envelope(Topic, body))
					if err != nil {
						errs <- err
						return
					}
					if string(resp) != "echo:"+body {
						errs <- fmt.Errorf("%s answered with %q", body, resp)
						return
					}
				}
			}(g)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatal(err)
		}
	})

	t.Run("Contract", func(t *testing.T) {
		runContract(t, f)
	})
}

// Ledger is the contract Run drives end to end.
type Ledger interface {
	Post(ctx context.Context, account string, amount int64) error
	Balance(ctx context.Context, account string) (*int64, error)
}

type ledger struct {
	mu       sync.Mutex
	balances map[string]int64
	posts    chan struct{}
}

func (l *ledger) Post(_ context.Context, account string, amount int64) error {
	l.mu.Lock()
	l.balances[account] += amount
	l.mu.Unlock()
	l.posts <- struct{}{}
	return nil
}

func (l *ledger) Balance(_ context.Context, account string) (*int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.balances[account]
	if !ok {
		return nil, fmt.Errorf("no account %s", account)
	}
	return &b, nil
}

func runContract(t *testing.T, f Factory) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reg, err := fabric.NewRegistry(nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	defer reg.Close()

	impl := &ledger{balances: make(map[string]int64), posts: make(chan struct{}, 16)}
	c, err := fabric.ContractOf[Ledger](reg, fabric.Synchronous("Balance"), fabric.WithTopic(Topic+1))
	if err != nil {
		t.Fatalf("ContractOf: %v", err)
	}
	sub, err := reg.NewSubscriber(c, impl)
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}
	tr := f(t, c.Topic(), sub)

	if !tr.SupportsSendAndWait() {
		if _, err := reg.NewPublisher(c, tr); !errors.Is(err, fabric.ErrConfiguration) {
			t.Fatalf("sync contract on a fire-and-forget transport: expected ErrConfiguration, got %v", err)
		}
		return
	}
	pub, err := reg.NewPublisher(c, tr)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}

	for _, amount := range []int64{10, -3, 5} {
		if err := pub.Invoke(ctx, "Post", "alice", amount); err != nil {
			t.Fatalf("Post: %v", err)
		}
		select {
		case <-impl.posts:
		case <-ctx.Done():
			t.Fatalf("Post was not delivered")
		}
	}

	res, err := pub.Call(ctx, "Balance", "alice")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if b := res.(*int64); *b != 12 {
		t.Fatalf("balance: got %d, want 12", *b)
	}

	_, err = pub.Call(ctx, "Balance", "bob")
	var remote *fabric.RemoteError
	if !errors.As(err, &remote) || remote.Message != "no account bob" {
		t.Fatalf("expected a RemoteError, got %v", err)
	}
}
