// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fabric_test

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/luxfi/fabric"
	"github.com/luxfi/fabric/internal/telemetry"
	"github.com/luxfi/fabric/internal/telemetry/telemetrytest"
	"github.com/luxfi/fabric/transport/inproc"
)

type call struct {
	method string
	args   []interface{}
}

type quotes struct {
	calls chan call
}

func newQuotes() *quotes { return &quotes{calls: make(chan call, 64)} }

func (q *quotes) Quote(symbol string, price float64, size int64) error {
	q.calls <- call{"Quote", []interface{}{symbol, price, size}}
	return nil
}

func (q *quotes) Tick(_ context.Context, seq int32, flags byte) {
	q.calls <- call{"Tick", []interface{}{seq, flags}}
}

func (q *quotes) Batch(symbols []string, sizes map[string]int32, note *string) error {
	q.calls <- call{"Batch", []interface{}{symbols, sizes, note}}
	return nil
}

func (q *quotes) Last(_ context.Context, symbol string) (*float64, error) {
	if symbol == "" {
		return nil, nil
	}
	px := 101.5
	return &px, nil
}

func (q *quotes) Fail(reason string) error { return errors.New(reason) }

func (q *quotes) next(t *testing.T) call {
	t.Helper()
	select {
	case c := <-q.calls:
		return c
	case <-time.After(5 * time.Second):
		t.Fatalf("no call delivered")
		return call{}
	}
}

// pair wires a publisher and a subscriber of Quotes over one inproc transport.
func pair(t *testing.T, opts ...fabric.PublisherOption) (*fabric.Publisher, *quotes) {
	t.Helper()
	ctx := context.Background()
	tr := inproc.New()
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { tr.Shutdown() })

	reg := newRegistry(t)
	c, err := fabric.ContractOf[Quotes](reg, fabric.Synchronous("Last", "Fail"))
	if err != nil {
		t.Fatalf("ContractOf: %v", err)
	}
	impl := newQuotes()
	sub, err := reg.NewSubscriber(c, impl)
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}
	if err := sub.Subscribe(tr); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	pub, err := reg.NewPublisher(c, tr, opts...)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	return pub, impl
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	pub, impl := pair(t)
	note := "close only"

	tests := []call{
		{"Quote", []interface{}{"LUX", 12.5, int64(300)}},
		{"Tick", []interface{}{int32(-9), byte(0x80)}},
		{"Batch", []interface{}{[]string{"LUX", "ETH"}, map[string]int32{"LUX": 3}, &note}},
		{"Batch", []interface{}{[]string(nil), map[string]int32(nil), (*string)(nil)}},
		{"Quote", []interface{}{"", 0.0, int64(0)}},
	}
	for _, want := range tests {
		if err := pub.Invoke(ctx, want.method, want.args...); err != nil {
			t.Fatalf("Invoke %s: %v", want.method, err)
		}
		got := impl.next(t)
		if got.method != want.method {
			t.Fatalf("dispatched %s, want %s", got.method, want.method)
		}
		if !reflect.DeepEqual(got.args, want.args) {
			t.Fatalf("%s: got %#v, want %#v", want.method, got.args, want.args)
		}
	}
}

func TestInvokeArgumentChecks(t *testing.T) {
	ctx := context.Background()
	pub, _ := pair(t)

	if err := pub.Invoke(ctx, "Quote", "LUX", 12.5); !errors.Is(err, fabric.ErrArgument) {
		t.Fatalf("arity: expected ErrArgument, got %v", err)
	}
	if err := pub.Invoke(ctx, "Quote", "LUX", 12.5, 300); !errors.Is(err, fabric.ErrArgument) {
		t.Fatalf("int for int64: expected ErrArgument, got %v", err)
	}
	if err := pub.Invoke(ctx, "Nope"); !errors.Is(err, fabric.ErrUnknownMethod) {
		t.Fatalf("expected ErrUnknownMethod, got %v", err)
	}
	if _, err := pub.Call(ctx, "Quote", "LUX", 1.0, int64(1)); !errors.Is(err, fabric.ErrArgument) {
		t.Fatalf("Call of async method: expected ErrArgument, got %v", err)
	}
}

func TestSynchronousCall(t *testing.T) {
	ctx := context.Background()
	pub, _ := pair(t)

	res, err := pub.Call(ctx, "Last", "LUX")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	px, ok := res.(*float64)
	if !ok || px == nil || *px != 101.5 {
		t.Fatalf("got %#v", res)
	}

	res, err = pub.Call(ctx, "Last", "")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if px, _ := res.(*float64); px != nil {
		t.Fatalf("expected a nil result, got %v", *px)
	}

	err = pub.Invoke(ctx, "Fail", "book closed")
	var remote *fabric.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.Method != "Fail" || remote.Message != "book closed" {
		t.Fatalf("got %+v", remote)
	}
}

func TestStub(t *testing.T) {
	ctx := context.Background()
	pub, impl := pair(t)

	stub, err := pub.Method("Tick")
	if err != nil {
		t.Fatalf("Method: %v", err)
	}
	if err := stub.Invoke(ctx, int32(1), byte(2)); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := impl.next(t); got.method != "Tick" {
		t.Fatalf("dispatched %s", got.method)
	}

	last, err := pub.Method("Last")
	if err != nil {
		t.Fatalf("Method: %v", err)
	}
	res, err := last.Call(ctx, "LUX")
	if err != nil || *res.(*float64) != 101.5 {
		t.Fatalf("Call: %v, %v", res, err)
	}
}

func TestBind(t *testing.T) {
	pub, impl := pair(t)

	var q struct {
		Quote func(symbol string, price float64, size int64) error
		Last  func(ctx context.Context, symbol string) (*float64, error)
		Fail  func(reason string) error
		Other func()
	}
	if err := pub.Bind(&q); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if q.Other != nil {
		t.Fatalf("unrelated field was bound")
	}

	if err := q.Quote("ETH", 2.5, 7); err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if got := impl.next(t); !reflect.DeepEqual(got.args, []interface{}{"ETH", 2.5, int64(7)}) {
		t.Fatalf("got %#v", got.args)
	}

	px, err := q.Last(context.Background(), "ETH")
	if err != nil || px == nil || *px != 101.5 {
		t.Fatalf("Last: %v, %v", px, err)
	}

	var remote *fabric.RemoteError
	if err := q.Fail("halted"); !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}

	var wrong struct {
		Quote func(symbol string) error
	}
	if err := pub.Bind(&wrong); !errors.Is(err, fabric.ErrArgument) {
		t.Fatalf("mismatched field: expected ErrArgument, got %v", err)
	}
	if err := pub.Bind(q); !errors.Is(err, fabric.ErrArgument) {
		t.Fatalf("non-pointer: expected ErrArgument, got %v", err)
	}
}

func TestSyncContractNeedsSendAndWait(t *testing.T) {
	reg := newRegistry(t)
	c, err := fabric.ContractOf[Quotes](reg, fabric.Synchronous("Last", "Fail"))
	if err != nil {
		t.Fatalf("ContractOf: %v", err)
	}
	_, err = reg.NewPublisher(c, &recorder{})
	if !errors.Is(err, fabric.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if !errors.Is(err, fabric.ErrSendAndWaitUnsupported) {
		t.Fatalf("expected the capability in the error, got %v", err)
	}
}

// Ticker has one parameter of each direct writer plus an object parameter.
type Ticker interface {
	Tick(seq int32, flags byte, symbol string, size int64)
	Mark(price float64)
}

func TestEnvelopeLayout(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t)
	c, err := fabric.ContractOf[Ticker](reg, fabric.WithTopic(0x01020304), fabric.WithoutFingerprint())
	if err != nil {
		t.Fatalf("ContractOf: %v", err)
	}
	rec := &recorder{}
	pub, err := reg.NewPublisher(c, rec)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	if err := pub.Invoke(ctx, "Tick", int32(7), byte(9), "ab", int64(1)); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if err := pub.Invoke(ctx, "Mark", 1.0); err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	// Mark sorts before Tick.
	want := [][]byte{
		{
			1, 2, 3, 4,
			1,
			0, 0, 0, 7,
			9,
			1, 0, 0, 0, 2, 'a', 'b',
			0, 0, 0, 0, 0, 0, 0, 1,
		},
		{
			1, 2, 3, 4,
			0,
			1, 0, 0, 0, byte(fabric.CodeFloat64), 0x3f, 0xf0, 0, 0, 0, 0, 0, 0,
		},
	}
	got := rec.envelopes()
	if len(got) != len(want) {
		t.Fatalf("sent %d envelopes", len(got))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("envelope %d: got %x, want %x", i, got[i], want[i])
		}
	}

	topic, err := fabric.TopicOf(got[0])
	if err != nil || topic != 0x01020304 {
		t.Fatalf("TopicOf: %d, %v", topic, err)
	}
}

// QuotesV2 shares a topic with Quotes but not its schema.
type QuotesV2 interface {
	Quote(symbol string, price float64) error
}

func TestFingerprintMismatch(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t)
	const topic = 4242

	older, err := fabric.ContractOf[Quotes](reg, fabric.Synchronous("Last", "Fail"), fabric.WithTopic(topic))
	if err != nil {
		t.Fatalf("ContractOf: %v", err)
	}
	newer, err := fabric.ContractOf[QuotesV2](reg, fabric.WithTopic(topic))
	if err != nil {
		t.Fatalf("ContractOf: %v", err)
	}

	impl := newQuotes()
	sub, err := reg.NewSubscriber(older, impl)
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}
	rec := &recorder{}
	pub, err := reg.NewPublisher(newer, rec)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	if err := pub.Invoke(ctx, "Quote", "LUX", 1.0); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	env := rec.envelopes()[0]
	if err := sub.Deliver(ctx, env); !errors.Is(err, fabric.ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
	select {
	case c := <-impl.calls:
		t.Fatalf("mismatched envelope dispatched %s", c.method)
	default:
	}
}

func TestDeliverRejectsBadEnvelopes(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t)
	c, err := fabric.ContractOf[Quotes](reg, fabric.Synchronous("Last", "Fail"))
	if err != nil {
		t.Fatalf("ContractOf: %v", err)
	}
	sub, err := reg.NewSubscriber(c, newQuotes())
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}

	e := fabric.NewEncoder(reg.CodeBook())
	e.WriteInt(c.Topic() + 1)
	if err := sub.Deliver(ctx, e.Bytes()); !errors.Is(err, fabric.ErrTopicMismatch) {
		t.Fatalf("expected ErrTopicMismatch, got %v", err)
	}

	e.Reset()
	e.WriteInt(c.Topic())
	e.WriteInt(int32(c.Fingerprint()))
	_ = e.WriteByte(200)
	if err := sub.Deliver(ctx, e.Bytes()); !errors.Is(err, fabric.ErrUnknownMethod) {
		t.Fatalf("expected ErrUnknownMethod, got %v", err)
	}

	if _, err := reg.NewSubscriber(c, struct{}{}); !errors.Is(err, fabric.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for a non-implementation, got %v", err)
	}
}

// Sequence checks per-producer ordering through the reliable pipeline.
type Sequence interface {
	Next(producer int32, n int32)
}

type sequence struct {
	mu   sync.Mutex
	seen map[int32][]int32
}

func (s *sequence) Next(producer int32, n int32) {
	s.mu.Lock()
	s.seen[producer] = append(s.seen[producer], n)
	s.mu.Unlock()
}

func (s *sequence) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, ns := range s.seen {
		total += len(ns)
	}
	return total
}

func TestReliableOrdering(t *testing.T) {
	const (
		producers = 4
		perEach   = 500
	)
	ctx := context.Background()
	tr := inproc.New(inproc.WithQueue(16))
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tr.Shutdown()

	reg := newRegistry(t)
	c, err := fabric.ContractOf[Sequence](reg)
	if err != nil {
		t.Fatalf("ContractOf: %v", err)
	}
	impl := &sequence{seen: make(map[int32][]int32)}
	sub, err := reg.NewSubscriber(c, impl)
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}
	if err := sub.Subscribe(tr); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	pub, err := reg.NewPublisher(c, tr, fabric.WithReliable(64))
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, producers)
	for p := int32(0); p < producers; p++ {
		wg.Add(1)
		go func(p int32) {
			defer wg.Done()
			for n := int32(0); n < perEach; n++ {
				if err := pub.Invoke(ctx, "Next", p, n); err != nil {
					errs <- err
					return
				}
			}
		}(p)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Invoke: %v", err)
	}

	waitFor(t, "all envelopes", func() bool { return impl.count() == producers*perEach })
	for p, ns := range impl.seen {
		for i, n := range ns {
			if n != int32(i) {
				t.Fatalf("producer %d: position %d holds %d", p, i, n)
			}
		}
	}
}

func TestReliablePipelineSharedAndClosed(t *testing.T) {
	ctx := context.Background()
	reg, err := fabric.NewRegistry(nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	c, err := fabric.ContractOf[Sequence](reg)
	if err != nil {
		t.Fatalf("ContractOf: %v", err)
	}
	rec := &recorder{}
	pub, err := reg.NewPublisher(c, rec, fabric.WithReliable(8))
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	if _, err := reg.NewPublisher(c, rec, fabric.WithReliable(8)); err != nil {
		t.Fatalf("second publisher on the same pipeline: %v", err)
	}
	if _, err := reg.NewPublisher(c, rec, fabric.WithReliable(16)); !errors.Is(err, fabric.ErrConfiguration) {
		t.Fatalf("capacity conflict: expected ErrConfiguration, got %v", err)
	}
	if _, err := reg.NewPublisher(c, &recorder{}, fabric.WithReliable(8)); !errors.Is(err, fabric.ErrConfiguration) {
		t.Fatalf("transport conflict: expected ErrConfiguration, got %v", err)
	}
	if _, err := reg.NewPublisher(c, rec, fabric.WithReliable(12)); err == nil {
		t.Fatalf("expected an error for a capacity that is not a power of two")
	}

	for n := int32(0); n < 20; n++ {
		if err := pub.Invoke(ctx, "Next", int32(0), n); err != nil {
			t.Fatalf("Invoke: %v", err)
		}
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Close drains what was claimed.
	if got := len(rec.envelopes()); got != 20 {
		t.Fatalf("sent %d envelopes, want 20", got)
	}
	if err := pub.Invoke(ctx, "Next", int32(0), int32(20)); !errors.Is(err, fabric.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSendFailuresAreCounted(t *testing.T) {
	ctx := context.Background()
	metrics := telemetrytest.NewReader()
	reg := newRegistry(t, fabric.WithMeterProvider(metrics.MeterProvider))
	c, err := fabric.ContractOf[Sequence](reg)
	if err != nil {
		t.Fatalf("ContractOf: %v", err)
	}

	down := &recorder{fail: errDown}
	direct, err := reg.NewPublisher(c, down)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	if err := direct.Invoke(ctx, "Next", int32(0), int32(0)); !errors.Is(err, errDown) {
		t.Fatalf("direct send: expected the transport error, got %v", err)
	}

	reliable, err := reg.NewPublisher(c, down, fabric.WithReliable(4))
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	for n := int32(0); n < 3; n++ {
		// The caller only sees encoding failures.
		if err := reliable.Invoke(ctx, "Next", int32(0), n); err != nil {
			t.Fatalf("reliable Invoke: %v", err)
		}
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := metrics.Sum(t, telemetry.SendFailures); got != 4 {
		t.Fatalf("send failures: got %d, want 4", got)
	}
	if got := metrics.Sum(t, telemetry.Published); got != 0 {
		t.Fatalf("published: got %d, want 0", got)
	}
}

func TestDispatchCounters(t *testing.T) {
	ctx := context.Background()
	metrics := telemetrytest.NewReader()
	reg := newRegistry(t, fabric.WithMeterProvider(metrics.MeterProvider))
	c, err := fabric.ContractOf[Quotes](reg, fabric.Synchronous("Last", "Fail"))
	if err != nil {
		t.Fatalf("ContractOf: %v", err)
	}
	sub, err := reg.NewSubscriber(c, newQuotes())
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}
	rec := &recorder{syncOK: true}
	rec.respond = func(env []byte) ([]byte, error) { return sub.DeliverSync(ctx, env) }
	pub, err := reg.NewPublisher(c, rec)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}

	if err := pub.Invoke(ctx, "Quote", "LUX", 1.0, int64(1)); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if err := sub.Deliver(ctx, rec.envelopes()[0]); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if _, err := pub.Call(ctx, "Last", "LUX"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	_ = pub.Invoke(ctx, "Fail", "no")

	if got := metrics.Sum(t, telemetry.Published); got != 3 {
		t.Fatalf("published: got %d, want 3", got)
	}
	if got := metrics.Sum(t, telemetry.Delivered); got != 2 {
		t.Fatalf("delivered: got %d, want 2", got)
	}
	if got := metrics.Sum(t, telemetry.DispatchFailures); got != 1 {
		t.Fatalf("dispatch failures: got %d, want 1", got)
	}
}
