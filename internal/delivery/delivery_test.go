package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/messaging"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/metrics"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/models"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/store"
)

const testPhone = "+5511987654321"

func newTestPipeline(transport Sender, opts ...Option) (*Pipeline, *store.InMemoryStore, *metrics.Registry) {
	st := store.NewInMemoryStore()
	reg := metrics.NewRegistry()
	return NewPipeline(transport, st, reg, opts...), st, reg
}

// fixClock pins the pipeline clock so dedup buckets cannot roll over mid-test.
func fixClock(p *Pipeline, at time.Time) func(time.Time) {
	var mu sync.Mutex
	current := at
	p.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	return func(t time.Time) {
		mu.Lock()
		current = t
		mu.Unlock()
	}
}

func TestPipeline_DedupIdempotence(t *testing.T) {
	transport := messaging.NewMockService()
	p, st, reg := newTestPipeline(transport)
	fixClock(p, time.Unix(1_700_000_000, 0))

	req := SendRequest{LeadID: "lead-1", SessionID: "sess-1", Phone: testPhone, Text: "Olá! Tudo bem?"}

	first := p.Send(context.Background(), req)
	if !first.OK || first.Skipped != "" {
		t.Fatalf("first send should succeed, got %+v", first)
	}

	second := p.Send(context.Background(), req)
	if second.Skipped != SkipReasonDeduplicated {
		t.Fatalf("second send should be deduplicated, got %+v", second)
	}

	if calls := len(transport.Sent()); calls != 1 {
		t.Errorf("expected exactly 1 transport call, got %d", calls)
	}
	msgs, _ := st.ListMessages("sess-1")
	if len(msgs) != 1 {
		t.Errorf("expected exactly 1 persisted sent message, got %d", len(msgs))
	}
	if reg.Get(metrics.CounterMessagesDeduped) != 1 {
		t.Errorf("expected 1 deduplicated metric, got %d", reg.Get(metrics.CounterMessagesDeduped))
	}
}

func TestPipeline_NormalizedContentDedup(t *testing.T) {
	transport := messaging.NewMockService()
	p, _, _ := newTestPipeline(transport)
	fixClock(p, time.Unix(1_700_000_000, 0))

	p.Send(context.Background(), SendRequest{LeadID: "l", Phone: testPhone, Text: "Olá,  tudo bem? "})
	res := p.Send(context.Background(), SendRequest{LeadID: "l", Phone: testPhone, Text: "olá, tudo BEM?"})
	if res.Skipped != SkipReasonDeduplicated {
		t.Errorf("whitespace/case variants should deduplicate, got %+v", res)
	}
}

func TestPipeline_DedupExpiresAcrossWindows(t *testing.T) {
	transport := messaging.NewMockService()
	p, _, _ := newTestPipeline(transport, WithDedupTTL(10*time.Second))
	set := fixClock(p, time.Unix(1_700_000_005, 0))

	req := SendRequest{LeadID: "l", Phone: testPhone, Text: "lembrete"}
	if res := p.Send(context.Background(), req); !res.OK {
		t.Fatalf("first send failed: %+v", res)
	}

	// Next TTL window: same content must go through again.
	set(time.Unix(1_700_000_025, 0))
	if res := p.Send(context.Background(), req); res.Skipped != "" {
		t.Fatalf("send in a later window should not be suppressed, got %+v", res)
	}
	if calls := len(transport.Sent()); calls != 2 {
		t.Errorf("expected 2 transport calls across windows, got %d", calls)
	}
}

func TestPipeline_RejectsInvalidRequests(t *testing.T) {
	transport := messaging.NewMockService()
	p, _, _ := newTestPipeline(transport)

	cases := []struct {
		name string
		req  SendRequest
		want error
	}{
		{"blank phone", SendRequest{LeadID: "l", Phone: "  ", Text: "oi"}, models.ErrEmptyRecipient},
		{"missing lead id", SendRequest{Phone: testPhone, Text: "oi"}, models.ErrEmptyLeadID},
		{"blank body", SendRequest{LeadID: "l", Phone: testPhone, Text: "   "}, models.ErrEmptyBody},
		{"oversize body", SendRequest{LeadID: "l", Phone: testPhone, Text: strings.Repeat("a", models.MaxMessageBodyLength+1)}, models.ErrBodyTooLong},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := p.Send(context.Background(), tc.req)
			if res.OK || res.Error != tc.want.Error() {
				t.Errorf("expected rejection %q, got %+v", tc.want, res)
			}
		})
	}
	if len(transport.Sent()) != 0 {
		t.Error("nothing should reach the transport")
	}
}

func TestPipeline_TransportFailure(t *testing.T) {
	transport := messaging.NewMockService()
	transport.FailWith = errors.New("waha unreachable")
	p, st, reg := newTestPipeline(transport)

	res := p.Send(context.Background(), SendRequest{LeadID: "l", SessionID: "s", Phone: testPhone, Text: "oi"})
	if res.OK {
		t.Fatalf("expected failed result, got %+v", res)
	}
	if res.Error == "" {
		t.Error("failed result should carry the transport error")
	}
	msgs, _ := st.ListMessages("s")
	if len(msgs) != 0 {
		t.Errorf("failed send must not be persisted as sent, got %d messages", len(msgs))
	}
	if reg.Get(metrics.CounterMessagesFailed) != 1 {
		t.Errorf("expected 1 failed metric, got %d", reg.Get(metrics.CounterMessagesFailed))
	}

	// A failed send leaves no dedup entry, so retrying is safe.
	transport.FailWith = nil
	retry := p.Send(context.Background(), SendRequest{LeadID: "l", SessionID: "s", Phone: testPhone, Text: "oi"})
	if !retry.OK || retry.Skipped != "" {
		t.Errorf("retry after failure should send, got %+v", retry)
	}
}

func TestPipeline_PerRecipientOrdering(t *testing.T) {
	const extra = 8

	transport := messaging.NewMockService()
	transport.Gate = make(chan struct{})
	p, _, _ := newTestPipeline(transport)
	fixClock(p, time.Unix(1_700_000_000, 0))

	// First send grabs the drain mutex and blocks inside the transport.
	firstDone := make(chan SendResult, 1)
	go func() {
		firstDone <- p.Send(context.Background(), SendRequest{LeadID: "l", Phone: testPhone, Text: "msg-0"})
	}()

	// Wait until the drain loop is inside the gated transport call.
	waitFor(t, func() bool { return !tryLockFree(p, testPhone) })

	// Issue the rest in a known order; all must hand off to the holder.
	for i := 1; i <= extra; i++ {
		res := p.Send(context.Background(), SendRequest{LeadID: "l", Phone: testPhone, Text: fmt.Sprintf("msg-%d", i)})
		if !res.OK || !res.Queued {
			t.Fatalf("send %d should queue behind the active drain, got %+v", i, res)
		}
	}

	// Release all gated transport calls (one per delivered item).
	go func() {
		for i := 0; i <= extra; i++ {
			transport.Gate <- struct{}{}
		}
	}()

	res := <-firstDone
	if !res.OK {
		t.Fatalf("drain result not ok: %+v", res)
	}

	sent := transport.Sent()
	if len(sent) != extra+1 {
		t.Fatalf("expected %d transport calls, got %d", extra+1, len(sent))
	}
	for i, s := range sent {
		if want := fmt.Sprintf("msg-%d", i); s.Body != want {
			t.Errorf("position %d: expected %q, got %q", i, want, s.Body)
		}
	}
}

func TestPipeline_NoCrossRecipientBlocking(t *testing.T) {
	transport := messaging.NewMockService()
	transport.Gate = make(chan struct{})
	p, _, _ := newTestPipeline(transport)

	blocked := make(chan SendResult, 1)
	go func() {
		blocked <- p.Send(context.Background(), SendRequest{LeadID: "a", Phone: testPhone, Text: "preso"})
	}()
	waitFor(t, func() bool { return !tryLockFree(p, testPhone) })

	// A different phone proceeds while the first recipient is backlogged.
	otherDone := make(chan SendResult, 1)
	go func() {
		otherDone <- p.Send(context.Background(), SendRequest{LeadID: "b", Phone: "+5511911112222", Text: "livre"})
	}()
	go func() { transport.Gate <- struct{}{} }()

	select {
	case res := <-otherDone:
		if !res.OK {
			t.Fatalf("other recipient send failed: %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send to a different recipient blocked behind another phone's drain")
	}

	transport.Gate <- struct{}{}
	<-blocked
}

func TestPipeline_NoStrandedItemsUnderContention(t *testing.T) {
	const senders = 50

	transport := messaging.NewMockService()
	p, _, _ := newTestPipeline(transport)
	fixClock(p, time.Unix(1_700_000_000, 0))

	// Hammer one recipient from many goroutines. Once every Send returned,
	// no drain loop is active anymore, so every item must have reached the
	// transport rather than sitting in the queue waiting for a future send.
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p.Send(context.Background(), SendRequest{LeadID: "l", Phone: testPhone, Text: fmt.Sprintf("fila-%d", i)})
		}(i)
	}
	wg.Wait()

	if calls := len(transport.Sent()); calls != senders {
		t.Errorf("expected %d delivered messages, got %d", senders, calls)
	}
	p.mu.Lock()
	pending := len(p.recipients[testPhone].queue)
	p.mu.Unlock()
	if pending != 0 {
		t.Errorf("queue should be empty after all senders returned, %d items stranded", pending)
	}
	if !tryLockFree(p, testPhone) {
		t.Error("drain mutex should be released after all senders returned")
	}
}

// tryLockFree reports whether the recipient's drain mutex is currently free.
func tryLockFree(p *Pipeline, phone string) bool {
	p.mu.Lock()
	r, ok := p.recipients[phone]
	p.mu.Unlock()
	if !ok {
		return true
	}
	if r.drainMu.TryLock() {
		r.drainMu.Unlock()
		return true
	}
	return false
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
