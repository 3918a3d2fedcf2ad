// Package delivery centralizes outbound sends with content deduplication and
// strict per-recipient ordering.
//
// Every recipient owns one FIFO queue and one mutex, created lazily. A caller
// that wins the mutex drains the queue to empty while holding it, so exactly
// one drain loop runs per recipient and messages reach the transport in
// enqueue order. Callers that find the mutex held enqueue and return
// immediately; the active drain loop picks their items up. Identical content
// to one recipient inside a TTL window is suppressed as a duplicate before it
// ever reaches the transport.
package delivery

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/metrics"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/models"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/store"
)

// DefaultDedupTTL is the window within which identical outbound content to
// one recipient is suppressed as a duplicate.
const DefaultDedupTTL = 300 * time.Second

// SkipReasonDeduplicated is reported when a send was suppressed as duplicate content.
const SkipReasonDeduplicated = "deduplicated"

// Sender is the transport consumed by the pipeline. The transport is opaque
// and fallible; the pipeline performs no retries of its own.
type Sender interface {
	SendText(ctx context.Context, to string, body string) (string, error)
}

// SendRequest describes one outbound message.
type SendRequest struct {
	LeadID    string
	Phone     string
	Text      string
	SessionID string
	Metadata  map[string]string
}

// SendResult is the structured outcome of a Send call.
type SendResult struct {
	// OK reports whether the (last) transport call succeeded. True for
	// queued sends, which will be drained by the mutex holder, and for
	// deduplicated sends, whose content was already delivered.
	OK bool `json:"ok"`
	// Queued is true when the recipient's drain loop was already running
	// and the item was handed off to it.
	Queued bool `json:"queued,omitempty"`
	// Skipped carries the skip reason when no send was attempted.
	Skipped string `json:"skipped,omitempty"`
	// MessageID is the transport message ID of the last successful send.
	MessageID string `json:"message_id,omitempty"`
	// Error carries the transport error of the last failed send.
	Error string `json:"error,omitempty"`
}

// queueItem is one entry of a recipient's FIFO.
type queueItem struct {
	leadID     string
	sessionID  string
	text       string
	normalized string
	metadata   map[string]string
}

// recipient holds the FIFO and drain mutex of one phone number.
// The drain mutex is held across transport calls on purpose: the next message
// for the recipient must not go out until the previous call returned.
type recipient struct {
	drainMu sync.Mutex
	queue   []queueItem
}

// Pipeline deduplicates and serializes outbound sends per recipient.
type Pipeline struct {
	transport Sender
	store     store.Store
	metrics   *metrics.Registry
	ttl       time.Duration

	// now is the clock source; replaceable in tests.
	now func() time.Time

	// mu guards the dedup cache and the recipient registry (queue
	// appends/pops included). Never held across transport calls.
	mu         sync.Mutex
	dedup      map[string]time.Time
	recipients map[string]*recipient
}

// Option defines a configuration option for the pipeline.
type Option func(*Pipeline)

// WithDedupTTL overrides the deduplication window.
func WithDedupTTL(ttl time.Duration) Option {
	return func(p *Pipeline) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// NewPipeline creates a delivery pipeline over the given transport and store.
func NewPipeline(transport Sender, st store.Store, reg *metrics.Registry, opts ...Option) *Pipeline {
	p := &Pipeline{
		transport:  transport,
		store:      st,
		metrics:    reg,
		ttl:        DefaultDedupTTL,
		now:        time.Now,
		dedup:      make(map[string]time.Time),
		recipients: make(map[string]*recipient),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Send enqueues a message for in-order delivery to the recipient, suppressing
// duplicate content inside the TTL window. It returns the result of the last
// item this call delivered, or a queued/skipped marker.
func (p *Pipeline) Send(ctx context.Context, req SendRequest) SendResult {
	if err := validateRequest(req); err != nil {
		slog.Warn("Delivery Send rejected", "error", err, "lead_id", req.LeadID)
		return SendResult{Error: err.Error()}
	}

	normalized := normalizeBody(req.Text)
	key := p.dedupKey(req.Phone, normalized, p.now())

	p.mu.Lock()
	p.purgeLocked(p.now())
	if _, dup := p.dedup[key]; dup {
		p.mu.Unlock()
		slog.Info("Delivery skipping duplicated message", "phone", req.Phone, "dedup_key", key)
		p.metrics.Inc(metrics.CounterMessagesDeduped)
		return SendResult{OK: true, Skipped: SkipReasonDeduplicated}
	}
	r, ok := p.recipients[req.Phone]
	if !ok {
		r = &recipient{}
		p.recipients[req.Phone] = r
	}
	r.queue = append(r.queue, queueItem{
		leadID:     req.LeadID,
		sessionID:  req.SessionID,
		text:       req.Text,
		normalized: normalized,
		metadata:   req.Metadata,
	})
	queueSize := len(r.queue)
	p.mu.Unlock()
	slog.Debug("Delivery queued message", "phone", req.Phone, "queue_size", queueSize)

	// Non-blocking handoff: if a drain loop already runs for this
	// recipient it will pick the item up.
	if !r.drainMu.TryLock() {
		p.metrics.Inc(metrics.CounterMessagesQueued)
		return SendResult{OK: true, Queued: true}
	}

	for {
		result := p.drain(ctx, req.Phone, r)
		r.drainMu.Unlock()

		// A caller may have enqueued after the drain's final empty check
		// and missed the TryLock before the release above. Re-probe so
		// its item is not stranded until the next send to this phone.
		p.mu.Lock()
		empty := len(r.queue) == 0
		p.mu.Unlock()
		if empty || !r.drainMu.TryLock() {
			return result
		}
	}
}

// drain delivers the recipient's queue to empty. Caller must hold r.drainMu.
func (p *Pipeline) drain(ctx context.Context, phone string, r *recipient) SendResult {
	result := SendResult{OK: true}
	for {
		p.mu.Lock()
		if len(r.queue) == 0 {
			p.mu.Unlock()
			return result
		}
		item := r.queue[0]
		r.queue = r.queue[1:]
		key := p.dedupKey(phone, item.normalized, p.now())
		_, dup := p.dedup[key]
		p.mu.Unlock()

		// An earlier item in this drain may have covered this content.
		if dup {
			slog.Info("Delivery skipping duplicated message inside queue", "phone", phone, "dedup_key", key)
			p.metrics.Inc(metrics.CounterMessagesDeduped)
			continue
		}

		messageID, err := p.transport.SendText(ctx, phone, item.text)
		if err != nil {
			slog.Error("Delivery transport send failed", "error", err, "phone", phone)
			p.metrics.Inc(metrics.CounterMessagesFailed)
			result = SendResult{Error: err.Error()}
			continue
		}

		p.mu.Lock()
		p.dedup[key] = p.now()
		p.mu.Unlock()

		if item.sessionID != "" {
			metadata := item.metadata
			if messageID != "" {
				metadata = cloneMetadata(metadata)
				metadata["message_id"] = messageID
			}
			msg := &models.Message{
				SessionID: item.sessionID,
				LeadID:    item.leadID,
				Conteudo:  item.text,
				Tipo:      models.MessageKindSent,
				Metadata:  metadata,
			}
			if err := p.store.CreateMessage(msg); err != nil {
				slog.Error("Delivery failed to persist sent message", "error", err, "phone", phone)
			}
		}

		p.metrics.Inc(metrics.CounterMessagesSent)
		slog.Info("Delivery transport send succeeded", "phone", phone, "message_id", messageID)
		result = SendResult{OK: true, MessageID: messageID}
	}
}

// validateRequest rejects a malformed request before anything is queued.
func validateRequest(req SendRequest) error {
	if strings.TrimSpace(req.Phone) == "" {
		return models.ErrEmptyRecipient
	}
	if strings.TrimSpace(req.LeadID) == "" {
		return models.ErrEmptyLeadID
	}
	if strings.TrimSpace(req.Text) == "" {
		return models.ErrEmptyBody
	}
	if len(req.Text) > models.MaxMessageBodyLength {
		return models.ErrBodyTooLong
	}
	return nil
}

// purgeLocked removes dedup entries older than the TTL. Caller must hold p.mu.
func (p *Pipeline) purgeLocked(now time.Time) {
	if len(p.dedup) == 0 {
		return
	}
	limit := now.Add(-p.ttl)
	for key, ts := range p.dedup {
		if ts.Before(limit) {
			delete(p.dedup, key)
		}
	}
}

// dedupKey buckets identical content into TTL-sized windows so a repeated
// message in a later window is not permanently suppressed.
func (p *Pipeline) dedupKey(phone, normalized string, now time.Time) string {
	digest := sha1.Sum([]byte(phone + "|" + normalized))
	ttlSec := int64(p.ttl.Seconds())
	if ttlSec < 1 {
		ttlSec = 1
	}
	bucket := now.Unix() / ttlSec
	return fmt.Sprintf("%s:%d:%s", phone, bucket, hex.EncodeToString(digest[:]))
}

// normalizeBody trims, lower-cases and collapses whitespace for dedup hashing.
func normalizeBody(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

func cloneMetadata(metadata map[string]string) map[string]string {
	out := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	return out
}
