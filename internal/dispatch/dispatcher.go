// Package dispatch orchestrates outbound sends. Dispatch persists an
// optimistic pending record and returns it immediately; a per-account worker
// then takes the message through admission control, the transport send, and
// the terminal status write, publishing every transition to the fanout
// channel. One worker per account serializes that account's sends, which
// keeps message ordering per conversation and makes the governor's counters
// race-free without cross-account contention.
//
// Admission waits are cooperative sleeps followed by a full re-check of the
// policy set, so the per-minute window stays the outer bound even when a
// long per-target wait elapses under load. Only the daily new-contact cap is
// a hard deny; it aborts the send with a failed status and a "daily limit"
// reason.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/relaydesk/go-relay-backend/internal/domain"
	"github.com/relaydesk/go-relay-backend/internal/fanout"
	"github.com/relaydesk/go-relay-backend/internal/governor"
	"github.com/relaydesk/go-relay-backend/internal/repo"
	"github.com/relaydesk/go-relay-backend/internal/transport"
)

const (
	// queueSize bounds each account's dispatch queue.
	queueSize = 256
	// statusRetries and statusRetryDelay govern re-attempts of the sent-status
	// write after a successful transport send. The send cannot be undone, so
	// the write is retried rather than the send.
	statusRetries    = 3
	statusRetryDelay = 250 * time.Millisecond

	// DefaultReconcileAfter is how long a message may stay pending before the
	// reconciliation sweep fails it.
	DefaultReconcileAfter = 10 * time.Minute
)

// Failure reasons written to messages this package fails.
const (
	reasonSessionGone = "account session closed"
	reasonQueueFull   = "dispatch queue full"
	reasonTimeout     = "send timed out"
)

// Sender is the transport-facing surface the dispatcher needs; implemented
// by session.Manager.
type Sender interface {
	Send(ctx context.Context, accountID string, target domain.Target, payload transport.Payload) (transport.Ack, error)
}

// Dispatcher runs outbound sends. Safe for concurrent use.
type Dispatcher struct {
	db     *gorm.DB
	gov    *governor.Governor
	sender Sender
	pub    fanout.Publisher
	log    zerolog.Logger

	reconcileAfter time.Duration

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	wg      sync.WaitGroup
}

// worker serializes sends for one account.
type worker struct {
	jobs   chan job
	cancel context.CancelFunc
}

// job carries one pending message through the send pipeline. The account
// snapshot avoids a DB read per admission re-check.
type job struct {
	msg       *domain.Message
	accountID string
	createdAt time.Time
	target    domain.Target
	payload   transport.Payload
	isReply   bool
}

// New constructs a Dispatcher. reconcileAfter <= 0 selects the default.
func New(db *gorm.DB, gov *governor.Governor, sender Sender, pub fanout.Publisher, reconcileAfter time.Duration, log zerolog.Logger) *Dispatcher {
	if reconcileAfter <= 0 {
		reconcileAfter = DefaultReconcileAfter
	}
	return &Dispatcher{
		db:             db,
		gov:            gov,
		sender:         sender,
		pub:            pub,
		log:            log,
		reconcileAfter: reconcileAfter,
		workers:        make(map[string]*worker),
	}
}

// Dispatch persists the optimistic pending record and hands the send to the
// account's worker. The returned message is the caller's immediate response;
// completion arrives later on the fanout channel. isReply marks traffic to a
// target the account is already conversing with, which skips the
// new-contact classification entirely.
func (d *Dispatcher) Dispatch(ctx context.Context, account *domain.Account, conversationID string, target domain.Target, kind, body string, isReply bool) (*domain.Message, error) {
	tr := otel.Tracer("dispatch/Dispatcher")
	ctx, span := tr.Start(ctx, "Dispatch",
		trace.WithAttributes(
			attribute.String("account.id", account.ID),
			attribute.String("conversation.id", conversationID),
			attribute.Bool("reply", isReply),
		),
	)
	defer span.End()

	// A failed optimistic write aborts dispatch before any send attempt.
	msg, err := repo.CreateOutboundMessage(ctx, d.db, account.ID, conversationID, kind, body)
	if err != nil {
		return nil, err
	}

	j := job{
		msg:       msg,
		accountID: account.ID,
		createdAt: account.CreatedAt,
		target:    target,
		payload:   transport.Payload{Kind: kind, Body: body},
		isReply:   isReply,
	}

	w := d.workerFor(account.ID)
	if w == nil {
		d.failMessage(ctx, msg, reasonSessionGone)
		return msg, nil
	}
	select {
	case w.jobs <- j:
	default:
		// The queue bound protects memory; an overflowing broadcast burst is
		// surfaced as a failed message rather than an unbounded backlog.
		d.failMessage(ctx, msg, reasonQueueFull)
	}
	return msg, nil
}

// workerFor returns the account's worker, starting one if needed. Returns
// nil after Shutdown.
func (d *Dispatcher) workerFor(accountID string) *worker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	if w, ok := d.workers[accountID]; ok {
		return w
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{jobs: make(chan job, queueSize), cancel: cancel}
	d.workers[accountID] = w
	d.wg.Add(1)
	go d.run(ctx, w)
	return w
}

// StopAccount cancels the account's worker. In-flight and queued jobs
// observe the cancellation and fail their messages instead of hanging.
func (d *Dispatcher) StopAccount(accountID string) {
	d.mu.Lock()
	w, ok := d.workers[accountID]
	if ok {
		delete(d.workers, accountID)
	}
	d.mu.Unlock()
	if ok {
		w.cancel()
	}
}

// Shutdown stops all workers and waits for them to drain.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	d.closed = true
	for id, w := range d.workers {
		w.cancel()
		delete(d.workers, id)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context, w *worker) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			// Fail whatever is still queued so nothing stays pending.
			for {
				select {
				case j := <-w.jobs:
					d.failMessage(context.Background(), j.msg, reasonSessionGone)
				default:
					return
				}
			}
		case j := <-w.jobs:
			d.process(ctx, j)
		}
	}
}

// process takes one message through admission, send, and terminal status.
func (d *Dispatcher) process(ctx context.Context, j job) {
	tr := otel.Tracer("dispatch/Dispatcher")
	ctx, span := tr.Start(ctx, "process",
		trace.WithAttributes(
			attribute.String("account.id", j.accountID),
			attribute.String("message.id", j.msg.ID),
		),
	)
	defer span.End()

	newContact := false
	if !j.isReply {
		newContact = !d.targetSeen(ctx, j)
	}

	// Admission loop: sleep through wait hints, re-check everything, abort
	// only on the hard daily denial or worker cancellation.
	for {
		dec := d.gov.AdmitSend(j.accountID, j.createdAt, j.target, newContact)
		if dec.Allowed {
			break
		}
		if dec.Hard {
			d.failMessage(ctx, j.msg, dec.Reason)
			return
		}
		select {
		case <-time.After(dec.Wait):
		case <-ctx.Done():
			d.failMessage(context.Background(), j.msg, reasonSessionGone)
			return
		}
	}

	ack, err := d.sender.Send(ctx, j.accountID, j.target, j.payload)
	if err != nil {
		// No automatic retry of a failed send; it is surfaced to a human.
		d.failMessage(ctx, j.msg, err.Error())
		return
	}

	// The send happened; the status write is retried, never the send.
	var werr error
	for attempt := 0; attempt < statusRetries; attempt++ {
		if werr = repo.MarkMessageSent(ctx, d.db, j.msg.ID, ack.ChannelMessageID); werr == nil || repo.IsNotFound(werr) {
			break
		}
		time.Sleep(statusRetryDelay)
	}
	if werr != nil && !repo.IsNotFound(werr) {
		d.log.Error().Err(werr).Str("message_id", j.msg.ID).Msg("sent-status write failed after retries")
	}

	d.gov.RecordSend(j.accountID, j.target, newContact)

	d.pub.Publish(j.accountID, fanout.Event{
		Type: fanout.EventMessageStatus,
		Payload: fanout.StatusPayload{
			MessageID:        j.msg.ID,
			ConversationID:   j.msg.ConversationID,
			ChannelMessageID: ack.ChannelMessageID,
			Status:           string(domain.StatusSent),
		},
	})
}

// targetSeen classifies the target as previously-contacted, consulting the
// governor's cache first and the store on a miss. Store errors degrade to
// "unseen", which errs toward the stricter daily-cap path.
func (d *Dispatcher) targetSeen(ctx context.Context, j job) bool {
	if d.gov.SeenTarget(j.accountID, j.target) {
		return true
	}
	seen, err := repo.HasOutboundMessage(ctx, d.db, j.accountID, j.msg.ConversationID)
	if err != nil {
		d.log.Warn().Err(err).Str("account_id", j.accountID).Msg("target history lookup failed")
		return false
	}
	d.gov.NoteTarget(j.accountID, j.target, seen)
	return seen
}

// HandleReceipt applies an asynchronous delivery-status update from the
// transport. Unknown ids and regressive receipts are ignored.
func (d *Dispatcher) HandleReceipt(ctx context.Context, accountID string, rcpt transport.Receipt) {
	msg, err := repo.AdvanceMessageStatus(ctx, d.db, accountID, rcpt.ChannelMessageID, rcpt.Status)
	if err != nil {
		if !repo.IsNotFound(err) {
			d.log.Error().Err(err).Str("account_id", accountID).Str("channel_message_id", rcpt.ChannelMessageID).Msg("receipt update failed")
		}
		return
	}
	d.pub.Publish(accountID, fanout.Event{
		Type: fanout.EventMessageStatus,
		Payload: fanout.StatusPayload{
			MessageID:        msg.ID,
			ConversationID:   msg.ConversationID,
			ChannelMessageID: rcpt.ChannelMessageID,
			Status:           string(msg.Status),
		},
	})
}

// Reconcile fails outbound messages stuck in pending longer than the
// configured threshold. Run periodically (low frequency) so no message is
// left unresolved indefinitely when an ack or worker was lost.
func (d *Dispatcher) Reconcile(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-d.reconcileAfter)
	stale, err := repo.ListStalePending(ctx, d.db, cutoff)
	if err != nil {
		d.log.Error().Err(err).Msg("stale-pending scan failed")
		return
	}
	for i := range stale {
		d.failMessage(ctx, &stale[i], reasonTimeout)
	}
	if len(stale) > 0 {
		d.log.Warn().Int("count", len(stale)).Msg("reconciled stale pending messages")
	}
}

// failMessage moves a message to failed and publishes the transition. A row
// already in a terminal state is left alone, which keeps terminal status
// events exactly-once per message.
func (d *Dispatcher) failMessage(ctx context.Context, msg *domain.Message, reason string) {
	if err := repo.MarkMessageFailed(ctx, d.db, msg.ID, reason); err != nil {
		if !repo.IsNotFound(err) {
			d.log.Error().Err(err).Str("message_id", msg.ID).Msg("failed-status write failed")
		}
		return
	}
	d.pub.Publish(msg.AccountID, fanout.Event{
		Type: fanout.EventMessageStatus,
		Payload: fanout.StatusPayload{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			Status:         string(domain.StatusFailed),
			Reason:         reason,
		},
	})
}
