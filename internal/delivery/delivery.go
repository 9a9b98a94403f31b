// Package delivery implements C8: per-bot send/edit FIFOs, each
// drained by a single worker at a minimum inter-op spacing, with
// rate-limit retry-in-place and terminal-error rejection (spec §4.8).
package delivery

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/walletwatch/walletwatch/internal/chatclient"
	"github.com/walletwatch/walletwatch/internal/errs"
)

const (
	minInterOpSpacing  = 200 * time.Millisecond
	maxTextLength      = 4096
	maxCaptionedLength = 2048
)

// Sender is the subset of chatclient.Client a send worker depends on.
type Sender interface {
	SendMessage(ctx context.Context, p chatclient.SendMessageParams) (string, error)
}

// Editor is the subset of chatclient.Client an edit worker depends on.
type Editor interface {
	EditMessageText(ctx context.Context, p chatclient.EditMessageParams) error
}

// SubscriberRemover is invoked out-of-band when a subscriber turns out
// to be unreachable (spec §4.8).
type SubscriberRemover interface {
	RemoveSubscriber(subscriberID string)
}

type sendItem struct {
	id           string
	subscriberID string
	params       chatclient.SendMessageParams
	result       chan sendOutcome
}

type sendOutcome struct {
	messageID string
	err       error
}

type editItem struct {
	id           string
	subscriberID string
	params       chatclient.EditMessageParams
	result       chan error
}

// Queue owns one bot instance's independent send and edit FIFOs
// (spec §4.8, §5 "single-producer-multi-submitter / single-consumer
// per queue").
type Queue struct {
	sender Sender
	editor Editor
	remove SubscriberRemover
	log    *zap.Logger

	sendCh chan sendItem
	editCh chan editItem

	mu sync.Mutex // guards submission ordering per spec §5

	limiter *rate.Limiter
}

// New builds a Queue backed by client, with background depth bufSize
// per FIFO.
func New(client *chatclient.Client, remove SubscriberRemover, log *zap.Logger, bufSize int) *Queue {
	return &Queue{
		sender:  client,
		editor:  client,
		remove:  remove,
		log:     log,
		sendCh:  make(chan sendItem, bufSize),
		editCh:  make(chan editItem, bufSize),
		limiter: rate.NewLimiter(rate.Every(minInterOpSpacing), 1),
	}
}

// Run drains both FIFOs until ctx is cancelled. Each FIFO has its own
// single worker goroutine (spec §4.8 "each queue is serviced by a
// single worker").
func (q *Queue) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); q.runSendWorker(ctx) }()
	go func() { defer wg.Done(); q.runEditWorker(ctx) }()
	wg.Wait()
}

// SubmitSend enqueues a send, pre-flight rejecting messages that
// exceed the length limit (spec §4.8 pre-flight check) without ever
// touching the queue.
func (q *Queue) SubmitSend(subscriberID string, params chatclient.SendMessageParams, captioned bool) (string, error) {
	if tooLong(params.Text, captioned) {
		return "", errs.NewTerminal(errs.CodeMessageTooLong, "message exceeds platform length limit", nil)
	}

	item := sendItem{
		id:           uuid.NewString(),
		subscriberID: subscriberID,
		params:       params,
		result:       make(chan sendOutcome, 1),
	}

	q.mu.Lock()
	q.sendCh <- item
	q.mu.Unlock()

	outcome := <-item.result
	return outcome.messageID, outcome.err
}

// SubmitEdit enqueues an edit, pre-flight rejecting over-length text.
func (q *Queue) SubmitEdit(subscriberID string, params chatclient.EditMessageParams, captioned bool) error {
	if tooLong(params.Text, captioned) {
		return errs.NewTerminal(errs.CodeMessageTooLong, "message exceeds platform length limit", nil)
	}

	item := editItem{
		id:           uuid.NewString(),
		subscriberID: subscriberID,
		params:       params,
		result:       make(chan error, 1),
	}

	q.mu.Lock()
	q.editCh <- item
	q.mu.Unlock()

	return <-item.result
}

func tooLong(text string, captioned bool) bool {
	limit := maxTextLength
	if captioned {
		limit = maxCaptionedLength
	}
	return utf8.RuneCountInString(text) > limit
}

func (q *Queue) runSendWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-q.sendCh:
			q.processSend(ctx, item)
		}
	}
}

func (q *Queue) runEditWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-q.editCh:
			q.processEdit(ctx, item)
		}
	}
}

// processSend retries rate-limited items in place (without dequeuing
// in the sense of re-entering the channel), and dequeues on any other
// outcome (spec §4.8 per-item lifecycle).
func (q *Queue) processSend(ctx context.Context, item sendItem) {
	for {
		if err := q.limiter.Wait(ctx); err != nil {
			item.result <- sendOutcome{err: err}
			return
		}

		msgID, err := q.sender.SendMessage(ctx, item.params)
		if err == nil {
			item.result <- sendOutcome{messageID: msgID}
			return
		}

		if errs.IsRetryable(err) {
			we, _ := err.(*errs.WalletwatchError)
			if we != nil && we.Code == errs.CodeDeliveryRateLimited {
				q.sleepRetryAfter(ctx, we)
				continue
			}
			// Other transient transport errors: log and drop, matching
			// spec §4.8's "other: dequeue, reject" (no infinite retry
			// outside the explicit rate-limit case).
		}

		if errs.IsTerminal(err) {
			we, _ := err.(*errs.WalletwatchError)
			if we != nil && we.Code == errs.CodeDeliverySubscriberGone && q.remove != nil {
				q.remove.RemoveSubscriber(item.subscriberID)
			}
		}

		q.log.Warn("send delivery failed", zap.String("subscriber", item.subscriberID), zap.Error(err))
		item.result <- sendOutcome{err: err}
		return
	}
}

func (q *Queue) processEdit(ctx context.Context, item editItem) {
	for {
		if err := q.limiter.Wait(ctx); err != nil {
			item.result <- err
			return
		}

		err := q.editor.EditMessageText(ctx, item.params)
		if err == nil {
			item.result <- nil
			return
		}

		if errs.IsRetryable(err) {
			we, _ := err.(*errs.WalletwatchError)
			if we != nil && we.Code == errs.CodeDeliveryRateLimited {
				q.sleepRetryAfter(ctx, we)
				continue
			}
		}

		if errs.IsTerminal(err) {
			we, _ := err.(*errs.WalletwatchError)
			if we != nil && we.Code == errs.CodeDeliverySubscriberGone && q.remove != nil {
				q.remove.RemoveSubscriber(item.subscriberID)
			}
		}

		q.log.Warn("edit delivery failed", zap.String("subscriber", item.subscriberID), zap.Error(err))
		item.result <- err
		return
	}
}

func (q *Queue) sleepRetryAfter(ctx context.Context, we *errs.WalletwatchError) {
	delay := minInterOpSpacing
	if we.RetryAfter != nil {
		delay = *we.RetryAfter
	}
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}
