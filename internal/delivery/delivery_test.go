package delivery

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/walletwatch/walletwatch/internal/chatclient"
	"github.com/walletwatch/walletwatch/internal/errs"
)

// newUnlimitedLimiterForTest removes the 200ms inter-op spacing so
// retry-in-place tests run fast; rate.Inf makes Wait return immediately.
func newUnlimitedLimiterForTest() *rate.Limiter {
	return rate.NewLimiter(rate.Inf, 1)
}

type fakeSender struct {
	mu        sync.Mutex
	calls     int
	failTimes int
	err       error
}

func (f *fakeSender) SendMessage(ctx context.Context, p chatclient.SendMessageParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failTimes > 0 {
		f.failTimes--
		return "", f.err
	}
	return "msg-1", nil
}

type fakeEditor struct {
	err error
}

func (f *fakeEditor) EditMessageText(ctx context.Context, p chatclient.EditMessageParams) error {
	return f.err
}

type fakeRemover struct {
	mu      sync.Mutex
	removed []string
}

func (f *fakeRemover) RemoveSubscriber(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
}

func newTestQueue(sender Sender, editor Editor, remove SubscriberRemover) *Queue {
	q := &Queue{
		sender:  sender,
		editor:  editor,
		remove:  remove,
		log:     zap.NewNop(),
		sendCh:  make(chan sendItem, 10),
		editCh:  make(chan editItem, 10),
		limiter: newUnlimitedLimiterForTest(),
	}
	return q
}

func TestSubmitSendRejectsOverLongText(t *testing.T) {
	q := newTestQueue(&fakeSender{}, &fakeEditor{}, nil)
	longText := strings.Repeat("a", maxTextLength+1)

	_, err := q.SubmitSend("sub1", chatclient.SendMessageParams{Text: longText}, false)
	require.Error(t, err)
	we, ok := err.(*errs.WalletwatchError)
	require.True(t, ok)
	require.Equal(t, errs.CodeMessageTooLong, we.Code)
}

func TestSubmitSendRejectsOverLongCaptionedText(t *testing.T) {
	q := newTestQueue(&fakeSender{}, &fakeEditor{}, nil)
	text := strings.Repeat("a", maxCaptionedLength+1)

	_, err := q.SubmitSend("sub1", chatclient.SendMessageParams{Text: text}, true)
	require.Error(t, err)
}

func TestSendSucceedsAndReturnsMessageID(t *testing.T) {
	sender := &fakeSender{}
	q := newTestQueue(sender, &fakeEditor{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.runSendWorker(ctx)

	msgID, err := q.SubmitSend("sub1", chatclient.SendMessageParams{Text: "hello"}, false)
	require.NoError(t, err)
	require.Equal(t, "msg-1", msgID)
}

func TestSendRetriesInPlaceOnRateLimit(t *testing.T) {
	retryAfter := 10 * time.Millisecond
	sender := &fakeSender{
		failTimes: 2,
		err:       errs.NewRetryable(errs.CodeDeliveryRateLimited, "too many requests", &retryAfter, nil),
	}
	q := newTestQueue(sender, &fakeEditor{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.runSendWorker(ctx)

	msgID, err := q.SubmitSend("sub1", chatclient.SendMessageParams{Text: "hello"}, false)
	require.NoError(t, err)
	require.Equal(t, "msg-1", msgID)

	sender.mu.Lock()
	calls := sender.calls
	sender.mu.Unlock()
	require.Equal(t, 3, calls) // 2 failures + 1 success
}

func TestSendDequeuesAndRemovesSubscriberOnUnreachable(t *testing.T) {
	sender := &fakeSender{
		failTimes: 1,
		err:       errs.NewTerminal(errs.CodeDeliverySubscriberGone, "bot was blocked by the user", nil),
	}
	remover := &fakeRemover{}
	q := newTestQueue(sender, &fakeEditor{}, remover)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.runSendWorker(ctx)

	_, err := q.SubmitSend("sub1", chatclient.SendMessageParams{Text: "hello"}, false)
	require.Error(t, err)

	remover.mu.Lock()
	defer remover.mu.Unlock()
	require.Equal(t, []string{"sub1"}, remover.removed)
}

func TestEditPropagatesMalformedErrorWithoutRemoval(t *testing.T) {
	editor := &fakeEditor{err: errs.NewTerminal(errs.CodeDeliveryMalformed, "message to edit not found", nil)}
	remover := &fakeRemover{}
	q := newTestQueue(&fakeSender{}, editor, remover)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.runEditWorker(ctx)

	err := q.SubmitEdit("sub1", chatclient.EditMessageParams{Text: "hi"}, false)
	require.Error(t, err)

	remover.mu.Lock()
	defer remover.mu.Unlock()
	require.Empty(t, remover.removed)
}
