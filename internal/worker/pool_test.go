package worker

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/erauner12/greetingd/internal/config"
	"github.com/erauner12/greetingd/internal/fault"
	"github.com/erauner12/greetingd/internal/metrics"
	"github.com/erauner12/greetingd/internal/model"
	"github.com/erauner12/greetingd/internal/queue"
	"github.com/erauner12/greetingd/internal/sender"
	"github.com/erauner12/greetingd/internal/store"
)

// fakeMessageStore holds one record and applies the real CAS semantics
type fakeMessageStore struct {
	rec           *model.MessageRecord
	findErr       error
	transitionErr error
	markSentErr   error
	transitions   []string
}

func (f *fakeMessageStore) FindByID(_ context.Context, id string) (*model.MessageRecord, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	if f.rec == nil || f.rec.ID != id {
		return nil, fault.Newf(fault.KindNotFound, "message record %s not found", id)
	}
	cp := *f.rec
	return &cp, nil
}

func (f *fakeMessageStore) TransitionStatus(_ context.Context, id string, from, to model.Status, _ store.TransitionExtras) error {
	if f.transitionErr != nil {
		return f.transitionErr
	}
	if f.rec == nil || f.rec.ID != id {
		return fault.Newf(fault.KindNotFound, "message record %s not found", id)
	}
	if f.rec.Status != from {
		return fault.Newf(fault.KindConflict, "record %s is %s, wanted %s", id, f.rec.Status, from)
	}
	f.rec.Status = to
	f.transitions = append(f.transitions, string(from)+">"+string(to))
	return nil
}

func (f *fakeMessageStore) MarkSent(_ context.Context, id string, code int, body string) error {
	if f.markSentErr != nil {
		return f.markSentErr
	}
	f.rec.Status = model.StatusSent
	f.rec.APIResponseCode = &code
	f.rec.APIResponseBody = &body
	return nil
}

func (f *fakeMessageStore) MarkFailed(_ context.Context, id, errMsg string, maxRetries int) (*model.MessageRecord, error) {
	f.rec.RetryCount++
	if f.rec.RetryCount >= maxRetries {
		f.rec.Status = model.StatusFailed
	} else {
		f.rec.Status = model.StatusFailedRetry
	}
	f.rec.ErrorMessage = &errMsg
	cp := *f.rec
	return &cp, nil
}

func (f *fakeMessageStore) MarkFailedPermanent(_ context.Context, id, errMsg string, maxRetries int) (*model.MessageRecord, error) {
	f.rec.RetryCount = maxRetries
	f.rec.Status = model.StatusFailed
	f.rec.ErrorMessage = &errMsg
	cp := *f.rec
	return &cp, nil
}

type fakeUserStore struct {
	user *model.User
	err  error
}

func (f *fakeUserStore) FindByID(context.Context, string) (*model.User, error) {
	return f.user, f.err
}

// fakeBroker counts delivery outcomes
type fakeBroker struct {
	acks, requeues, deads, releases int
}

func (b *fakeBroker) Claim(context.Context, string, string, int) ([]*queue.Delivery, error) {
	return nil, nil
}
func (b *fakeBroker) Ack(context.Context, *queue.Delivery) error { b.acks++; return nil }
func (b *fakeBroker) NackRequeue(context.Context, *queue.Delivery, string) error {
	b.requeues++
	return nil
}
func (b *fakeBroker) NackDead(context.Context, *queue.Delivery, string) error {
	b.deads++
	return nil
}
func (b *fakeBroker) Release(context.Context, *queue.Delivery) error { b.releases++; return nil }

type fakeSender struct {
	calls int
	res   *sender.Result
	err   error
}

func (f *fakeSender) Send(context.Context, *model.User, model.MessageType, string, string) (*sender.Result, error) {
	f.calls++
	return f.res, f.err
}

func testRecord(status model.Status) *model.MessageRecord {
	return &model.MessageRecord{
		ID:                "m1",
		UserID:            "u1",
		Type:              model.TypeBirthday,
		Body:              "Hey Ada, happy birthday!",
		ScheduledSendTime: time.Now().UTC(),
		Status:            status,
		IdempotencyKey:    "u1:BIRTHDAY:2025-06-15",
		UpdatedAt:         time.Now().UTC(),
	}
}

func testDelivery() *queue.Delivery {
	return &queue.Delivery{
		ID:    1,
		Queue: "birthday",
		Job:   model.Job{MessageID: "m1", UserID: "u1", MessageType: model.TypeBirthday},
	}
}

func testPool(ms MessageStore, us UserStore, b Broker, snd Sender) *Pool {
	return &Pool{
		Queue:      b,
		Messages:   ms,
		Users:      us,
		Send:       snd,
		Met:        metrics.New(),
		Workers:    config.WorkerConfig{Count: 1, DrainTimeout: time.Second, MemoryPctMax: 90},
		MaxRetries: 5,
	}
}

// assertOutcome checks the exactly-one-outcome invariant
func assertOutcome(t *testing.T, b *fakeBroker, acks, requeues, deads int) {
	t.Helper()
	if b.acks != acks || b.requeues != requeues || b.deads != deads {
		t.Fatalf("outcomes = %d acks, %d requeues, %d deads; want %d/%d/%d",
			b.acks, b.requeues, b.deads, acks, requeues, deads)
	}
	if total := b.acks + b.requeues + b.deads; total != 1 {
		t.Fatalf("delivery finished %d times, want exactly 1", total)
	}
}

func TestHandleDeliversAndAcks(t *testing.T) {
	// Every claimable state funnels through SENDING to SENT
	for _, status := range []model.Status{model.StatusQueued, model.StatusScheduled, model.StatusFailedRetry} {
		t.Run(string(status), func(t *testing.T) {
			ms := &fakeMessageStore{rec: testRecord(status)}
			us := &fakeUserStore{user: &model.User{ID: "u1", FirstName: "Ada", Email: "ada@example.com", Timezone: "UTC"}}
			b := &fakeBroker{}
			snd := &fakeSender{res: &sender.Result{StatusCode: http.StatusOK, Body: `{"ok":true}`}}

			testPool(ms, us, b, snd).handle(context.Background(), testDelivery())

			if snd.calls != 1 {
				t.Errorf("sender called %d times, want 1", snd.calls)
			}
			if ms.rec.Status != model.StatusSent {
				t.Errorf("record status = %s, want SENT", ms.rec.Status)
			}
			if len(ms.transitions) != 1 || ms.transitions[0] != string(status)+">SENDING" {
				t.Errorf("transitions = %v, want a single %s>SENDING claim", ms.transitions, status)
			}
			assertOutcome(t, b, 1, 0, 0)
		})
	}
}

func TestHandleAlreadySentDropsDuplicate(t *testing.T) {
	ms := &fakeMessageStore{rec: testRecord(model.StatusSent)}
	b := &fakeBroker{}
	snd := &fakeSender{res: &sender.Result{StatusCode: 200}}

	testPool(ms, &fakeUserStore{}, b, snd).handle(context.Background(), testDelivery())

	if snd.calls != 0 {
		t.Errorf("sender called %d times on a SENT record, want 0", snd.calls)
	}
	assertOutcome(t, b, 1, 0, 0)
}

func TestHandleTerminalFailedDrops(t *testing.T) {
	ms := &fakeMessageStore{rec: testRecord(model.StatusFailed)}
	b := &fakeBroker{}
	snd := &fakeSender{}

	testPool(ms, &fakeUserStore{}, b, snd).handle(context.Background(), testDelivery())

	if snd.calls != 0 {
		t.Errorf("sender called %d times on a FAILED record, want 0", snd.calls)
	}
	assertOutcome(t, b, 1, 0, 0)
}

func TestHandleInFlightRecordDrops(t *testing.T) {
	// A record already in SENDING is owned by another live worker: the
	// duplicate delivery must be acked without a second vendor call, and
	// no SENDING>SENDING transition may sneak past the claim.
	ms := &fakeMessageStore{rec: testRecord(model.StatusSending)}
	b := &fakeBroker{}
	snd := &fakeSender{res: &sender.Result{StatusCode: 200}}

	testPool(ms, &fakeUserStore{user: &model.User{ID: "u1", Email: "ada@example.com"}}, b, snd).
		handle(context.Background(), testDelivery())

	if snd.calls != 0 {
		t.Fatalf("sender called %d times for an in-flight record, want 0", snd.calls)
	}
	if len(ms.transitions) != 0 {
		t.Errorf("transitions = %v, want none", ms.transitions)
	}
	if ms.rec.Status != model.StatusSending {
		t.Errorf("record status = %s, want untouched SENDING", ms.rec.Status)
	}
	assertOutcome(t, b, 1, 0, 0)
}

func TestHandleRecordGoneAcks(t *testing.T) {
	ms := &fakeMessageStore{} // no record
	b := &fakeBroker{}
	snd := &fakeSender{}

	testPool(ms, &fakeUserStore{}, b, snd).handle(context.Background(), testDelivery())

	if snd.calls != 0 {
		t.Errorf("sender called %d times for a missing record, want 0", snd.calls)
	}
	assertOutcome(t, b, 1, 0, 0)
}

func TestHandleClaimRaceDrops(t *testing.T) {
	ms := &fakeMessageStore{
		rec:           testRecord(model.StatusQueued),
		transitionErr: fault.Newf(fault.KindConflict, "record m1 is SENDING, wanted QUEUED"),
	}
	b := &fakeBroker{}
	snd := &fakeSender{}

	testPool(ms, &fakeUserStore{}, b, snd).handle(context.Background(), testDelivery())

	if snd.calls != 0 {
		t.Errorf("sender called %d times after losing the claim race, want 0", snd.calls)
	}
	assertOutcome(t, b, 1, 0, 0)
}

func TestHandleTransientFailureRequeues(t *testing.T) {
	ms := &fakeMessageStore{rec: testRecord(model.StatusQueued)}
	us := &fakeUserStore{user: &model.User{ID: "u1", Email: "ada@example.com"}}
	b := &fakeBroker{}
	snd := &fakeSender{err: fault.New(fault.KindTransient, "vendor returned 503")}

	testPool(ms, us, b, snd).handle(context.Background(), testDelivery())

	if ms.rec.Status != model.StatusFailedRetry {
		t.Errorf("record status = %s, want FAILED_RETRY", ms.rec.Status)
	}
	if ms.rec.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", ms.rec.RetryCount)
	}
	assertOutcome(t, b, 0, 1, 0)
}

func TestHandleRetriesExhaustedDeadLetters(t *testing.T) {
	rec := testRecord(model.StatusQueued)
	rec.RetryCount = 4 // one short of MaxRetries
	ms := &fakeMessageStore{rec: rec}
	us := &fakeUserStore{user: &model.User{ID: "u1", Email: "ada@example.com"}}
	b := &fakeBroker{}
	snd := &fakeSender{err: fault.New(fault.KindTransient, "vendor returned 503")}

	testPool(ms, us, b, snd).handle(context.Background(), testDelivery())

	if ms.rec.Status != model.StatusFailed {
		t.Errorf("record status = %s, want terminal FAILED", ms.rec.Status)
	}
	assertOutcome(t, b, 0, 0, 1)
}

func TestHandlePermanentFailureDeadLetters(t *testing.T) {
	ms := &fakeMessageStore{rec: testRecord(model.StatusQueued)}
	us := &fakeUserStore{user: &model.User{ID: "u1", Email: "ada@example.com"}}
	b := &fakeBroker{}
	snd := &fakeSender{err: fault.New(fault.KindPermanent, "vendor returned 422")}

	testPool(ms, us, b, snd).handle(context.Background(), testDelivery())

	if ms.rec.Status != model.StatusFailed {
		t.Errorf("record status = %s, want terminal FAILED", ms.rec.Status)
	}
	if ms.rec.RetryCount != 5 {
		t.Errorf("retry count = %d, want forced to max", ms.rec.RetryCount)
	}
	assertOutcome(t, b, 0, 0, 1)
}

func TestHandleDeletedUserDeadLetters(t *testing.T) {
	now := time.Now()
	ms := &fakeMessageStore{rec: testRecord(model.StatusQueued)}
	us := &fakeUserStore{user: &model.User{ID: "u1", Email: "ada@example.com", DeletedAt: &now}}
	b := &fakeBroker{}
	snd := &fakeSender{res: &sender.Result{StatusCode: 200}}

	testPool(ms, us, b, snd).handle(context.Background(), testDelivery())

	if snd.calls != 0 {
		t.Errorf("sender called %d times for a deleted user, want 0", snd.calls)
	}
	if ms.rec.Status != model.StatusFailed {
		t.Errorf("record status = %s, want terminal FAILED", ms.rec.Status)
	}
	assertOutcome(t, b, 0, 0, 1)
}

func TestHandleMarkSentFailureStillAcks(t *testing.T) {
	// Once the vendor accepted, the delivery is done regardless of the
	// bookkeeping write: never resend.
	ms := &fakeMessageStore{
		rec:         testRecord(model.StatusQueued),
		markSentErr: fault.Newf(fault.KindConflict, "record m1 is FAILED, wanted SENDING"),
	}
	us := &fakeUserStore{user: &model.User{ID: "u1", Email: "ada@example.com"}}
	b := &fakeBroker{}
	snd := &fakeSender{res: &sender.Result{StatusCode: 200}}

	testPool(ms, us, b, snd).handle(context.Background(), testDelivery())

	if snd.calls != 1 {
		t.Errorf("sender called %d times, want 1", snd.calls)
	}
	assertOutcome(t, b, 1, 0, 0)
}
