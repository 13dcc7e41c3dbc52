package outbox

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Logger is an optional sink for relay events that have no caller to return to,
// such as parked records.
type Logger interface {
	Errorf(format string, args ...any)
}

// cycleState tracks where in the fetch, publish, cleanup cycle the relay is.
type cycleState int32

const (
	stateIdle cycleState = iota
	stateFetching
	statePublishing
	stateCleanup
	stateBackoff
)

func (s cycleState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateFetching:
		return "fetching"
	case statePublishing:
		return "publishing"
	case stateCleanup:
		return "cleanup"
	case stateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Relay continuously drains the outbox table into a broker. Each cycle it
// claims a batch of records under an expiring lease, publishes them grouped by
// partition key, deletes the records the broker acknowledged, and releases the
// claim on the rest so they are retried on a later cycle.
//
// Multiple Relay instances may run against the same table; the claim lease
// guarantees at most one active claimer per record. Each instance holds only
// its own claim and backoff state, with an explicit Start/Stop lifecycle.
type Relay struct {
	store    Store
	producer Producer
	workerID string
	logger   Logger

	interval       time.Duration
	lease          time.Duration
	claimTimeout   time.Duration
	publishTimeout time.Duration
	deleteTimeout  time.Duration
	batchSize      int
	maxAttempts    int32
	backoff        DelayFunc

	state   int32
	started int32
	closed  int32
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	errCh       chan error
	discardedCh chan Record
}

// RelayOption is a function that configures a Relay instance.
type RelayOption func(*Relay)

// WithInterval sets the time between relay cycles.
// Default is 10 seconds.
func WithInterval(interval time.Duration) RelayOption {
	return func(r *Relay) {
		r.interval = interval
	}
}

// WithBatchSize sets the maximum number of records claimed per cycle.
// Default is 100 records. Must be positive.
func WithBatchSize(size int) RelayOption {
	return func(r *Relay) {
		if size > 0 {
			r.batchSize = size
		}
	}
}

// WithLease sets how long a claim on a batch of records lasts. If a relay
// crashes mid-cycle, its records become claimable again once the lease
// expires. The relay renews the lease every half lease while a cycle is
// publishing, so the lease only needs to exceed the renewal period, not the
// whole cycle.
// Default is 30 seconds.
func WithLease(lease time.Duration) RelayOption {
	return func(r *Relay) {
		r.lease = lease
	}
}

// WithClaimTimeout sets the timeout for claiming records from the outbox table.
// Default is 5 seconds.
func WithClaimTimeout(timeout time.Duration) RelayOption {
	return func(r *Relay) {
		r.claimTimeout = timeout
	}
}

// WithPublishTimeout sets the per-record timeout for broker acknowledgment.
// A publish that exceeds it counts as unacknowledged: the record stays in the
// outbox and may be delivered twice if the broker received it after all.
// Default is 5 seconds.
func WithPublishTimeout(timeout time.Duration) RelayOption {
	return func(r *Relay) {
		r.publishTimeout = timeout
	}
}

// WithDeleteTimeout sets the timeout for deleting acknowledged records.
// Default is 5 seconds.
func WithDeleteTimeout(timeout time.Duration) RelayOption {
	return func(r *Relay) {
		r.deleteTimeout = timeout
	}
}

// WithBackoff sets the delay function applied between cycles after a failure.
// The delay grows with the number of consecutive failed cycles and resets on
// the first successful one.
// Default is Exponential(500ms, 1m).
func WithBackoff(delayFunc DelayFunc) RelayOption {
	return func(r *Relay) {
		r.backoff = delayFunc
	}
}

// WithExponentialBackoff sets an exponential delay between failed cycles,
// starting at initialDelay and bounded by maxDelay.
func WithExponentialBackoff(initialDelay, maxDelay time.Duration) RelayOption {
	return WithBackoff(Exponential(initialDelay, maxDelay))
}

// WithFixedBackoff sets a fixed delay between failed cycles.
func WithFixedBackoff(delay time.Duration) RelayOption {
	return WithBackoff(Fixed(delay))
}

// WithMaxAttempts sets the maximum number of publish attempts per record.
// A record that reaches the limit is removed from the outbox and delivered on
// the channel returned by Discarded, so no record disappears unobserved.
// Default is unlimited. Must be positive.
func WithMaxAttempts(maxAttempts int32) RelayOption {
	return func(r *Relay) {
		if maxAttempts > 0 {
			r.maxAttempts = maxAttempts
		}
	}
}

// WithErrorChannelSize sets the size of the error channel.
// Default is 128. Size must be positive.
func WithErrorChannelSize(size int) RelayOption {
	return func(r *Relay) {
		if size > 0 {
			r.errCh = make(chan error, size)
		}
	}
}

// WithDiscardedChannelSize sets the size of the discarded records channel.
// Default is 128. Size must be positive.
func WithDiscardedChannelSize(size int) RelayOption {
	return func(r *Relay) {
		if size > 0 {
			r.discardedCh = make(chan Record, size)
		}
	}
}

// WithLogger sets an optional logger for relay events that are not delivered
// over the Errors channel, such as parked records and lease renewal failures.
func WithLogger(logger Logger) RelayOption {
	return func(r *Relay) {
		r.logger = logger
	}
}

// New creates a new Relay draining the given store into the given producer.
func New(store Store, producer Producer, opts ...RelayOption) *Relay {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Relay{
		store:          store,
		producer:       producer,
		workerID:       uuid.NewString(),
		ctx:            ctx,
		cancel:         cancel,
		interval:       10 * time.Second,
		lease:          30 * time.Second,
		claimTimeout:   5 * time.Second,
		publishTimeout: 5 * time.Second,
		deleteTimeout:  5 * time.Second,
		batchSize:      100,
		maxAttempts:    math.MaxInt32,
		backoff:        Exponential(500*time.Millisecond, time.Minute),
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.errCh == nil {
		r.errCh = make(chan error, 128)
	}

	if r.discardedCh == nil {
		r.discardedCh = make(chan Record, 128)
	}

	return r
}

// Start begins the background relay loop.
// If Start is called multiple times, only the first call has an effect.
func (r *Relay) Start() {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(r.errCh)
		defer close(r.discardedCh)

		timer := time.NewTimer(r.interval)
		defer timer.Stop()

		failures := 0
		for {
			select {
			case <-timer.C:
				if r.runCycle() {
					failures = 0
					r.setState(stateIdle)
					timer.Reset(r.interval)
				} else {
					failures++
					r.setState(stateBackoff)
					timer.Reset(r.backoff(failures))
				}
			case <-r.ctx.Done():
				return
			}
		}
	}()
}

// Stop gracefully shuts down the relay. It prevents new cycles from starting
// and waits for the in-flight cycle, including its claim release, to complete.
// The provided context bounds how long to wait before giving up; on expiry the
// remaining claims are abandoned and become fetchable again once their lease
// runs out.
//
// Calling Stop multiple times is safe and only the first call has an effect.
func (r *Relay) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		return nil
	}

	r.cancel() // signal stop

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Errors returns a channel that receives errors from the relay loop.
// The channel is buffered to prevent blocking the relay. If the buffer becomes
// full, subsequent errors will be dropped to maintain relay throughput.
// The channel is closed when the relay is stopped.
//
// The returned error will be one of the following types, which can be checked
// using a type switch:
//   - *ClaimError:   Failed to claim records from the outbox table.
//   - *PublishError: Failed to publish a record. Contains the record.
//   - *DeleteError:  Failed to delete acknowledged records. Contains the records.
//   - *UpdateError:  Failed to record publish attempts after a failed cycle.
//   - *ReleaseError: Failed to release claims at the end of a cycle.
//
// No error terminates the relay loop; every category is either retried with
// backoff or, for records the broker rejected outright, parked for a later
// cycle.
func (r *Relay) Errors() <-chan error {
	return r.errCh
}

// Discarded returns a channel that receives records that were removed from the
// outbox because they reached the maximum number of publish attempts.
// The channel is closed when the relay is stopped.
//
// Consumers should drain this channel promptly to avoid missing records.
func (r *Relay) Discarded() <-chan Record {
	return r.discardedCh
}

func (r *Relay) setState(s cycleState) {
	atomic.StoreInt32(&r.state, int32(s))
}

func (r *Relay) currentState() cycleState {
	return cycleState(atomic.LoadInt32(&r.state))
}

func (r *Relay) sendError(err error) {
	select {
	case r.errCh <- err:
	default:
		// Channel buffer full, drop the error to prevent blocking
	}
}

func (r *Relay) sendDiscarded(rec *Record) {
	select {
	case r.discardedCh <- *rec:
	default:
		// Channel buffer full, drop the record to prevent blocking
	}
}

// cycleResult accumulates per-record outcomes across the concurrently
// published key groups of a single cycle.
type cycleResult struct {
	mu        sync.Mutex
	acked     []*Record
	discarded []*Record
	failed    []uuid.UUID
}

func (c *cycleResult) ack(rec *Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acked = append(c.acked, rec)
}

func (c *cycleResult) discard(rec *Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discarded = append(c.discarded, rec)
}

func (c *cycleResult) fail(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = append(c.failed, id)
}

// runCycle executes one fetch, publish, cleanup pass.
// It returns false when the cycle hit a retryable failure, in which case the
// loop backs off before the next cycle. Unacknowledged records are never lost:
// their claim is released and they are fetched again later.
func (r *Relay) runCycle() bool {
	r.setState(stateFetching)

	token := uuid.NewString()
	records, err := r.claim(token)
	if err != nil {
		r.sendError(&ClaimError{Err: err})
		return false
	}
	if len(records) == 0 {
		return true
	}

	r.setState(statePublishing)

	stopRenewal := r.keepLeaseAlive(token)

	result := &cycleResult{}
	g := &errgroup.Group{}
	for _, group := range groupByPartitionKey(records) {
		group := group
		g.Go(func() error {
			return r.publishGroup(group, result)
		})
	}
	publishErr := g.Wait()
	stopRenewal()

	r.setState(stateCleanup)
	cleanupOK := r.cleanup(token, result)

	return publishErr == nil && cleanupOK
}

// publishGroup publishes the records of one partition key group in order.
// The group stops at the first record that is not acknowledged, so two records
// sharing a key can never reach the broker out of creation order. A non-nil
// return marks the cycle as failed for backoff purposes.
func (r *Relay) publishGroup(group []*Record, result *cycleResult) error {
	for _, rec := range group {
		if rec.Attempts >= r.maxAttempts {
			r.sendDiscarded(rec)
			result.discard(rec)
			continue
		}

		err := r.produce(rec)
		if err == nil {
			result.ack(rec)
			continue
		}

		r.sendError(&PublishError{Record: *rec, Err: err})
		result.fail(rec.ID)

		if IsReject(err) {
			// Parked: the broker will never take this record as is. Later
			// records of the same key stay pending behind it to preserve
			// ordering; other groups are unaffected.
			if r.logger != nil {
				r.logger.Errorf("outbox relay: parking record %s rejected by broker: %v", rec.ID, err)
			}
			return nil
		}

		return err
	}

	return nil
}

// keepLeaseAlive renews the claim lease every half lease until the returned
// stop function is called, so a slow publish phase cannot outlive the claim
// and hand the same records to a second worker mid-publish.
func (r *Relay) keepLeaseAlive(token string) func() {
	period := r.lease / 2
	if period <= 0 {
		period = time.Millisecond
	}

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.extend(token); err != nil && r.logger != nil {
					r.logger.Errorf("outbox relay: renewing claim lease: %v", err)
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		<-finished
	}
}

// produce runs on a background context so a concurrent Stop waits for the
// in-flight acknowledgment instead of aborting it into a likely duplicate.
func (r *Relay) produce(rec *Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.publishTimeout)
	defer cancel()

	return r.producer.Produce(ctx, rec)
}

func (r *Relay) claim(token string) ([]*Record, error) {
	ctx, cancel := context.WithTimeout(r.ctx, r.claimTimeout)
	defer cancel()

	return r.store.Claim(ctx, token, r.batchSize, r.lease)
}

func (r *Relay) extend(token string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.claimTimeout)
	defer cancel()

	return r.store.Extend(ctx, token, r.lease)
}

// cleanup deletes acknowledged and discarded records, bumps the attempt
// counter of failed ones, and releases the claim on everything left so other
// workers can pick it up immediately.
// It runs on a background context so a concurrent Stop waits for it rather
// than cutting it short.
func (r *Relay) cleanup(token string, result *cycleResult) bool {
	ctx, cancel := context.WithTimeout(context.Background(), r.deleteTimeout)
	defer cancel()

	ok := true

	toDelete := make([]*Record, 0, len(result.acked)+len(result.discarded))
	toDelete = append(toDelete, result.acked...)
	toDelete = append(toDelete, result.discarded...)
	if len(toDelete) > 0 {
		ids := make([]uuid.UUID, len(toDelete))
		for i, rec := range toDelete {
			ids[i] = rec.ID
		}
		if err := r.store.Delete(ctx, ids); err != nil {
			r.sendError(&DeleteError{Records: copyRecords(toDelete), Err: err})
			ok = false
		}
	}

	if len(result.failed) > 0 {
		if err := r.store.MarkAttempt(ctx, result.failed); err != nil {
			r.sendError(&UpdateError{Err: err})
			ok = false
		}
	}

	if err := r.store.Release(ctx, token); err != nil {
		r.sendError(&ReleaseError{Err: err})
		ok = false
	}

	return ok
}

// groupByPartitionKey splits a claimed batch into publishable groups,
// preserving the fetch order within each group. Records sharing a non-empty
// key land in the same group; records without a key each form their own group
// since they carry no ordering constraint.
func groupByPartitionKey(records []*Record) [][]*Record {
	var groups [][]*Record
	keyed := make(map[string]int)

	for _, rec := range records {
		if rec.PartitionKey == "" {
			groups = append(groups, []*Record{rec})
			continue
		}
		if i, ok := keyed[rec.PartitionKey]; ok {
			groups[i] = append(groups[i], rec)
			continue
		}
		keyed[rec.PartitionKey] = len(groups)
		groups = append(groups, []*Record{rec})
	}

	return groups
}

func copyRecords(records []*Record) []Record {
	copied := make([]Record, len(records))
	for i, rec := range records {
		copied[i] = *rec
	}
	return copied
}
