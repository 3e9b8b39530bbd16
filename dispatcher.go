package outbox

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Dispatcher periodically claims eligible outbox records, publishes them and
// records the outcome. Several dispatcher instances may run against the same
// store; the lease columns keep their claimed sets disjoint, so no in-process
// coordination between instances exists or is needed.
//
// Delivery is at-least-once: a crash between a successful send and the
// delivered marker leaves the record leased until expiry, after which it is
// claimed and sent again. Consumers must be idempotent.
type Dispatcher struct {
	store     Store
	publisher Publisher

	interval          time.Duration
	transientInterval time.Duration
	releaseInterval   time.Duration
	claimTimeout      time.Duration
	publishTimeout    time.Duration
	updateTimeout     time.Duration
	batchSize         int
	leaseDuration     time.Duration
	owner             string
	policy            RetryPolicy
	classifier        ErrorClassifier
	auditHook         AuditHook
	redactors         *RedactorRegistry
	logger            *zap.Logger

	started     int32
	closed      int32
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	errCh       chan error
	exhaustedCh chan Record
}

// DispatchResult captures the outcome counters of one dispatch cycle.
type DispatchResult struct {
	Claimed   int
	Delivered int
	Failed    int
	Exhausted int
}

// DispatcherOption is a function that configures a Dispatcher instance.
type DispatcherOption func(*Dispatcher)

// WithInterval sets the time between dispatch cycles.
// Default is 10 seconds.
func WithInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.interval = interval
		}
	}
}

// WithTransientErrorInterval sets the pause after a cycle aborted because the
// store was unreachable. Default is 5 seconds.
func WithTransientErrorInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.transientInterval = interval
		}
	}
}

// WithLeaseReleaseInterval sets the cadence of expired-lease housekeeping.
// Default is 1 minute.
func WithLeaseReleaseInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.releaseInterval = interval
		}
	}
}

// WithClaimTimeout sets the timeout for claiming a batch from the store.
// Default is 5 seconds.
func WithClaimTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.claimTimeout = timeout
		}
	}
}

// WithPublishTimeout sets the timeout for a single broker send.
// Default is 5 seconds.
func WithPublishTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.publishTimeout = timeout
		}
	}
}

// WithUpdateTimeout sets the timeout for recording an outcome in the store.
// Default is 5 seconds.
func WithUpdateTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.updateTimeout = timeout
		}
	}
}

// WithBatchSize sets the maximum number of records claimed per cycle.
// Bounding the batch caps memory use and the blast radius of a broker outage
// within one cycle. Default is 100. Must be positive.
func WithBatchSize(size int) DispatcherOption {
	return func(d *Dispatcher) {
		if size > 0 {
			d.batchSize = size
		}
	}
}

// WithLeaseDuration sets the exclusive claim window per record. It should
// comfortably exceed batchSize sequential publish timeouts; an in-flight batch
// abandoned at shutdown is reclaimed only after this window passes.
// Default is 30 seconds.
func WithLeaseDuration(leaseDuration time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if leaseDuration > 0 {
			d.leaseDuration = leaseDuration
		}
	}
}

// WithOwner sets the lease owner identity of this dispatcher instance.
// Defaults to hostname, pid and a random suffix. Owners must be unique across
// concurrently running instances.
func WithOwner(owner string) DispatcherOption {
	return func(d *Dispatcher) {
		if owner != "" {
			d.owner = owner
		}
	}
}

// WithRetryPolicy sets the retry schedule for failed publish attempts.
// Default is jittered exponential backoff capped at 1 hour with 25 attempts.
func WithRetryPolicy(policy RetryPolicy) DispatcherOption {
	return func(d *Dispatcher) {
		d.policy = policy
	}
}

// WithErrorClassifier sets the classifier distinguishing permanent publish
// errors from transient ones. Classification only annotates the reported
// PublishError; both kinds are retried under the same policy.
func WithErrorClassifier(classifier ErrorClassifier) DispatcherOption {
	return func(d *Dispatcher) {
		d.classifier = classifier
	}
}

// WithAuditHook sets the collaborator invoked after each successful publish
// with a redacted view of the payload.
func WithAuditHook(hook AuditHook) DispatcherOption {
	return func(d *Dispatcher) {
		d.auditHook = hook
	}
}

// WithRedactors sets the registry used to build the redacted payload view
// passed to the audit hook. Without a registry every view is fully masked.
func WithRedactors(redactors *RedactorRegistry) DispatcherOption {
	return func(d *Dispatcher) {
		d.redactors = redactors
	}
}

// WithLogger sets the structured logger. Default is a no-op logger.
func WithLogger(logger *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithErrorChannelSize sets the size of the error channel.
// Default is 128. Size must be positive.
func WithErrorChannelSize(size int) DispatcherOption {
	return func(d *Dispatcher) {
		if size > 0 {
			d.errCh = make(chan error, size)
		}
	}
}

// WithExhaustedChannelSize sets the size of the exhausted records channel.
// Default is 128. Size must be positive.
func WithExhaustedChannelSize(size int) DispatcherOption {
	return func(d *Dispatcher) {
		if size > 0 {
			d.exhaustedCh = make(chan Record, size)
		}
	}
}

// WithConfig applies an environment-derived Config. Individual options may be
// combined with it and win when applied later.
func WithConfig(cfg Config) DispatcherOption {
	return func(d *Dispatcher) {
		cfg.normalize()
		d.interval = cfg.PollInterval
		d.batchSize = cfg.BatchSize
		d.leaseDuration = cfg.LeaseDuration
		d.transientInterval = cfg.TransientErrorInterval
		d.releaseInterval = cfg.LeaseReleaseInterval
		d.publishTimeout = cfg.PublishTimeout
		d.policy = cfg.retryPolicy()
	}
}

// NewDispatcher creates a new Dispatcher with the given store, publisher and options.
func NewDispatcher(store Store, publisher Publisher, opts ...DispatcherOption) (*Dispatcher, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if publisher == nil {
		return nil, ErrPublisherRequired
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		store:             store,
		publisher:         publisher,
		ctx:               ctx,
		cancel:            cancel,
		interval:          defaultPollInterval,
		transientInterval: defaultTransientErrorInterval,
		releaseInterval:   defaultLeaseReleaseInterval,
		claimTimeout:      defaultClaimTimeout,
		publishTimeout:    defaultPublishTimeout,
		updateTimeout:     defaultUpdateTimeout,
		batchSize:         defaultBatchSize,
		leaseDuration:     defaultLeaseDuration,
		owner:             defaultOwner(),
		policy:            DefaultRetryPolicy(),
		logger:            zap.NewNop(),
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.errCh == nil {
		d.errCh = make(chan error, 128)
	}
	if d.exhaustedCh == nil {
		d.exhaustedCh = make(chan Record, 128)
	}

	return d, nil
}

func defaultOwner() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "outbox"
	}

	return fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.New().String()[:8])
}

// Start begins the background dispatch loop.
// If Start is called multiple times, only the first call has an effect.
func (d *Dispatcher) Start() {
	if !atomic.CompareAndSwapInt32(&d.started, 0, 1) {
		return
	}

	d.wg.Add(1)
	go func() {
		ticker := time.NewTicker(d.interval)
		release := time.NewTicker(d.releaseInterval)

		defer d.wg.Done()
		defer close(d.errCh)
		defer close(d.exhaustedCh)
		defer ticker.Stop()
		defer release.Stop()

		d.logger.Info("outbox dispatcher started",
			zap.String("owner", d.owner),
			zap.Duration("interval", d.interval),
			zap.Int("batch_size", d.batchSize))

		for {
			select {
			case <-ticker.C:
				if _, err := d.DispatchOnce(d.ctx); err != nil {
					if d.ctx.Err() != nil {
						return
					}
					d.sendError(&ClaimError{Err: err})
					d.logger.Warn("claim cycle aborted, backing off", zap.Error(err))

					if !d.waitTransient() {
						return
					}
				}
			case <-release.C:
				d.releaseExpired()
			case <-d.ctx.Done():
				return
			}
		}
	}()
}

// Stop gracefully shuts down the dispatch loop. The in-flight batch finishes
// or is abandoned; abandoned records stay leased until expiry and are
// reclaimed afterwards. The provided context bounds how long to wait.
// Calling Stop multiple times is safe and only the first call has an effect.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&d.closed, 0, 1) {
		return nil
	}

	d.cancel() // signal stop

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.wg.Wait()
	}()

	select {
	case <-done:
		d.logger.Info("outbox dispatcher stopped", zap.String("owner", d.owner))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DispatchOnce runs a single claim-publish-report cycle synchronously.
// The returned error is non-nil only when the store could not serve the claim;
// per-record failures are recorded on the records themselves and reported
// through Errors.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (DispatchResult, error) {
	claimCtx, cancel := context.WithTimeout(ctx, d.claimTimeout)
	records, err := d.store.ClaimBatch(claimCtx, d.batchSize, d.leaseDuration, d.owner, d.policy.MaxAttempts)
	cancel()
	if err != nil {
		return DispatchResult{}, err
	}

	result := DispatchResult{Claimed: len(records)}

	// Records arrive in OccurredAt order and are published in that order;
	// one record's failure never blocks its siblings.
	for _, r := range records {
		if ctx.Err() != nil {
			break
		}

		d.handleRecord(ctx, r, &result)
	}

	return result, nil
}

func (d *Dispatcher) handleRecord(ctx context.Context, r *Record, result *DispatchResult) {
	pubErr := d.publishRecord(ctx, r)
	if pubErr != nil {
		permanent := d.classifier != nil && d.classifier.IsPermanent(pubErr)
		d.sendError(&PublishError{Record: *r, Err: pubErr, Permanent: permanent})
		d.scheduleRetry(r, pubErr, result)
		return
	}

	if err := d.markDelivered(r); err != nil {
		// Published but not recorded: the record will be sent again after its
		// lease expires. Accepted under at-least-once delivery.
		d.sendError(&UpdateError{Record: *r, Err: err})
		result.Failed++
		return
	}

	result.Delivered++
	d.audit(ctx, r)
}

func (d *Dispatcher) publishRecord(ctx context.Context, r *Record) error {
	ctx, cancel := context.WithTimeout(ctx, d.publishTimeout)
	defer cancel()

	return d.publisher.Send(ctx, NewEnvelope(r))
}

func (d *Dispatcher) markDelivered(r *Record) error {
	// Not derived from the loop context: an outcome of a completed send should
	// be recorded even while shutting down.
	ctx, cancel := context.WithTimeout(context.Background(), d.updateTimeout)
	defer cancel()

	return d.store.MarkDelivered(ctx, r.ID)
}

func (d *Dispatcher) scheduleRetry(r *Record, pubErr error, result *DispatchResult) {
	attempt := r.Attempts + 1
	nextAttemptAt := time.Now().UTC().Add(d.policy.NextDelay(attempt))

	ctx, cancel := context.WithTimeout(context.Background(), d.updateTimeout)
	defer cancel()

	if err := d.store.MarkFailed(ctx, r.ID, pubErr.Error(), nextAttemptAt); err != nil {
		d.sendError(&UpdateError{Record: *r, Err: err})
		result.Failed++
		return
	}

	if d.policy.ShouldGiveUp(attempt) {
		exhausted := *r
		exhausted.Attempts = attempt
		exhausted.LastError = pubErr.Error()
		d.sendExhausted(&exhausted)
		d.logger.Warn("outbox record exhausted",
			zap.String("record_id", r.ID.String()),
			zap.String("event_type", r.EventType),
			zap.Int32("attempts", attempt))

		result.Exhausted++
		return
	}

	result.Failed++
}

func (d *Dispatcher) audit(ctx context.Context, r *Record) {
	if d.auditHook == nil {
		return
	}

	d.auditHook(ctx, *r, d.redactors.Redact(r.EventType, r.Payload))
}

func (d *Dispatcher) releaseExpired() {
	ctx, cancel := context.WithTimeout(d.ctx, d.updateTimeout)
	defer cancel()

	released, err := d.store.ReleaseExpiredLeases(ctx)
	if err != nil {
		d.sendError(&ReleaseError{Err: err})
		return
	}

	if released > 0 {
		d.logger.Info("released expired outbox leases", zap.Int64("released", released))
	}
}

func (d *Dispatcher) waitTransient() bool {
	t := time.NewTimer(d.transientInterval)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-d.ctx.Done():
		return false
	}
}

// Errors returns a channel that receives errors from the dispatch loop.
// The channel is buffered to prevent blocking the loop. If the buffer becomes
// full, subsequent errors will be dropped to maintain throughput.
// The channel is closed when the dispatcher is stopped.
//
// The returned error will be one of the following types, which can be checked
// using a type switch:
//   - *ClaimError:   The store could not serve a claim. The cycle was aborted.
//   - *PublishError: A record failed to publish. Contains the record and the
//     permanent/transient classification.
//   - *UpdateError:  An outcome could not be recorded. Contains the record.
//   - *ReleaseError: Expired-lease housekeeping failed.
func (d *Dispatcher) Errors() <-chan error {
	return d.errCh
}

// ExhaustedRecords returns a channel that receives records whose attempts
// reached the retry policy's limit. Exhausted records stay in the store for
// operator inspection; this channel exists for alerting.
// The channel is closed when the dispatcher is stopped.
func (d *Dispatcher) ExhaustedRecords() <-chan Record {
	return d.exhaustedCh
}

func (d *Dispatcher) sendError(err error) {
	select {
	case d.errCh <- err:
	default:
		// Channel buffer full, drop the error to prevent blocking
	}
}

func (d *Dispatcher) sendExhausted(r *Record) {
	select {
	case d.exhaustedCh <- *r:
	default:
		// Channel buffer full, drop the record to prevent blocking
	}
}

// ClaimError indicates the store could not serve a claim; the dispatch cycle
// was aborted without touching any record state.
type ClaimError struct {
	Err error
}

func (e *ClaimError) Error() string { return fmt.Sprintf("claiming outbox records: %v", e.Err) }

func (e *ClaimError) Unwrap() error { return e.Err }

// PublishError indicates a failed publish attempt for one record.
type PublishError struct {
	Record    Record
	Err       error
	Permanent bool
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publishing record %s: %v", e.Record.ID, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// UpdateError indicates an outcome could not be recorded for one record.
type UpdateError struct {
	Record Record
	Err    error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("updating record %s: %v", e.Record.ID, e.Err)
}

func (e *UpdateError) Unwrap() error { return e.Err }

// ReleaseError indicates expired-lease housekeeping failed.
type ReleaseError struct {
	Err error
}

func (e *ReleaseError) Error() string { return fmt.Sprintf("releasing expired leases: %v", e.Err) }

func (e *ReleaseError) Unwrap() error { return e.Err }
