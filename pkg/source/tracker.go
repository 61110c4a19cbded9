package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2/klogr"

	"github.com/namix-io/sync-engine/pkg/metrics"
	ioutil "github.com/namix-io/sync-engine/pkg/utils/io"
)

const (
	DefaultPollInterval = time.Minute
	defaultBackoffBase  = 5 * time.Second
	defaultBackoffCap   = 5 * time.Minute
	defaultTick         = time.Second
	eventsBufferSize    = 100
)

type SourceState string

const (
	SourceStatePending SourceState = "Pending"
	SourceStateReady   SourceState = "Ready"
	SourceStateBackoff SourceState = "Backoff"
	SourceStateStalled SourceState = "Stalled"
)

// PollResult is the outcome of a successful poll
type PollResult struct {
	Revision Revision
	// Changed is false when the reference still resolves to the last seen commit
	Changed bool
	// Redundant is set when the commit was already seen before a restart
	Redundant bool
}

// RevisionEvent is emitted for every new revision
type RevisionEvent struct {
	Revision   Revision
	ContentDir string
	Redundant  bool
}

// Status is the observable state of a tracked source
type Status struct {
	Source    Source      `json:"source"`
	State     SourceState `json:"state"`
	Revision  *Revision   `json:"revision,omitempty"`
	LastError string      `json:"lastError,omitempty"`
	NextPoll  time.Time   `json:"nextPoll"`
}

type trackedSource struct {
	// pollLock serializes polls of one source
	pollLock sync.Mutex

	source     Source
	state      SourceState
	revision   *Revision
	contentDir string
	temporary  bool
	lastErr    error
	nextPoll   time.Time
}

type TrackerOption func(*Tracker)

func WithRevisionStore(store RevisionStore) TrackerOption {
	return func(t *Tracker) {
		t.store = store
	}
}

func WithCredentials(provider CredentialsProvider) TrackerOption {
	return func(t *Tracker) {
		t.credentials = provider
	}
}

func WithLogger(log logr.Logger) TrackerOption {
	return func(t *Tracker) {
		t.log = log
	}
}

// WithBackoff overrides the transient failure backoff
func WithBackoff(base, max time.Duration) TrackerOption {
	return func(t *Tracker) {
		t.backoff = workqueue.NewItemExponentialFailureRateLimiter(base, max)
	}
}

func WithTick(tick time.Duration) TrackerOption {
	return func(t *Tracker) {
		t.tick = tick
	}
}

func withClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		t.now = now
	}
}

// Tracker polls sources and emits their new revisions.
type Tracker struct {
	fetcher     Fetcher
	store       RevisionStore
	credentials CredentialsProvider
	backoff     workqueue.RateLimiter
	log         logr.Logger
	tick        time.Duration
	now         func() time.Time
	events      chan RevisionEvent

	lock    sync.RWMutex
	sources map[string]*trackedSource
}

func NewTracker(fetcher Fetcher, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		fetcher:     fetcher,
		store:       NewMemoryRevisionStore(),
		credentials: StaticCredentials{},
		backoff:     workqueue.NewItemExponentialFailureRateLimiter(defaultBackoffBase, defaultBackoffCap),
		log:         klogr.New(),
		tick:        defaultTick,
		now:         time.Now,
		events:      make(chan RevisionEvent, eventsBufferSize),
		sources:     map[string]*trackedSource{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Events returns the channel new revisions are emitted on
func (t *Tracker) Events() <-chan RevisionEvent {
	return t.events
}

// SetSources replaces the tracked sources. Sources whose configuration changed lose their
// Stalled state and are polled immediately.
func (t *Tracker) SetSources(sources []Source) {
	t.lock.Lock()
	defer t.lock.Unlock()
	seen := map[string]bool{}
	for _, src := range sources {
		seen[src.ID] = true
		if src.PollInterval <= 0 {
			src.PollInterval = DefaultPollInterval
		}
		existing, ok := t.sources[src.ID]
		if ok && existing.source == src {
			continue
		}
		if ok {
			existing.source = src
			existing.state = SourceStatePending
			existing.lastErr = nil
			existing.nextPoll = time.Time{}
			t.backoff.Forget(src.ID)
			continue
		}
		t.sources[src.ID] = &trackedSource{source: src, state: SourceStatePending}
	}
	for id, st := range t.sources {
		if !seen[id] {
			if st.temporary {
				ioutil.DeleteDir(st.contentDir)
			}
			delete(t.sources, id)
			t.backoff.Forget(id)
		}
	}
}

// Content returns the latest revision of the source and the directory holding its files
func (t *Tracker) Content(sourceID string) (Revision, string, bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	st, ok := t.sources[sourceID]
	if !ok || st.revision == nil || st.contentDir == "" {
		return Revision{}, "", false
	}
	return *st.revision, st.contentDir, true
}

func (t *Tracker) Status(sourceID string) (Status, bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	st, ok := t.sources[sourceID]
	if !ok {
		return Status{}, false
	}
	return st.status(), true
}

func (st *trackedSource) status() Status {
	res := Status{Source: st.source, State: st.state, NextPoll: st.nextPoll}
	if st.revision != nil {
		rev := *st.revision
		res.Revision = &rev
	}
	if st.lastErr != nil {
		res.LastError = st.lastErr.Error()
	}
	return res
}

// Poll fetches the source once. Stalled sources return their last error without fetching.
func (t *Tracker) Poll(ctx context.Context, sourceID string) (PollResult, error) {
	t.lock.RLock()
	st, ok := t.sources[sourceID]
	t.lock.RUnlock()
	if !ok {
		return PollResult{}, fmt.Errorf("source %s not found", sourceID)
	}
	st.pollLock.Lock()
	defer st.pollLock.Unlock()

	t.lock.RLock()
	src, state, lastErr := st.source, st.state, st.lastErr
	known := ""
	if st.revision != nil && st.contentDir != "" {
		known = st.revision.CommitHash
	}
	t.lock.RUnlock()
	if state == SourceStateStalled {
		return PollResult{}, lastErr
	}

	res, err := t.fetch(ctx, src, known)
	if err != nil {
		t.recordFailure(st, src, err)
		return PollResult{}, err
	}
	t.backoff.Forget(src.ID)

	t.lock.Lock()
	defer t.lock.Unlock()
	if st.source != src {
		// reconfigured while fetching, the next poll picks up the new configuration
		if res.Temporary {
			ioutil.DeleteDir(res.Content)
		}
		return PollResult{}, fmt.Errorf("source %s changed while polling", src.ID)
	}
	now := t.now()
	st.state = SourceStateReady
	st.lastErr = nil
	st.nextPoll = now.Add(src.PollInterval)
	if res.Content == "" && st.revision != nil && res.CommitHash == st.revision.CommitHash {
		return PollResult{Revision: *st.revision}, nil
	}

	persisted, err := t.store.GetRevision(src.ID)
	if err != nil {
		t.log.Error(err, "Failed to read persisted revision", "source", src.ID)
	}
	redundant := st.revision == nil && persisted == res.CommitHash

	if st.temporary && st.contentDir != res.Content {
		ioutil.DeleteDir(st.contentDir)
	}
	rev := Revision{SourceID: src.ID, CommitHash: res.CommitHash, FetchedAt: now}
	st.revision = &rev
	st.contentDir = res.Content
	st.temporary = res.Temporary
	if err := t.store.SaveRevision(src.ID, res.CommitHash); err != nil {
		t.log.Error(err, "Failed to persist revision", "source", src.ID)
	}
	t.log.Info("New revision", "source", src.ID, "commit", res.CommitHash, "redundant", redundant)
	return PollResult{Revision: rev, Changed: true, Redundant: redundant}, nil
}

func (t *Tracker) fetch(ctx context.Context, src Source, known string) (*FetchResult, error) {
	req := FetchRequest{URL: src.URL, Ref: src.Ref, KnownRevision: known}
	if src.CredentialsRef != "" {
		creds, err := t.credentials.Credentials(ctx, src.CredentialsRef)
		if err != nil {
			return nil, err
		}
		req.Credentials = creds
	}
	return t.fetcher.Fetch(ctx, req)
}

func (t *Tracker) recordFailure(st *trackedSource, src Source, err error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if st.source != src {
		return
	}
	st.lastErr = err
	if IsPermanent(err) {
		st.state = SourceStateStalled
		t.log.Error(err, "Source stalled", "source", src.ID)
		return
	}
	delay := t.backoff.When(src.ID)
	st.state = SourceStateBackoff
	st.nextPoll = t.now().Add(delay)
	t.log.Info("Fetch failed, backing off", "source", src.ID, "retryIn", delay, "error", err.Error())
}

// Run polls due sources until ctx is done. Sources are polled concurrently, each at most
// once at a time.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.tick)
	defer ticker.Stop()
	var wg sync.WaitGroup
	defer wg.Wait()
	inFlight := map[string]bool{}
	done := make(chan string)
	for {
		for _, id := range t.due(inFlight) {
			inFlight[id] = true
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				t.pollAndEmit(ctx, id)
				select {
				case done <- id:
				case <-ctx.Done():
				}
			}(id)
		}
		select {
		case <-ctx.Done():
			return
		case id := <-done:
			delete(inFlight, id)
		case <-ticker.C:
		}
	}
}

func (t *Tracker) due(inFlight map[string]bool) []string {
	t.lock.RLock()
	defer t.lock.RUnlock()
	now := t.now()
	var ids []string
	for id, st := range t.sources {
		if inFlight[id] || st.state == SourceStateStalled || now.Before(st.nextPoll) {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func (t *Tracker) pollAndEmit(ctx context.Context, sourceID string) {
	res, err := t.Poll(ctx, sourceID)
	switch {
	case err != nil:
		metrics.SourcePollsTotal.WithLabelValues(sourceID, "error").Inc()
		return
	case !res.Changed:
		metrics.SourcePollsTotal.WithLabelValues(sourceID, "unchanged").Inc()
		return
	}
	metrics.SourcePollsTotal.WithLabelValues(sourceID, "changed").Inc()
	_, dir, _ := t.Content(sourceID)
	select {
	case t.events <- RevisionEvent{Revision: res.Revision, ContentDir: dir, Redundant: res.Redundant}:
	case <-ctx.Done():
	}
}
