// Package admission admits crawl targets into the queue exactly once per url.
package admission

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlqueue/internal/progress"
	"github.com/JakeFAU/crawlqueue/internal/queue"
)

// URLIndex caches url to id lookups in front of the store.
type URLIndex interface {
	Lookup(ctx context.Context, kind queue.Kind, url string) (string, bool, error)
	Remember(ctx context.Context, kind queue.Kind, url, id string) error
}

// Config controls admission defaults.
type Config struct {
	DefaultPriority int
	MaxRetries      int
	// ReenqueueFailed lets a rediscovered failed url start over.
	ReenqueueFailed bool
}

// DefaultConfig mirrors the column defaults of the queue tables.
func DefaultConfig() Config {
	return Config{DefaultPriority: 1, MaxRetries: 3, ReenqueueFailed: true}
}

// Request describes one discovered url.
type Request struct {
	URL      string     `json:"url"`
	Kind     queue.Kind `json:"kind"`
	URLType  string     `json:"url_type,omitempty"`
	Priority *int       `json:"priority,omitempty"`
	BookID   *int64     `json:"book_id,omitempty"`
	// MaxRetries overrides the configured retry budget.
	MaxRetries *int `json:"max_retries,omitempty"`
}

// Result reports what admission did with a request.
type Result struct {
	ID         string       `json:"id"`
	URL        string       `json:"url"`
	Status     queue.Status `json:"status"`
	Created    bool         `json:"created"`
	Reenqueued bool         `json:"reenqueued"`
}

// Admitter deduplicates and inserts work items.
type Admitter struct {
	store   queue.Store
	clock   queue.Clock
	ids     queue.IDGenerator
	index   URLIndex
	emitter progress.Emitter
	cfg     Config
	logger  *zap.Logger
}

// Option customizes an Admitter.
type Option func(*Admitter)

// WithIndex puts a url cache in front of the store.
func WithIndex(index URLIndex) Option {
	return func(a *Admitter) { a.index = index }
}

// WithEmitter reports admissions to a progress emitter.
func WithEmitter(e progress.Emitter) Option {
	return func(a *Admitter) { a.emitter = e }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Admitter) { a.logger = l.Named("admission") }
}

// New constructs an Admitter.
func New(store queue.Store, clock queue.Clock, ids queue.IDGenerator, cfg Config, opts ...Option) *Admitter {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	a := &Admitter{
		store:   store,
		clock:   clock,
		ids:     ids,
		cfg:     cfg,
		emitter: progress.Discard{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Enqueue admits one url. Known urls are a no-op returning the existing id,
// except failed ones, which restart when ReenqueueFailed is set.
func (a *Admitter) Enqueue(ctx context.Context, req Request) (Result, error) {
	if !req.Kind.Valid() {
		return Result{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidURL, req.Kind)
	}
	canonical, err := Canonicalize(req.URL)
	if err != nil {
		return Result{}, err
	}

	existing, found, err := a.lookup(ctx, req.Kind, canonical)
	if err != nil {
		return Result{}, err
	}
	if found {
		return a.admitExisting(ctx, existing)
	}

	item, err := a.newItem(req, canonical)
	if err != nil {
		return Result{}, err
	}
	if err := a.store.Insert(ctx, item); err != nil {
		if errors.Is(err, queue.ErrDuplicateURL) {
			winner, getErr := a.store.GetByURL(ctx, req.Kind, canonical)
			if getErr != nil {
				return Result{}, fmt.Errorf("reload duplicate %s: %w", canonical, getErr)
			}
			a.remember(ctx, winner)
			return a.admitExisting(ctx, winner)
		}
		return Result{}, fmt.Errorf("insert %s: %w", canonical, err)
	}
	a.remember(ctx, item)
	a.emitter.Emit(progress.Enqueued(item))
	a.logger.Debug("url admitted", zap.String("item_id", item.ID), zap.String("kind", string(item.Kind)), zap.String("url", canonical))
	return Result{ID: item.ID, URL: canonical, Status: item.Status, Created: true}, nil
}

// EnqueueBatch admits every request, stopping at the first store failure.
// Invalid urls are reported per entry rather than aborting the batch.
func (a *Admitter) EnqueueBatch(ctx context.Context, reqs []Request) ([]Result, []error, error) {
	results := make([]Result, len(reqs))
	errs := make([]error, len(reqs))
	for i, req := range reqs {
		res, err := a.Enqueue(ctx, req)
		switch {
		case err == nil:
			results[i] = res
		case errors.Is(err, ErrInvalidURL):
			errs[i] = err
		default:
			return results[:i], errs[:i], err
		}
	}
	return results, errs, nil
}

// RequeueFailed restarts every failed item of kind and returns how many moved.
func (a *Admitter) RequeueFailed(ctx context.Context, kind queue.Kind) (int, error) {
	failed, err := a.store.ListByStatus(ctx, queue.ListQuery{Kind: kind, Status: queue.StatusFailed})
	if err != nil {
		return 0, fmt.Errorf("list failed %s items: %w", kind, err)
	}
	moved := 0
	for _, item := range failed {
		if _, err := a.reenqueue(ctx, item); err != nil {
			if errors.Is(err, queue.ErrInvalidTransition) {
				continue
			}
			return moved, err
		}
		moved++
	}
	a.logger.Info("failed items re-enqueued", zap.String("kind", string(kind)), zap.Int("count", moved))
	return moved, nil
}

func (a *Admitter) lookup(ctx context.Context, kind queue.Kind, url string) (queue.WorkItem, bool, error) {
	if a.index != nil {
		id, ok, err := a.index.Lookup(ctx, kind, url)
		if err != nil {
			a.logger.Warn("url index lookup failed", zap.Error(err))
		} else if ok {
			item, err := a.store.Get(ctx, id)
			if err == nil && item.Kind == kind && item.URL == url {
				return item, true, nil
			}
		}
	}
	item, err := a.store.GetByURL(ctx, kind, url)
	if errors.Is(err, queue.ErrNotFound) {
		return queue.WorkItem{}, false, nil
	}
	if err != nil {
		return queue.WorkItem{}, false, fmt.Errorf("lookup %s: %w", url, err)
	}
	a.remember(ctx, item)
	return item, true, nil
}

func (a *Admitter) admitExisting(ctx context.Context, item queue.WorkItem) (Result, error) {
	res := Result{ID: item.ID, URL: item.URL, Status: item.Status}
	if item.Status != queue.StatusFailed || !a.cfg.ReenqueueFailed {
		return res, nil
	}
	next, err := a.reenqueue(ctx, item)
	if errors.Is(err, queue.ErrInvalidTransition) {
		// Someone else re-enqueued it first.
		current, getErr := a.store.Get(ctx, item.ID)
		if getErr != nil {
			return Result{}, fmt.Errorf("reload %s: %w", item.ID, getErr)
		}
		res.Status = current.Status
		return res, nil
	}
	if err != nil {
		return Result{}, err
	}
	res.Status = next.Status
	res.Reenqueued = true
	return res, nil
}

func (a *Admitter) reenqueue(ctx context.Context, item queue.WorkItem) (queue.WorkItem, error) {
	next, err := a.store.UpdateStatus(ctx, item.ID, queue.Transition{Event: queue.EventReenqueue, At: a.clock.Now()})
	if err != nil {
		return queue.WorkItem{}, fmt.Errorf("re-enqueue %s: %w", item.ID, err)
	}
	a.emitter.Emit(progress.FromTransition(item, next, queue.EventReenqueue))
	a.logger.Info("failed url re-enqueued", zap.String("item_id", item.ID), zap.String("url", item.URL))
	return next, nil
}

func (a *Admitter) remember(ctx context.Context, item queue.WorkItem) {
	if a.index == nil {
		return
	}
	if err := a.index.Remember(ctx, item.Kind, item.URL, item.ID); err != nil {
		a.logger.Warn("url index update failed", zap.Error(err))
	}
}

func (a *Admitter) newItem(req Request, canonical string) (queue.WorkItem, error) {
	id, err := a.ids.NewID()
	if err != nil {
		return queue.WorkItem{}, fmt.Errorf("generate item id: %w", err)
	}
	now := a.clock.Now().UTC()
	priority := a.cfg.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	maxRetries := a.cfg.MaxRetries
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		maxRetries = *req.MaxRetries
	}
	urlType := req.URLType
	if urlType == "" {
		urlType = queue.URLTypePage
		if req.Kind == queue.KindBookDetail {
			urlType = queue.URLTypeBookDetail
		}
	}
	return queue.WorkItem{
		ID:          id,
		URL:         canonical,
		Kind:        req.Kind,
		URLType:     urlType,
		Priority:    priority,
		Status:      queue.StatusPending,
		MaxRetries:  maxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
		AvailableAt: now,
		BookID:      req.BookID,
	}, nil
}
