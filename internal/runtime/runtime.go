// Package runtime owns the session state shared by every distributed vector:
// the acquired unit set, its allocator and the event queue that orders work
// on it.
//
// A Context is created empty and initialized lazily by the first vector that
// needs it. Shutdown drains outstanding events before the unit set is
// released, after which the Context can be initialized again.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/fxnlabs/dpuvec/internal/alloc"
	"github.com/fxnlabs/dpuvec/internal/config"
	"github.com/fxnlabs/dpuvec/internal/device"
	"github.com/fxnlabs/dpuvec/internal/event"
	"github.com/fxnlabs/dpuvec/internal/kernel"
	"github.com/fxnlabs/dpuvec/internal/metrics"
	"go.uber.org/zap"
)

// ErrNotInitialized is returned by operations that need an acquired unit set.
var ErrNotInitialized = errors.New("runtime not initialized")

const minDrainPollInterval = time.Millisecond

// Options sizes the unit set acquired by EnsureInit.
type Options struct {
	Units             int
	UnitCapacity      uint64
	BaseAddress       uint32
	DrainPollInterval time.Duration
}

// OptionsFromConfig extracts the runtime section of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Units:             cfg.Runtime.Units,
		UnitCapacity:      cfg.Runtime.UnitCapacity,
		BaseAddress:       cfg.Runtime.BaseAddress,
		DrainPollInterval: cfg.Runtime.DrainPollInterval,
	}
}

// Context is the explicit replacement for a process-wide runtime singleton.
// It is meant to be driven by one owner; the event queue it hands out is not
// safe for concurrent use.
type Context struct {
	opts    Options
	opener  device.Opener
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	initialized bool
	// session changes on every Init and Shutdown, so storage stamped with
	// it can be matched against the allocator that handed it out.
	session     uint64
	dev         device.Device
	allocator   *alloc.MultiUnitAllocator
	queue       *event.Queue
}

// New creates an uninitialized context. m may be nil.
func New(opts Options, opener device.Opener, logger *zap.Logger, m *metrics.Metrics) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Context{
		opts:    opts,
		opener:  opener,
		logger:  logger,
		metrics: m,
	}
}

// Init acquires units, loads the kernel image on them and creates a fresh
// allocator and queue. It is a no-op if the context is already initialized.
func (c *Context) Init(units int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return nil
	}
	if units <= 0 {
		return fmt.Errorf("unit count must be positive, got %d", units)
	}
	if c.opener == nil {
		return errors.New("no device opener configured")
	}
	if uint64(c.opts.BaseAddress) >= c.opts.UnitCapacity {
		return fmt.Errorf("base address %#x outside %d byte unit", c.opts.BaseAddress, c.opts.UnitCapacity)
	}

	c.logger.Info("Initializing runtime", zap.Int("units", units))

	dev, err := c.opener.Open(units)
	if err != nil {
		return fmt.Errorf("failed to acquire %d units: %w", units, err)
	}
	img := kernel.Builtin()
	if err := dev.Load(img); err != nil {
		_ = dev.Close()
		return fmt.Errorf("failed to load kernel image %q: %w", img.Name(), err)
	}

	perUnit := min(c.opts.UnitCapacity-uint64(c.opts.BaseAddress), math.MaxUint32)
	allocator, err := alloc.NewMultiUnitAllocator(units, c.opts.BaseAddress, perUnit*uint64(units), c.logger.Named("alloc"))
	if err != nil {
		_ = dev.Close()
		return fmt.Errorf("failed to create allocator: %w", err)
	}

	c.dev = dev
	c.allocator = allocator
	c.queue = event.NewQueue(dev, c.metrics, c.logger.Named("queue"))
	c.initialized = true
	c.session++

	c.metrics.SetUnits(units)
	c.metrics.ObserveAllocator(allocator.Stats())
	c.logger.Info("Runtime initialized",
		zap.Int("units", units),
		zap.String("kernel_image", img.Name()),
		zap.Uint64("unit_capacity", perUnit))
	return nil
}

// EnsureInit initializes the context with the configured unit count.
func (c *Context) EnsureInit() error {
	return c.Init(c.opts.Units)
}

// Shutdown initiates every queued event, waits until none is in flight and
// then releases the unit set. It has no timeout of its own; cancelling ctx
// abandons the wait and leaves the context initialized. Calling Shutdown on
// an uninitialized context is a no-op.
func (c *Context) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return nil
	}
	c.logger.Info("Shutting down runtime")

	for c.queue.Pending() > 0 {
		if err := c.queue.ProcessNext(); err != nil {
			c.logger.Warn("Queued event failed during shutdown", zap.Error(err))
		}
	}

	interval := max(c.opts.DrainPollInterval, minDrainPollInterval)
	for !c.queue.Idle() {
		c.logger.Info("Waiting for pending events to complete", zap.Int("in_flight", c.queue.InFlight()))
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return fmt.Errorf("shutdown interrupted: %w", ctx.Err())
		}
	}

	for unit, s := range c.allocator.Stats() {
		if s.InUse > 0 {
			c.logger.Warn("Releasing unit with live allocations", zap.Int("unit", unit), zap.Uint32("bytes_in_use", s.InUse))
		}
	}

	err := c.dev.Close()
	c.dev = nil
	c.allocator = nil
	c.queue = nil
	c.initialized = false
	c.session++
	c.metrics.SetUnits(0)

	if err != nil {
		return fmt.Errorf("failed to release units: %w", err)
	}
	c.logger.Info("Runtime shut down")
	return nil
}

// IsInitialized reports whether a unit set is currently held.
func (c *Context) IsInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// Session identifies the current unit set. It changes whenever units are
// acquired or released, so a value taken while initialized stops matching
// once that unit set is gone.
func (c *Context) Session() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Units returns the number of acquired units, or zero.
func (c *Context) Units() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return 0
	}
	return c.dev.Units()
}

// Device returns the acquired unit set, or nil.
func (c *Context) Device() device.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dev
}

// Allocator returns the session allocator, or nil.
func (c *Context) Allocator() *alloc.MultiUnitAllocator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allocator
}

// Queue returns the session event queue, or nil.
func (c *Context) Queue() *event.Queue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue
}

// Logger returns the context's logger.
func (c *Context) Logger() *zap.Logger {
	return c.logger
}

// Info describes the acquired unit set.
func (c *Context) Info() (device.Info, error) {
	dev := c.Device()
	if dev == nil {
		return device.Info{}, ErrNotInitialized
	}
	return dev.Info(), nil
}

// AllocateVector reserves storage for n elements of elemSize bytes on every
// unit.
func (c *Context) AllocateVector(n, elemSize int) (alloc.VectorDescriptor, error) {
	a := c.Allocator()
	if a == nil {
		return alloc.VectorDescriptor{}, ErrNotInitialized
	}
	desc, err := a.AllocateVector(n, elemSize)
	if err != nil {
		c.metrics.AllocationFailed()
		return alloc.VectorDescriptor{}, err
	}
	c.metrics.ObserveAllocator(a.Stats())
	return desc, nil
}

// DeallocateVector releases storage obtained from AllocateVector.
func (c *Context) DeallocateVector(desc alloc.VectorDescriptor) error {
	a := c.Allocator()
	if a == nil {
		return ErrNotInitialized
	}
	err := a.DeallocateVector(desc)
	c.metrics.ObserveAllocator(a.Stats())
	return err
}

// Submit appends e to the session queue without waiting for it.
func (c *Context) Submit(e *event.Event) (*event.Handle, error) {
	q := c.Queue()
	if q == nil {
		return nil, ErrNotInitialized
	}
	return q.Submit(e), nil
}

// Await drives the session queue until h has finished.
func (c *Context) Await(ctx context.Context, h *event.Handle) error {
	q := c.Queue()
	if q == nil {
		return ErrNotInitialized
	}
	return q.Wait(ctx, h)
}

// Run submits e and waits for it to finish.
func (c *Context) Run(ctx context.Context, e *event.Event) (*event.Handle, error) {
	h, err := c.Submit(e)
	if err != nil {
		return nil, err
	}
	return h, c.Await(ctx, h)
}
