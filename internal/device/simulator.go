package device

import (
	"fmt"
	"io"
	"sync"

	"github.com/fxnlabs/dpuvec/internal/kernel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultLanes matches the usual tasklet count per unit.
	DefaultLanes = 16

	commandBacklog = 64
)

// SimulatorConfig sizes a simulated device set.
type SimulatorConfig struct {
	UnitCapacity uint64
	Lanes        int
}

// command is one entry of the simulator's in-order stream. Exactly one of
// run and notify is set.
type command struct {
	run    func() error
	notify func(error)
}

// Simulator implements Device in process. Every unit owns a lazily grown
// bulk memory; a single stream goroutine executes operations in issue order
// and fans work out over units and lanes.
type Simulator struct {
	logger   *zap.Logger
	capacity uint64
	lanes    int
	units    []*unitMemory

	mu     sync.Mutex
	image  *kernel.Image
	closed bool
	cmds   chan command
	done   chan struct{}

	// streamErr is owned by the stream goroutine.
	streamErr error
}

// NewSimulator acquires a simulated set of numUnits units.
func NewSimulator(numUnits int, cfg SimulatorConfig, logger *zap.Logger) (*Simulator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if numUnits <= 0 {
		return nil, fmt.Errorf("unit count must be positive, got %d", numUnits)
	}
	if cfg.UnitCapacity == 0 {
		return nil, fmt.Errorf("unit capacity must be positive")
	}
	if cfg.Lanes <= 0 {
		cfg.Lanes = DefaultLanes
	}

	s := &Simulator{
		logger:   logger,
		capacity: cfg.UnitCapacity,
		lanes:    cfg.Lanes,
		units:    make([]*unitMemory, numUnits),
		cmds:     make(chan command, commandBacklog),
		done:     make(chan struct{}),
	}
	for i := range s.units {
		s.units[i] = &unitMemory{capacity: cfg.UnitCapacity}
	}
	go s.stream()

	logger.Info("Simulated device set acquired",
		zap.Int("units", numUnits),
		zap.Uint64("unit_capacity", cfg.UnitCapacity),
		zap.Int("lanes", cfg.Lanes))
	return s, nil
}

// NewSimulatorOpener returns an Opener that acquires simulated sets.
func NewSimulatorOpener(cfg SimulatorConfig, logger *zap.Logger) Opener {
	return OpenerFunc(func(units int) (Device, error) {
		return NewSimulator(units, cfg, logger)
	})
}

func (s *Simulator) stream() {
	defer close(s.done)
	for cmd := range s.cmds {
		if cmd.notify != nil {
			err := s.streamErr
			s.streamErr = nil
			cmd.notify(err)
			continue
		}
		if err := cmd.run(); err != nil {
			s.logger.Error("Device operation failed", zap.Error(err))
			if s.streamErr == nil {
				s.streamErr = err
			}
		}
	}
}

func (s *Simulator) enqueue(cmd command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.cmds <- cmd
	return nil
}

// Units returns the number of units in the set.
func (s *Simulator) Units() int {
	return len(s.units)
}

// Load installs the kernel image.
func (s *Simulator) Load(img *kernel.Image) error {
	if img == nil {
		return fmt.Errorf("nil kernel image")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.image = img
	s.logger.Debug("Kernel image loaded", zap.String("image", img.Name()), zap.Int("units", len(s.units)))
	return nil
}

func (s *Simulator) checkRange(unit int, addr uint32, n int) error {
	if unit < 0 || unit >= len(s.units) {
		return fmt.Errorf("unit %d of %d: %w", unit, len(s.units), ErrInvalidUnit)
	}
	if uint64(addr)+uint64(n) > s.capacity {
		return fmt.Errorf("unit %d range [%#x, +%d): %w", unit, addr, n, ErrAddressRange)
	}
	return nil
}

// CopyTo queues a host-to-unit transfer.
func (s *Simulator) CopyTo(unit int, addr uint32, src []byte) error {
	if err := s.checkRange(unit, addr, len(src)); err != nil {
		return err
	}
	mem := s.units[unit]
	return s.enqueue(command{run: func() error {
		_, err := mem.WriteAt(src, int64(addr))
		return err
	}})
}

// CopyFrom queues a unit-to-host transfer.
func (s *Simulator) CopyFrom(unit int, addr uint32, dst []byte) error {
	if err := s.checkRange(unit, addr, len(dst)); err != nil {
		return err
	}
	mem := s.units[unit]
	return s.enqueue(command{run: func() error {
		_, err := mem.ReadAt(dst, int64(addr))
		return err
	}})
}

// Launch decodes the per-unit descriptors and queues the kernel on every unit.
func (s *Simulator) Launch(args []byte) error {
	descs, err := kernel.DecodeAll(args)
	if err != nil {
		return err
	}
	if len(descs) != len(s.units) {
		return fmt.Errorf("got %d launch descriptors for %d units: %w", len(descs), len(s.units), kernel.ErrDescriptorSize)
	}

	s.mu.Lock()
	img := s.image
	s.mu.Unlock()
	if img == nil {
		return ErrNoImage
	}

	for i, d := range descs {
		span := int(d.ElementCount) * int(d.ElementWidth)
		if err := s.checkRange(i, d.LHS, span); err != nil {
			return err
		}
		if d.Binary {
			if err := s.checkRange(i, d.RHS, span); err != nil {
				return err
			}
		}
		if err := s.checkRange(i, d.Result, span); err != nil {
			return err
		}
	}

	if ce := s.logger.Check(zap.DebugLevel, "Kernel launch"); ce != nil {
		ce.Write(zap.Stringer("kernel", descs[0].Kernel), zap.Int("units", len(descs)))
	}

	return s.enqueue(command{run: func() error {
		var g errgroup.Group
		for i, d := range descs {
			mem := s.units[i]
			g.Go(func() error {
				if err := img.Execute(mem, d, s.lanes); err != nil {
					return fmt.Errorf("unit %d: %w", i, err)
				}
				return nil
			})
		}
		return g.Wait()
	}})
}

// Callback queues fn behind every operation issued so far.
func (s *Simulator) Callback(fn func(error)) error {
	if fn == nil {
		return fmt.Errorf("nil callback")
	}
	return s.enqueue(command{notify: fn})
}

// Info reports the simulated set's properties.
func (s *Simulator) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		Name:         "PIM simulator",
		Backend:      BackendSimulator,
		Units:        len(s.units),
		UnitCapacity: s.capacity,
		Lanes:        s.lanes,
	}
	if s.image != nil {
		info.KernelImage = s.image.Name()
	}
	return info
}

// Close drains the stream and releases unit memory. Calling Close more than
// once is a no-op.
func (s *Simulator) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.cmds)
	s.mu.Unlock()

	<-s.done
	for _, u := range s.units {
		u.release()
	}
	s.logger.Info("Simulated device set released", zap.Int("units", len(s.units)))
	return nil
}

// unitMemory is one unit's bulk memory. The backing slice grows on first
// write to a region; unwritten bytes read as zero.
type unitMemory struct {
	mu       sync.RWMutex
	data     []byte
	capacity uint64
}

func (m *unitMemory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off)+uint64(len(p)) > m.capacity {
		return 0, io.ErrUnexpectedEOF
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	if off < int64(len(m.data)) {
		n = copy(p, m.data[off:])
	}
	clear(p[n:])
	return len(p), nil
}

func (m *unitMemory) WriteAt(p []byte, off int64) (int, error) {
	end := uint64(off) + uint64(len(p))
	if off < 0 || end > m.capacity {
		return 0, io.ErrShortWrite
	}

	m.mu.RLock()
	if end > uint64(len(m.data)) {
		m.mu.RUnlock()
		m.grow(end)
		m.mu.RLock()
	}
	// Concurrent writers only ever touch disjoint ranges.
	n := copy(m.data[off:], p)
	m.mu.RUnlock()
	return n, nil
}

func (m *unitMemory) grow(end uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if end <= uint64(len(m.data)) {
		return
	}
	size := min(max(end, 2*uint64(len(m.data))), m.capacity)
	data := make([]byte, size)
	copy(data, m.data)
	m.data = data
}

func (m *unitMemory) release() {
	m.mu.Lock()
	m.data = nil
	m.mu.Unlock()
}
