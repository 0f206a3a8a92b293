package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"segstream/pkg/imagery"
	"segstream/pkg/transform"
)

// cropBuffer is the per-file lookahead between a reader worker and the
// interleaver.
const cropBuffer = 4

// cropUnit carries one crop through the transform stage. seq is the
// interleave position, used to restore deterministic ordering after the
// parallel transform workers.
type cropUnit struct {
	seq  int
	img  *imagery.Image
	seed transform.Seed
}

// Stream is one live pass over the pipeline: epochs of interleaved per-file
// crop generation, parallel transformation, batching and bounded prefetch.
// Batches are pulled with Next; abandoning the stream via Stop (or
// cancelling the context passed to Provider.Stream) releases every worker
// without draining the remaining backlog.
type Stream struct {
	provider *Provider

	ctx     context.Context
	cancel  context.CancelFunc
	batches chan *Batch

	mu  sync.Mutex
	err error
}

// Stream starts the pipeline and returns the batch stream. The context
// bounds the whole stream lifetime.
func (p *Provider) Stream(ctx context.Context) *Stream {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		provider: p,
		ctx:      ctx,
		cancel:   cancel,
		batches:  make(chan *Batch, p.params.PrefetchDepth),
	}
	go s.run()
	return s
}

// Next blocks until a batch is ready, the stream ends, or either context is
// done. A finite stream ends with ErrExhausted; a failed one with the first
// error encountered; a stopped one with ErrStopped.
func (s *Stream) Next(ctx context.Context) (*Batch, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case b, ok := <-s.batches:
		if ok {
			return b, nil
		}
		if err := s.Err(); err != nil {
			return nil, err
		}
		return nil, ErrExhausted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop abandons the stream and releases all in-flight workers. Safe to call
// more than once.
func (s *Stream) Stop() {
	s.mu.Lock()
	if s.err == nil {
		s.err = ErrStopped
	}
	s.mu.Unlock()
	s.cancel()
}

// Err returns the first failure recorded by any stage, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// fail records the first error and tears the stream down. Read errors are
// never swallowed: silently dropping a sample over an I/O fault would
// corrupt reproducibility, so the whole stream terminates instead.
func (s *Stream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.cancel()
}

// run wires the staged pipeline: interleave -> transform pool -> reorder ->
// batch -> prefetch channel.
func (s *Stream) run() {
	transformIn := make(chan cropUnit)
	transformOut := make(chan cropUnit)
	ordered := make(chan *imagery.Image)

	var workers sync.WaitGroup
	for i := 0; i < runtime.NumCPU(); i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			s.transformWorker(transformIn, transformOut)
		}()
	}
	go func() {
		workers.Wait()
		close(transformOut)
	}()
	go s.reorder(transformOut, ordered)
	go s.batch(ordered)

	s.interleave(transformIn)
	close(transformIn)
}

// interleave is the driver goroutine. It walks the descriptor sequence
// across epochs, keeps up to Readers per-file workers alive, and merges
// their crops round-robin with block length one so no single large image
// starves the others. It is also the only goroutine advancing the seed
// generator: one draw per file dispatch (crop placement) and one draw per
// crop (transform seed), both in deterministic order.
func (s *Stream) interleave(out chan<- cropUnit) {
	p := s.provider
	gen := transform.NewGenerator(p.params.Seed)
	descs := p.descriptors()

	epoch := 0
	idx := 0
	var order []int
	nextDesc := func() (string, bool) {
		for {
			if order == nil {
				if p.params.Epochs >= 0 && epoch >= p.params.Epochs {
					return "", false
				}
				if p.params.Shuffle {
					order = gen.Perm(len(descs))
				} else {
					order = make([]int, len(descs))
					for i := range order {
						order[i] = i
					}
				}
				idx = 0
			}
			if idx < len(order) {
				d := descs[order[idx]]
				idx++
				return d, true
			}
			order = nil
			epoch++
		}
	}

	fill := func() chan *imagery.Image {
		desc, ok := nextDesc()
		if !ok {
			return nil
		}
		planSeed := gen.Next()
		ch := make(chan *imagery.Image, cropBuffer)
		go s.readFile(desc, planSeed, ch)
		return ch
	}

	slots := make([]chan *imagery.Image, 0, p.params.Readers)
	for i := 0; i < p.params.Readers; i++ {
		ch := fill()
		if ch == nil {
			break
		}
		slots = append(slots, ch)
	}

	seq := 0
	for len(slots) > 0 {
		for i := 0; i < len(slots); {
			select {
			case crop, ok := <-slots[i]:
				if !ok {
					// Slot exhausted: the next descriptor takes its place.
					if ch := fill(); ch != nil {
						slots[i] = ch
					} else {
						slots = append(slots[:i], slots[i+1:]...)
					}
					continue
				}
				unit := cropUnit{seq: seq, img: crop, seed: gen.Next()}
				seq++
				select {
				case out <- unit:
				case <-s.ctx.Done():
					return
				}
				i++
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// readFile is one bounded-pool worker: load the composite, plan its boxes,
// extract and filter crops lazily so rejected crops never reach the
// transform stage.
func (s *Stream) readFile(desc string, planSeed transform.Seed, out chan<- *imagery.Image) {
	defer close(out)
	p := s.provider

	composite, err := p.loadComposite(desc)
	if err != nil {
		s.fail(err)
		return
	}
	boxes, err := p.planner.Plan(composite.Height, composite.Width, planSeed.Rand())
	if err != nil {
		s.fail(err)
		return
	}
	for _, box := range boxes {
		crop, err := composite.Crop(box)
		if err != nil {
			s.fail(err)
			return
		}
		if !p.filters.Accept(crop) {
			continue
		}
		select {
		case out <- crop:
		case <-s.ctx.Done():
			return
		}
	}
}

// transformWorker applies the transform chain; one per compute lane.
func (s *Stream) transformWorker(in <-chan cropUnit, out chan<- cropUnit) {
	for unit := range in {
		img, err := s.provider.chain.Apply(unit.img, unit.seed)
		if err != nil {
			s.fail(err)
			return
		}
		unit.img = img
		select {
		case out <- unit:
		case <-s.ctx.Done():
			return
		}
	}
}

// reorder restores interleave order after the parallel transform stage so
// the output is deterministic whenever shuffling is disabled.
func (s *Stream) reorder(in <-chan cropUnit, out chan<- *imagery.Image) {
	defer close(out)
	pending := make(map[int]*imagery.Image)
	next := 0
	for unit := range in {
		pending[unit.seq] = unit.img
		for {
			img, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			select {
			case out <- img:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// batch groups crops into fixed-size batches and feeds the bounded prefetch
// channel. A trailing partial batch is dropped.
func (s *Stream) batch(in <-chan *imagery.Image) {
	defer close(s.batches)
	p := s.provider
	buf := make([]*imagery.Image, 0, p.params.BatchSize)
	for img := range in {
		if len(buf) > 0 {
			first := buf[0]
			if img.Height != first.Height || img.Width != first.Width || img.Channels != first.Channels {
				s.fail(fmt.Errorf("pipeline: inconsistent crop shapes in batch: %dx%dx%d vs %dx%dx%d",
					img.Height, img.Width, img.Channels, first.Height, first.Width, first.Channels))
				return
			}
		}
		buf = append(buf, img)
		if len(buf) < p.params.BatchSize {
			continue
		}
		b := newBatch(buf, p.params.Precision)
		buf = buf[:0]
		select {
		case s.batches <- b:
		case <-s.ctx.Done():
			return
		}
	}
}
