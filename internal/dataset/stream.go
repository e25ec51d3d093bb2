package dataset

import (
	"context"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"

	"github.com/eyestate/eyestate-api/internal/preprocess"
)

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("stream closed")

// Batch is one step of training input.
type Batch struct {
	// Images is shaped [n, ImageSize, ImageSize, 1] with values in [0,1].
	Images *tensor.Dense
	// Labels holds the class index of each image.
	Labels []float32
	Epoch  int
	Index  int
}

// Size is the number of images in the batch.
func (b *Batch) Size() int {
	return len(b.Labels)
}

// Stream is an infinite, restartable sequence of shuffled batches over one
// dataset directory. Batches are built ahead of time by a background producer;
// the order of images and their augmentation are fixed by the seed alone.
type Stream struct {
	root    string
	classes []string
	samples []sample
	opts    options
	logger  *zap.Logger

	mu      sync.Mutex
	batches chan batchResult
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	closed  bool
}

type batchResult struct {
	batch *Batch
	err   error
}

// NewStream scans root and prepares a stream over it. No image is decoded
// until the first call to Next.
func NewStream(root string, opts ...Option) (*Stream, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	classes, samples, err := scan(root)
	if err != nil {
		return nil, err
	}
	s := &Stream{
		root:    root,
		classes: classes,
		samples: samples,
		opts:    o,
		logger:  o.logger.Named("dataset").With(zap.String("root", root)),
	}
	s.logger.Info("found images",
		zap.Int("images", len(samples)),
		zap.Strings("classes", classes),
		zap.Int("batch_size", o.batchSize))
	return s, nil
}

// Classes returns the class names; a class's index is its label.
func (s *Stream) Classes() []string {
	return append([]string(nil), s.classes...)
}

// Len is the number of images in one epoch.
func (s *Stream) Len() int {
	return len(s.samples)
}

// StepsPerEpoch is the number of batches that cover every image once.
func (s *Stream) StepsPerEpoch() int {
	return (len(s.samples) + s.opts.batchSize - 1) / s.opts.batchSize
}

// Next returns the next batch, starting the producer on first use. A Next
// blocked across a Reset continues with the first batch of the restarted stream.
func (s *Stream) Next(ctx context.Context) (*Batch, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return nil, err
		}
		if s.batches == nil {
			s.start()
		}
		ch := s.batches
		s.mu.Unlock()

		var res batchResult
		var ok bool
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res, ok = <-ch:
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		if s.batches != ch {
			// reset while waiting; the result belongs to the old producer
			s.mu.Unlock()
			continue
		}
		if !ok {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		if res.err != nil {
			s.err = res.err
		}
		s.mu.Unlock()
		return res.batch, res.err
	}
}

// Reset rewinds the stream to the first batch of the first epoch.
func (s *Stream) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stop()
	s.err = nil
}

// Close stops the producer. Further calls to Next return ErrClosed.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stop()
	s.closed = true
	return nil
}

// start must be called with mu held.
func (s *Stream) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.batches = make(chan batchResult, s.opts.prefetch)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.produce(ctx, s.batches, s.done)
}

// stop must be called with mu held.
func (s *Stream) stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.batches = nil
	s.cancel = nil
	s.done = nil
}

func (s *Stream) produce(ctx context.Context, out chan<- batchResult, done chan<- struct{}) {
	defer close(done)
	defer close(out)

	p := newPlanner(len(s.samples), s.opts.batchSize, s.opts.seed)
	for {
		step := p.next()
		batch, err := s.build(ctx, step)
		if ctx.Err() != nil {
			return
		}
		select {
		case out <- batchResult{batch: batch, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			s.logger.Error("building batch failed", zap.Int("epoch", step.epoch), zap.Int("index", step.index), zap.Error(err))
			return
		}
	}
}

// build decodes and augments the images of one planned step concurrently.
func (s *Stream) build(ctx context.Context, step plannedBatch) (*Batch, error) {
	n := len(step.samples)
	data := make([]float32, n*preprocess.PixelsPerImage)
	labels := make([]float32, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.workers)
	for i, idx := range step.samples {
		i, idx := i, idx
		labels[i] = s.samples[idx].label
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			pixels, err := s.loadImage(s.samples[idx].path, step.seeds[i])
			if err != nil {
				return err
			}
			copy(data[i*preprocess.PixelsPerImage:], pixels)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &Batch{
		Images: preprocess.NewBatch(data, n),
		Labels: labels,
		Epoch:  step.epoch,
		Index:  step.index,
	}, nil
}

func (s *Stream) loadImage(path string, seed int64) ([]float32, error) {
	img, err := preprocess.Open(path)
	if err != nil {
		return nil, err
	}
	gray, err := preprocess.Grayscale(img)
	if err != nil {
		return nil, errors.Wrapf(err, "%q", path)
	}
	gray = preprocess.Resize(gray)
	if s.opts.augment {
		gray = augment(gray, rand.New(rand.NewSource(seed)), s.opts)
	}
	return preprocess.Normalize(gray), nil
}

type plannedBatch struct {
	epoch   int
	index   int
	samples []int
	seeds   []int64
}

// planner commits to the shuffle order and per-image augmentation seeds
// before any image is built, so concurrency never affects batch contents.
type planner struct {
	rng       *rand.Rand
	n         int
	batchSize int
	epoch     int
	index     int
	order     []int
	pos       int
}

func newPlanner(n, batchSize int, seed int64) *planner {
	return &planner{
		rng:       rand.New(rand.NewSource(seed)),
		n:         n,
		batchSize: batchSize,
		epoch:     -1,
	}
}

func (p *planner) next() plannedBatch {
	if p.order == nil || p.pos >= p.n {
		p.order = p.rng.Perm(p.n)
		p.pos = 0
		p.index = 0
		p.epoch++
	}
	end := p.pos + p.batchSize
	if end > p.n {
		end = p.n
	}
	step := plannedBatch{
		epoch:   p.epoch,
		index:   p.index,
		samples: p.order[p.pos:end],
		seeds:   make([]int64, end-p.pos),
	}
	for i := range step.seeds {
		step.seeds[i] = p.rng.Int63()
	}
	p.pos = end
	p.index++
	return step
}
