// Package dataset streams labelled eye images from a two-class directory tree
// as shuffled, augmented training batches.
package dataset

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultBatchSize is the number of images per batch.
const DefaultBatchSize = 32

// DefaultSeed fixes shuffling and augmentation when no seed is given.
const DefaultSeed = 42

// DefaultShearRange bounds the random shear factor in both directions.
const DefaultShearRange = 0.2

var (
	// ErrDirectoryNotFound is returned when a dataset directory does not exist.
	ErrDirectoryNotFound = errors.New("dataset directory not found")
	// ErrEmptyClass is returned when a class directory holds no images.
	ErrEmptyClass = errors.New("class directory contains no images")
	// ErrClassLayout is returned when a dataset does not declare exactly the two expected classes.
	ErrClassLayout = errors.New("dataset must contain exactly two class directories")
)

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
}

type options struct {
	batchSize  int
	seed       int64
	shearRange float64
	flip       bool
	augment    bool
	workers    int
	prefetch   int
	logger     *zap.Logger
}

func defaultOptions() options {
	return options{
		batchSize:  DefaultBatchSize,
		seed:       DefaultSeed,
		shearRange: DefaultShearRange,
		flip:       true,
		augment:    true,
		workers:    4,
		prefetch:   2,
		logger:     zap.NewNop(),
	}
}

// Option configures a Stream.
type Option func(*options)

// WithBatchSize sets the number of images per batch.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithSeed sets the seed driving shuffling and augmentation.
func WithSeed(seed int64) Option {
	return func(o *options) { o.seed = seed }
}

// WithShearRange sets the maximum absolute shear factor. Zero disables shearing.
func WithShearRange(r float64) Option {
	return func(o *options) {
		if r >= 0 {
			o.shearRange = r
		}
	}
}

// WithHorizontalFlip toggles random horizontal flips.
func WithHorizontalFlip(enabled bool) Option {
	return func(o *options) { o.flip = enabled }
}

// WithAugmentation toggles all random transforms. Shuffling is unaffected.
func WithAugmentation(enabled bool) Option {
	return func(o *options) { o.augment = enabled }
}

// WithWorkers sets how many images of a batch are decoded concurrently.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithPrefetch sets how many batches are built ahead of consumption.
func WithPrefetch(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.prefetch = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Load opens the training and validation trees. Both must declare the same two classes.
func Load(trainDir, valDir string, opts ...Option) (*Stream, *Stream, error) {
	train, err := NewStream(trainDir, opts...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "loading training data")
	}
	val, err := NewStream(valDir, opts...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "loading validation data")
	}
	if !sameClasses(train.Classes(), val.Classes()) {
		return nil, nil, errors.Wrapf(ErrClassLayout, "training classes %v, validation classes %v",
			train.Classes(), val.Classes())
	}
	return train, val, nil
}

type sample struct {
	path  string
	label float32
}

// scan discovers the class directories under root in sorted order and lists
// their images. The class index is the position in the sorted list.
func scan(root string) ([]string, []sample, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, nil, errors.Wrapf(ErrDirectoryNotFound, "%q: %v", root, err)
	}
	if !info.IsDir() {
		return nil, nil, errors.Wrapf(ErrDirectoryNotFound, "%q is not a directory", root)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "reading %q", root)
	}
	var classes []string
	for _, e := range entries {
		if e.IsDir() {
			classes = append(classes, e.Name())
		}
	}
	sort.Strings(classes)
	if len(classes) != 2 {
		return nil, nil, errors.Wrapf(ErrClassLayout, "%q has %d class directories %v", root, len(classes), classes)
	}

	var samples []sample
	for label, class := range classes {
		files, err := listImages(filepath.Join(root, class))
		if err != nil {
			return nil, nil, err
		}
		if len(files) == 0 {
			return nil, nil, errors.Wrapf(ErrEmptyClass, "%q", filepath.Join(root, class))
		}
		for _, f := range files {
			samples = append(samples, sample{path: f, label: float32(label)})
		}
	}
	return classes, samples, nil
}

func listImages(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && imageExtensions[strings.ToLower(filepath.Ext(path))] {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing %q", dir)
	}
	sort.Strings(files)
	return files, nil
}

func sameClasses(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
