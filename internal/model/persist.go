package model

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrCorruptArtifact is returned when a structure or weights artifact is
// missing, truncated, or does not match its counterpart.
var ErrCorruptArtifact = errors.New("corrupt model artifact")

var weightsMagic = [4]byte{'E', 'Y', 'E', 'W'}

// Save writes the structure and weights of n as two separate files. Each file
// is written to a temporary sibling and renamed into place.
func Save(n *Network, structurePath, weightsPath string) error {
	if structurePath == weightsPath {
		return errors.Errorf("structure and weights must be separate files, both %q", structurePath)
	}
	structure, err := json.MarshalIndent(n.structure, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding structure")
	}
	if err := writeAtomic(structurePath, func(w io.Writer) error {
		_, err := w.Write(append(structure, '\n'))
		return err
	}); err != nil {
		return errors.Wrapf(err, "writing structure %q", structurePath)
	}
	if err := writeAtomic(weightsPath, func(w io.Writer) error {
		return writeWeights(w, n.params())
	}); err != nil {
		return errors.Wrapf(err, "writing weights %q", weightsPath)
	}
	return nil
}

// Load reads a structure artifact and its weights and returns a ready predictor.
// Native networks are rebuilt in memory; onnx structures open a session on the
// weights file.
func Load(structurePath, weightsPath string) (Predictor, error) {
	p, _, err := load(structurePath, weightsPath)
	return p, err
}

// LoadNetwork is Load restricted to the native backend.
func LoadNetwork(structurePath, weightsPath string) (*Network, error) {
	s, err := ReadStructure(structurePath)
	if err != nil {
		return nil, err
	}
	return loadNative(s, weightsPath)
}

func load(structurePath, weightsPath string) (Predictor, Structure, error) {
	s, err := ReadStructure(structurePath)
	if err != nil {
		return nil, Structure{}, err
	}
	switch s.Backend {
	case BackendNative, "":
		n, err := loadNative(s, weightsPath)
		if err != nil {
			return nil, Structure{}, err
		}
		return n, s, nil
	case BackendONNX:
		p, err := NewONNXPredictor(weightsPath, s)
		if err != nil {
			return nil, Structure{}, err
		}
		return p, s, nil
	default:
		return nil, Structure{}, errors.Wrapf(ErrCorruptArtifact, "structure %q: unknown backend %q", structurePath, s.Backend)
	}
}

// ReadStructure decodes and validates a structure artifact.
func ReadStructure(path string) (Structure, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Structure{}, errors.Wrapf(ErrCorruptArtifact, "structure %q: %v", path, err)
	}
	var s Structure
	if err := json.Unmarshal(data, &s); err != nil {
		return Structure{}, errors.Wrapf(ErrCorruptArtifact, "structure %q: %v", path, err)
	}
	if s.Backend == "" {
		s.Backend = BackendNative
	}
	if err := validateStructure(s); err != nil {
		return Structure{}, errors.Wrapf(ErrCorruptArtifact, "structure %q: %v", path, err)
	}
	return s, nil
}

func loadNative(s Structure, weightsPath string) (*Network, error) {
	n, err := NewNetwork(s)
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptArtifact, "%v", err)
	}
	data, err := os.ReadFile(weightsPath)
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptArtifact, "weights %q: %v", weightsPath, err)
	}
	if err := readWeights(data, n.params()); err != nil {
		return nil, errors.Wrapf(ErrCorruptArtifact, "weights %q: %v", weightsPath, err)
	}
	return n, nil
}

// writeWeights encodes the magic, the version, the parameter count, and then
// every parameter as a length-prefixed gonum binary matrix.
func writeWeights(w io.Writer, params []*mat.Dense) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(weightsMagic[:]); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(StructureVersion)); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(params))); err != nil {
		return err
	}
	for _, p := range params {
		payload, err := p.MarshalBinary()
		if err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, uint64(len(payload))); err != nil {
			return err
		}
		if _, err := bw.Write(payload); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// readWeights decodes data into params, which must already have the shapes
// declared by the structure.
func readWeights(data []byte, params []*mat.Dense) error {
	r := bytes.NewReader(data)
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil || magic != weightsMagic {
		return errors.New("not a weights file")
	}
	var version, count uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return errors.Wrap(err, "reading version")
	}
	if version != StructureVersion {
		return errors.Errorf("unsupported weights version %d", version)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return errors.Wrap(err, "reading parameter count")
	}
	if int(count) != len(params) {
		return errors.Errorf("structure declares %d parameters, weights hold %d", len(params), count)
	}

	for i, p := range params {
		var size uint64
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return errors.Wrapf(err, "parameter %d: reading length", i)
		}
		if size > uint64(r.Len()) {
			return errors.Errorf("parameter %d: truncated, need %d bytes, have %d", i, size, r.Len())
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return errors.Wrapf(err, "parameter %d", i)
		}
		var m mat.Dense
		if err := m.UnmarshalBinary(payload); err != nil {
			return errors.Wrapf(err, "parameter %d", i)
		}
		wr, wc := p.Dims()
		gr, gc := m.Dims()
		if wr != gr || wc != gc {
			return errors.Errorf("parameter %d: shape %dx%d does not match structure %dx%d", i, gr, gc, wr, wc)
		}
		p.Copy(&m)
	}
	if r.Len() != 0 {
		return errors.Errorf("%d unexpected trailing bytes", r.Len())
	}
	return nil
}

// writeAtomic creates path through a temporary file in the same directory. The
// temporary file is closed and removed on every failure path.
func writeAtomic(path string, write func(io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
		}
	}()

	if err = f.Chmod(0o644); err != nil {
		return err
	}
	if err = write(f); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}
