// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements saving and loading of flat model parameters.
//
// A checkpoint saved to path is made of two files: path itself holds the binary values of all
// variables (optionally gzip compressed), and path+".json" holds the metadata describing where
// each variable is stored, its dimensions and its dtype.
//
// Example:
//
//	err := checkpoints.Build(path).HalfPrecision().Iteration(step).Save(
//		checkpoints.Variable{Name: "weights", Dimensions: []int{10}, Values: w},
//		checkpoints.Variable{Name: "bias", Dimensions: []int{1}, Values: b})
//	...
//	ckpt, err := checkpoints.Load(path)
//	w, found := ckpt.Variable("weights")
//
// Snapshots of a model are siblings of the main checkpoint tagged with the iteration number, see
// SnapshotPath and ListSnapshots.
package checkpoints

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/syncdp/ml/data"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

var (
	// DirPermMode is the default directory creation permission (before umask) used.
	DirPermMode = os.FileMode(0770)

	// ErrUnsupportedCompression is returned when loading a data file with an unknown compression header.
	ErrUnsupportedCompression = errors.New("unsupported compression")
)

// BinFormat defines the format of the binary data file.
type BinFormat int

const (
	// BinGZIP stores the values gzip compressed, after a small header.
	BinGZIP BinFormat = iota

	// BinUncompressed stores the raw little-endian values.
	BinUncompressed
)

// String implements fmt.Stringer.
func (bf BinFormat) String() string {
	switch bf {
	case BinGZIP:
		return "gzip"
	case BinUncompressed:
		return "uncompressed"
	default:
		return fmt.Sprintf("BinFormat(%d)", int(bf))
	}
}

const (
	jsonNameSuffix = ".json"
	binHeader      = "syncdp_ckpt"
	gzipHeader     = "gzip"
)

// Variable is a named flat float32 tensor.
type Variable struct {
	Name       string
	Dimensions []int
	Values     []float32
}

// Size returns the number of elements implied by Dimensions.
func (v Variable) Size() int {
	size := 1
	for _, dim := range v.Dimensions {
		size *= dim
	}
	return size
}

// Metadata stored in the ".json" file of a checkpoint.
type Metadata struct {
	// RunID identifies the process that saved the checkpoint.
	RunID string

	Created   time.Time
	Iteration int
	Final     bool
	Format    BinFormat

	// Variables in the order they were saved.
	Variables []SerializedVar
}

// SerializedVar describes where a variable is stored in the data file.
type SerializedVar struct {
	// ParameterName is the Variable name.
	ParameterName string

	// Dimensions of the variable.
	Dimensions []int

	// DType used in storage: dtypes.Float32 or dtypes.Float16.
	DType dtypes.DType

	// Pos, Length in bytes in the (uncompressed) data.
	Pos, Length int
}

// runID is shared by all checkpoints saved by this process.
var runID = uuid.NewString()

// Config for one save operation. Create it with Build, configure it and call Save.
type Config struct {
	path          string
	format        BinFormat
	halfPrecision bool
	final         bool
	iteration     int
}

// Build a configuration to save a checkpoint to path.
// A "~" prefix in path is replaced by the user's home directory.
func Build(path string) *Config {
	return &Config{
		path:   data.ReplaceTildeInDir(path),
		format: BinGZIP,
	}
}

// WithCompression sets the format of the binary data file. Default is BinGZIP.
func (c *Config) WithCompression(bf BinFormat) *Config {
	c.format = bf
	return c
}

// HalfPrecision stores values as float16. They are converted back to float32 when loading.
func (c *Config) HalfPrecision() *Config {
	c.halfPrecision = true
	return c
}

// Final marks the checkpoint as the last one of a training run.
func (c *Config) Final(final bool) *Config {
	c.final = final
	return c
}

// Iteration records the training iteration of the checkpoint in the metadata.
func (c *Config) Iteration(iteration int) *Config {
	c.iteration = iteration
	return c
}

// Save writes the variables to the checkpoint files, replacing any previous checkpoint in the same path.
//
// Files are first written to temporary names and then renamed, so a failed save doesn't corrupt a previous
// checkpoint.
func (c *Config) Save(vars ...Variable) error {
	if c.path == "" {
		return errors.New("checkpoint path not configured")
	}
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, DirPermMode); err != nil {
		return errors.Wrapf(err, "failed to create directory %q for checkpoint", dir)
	}

	dtype := dtypes.Float32
	if c.halfPrecision {
		dtype = dtypes.Float16
	}
	metadata := &Metadata{
		RunID:     runID,
		Created:   time.Now(),
		Iteration: c.iteration,
		Final:     c.final,
		Format:    c.format,
		Variables: make([]SerializedVar, 0, len(vars)),
	}

	var raw bytes.Buffer
	for _, v := range vars {
		if v.Size() != len(v.Values) {
			return errors.Errorf("variable %q has dimensions %v but %d values", v.Name, v.Dimensions, len(v.Values))
		}
		pos := raw.Len()
		var err error
		if c.halfPrecision {
			halves := make([]uint16, len(v.Values))
			for ii, value := range v.Values {
				halves[ii] = float16.Fromfloat32(value).Bits()
			}
			err = binary.Write(&raw, binary.LittleEndian, halves)
		} else {
			err = binary.Write(&raw, binary.LittleEndian, v.Values)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to encode variable %q", v.Name)
		}
		metadata.Variables = append(metadata.Variables, SerializedVar{
			ParameterName: v.Name,
			Dimensions:    v.Dimensions,
			DType:         dtype,
			Pos:           pos,
			Length:        raw.Len() - pos,
		})
	}

	binFileName := c.path
	if err := writeAtomically(binFileName, func(w io.Writer) error {
		return writeBinary(w, c.format, raw.Bytes())
	}); err != nil {
		return errors.WithMessagef(err, "failed to save checkpoint data file %q", binFileName)
	}
	jsonFileName := c.path + jsonNameSuffix
	if err := writeAtomically(jsonFileName, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "\t")
		return enc.Encode(metadata)
	}); err != nil {
		return errors.WithMessagef(err, "failed to save checkpoint metadata file %q", jsonFileName)
	}
	return nil
}

// writeAtomically writes to a temporary file in the same directory and renames it to fileName.
func writeAtomically(fileName string, writeFn func(w io.Writer) error) error {
	f, err := os.CreateTemp(filepath.Dir(fileName), filepath.Base(fileName)+".tmp*")
	if err != nil {
		return errors.Wrap(err, "create file")
	}
	tmpName := f.Name()
	err = writeFn(f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmpName, fileName)
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "write file")
	}
	return nil
}

func writeBinary(w io.Writer, bf BinFormat, raw []byte) error {
	switch bf {
	case BinUncompressed:
		_, err := w.Write(raw)
		return err
	case BinGZIP:
		header := []byte(binHeader)
		header = append(header, byte(len(gzipHeader)))
		header = append(header, []byte(gzipHeader)...)
		if _, err := w.Write(header); err != nil {
			return errors.Wrap(err, "write header")
		}
		zw := gzip.NewWriter(w)
		if _, err := zw.Write(raw); err != nil {
			return errors.Wrap(err, "write gzip")
		}
		return zw.Close()
	default:
		return errors.Wrapf(ErrUnsupportedCompression, "format %s", bf)
	}
}

// readBinary returns the uncompressed contents of a data file, in any of the BinFormat formats.
func readBinary(contents []byte) ([]byte, error) {
	if !bytes.HasPrefix(contents, []byte(binHeader)) {
		return contents, nil
	}
	rest := contents[len(binHeader):]
	if len(rest) < 1 || len(rest) < 1+int(rest[0]) {
		return nil, errors.New("truncated header")
	}
	compression := string(rest[1 : 1+int(rest[0])])
	if compression != gzipHeader {
		return nil, errors.Wrapf(ErrUnsupportedCompression, "%q", compression)
	}
	zr, err := gzip.NewReader(bytes.NewReader(rest[1+int(rest[0]):]))
	if err != nil {
		return nil, errors.Wrap(err, "read gzip header")
	}
	defer func() { _ = zr.Close() }()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, errors.Wrap(err, "read gzip")
	}
	return raw, nil
}

// Checkpoint loaded from disk.
type Checkpoint struct {
	Metadata

	// Path the checkpoint was loaded from.
	Path string

	values map[string]Variable
}

// Load the checkpoint saved in path.
func Load(path string) (*Checkpoint, error) {
	path = data.ReplaceTildeInDir(path)
	jsonFileName := path + jsonNameSuffix
	jsonContents, err := os.ReadFile(jsonFileName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read checkpoint metadata file %q", jsonFileName)
	}
	ckpt := &Checkpoint{Path: path}
	if err = json.Unmarshal(jsonContents, &ckpt.Metadata); err != nil {
		return nil, errors.Wrapf(err, "failed to decode checkpoint metadata file %q", jsonFileName)
	}

	binContents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read checkpoint data file %q", path)
	}
	raw, err := readBinary(binContents)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to decode checkpoint data file %q", path)
	}

	ckpt.values = make(map[string]Variable, len(ckpt.Variables))
	for _, sv := range ckpt.Variables {
		if sv.Pos < 0 || sv.Length < 0 || sv.Pos+sv.Length > len(raw) {
			return nil, errors.Errorf("checkpoint %q: variable %q stored at [%d, %d) beyond data size %d",
				path, sv.ParameterName, sv.Pos, sv.Pos+sv.Length, len(raw))
		}
		v := Variable{Name: sv.ParameterName, Dimensions: sv.Dimensions}
		reader := bytes.NewReader(raw[sv.Pos : sv.Pos+sv.Length])
		switch sv.DType {
		case dtypes.Float32:
			v.Values = make([]float32, sv.Length/4)
			err = binary.Read(reader, binary.LittleEndian, v.Values)
		case dtypes.Float16:
			halves := make([]uint16, sv.Length/2)
			err = binary.Read(reader, binary.LittleEndian, halves)
			v.Values = make([]float32, len(halves))
			for ii, bits := range halves {
				v.Values[ii] = float16.Frombits(bits).Float32()
			}
		default:
			err = errors.Errorf("unsupported dtype %s", sv.DType)
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "checkpoint %q: failed to decode variable %q", path, sv.ParameterName)
		}
		if v.Size() != len(v.Values) {
			return nil, errors.Errorf("checkpoint %q: variable %q has dimensions %v but %d values",
				path, sv.ParameterName, sv.Dimensions, len(v.Values))
		}
		ckpt.values[v.Name] = v
	}
	return ckpt, nil
}

// String implements fmt.Stringer.
func (c *Checkpoint) String() string {
	return fmt.Sprintf("checkpoints.Checkpoint(%q)", c.Path)
}

// Variable returns the loaded variable with the given name.
func (c *Checkpoint) Variable(name string) (v Variable, found bool) {
	v, found = c.values[name]
	return
}

// NumParams returns the total number of values stored.
func (c *Checkpoint) NumParams() int {
	total := 0
	for _, v := range c.values {
		total += len(v.Values)
	}
	return total
}

// Exists returns whether there is a checkpoint saved in path.
func Exists(path string) (bool, error) {
	return data.FileExists(data.ReplaceTildeInDir(path) + jsonNameSuffix)
}

// SnapshotPath returns the path of the snapshot of the checkpoint in path at the given iteration: the
// iteration tag is inserted before the file extension, e.g. "model.ckpt" -> "model.iter1000.ckpt".
func SnapshotPath(path string, iteration int) string {
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s.iter%d%s", strings.TrimSuffix(path, ext), iteration, ext)
}

// ListSnapshots returns the paths of the snapshots of path, ordered by iteration (older first).
func ListSnapshots(path string) ([]string, error) {
	path = data.ReplaceTildeInDir(path)
	ext := filepath.Ext(path)
	base := filepath.Base(strings.TrimSuffix(path, ext))
	snapshotRegex := regexp.MustCompile(`^` + regexp.QuoteMeta(base) + `\.iter(\d+)` + regexp.QuoteMeta(ext+jsonNameSuffix) + `$`)

	dir := filepath.Dir(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "listing snapshots of %q", path)
	}
	type snapshot struct {
		path      string
		iteration int
	}
	var snapshots []snapshot
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := snapshotRegex.FindStringSubmatch(entry.Name())
		if len(matches) != 2 {
			continue
		}
		iteration, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		snapshots = append(snapshots, snapshot{
			path:      filepath.Join(dir, strings.TrimSuffix(entry.Name(), jsonNameSuffix)),
			iteration: iteration,
		})
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].iteration < snapshots[j].iteration })
	paths := make([]string, len(snapshots))
	for ii, s := range snapshots {
		paths[ii] = s.path
	}
	return paths, nil
}
