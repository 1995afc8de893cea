package export

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/signalsfoundry/constellation-rlhf/model"
)

// Arrays stored in an npz export. Rows of the first six are aligned across
// all episodes; episode_order lists every episode, including empty ones.
const (
	NPZStates       = "states"
	NPZActions      = "actions"
	NPZRewards      = "rewards"
	NPZNextStates   = "next_states"
	NPZDones        = "dones"
	NPZEpisodeIDs   = "episode_ids"
	NPZTimestamps   = "timestamps"
	NPZEpisodeOrder = "episode_order"
)

var npyMagic = []byte("\x93NUMPY")

// NPZBackend stores flat, aligned arrays as a zip of NumPy .npy files that
// numpy.load reads directly.
type NPZBackend struct{}

func (NPZBackend) Format() Format    { return FormatNPZ }
func (NPZBackend) Extension() string { return "npz" }

// Write fails when states, next states or actions differ in width across
// the dataset.
func (NPZBackend) Write(ctx context.Context, ds model.Dataset, path string) error {
	var (
		states, actions, next [][]float64
		rewards               []float64
		dones                 []bool
		ids                   []string
		stamps                []int64
	)
	order := make([]string, 0, len(ds.Episodes))
	for _, ea := range ArraysFromDataset(ds) {
		order = append(order, ea.EpisodeID)
		states = append(states, ea.States...)
		actions = append(actions, ea.Actions...)
		next = append(next, ea.NextStates...)
		rewards = append(rewards, ea.Rewards...)
		dones = append(dones, ea.Dones...)
		stamps = append(stamps, ea.Timestamps...)
		for range ea.Rewards {
			ids = append(ids, ea.EpisodeID)
		}
	}

	stateDim, err := rowWidth(NPZStates, states, ds.Metadata.StateDim)
	if err != nil {
		return err
	}
	nextDim, err := rowWidth(NPZNextStates, next, stateDim)
	if err != nil {
		return err
	}
	if nextDim != stateDim {
		return fmt.Errorf("next_states width %d differs from states width %d", nextDim, stateDim)
	}
	actionDim, err := rowWidth(NPZActions, actions, ds.Metadata.ActionDim)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	zw := zip.NewWriter(f)
	entries := []struct {
		name  string
		write func(w io.Writer) error
	}{
		{NPZStates, func(w io.Writer) error { return writeNPYFloats(w, []int{len(states), stateDim}, flattenRows(states, stateDim)) }},
		{NPZActions, func(w io.Writer) error { return writeNPYFloats(w, []int{len(actions), actionDim}, flattenRows(actions, actionDim)) }},
		{NPZRewards, func(w io.Writer) error { return writeNPYFloats(w, []int{len(rewards)}, rewards) }},
		{NPZNextStates, func(w io.Writer) error { return writeNPYFloats(w, []int{len(next), stateDim}, flattenRows(next, stateDim)) }},
		{NPZDones, func(w io.Writer) error { return writeNPY(w, dtypeBool, []int{len(dones)}, encodeBools(dones)) }},
		{NPZEpisodeIDs, func(w io.Writer) error { return writeNPYStrings(w, ids) }},
		{NPZTimestamps, func(w io.Writer) error { return writeNPY(w, dtypeInt64, []int{len(stamps)}, encodeInt64s(stamps)) }},
		{NPZEpisodeOrder, func(w io.Writer) error { return writeNPYStrings(w, order) }},
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			f.Close()
			return err
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: e.name + ".npy", Method: zip.Deflate})
		if err != nil {
			f.Close()
			return fmt.Errorf("create %s.npy: %w", e.name, err)
		}
		if err := e.write(w); err != nil {
			f.Close()
			return fmt.Errorf("write %s.npy: %w", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return fmt.Errorf("finish zip: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	return f.Close()
}

// Read splits the aligned arrays back into episodes using episode_ids.
func (b NPZBackend) Read(ctx context.Context, path string) ([]EpisodeArrays, error) {
	arrays, err := b.ReadArrays(ctx, path)
	if err != nil {
		return nil, err
	}
	get := func(name string) (NPYArray, error) {
		a, ok := arrays[name]
		if !ok {
			return NPYArray{}, fmt.Errorf("missing %s.npy", name)
		}
		return a, nil
	}

	var parts [8]NPYArray
	for i, name := range []string{NPZStates, NPZActions, NPZRewards, NPZNextStates, NPZDones, NPZEpisodeIDs, NPZTimestamps, NPZEpisodeOrder} {
		if parts[i], err = get(name); err != nil {
			return nil, err
		}
	}
	statesA, actionsA, rewardsA, nextA, donesA, idsA, stampsA, orderA := parts[0], parts[1], parts[2], parts[3], parts[4], parts[5], parts[6], parts[7]

	states, err := statesA.Rows()
	if err != nil {
		return nil, fmt.Errorf("states: %w", err)
	}
	actions, err := actionsA.Rows()
	if err != nil {
		return nil, fmt.Errorf("actions: %w", err)
	}
	next, err := nextA.Rows()
	if err != nil {
		return nil, fmt.Errorf("next_states: %w", err)
	}
	n := len(rewardsA.Floats)
	if len(states) != n || len(actions) != n || len(next) != n || len(donesA.Bools) != n || len(idsA.Strings) != n || len(stampsA.Ints) != n {
		return nil, errors.New("aligned arrays differ in length")
	}

	byID := make(map[string]*EpisodeArrays, len(orderA.Strings))
	out := make([]EpisodeArrays, len(orderA.Strings))
	for i, id := range orderA.Strings {
		out[i] = EpisodeArrays{
			EpisodeID:  id,
			States:     [][]float64{},
			Actions:    [][]float64{},
			Rewards:    []float64{},
			NextStates: [][]float64{},
			Dones:      []bool{},
			Timestamps: []int64{},
		}
		byID[id] = &out[i]
	}
	for row := 0; row < n; row++ {
		ea, ok := byID[idsA.Strings[row]]
		if !ok {
			return nil, fmt.Errorf("row %d references unknown episode %q", row, idsA.Strings[row])
		}
		ea.States = append(ea.States, states[row])
		ea.Actions = append(ea.Actions, actions[row])
		ea.Rewards = append(ea.Rewards, rewardsA.Floats[row])
		ea.NextStates = append(ea.NextStates, next[row])
		ea.Dones = append(ea.Dones, donesA.Bools[row])
		ea.Timestamps = append(ea.Timestamps, stampsA.Ints[row])
	}
	return out, nil
}

// ReadArrays decodes every .npy member of the archive, keyed by name without
// extension.
func (NPZBackend) ReadArrays(ctx context.Context, path string) (map[string]NPYArray, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer zr.Close()

	out := make(map[string]NPYArray, len(zr.File))
	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name, ok := strings.CutSuffix(zf.Name, ".npy")
		if !ok {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", zf.Name, err)
		}
		a, err := ReadNPY(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", zf.Name, err)
		}
		out[name] = a
	}
	return out, nil
}

// NPYArray is one decoded .npy array. Exactly one value slice is set,
// according to DType.
type NPYArray struct {
	DType   string
	Shape   []int
	Floats  []float64
	Ints    []int64
	Bools   []bool
	Strings []string
}

// Rows reshapes a two dimensional float array into rows.
func (a NPYArray) Rows() ([][]float64, error) {
	if len(a.Shape) != 2 {
		return nil, fmt.Errorf("want 2 dimensions, have %v", a.Shape)
	}
	return splitRows(a.Floats, a.Shape[0], a.Shape[1])
}

func writeNPYFloats(w io.Writer, shape []int, values []float64) error {
	return writeNPY(w, dtypeFloat64, shape, encodeFloat64s(values))
}

// writeNPYStrings stores strings as fixed width little-endian UTF-32.
func writeNPYStrings(w io.Writer, values []string) error {
	width := 1
	for _, v := range values {
		if n := utf8.RuneCountInString(v); n > width {
			width = n
		}
	}
	buf := make([]byte, 4*width*len(values))
	for i, v := range values {
		off := 4 * width * i
		for _, r := range v {
			binary.LittleEndian.PutUint32(buf[off:], uint32(r))
			off += 4
		}
	}
	return writeNPY(w, "<U"+strconv.Itoa(width), []int{len(values)}, buf)
}

// writeNPY writes a version 1.0 .npy header followed by data. The header is
// padded so the data starts on a 64 byte boundary.
func writeNPY(w io.Writer, dtype string, shape []int, data []byte) error {
	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = strconv.Itoa(d)
	}
	shapeStr := "(" + strings.Join(dims, ", ")
	if len(shape) == 1 {
		shapeStr += ","
	}
	shapeStr += ")"
	header := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': %s, }", dtype, shapeStr)

	const prefix = 10
	total := prefix + len(header) + 1
	if pad := (64 - total%64) % 64; pad > 0 {
		header += strings.Repeat(" ", pad)
	}
	header += "\n"
	if len(header) > math.MaxUint16 {
		return fmt.Errorf("npy header of %d bytes", len(header))
	}

	var pre [prefix]byte
	copy(pre[:], npyMagic)
	pre[6], pre[7] = 1, 0
	binary.LittleEndian.PutUint16(pre[8:], uint16(len(header)))
	if _, err := w.Write(pre[:]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// ReadNPY decodes a version 1.x .npy stream of the dtypes this package
// writes.
func ReadNPY(r io.Reader) (NPYArray, error) {
	var pre [10]byte
	if _, err := io.ReadFull(r, pre[:]); err != nil {
		return NPYArray{}, fmt.Errorf("read prefix: %w", err)
	}
	if !bytes.Equal(pre[:6], npyMagic) {
		return NPYArray{}, errors.New("not an npy stream")
	}
	if pre[6] != 1 {
		return NPYArray{}, fmt.Errorf("unsupported npy version %d.%d", pre[6], pre[7])
	}
	header := make([]byte, binary.LittleEndian.Uint16(pre[8:]))
	if _, err := io.ReadFull(r, header); err != nil {
		return NPYArray{}, fmt.Errorf("read header: %w", err)
	}
	dtype, shape, err := parseNPYHeader(string(header))
	if err != nil {
		return NPYArray{}, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return NPYArray{}, fmt.Errorf("read data: %w", err)
	}

	count := 1
	for _, d := range shape {
		count *= d
	}
	a := NPYArray{DType: dtype, Shape: shape}
	switch {
	case dtype == dtypeFloat64:
		a.Floats, err = decodeFloat64s(data)
	case dtype == dtypeInt64:
		a.Ints, err = decodeInt64s(data)
	case dtype == dtypeBool:
		a.Bools = decodeBools(data)
	case strings.HasPrefix(dtype, "<U"):
		a.Strings, err = decodeUTF32(data, dtype, count)
	default:
		err = fmt.Errorf("unsupported dtype %q", dtype)
	}
	if err != nil {
		return NPYArray{}, err
	}
	if n := max(len(a.Floats), len(a.Ints), len(a.Bools), len(a.Strings)); n != count {
		return NPYArray{}, fmt.Errorf("shape %v needs %d values, have %d", shape, count, n)
	}
	return a, nil
}

func decodeUTF32(data []byte, dtype string, count int) ([]string, error) {
	width, err := strconv.Atoi(strings.TrimPrefix(dtype, "<U"))
	if err != nil || width <= 0 {
		return nil, fmt.Errorf("bad string dtype %q", dtype)
	}
	if len(data) != 4*width*count {
		return nil, fmt.Errorf("string payload of %d bytes for %d x %d", len(data), count, width)
	}
	out := make([]string, count)
	for i := range out {
		var sb strings.Builder
		for j := 0; j < width; j++ {
			r := rune(binary.LittleEndian.Uint32(data[4*(width*i+j):]))
			if r == 0 {
				break
			}
			sb.WriteRune(r)
		}
		out[i] = sb.String()
	}
	return out, nil
}

func parseNPYHeader(h string) (string, []int, error) {
	h = strings.TrimSpace(h)
	descr, err := headerValue(h, "'descr':", "'", "'")
	if err != nil {
		return "", nil, err
	}
	if order, err := headerValue(h, "'fortran_order':", "", ","); err != nil || strings.TrimSpace(order) != "False" {
		return "", nil, errors.New("fortran order arrays are not supported")
	}
	rawShape, err := headerValue(h, "'shape':", "(", ")")
	if err != nil {
		return "", nil, err
	}
	var shape []int
	for _, part := range strings.Split(rawShape, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil {
			return "", nil, fmt.Errorf("bad shape %q", rawShape)
		}
		shape = append(shape, d)
	}
	return descr, shape, nil
}

// headerValue returns the text between start and end that follows key.
// An empty start means the value begins right after the key.
func headerValue(h, key, start, end string) (string, error) {
	i := strings.Index(h, key)
	if i < 0 {
		return "", fmt.Errorf("npy header missing %s", key)
	}
	rest := strings.TrimSpace(h[i+len(key):])
	if start != "" {
		if !strings.HasPrefix(rest, start) {
			return "", fmt.Errorf("npy header: malformed %s", key)
		}
		rest = rest[len(start):]
	}
	j := strings.Index(rest, end)
	if j < 0 {
		return "", fmt.Errorf("npy header: unterminated %s", key)
	}
	return rest[:j], nil
}
