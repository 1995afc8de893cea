package export

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/golang/snappy"
	_ "modernc.org/sqlite"

	"github.com/signalsfoundry/constellation-rlhf/model"
)

const hdbSchema = `
CREATE TABLE groups (
	path   TEXT PRIMARY KEY,
	parent TEXT,
	attrs  TEXT NOT NULL
);

CREATE TABLE arrays (
	group_path TEXT NOT NULL,
	name       TEXT NOT NULL,
	dtype      TEXT NOT NULL,
	shape      TEXT NOT NULL,
	codec      TEXT NOT NULL,
	data       BLOB NOT NULL,
	PRIMARY KEY (group_path, name),
	FOREIGN KEY (group_path) REFERENCES groups(path)
);
`

// Array element types, in NumPy notation.
const (
	dtypeFloat64 = "<f8"
	dtypeInt64   = "<i8"
	dtypeBool    = "|b1"
)

const (
	codecSnappy = "snappy"
	hdbVersion  = 1
)

// Group paths of the hierarchical container.
const (
	GroupRoot       = "/"
	GroupMetadata   = "/metadata"
	GroupEpisodes   = "/episodes"
	GroupStatistics = "/statistics"
)

// EpisodeAttrs are the per-episode attributes stored on its group.
type EpisodeAttrs struct {
	Index        int                  `json:"index"`
	EpisodeID    string               `json:"episode_id"`
	ScenarioID   string               `json:"scenario_id"`
	ScenarioType model.ScenarioType   `json:"scenario_type"`
	Difficulty   model.Difficulty     `json:"difficulty"`
	Outcome      model.LifecycleState `json:"outcome"`
	EndReason    model.EndReason      `json:"end_reason"`
	Success      bool                 `json:"success"`
	TotalReward  float64              `json:"total_reward"`
	Length       int                  `json:"length"`
	Dropped      int                  `json:"dropped_points"`
	Anomalies    int                  `json:"anomaly_count"`
	Augmentation model.Augmentation   `json:"augmentation,omitempty"`
	SourceID     string               `json:"source_episode_id,omitempty"`
}

// HDBBackend stores a dataset as a hierarchy of groups holding homogeneous,
// snappy-compressed little-endian arrays inside a single SQLite file.
type HDBBackend struct{}

func (HDBBackend) Format() Format    { return FormatHDB }
func (HDBBackend) Extension() string { return "hdb" }

func openHDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	return db, nil
}

// Write creates the container at path.
func (HDBBackend) Write(ctx context.Context, ds model.Dataset, path string) (err error) {
	db, err := openHDB(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close db: %w", cerr)
		}
	}()
	if _, err := db.ExecContext(ctx, hdbSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	w := &hdbWriter{ctx: ctx, tx: tx}
	if err := w.dataset(ds); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type hdbWriter struct {
	ctx context.Context
	tx  *sql.Tx
}

func (w *hdbWriter) group(path, parent string, attrs any) error {
	raw, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("group %s attrs: %w", path, err)
	}
	var p any
	if parent != "" {
		p = parent
	}
	if _, err := w.tx.ExecContext(w.ctx, `INSERT INTO groups (path, parent, attrs) VALUES (?, ?, ?)`, path, p, string(raw)); err != nil {
		return fmt.Errorf("insert group %s: %w", path, err)
	}
	return nil
}

func (w *hdbWriter) array(group, name, dtype string, shape []int, raw []byte) error {
	shapeJSON, err := json.Marshal(shape)
	if err != nil {
		return err
	}
	_, err = w.tx.ExecContext(w.ctx,
		`INSERT INTO arrays (group_path, name, dtype, shape, codec, data) VALUES (?, ?, ?, ?, ?, ?)`,
		group, name, dtype, string(shapeJSON), codecSnappy, snappy.Encode(nil, raw))
	if err != nil {
		return fmt.Errorf("insert array %s/%s: %w", group, name, err)
	}
	return nil
}

func (w *hdbWriter) floats(group, name string, shape []int, values []float64) error {
	return w.array(group, name, dtypeFloat64, shape, encodeFloat64s(values))
}

func (w *hdbWriter) matrix(group, name string, rows [][]float64) error {
	width, err := rowWidth(name, rows, 0)
	if err != nil {
		return err
	}
	return w.floats(group, name, []int{len(rows), width}, flattenRows(rows, width))
}

func (w *hdbWriter) dataset(ds model.Dataset) error {
	if err := w.group(GroupRoot, "", map[string]any{"format": "constellation-rlhf-hdb", "version": hdbVersion}); err != nil {
		return err
	}
	if err := w.group(GroupMetadata, GroupRoot, ds.Metadata); err != nil {
		return err
	}
	if err := w.group(GroupEpisodes, GroupRoot, map[string]int{"count": len(ds.Episodes)}); err != nil {
		return err
	}

	arrays := ArraysFromDataset(ds)
	for i, ep := range ds.Episodes {
		if err := w.ctx.Err(); err != nil {
			return err
		}
		path := GroupEpisodes + "/" + ep.ID
		attrs := EpisodeAttrs{
			Index:        i,
			EpisodeID:    ep.ID,
			ScenarioID:   ep.Scenario.ID,
			ScenarioType: ep.Scenario.Type,
			Difficulty:   ep.Scenario.Difficulty,
			Outcome:      ep.Outcome,
			EndReason:    ep.EndReason,
			Success:      ep.Success,
			TotalReward:  ep.TotalReward,
			Length:       len(ep.Points),
			Dropped:      ep.Dropped,
			Anomalies:    ep.Anomalies,
			Augmentation: ep.Augmentation,
			SourceID:     ep.SourceID,
		}
		if err := w.group(path, GroupEpisodes, attrs); err != nil {
			return err
		}
		a := arrays[i]
		if err := w.matrix(path, "states", a.States); err != nil {
			return fmt.Errorf("episode %s: %w", ep.ID, err)
		}
		if err := w.matrix(path, "actions", a.Actions); err != nil {
			return fmt.Errorf("episode %s: %w", ep.ID, err)
		}
		if err := w.matrix(path, "next_states", a.NextStates); err != nil {
			return fmt.Errorf("episode %s: %w", ep.ID, err)
		}
		if err := w.floats(path, "rewards", []int{a.Len()}, a.Rewards); err != nil {
			return err
		}
		if err := w.array(path, "dones", dtypeBool, []int{a.Len()}, encodeBools(a.Dones)); err != nil {
			return err
		}
		if err := w.array(path, "timestamps", dtypeInt64, []int{a.Len()}, encodeInt64s(a.Timestamps)); err != nil {
			return err
		}
	}

	st := ComputeStatistics(ds, DefaultHistogramBins)
	counts := map[string]any{
		"episode_count":       st.Episodes,
		"data_point_count":    st.DataPoints,
		"dropped_point_count": st.Dropped,
		"success_rate":        st.SuccessRate,
		"reward_mean":         st.RewardMean,
		"reward_std":          st.RewardStd,
		"reward_min":          st.RewardMin,
		"reward_max":          st.RewardMax,
		"anomalies":           st.Anomalies,
	}
	if err := w.group(GroupStatistics, GroupRoot, counts); err != nil {
		return err
	}
	h := st.RewardHistogram
	if err := w.floats(GroupStatistics, "reward_histogram_edges", []int{len(h.Edges)}, h.Edges); err != nil {
		return err
	}
	if err := w.array(GroupStatistics, "reward_histogram_counts", dtypeInt64, []int{len(h.Counts)}, encodeInt64s(h.Counts)); err != nil {
		return err
	}
	for name, values := range map[string][]float64{
		"state_mean": st.State.Mean,
		"state_std":  st.State.Std,
		"state_min":  st.State.Min,
		"state_max":  st.State.Max,
	} {
		if err := w.floats(GroupStatistics, name, []int{len(values)}, values); err != nil {
			return err
		}
	}
	return nil
}

// HDBArray is one decoded array.
type HDBArray struct {
	DType  string
	Shape  []int
	Floats []float64
	Ints   []int64
	Bools  []bool
}

// ReadArray loads a single array from the container at path.
func (HDBBackend) ReadArray(ctx context.Context, path, group, name string) (HDBArray, error) {
	db, err := openHDB(path)
	if err != nil {
		return HDBArray{}, err
	}
	defer db.Close()
	return readArray(ctx, db, group, name)
}

// ReadGroupAttrs decodes the attributes of group into out.
func (HDBBackend) ReadGroupAttrs(ctx context.Context, path, group string, out any) error {
	db, err := openHDB(path)
	if err != nil {
		return err
	}
	defer db.Close()
	var raw string
	if err := db.QueryRowContext(ctx, `SELECT attrs FROM groups WHERE path = ?`, group).Scan(&raw); err != nil {
		return fmt.Errorf("group %s: %w", group, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("group %s attrs: %w", group, err)
	}
	return nil
}

func readArray(ctx context.Context, db *sql.DB, group, name string) (HDBArray, error) {
	var (
		a                HDBArray
		shapeJSON, codec string
		blob             []byte
	)
	err := db.QueryRowContext(ctx,
		`SELECT dtype, shape, codec, data FROM arrays WHERE group_path = ? AND name = ?`, group, name,
	).Scan(&a.DType, &shapeJSON, &codec, &blob)
	if err != nil {
		return HDBArray{}, fmt.Errorf("array %s/%s: %w", group, name, err)
	}
	if err := json.Unmarshal([]byte(shapeJSON), &a.Shape); err != nil {
		return HDBArray{}, fmt.Errorf("array %s/%s shape: %w", group, name, err)
	}
	if codec != codecSnappy {
		return HDBArray{}, fmt.Errorf("array %s/%s: unsupported codec %q", group, name, codec)
	}
	raw, err := snappy.Decode(nil, blob)
	if err != nil {
		return HDBArray{}, fmt.Errorf("array %s/%s decompress: %w", group, name, err)
	}
	switch a.DType {
	case dtypeFloat64:
		a.Floats, err = decodeFloat64s(raw)
	case dtypeInt64:
		a.Ints, err = decodeInt64s(raw)
	case dtypeBool:
		a.Bools = decodeBools(raw)
	default:
		err = fmt.Errorf("unsupported dtype %q", a.DType)
	}
	if err != nil {
		return HDBArray{}, fmt.Errorf("array %s/%s: %w", group, name, err)
	}
	return a, nil
}

// Read loads the per-episode arrays in their stored order.
func (HDBBackend) Read(ctx context.Context, path string) ([]EpisodeArrays, error) {
	db, err := openHDB(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT path, attrs FROM groups WHERE parent = ?`, GroupEpisodes)
	if err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	var groups []struct {
		path  string
		attrs EpisodeAttrs
	}
	for rows.Next() {
		var g struct {
			path  string
			attrs EpisodeAttrs
		}
		var raw string
		if err := rows.Scan(&g.path, &raw); err != nil {
			rows.Close()
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &g.attrs); err != nil {
			rows.Close()
			return nil, fmt.Errorf("episode group %s attrs: %w", g.path, err)
		}
		groups = append(groups, g)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].attrs.Index < groups[j].attrs.Index })

	out := make([]EpisodeArrays, len(groups))
	for i, g := range groups {
		ea := EpisodeArrays{EpisodeID: g.attrs.EpisodeID}
		if ea.States, err = readMatrix(ctx, db, g.path, "states"); err != nil {
			return nil, err
		}
		if ea.Actions, err = readMatrix(ctx, db, g.path, "actions"); err != nil {
			return nil, err
		}
		if ea.NextStates, err = readMatrix(ctx, db, g.path, "next_states"); err != nil {
			return nil, err
		}
		rewards, err := readArray(ctx, db, g.path, "rewards")
		if err != nil {
			return nil, err
		}
		dones, err := readArray(ctx, db, g.path, "dones")
		if err != nil {
			return nil, err
		}
		ts, err := readArray(ctx, db, g.path, "timestamps")
		if err != nil {
			return nil, err
		}
		ea.Rewards, ea.Dones, ea.Timestamps = rewards.Floats, dones.Bools, ts.Ints
		if len(ea.Rewards) != g.attrs.Length {
			return nil, fmt.Errorf("episode %s: %d rewards for length %d", g.attrs.EpisodeID, len(ea.Rewards), g.attrs.Length)
		}
		out[i] = ea
	}
	return out, nil
}

func readMatrix(ctx context.Context, db *sql.DB, group, name string) ([][]float64, error) {
	a, err := readArray(ctx, db, group, name)
	if err != nil {
		return nil, err
	}
	if len(a.Shape) != 2 {
		return nil, fmt.Errorf("array %s/%s: want 2 dimensions, have %v", group, name, a.Shape)
	}
	rows, err := splitRows(a.Floats, a.Shape[0], a.Shape[1])
	if err != nil {
		return nil, fmt.Errorf("array %s/%s: %w", group, name, err)
	}
	return rows, nil
}

func encodeFloat64s(values []float64) []byte {
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return buf
}

func decodeFloat64s(raw []byte) ([]float64, error) {
	if len(raw)%8 != 0 {
		return nil, fmt.Errorf("float64 payload of %d bytes", len(raw))
	}
	out := make([]float64, len(raw)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:]))
	}
	return out, nil
}

func encodeInt64s(values []int64) []byte {
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[8*i:], uint64(v))
	}
	return buf
}

func decodeInt64s(raw []byte) ([]int64, error) {
	if len(raw)%8 != 0 {
		return nil, fmt.Errorf("int64 payload of %d bytes", len(raw))
	}
	out := make([]int64, len(raw)/8)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(raw[8*i:]))
	}
	return out, nil
}

func encodeBools(values []bool) []byte {
	buf := make([]byte, len(values))
	for i, v := range values {
		if v {
			buf[i] = 1
		}
	}
	return buf
}

func decodeBools(raw []byte) []bool {
	out := make([]bool, len(raw))
	for i, b := range raw {
		out[i] = b != 0
	}
	return out
}
