package export

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/constellation-rlhf/model"
)

var t0 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func point(step int, reward float64, done bool) model.DataPoint {
	s := float64(step)
	return model.DataPoint{
		Timestamp:    t0.Add(time.Duration(step)*time.Minute + 250*time.Millisecond),
		State:        model.StateVector{SimTime: t0, Values: []float64{1, 0.1 * s, -3.25, 1e-7, 0, s / 3}},
		Action:       model.ActionSpec{Satellites: map[string]model.SatelliteControl{"sat-0": {PointingMode: model.PointingTracking, Power: model.PowerAllocation{Payload: 1}}}},
		ActionVector: []float64{1, 0.5, 0, s / 7},
		Reward:       reward,
		NextState:    model.StateVector{SimTime: t0, Values: []float64{1, 0.1 * (s + 1), -3.25, 2e-7, 1, (s + 1) / 3}},
		Done:         done,
		Quality: model.QualityReport{
			Status:    model.QualityValid,
			Score:     1,
			Anomalies: []model.Anomaly{{Kind: model.AnomalyStatisticalOutlier, Feature: "missiles[m-0].speed_kms", Value: 9, Score: 4}},
		},
	}
}

func episode(id string, index int, outcome model.LifecycleState, points ...model.DataPoint) model.EpisodeRecord {
	total := 0.0
	for _, p := range points {
		total += p.Reward
	}
	return model.EpisodeRecord{
		ID: id,
		Scenario: model.ScenarioConfig{
			ID:            "sc-" + id,
			Index:         index,
			Type:          model.ScenarioMultipleThreats,
			Difficulty:    model.DifficultyMedium,
			MissileCount:  2,
			LaunchWindow:  model.Range{Min: 0, Max: 120},
			LaunchOffsets: []float64{10, 95.5},
			Threat:        model.ThreatProfile{Type: model.ScenarioMultipleThreats, Multiple: &model.MultipleThreats{LaunchSites: 2}},
			Limits:        model.CardinalityLimits{MaxSatellites: 1, MaxMissiles: 1},
			Objectives:    []string{"continuous_tracking"},
		},
		Points:      points,
		TotalReward: total,
		Success:     outcome == model.LifecycleSuccess,
		Outcome:     outcome,
		Lifecycle:   model.LifecycleClosed,
		EndReason:   model.EndCompleted,
	}
}

func sampleDataset() model.Dataset {
	return model.NewDataset(model.ModeTraining, 42, t0, []model.EpisodeRecord{
		episode("ep-a", 0, model.LifecycleSuccess, point(0, 0.75, false), point(1, -0.125, false), point(2, 1.5, true)),
		episode("ep-empty", 1, model.LifecycleFailure),
		episode("ep-b", 2, model.LifecycleFailure, point(0, 0.3333333333333333, false), point(1, 2.5e-9, true)),
	})
}

func allFormats() []Format { return []Format{FormatJSON, FormatYAML, FormatHDB, FormatNPZ} }

func TestRoundTripEveryFormat(t *testing.T) {
	ds := sampleDataset()
	want := ArraysFromDataset(ds)
	e := NewExporter()
	ctx := context.Background()

	for _, f := range allFormats() {
		t.Run(string(f), func(t *testing.T) {
			dest := e.Path(t.TempDir(), "dataset", f)
			require.NoError(t, e.Export(ctx, ds, f, dest))

			got, err := e.Read(ctx, f, dest)
			require.NoError(t, err)
			assert.NoError(t, CompareArrays(want, got, 1e-12))
		})
	}
}

func TestFormatsAreMutuallyConsistent(t *testing.T) {
	ds := sampleDataset()
	e := NewExporter()
	ctx := context.Background()
	dir := t.TempDir()

	views := map[Format][]EpisodeArrays{}
	for _, f := range allFormats() {
		dest := e.Path(dir, "dataset", f)
		require.NoError(t, e.Export(ctx, ds, f, dest))
		got, err := e.Read(ctx, f, dest)
		require.NoError(t, err)
		views[f] = got
	}
	for _, a := range allFormats() {
		for _, b := range allFormats() {
			assert.NoError(t, CompareArrays(views[a], views[b], 1e-12), "%s vs %s", a, b)
		}
	}
}

func TestDocumentKeepsEntityModel(t *testing.T) {
	ds := sampleDataset()
	e := NewExporter()
	ctx := context.Background()

	for _, f := range []Format{FormatJSON, FormatYAML} {
		t.Run(string(f), func(t *testing.T) {
			dest := e.Path(t.TempDir(), "dataset", f)
			require.NoError(t, e.Export(ctx, ds, f, dest))

			back, err := e.ReadDataset(ctx, f, dest)
			require.NoError(t, err)
			assert.Equal(t, ds.Metadata.EpisodeCount, back.Metadata.EpisodeCount)
			assert.Equal(t, ds.Metadata.SuccessCount, back.Metadata.SuccessCount)
			assert.True(t, ds.Metadata.GeneratedAt.Equal(back.Metadata.GeneratedAt))
			require.Len(t, back.Episodes, 3)

			ep := back.Episodes[0]
			assert.Equal(t, "ep-a", ep.ID)
			assert.Equal(t, model.LifecycleSuccess, ep.Outcome)
			assert.Equal(t, model.LifecycleClosed, ep.Lifecycle)
			assert.InDelta(t, 2.125, ep.TotalReward, 1e-12)
			assert.Equal(t, 2, ep.Scenario.Threat.Multiple.LaunchSites)
			assert.Equal(t, []float64{10, 95.5}, ep.Scenario.LaunchOffsets)
			assert.Equal(t, model.PointingTracking, ep.Points[0].Action.Satellites["sat-0"].PointingMode)
			assert.True(t, ep.Points[2].Done)
			assert.Equal(t, model.AnomalyStatisticalOutlier, ep.Points[1].Quality.Anomalies[0].Kind)
		})
	}

	doc, err := JSONBackend().ReadDocument(ctx, writeJSON(t, ds))
	require.NoError(t, err)
	assert.Equal(t, 5, doc.Statistics.DataPoints)
	assert.Equal(t, 5, doc.Statistics.Anomalies[model.AnomalyStatisticalOutlier])
}

func writeJSON(t *testing.T, ds model.Dataset) string {
	t.Helper()
	dest := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, NewExporter().Export(context.Background(), ds, FormatJSON, dest))
	return dest
}

func TestReadDatasetRejectsArrayFormats(t *testing.T) {
	_, err := NewExporter().ReadDataset(context.Background(), FormatNPZ, "unused")
	assert.Error(t, err)
}

func TestFailedExportLeavesNothingBehind(t *testing.T) {
	ds := sampleDataset()
	ds.Episodes[2].Points[1].State.Values = []float64{1, 2}

	for _, f := range []Format{FormatHDB, FormatNPZ} {
		t.Run(string(f), func(t *testing.T) {
			dir := t.TempDir()
			dest := filepath.Join(dir, "dataset."+string(f))
			err := NewExporter().Export(context.Background(), ds, f, dest)
			require.Error(t, err)
			assert.ErrorIs(t, err, model.ErrExport)

			var xerr *model.ExportError
			require.ErrorAs(t, err, &xerr)
			assert.Equal(t, string(f), xerr.Format)
			assert.Equal(t, dest, xerr.Destination)

			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}

	// The in-memory dataset is left intact and exports once fixed.
	ds.Episodes[2].Points[1].State.Values = sampleDataset().Episodes[2].Points[1].State.Values
	assert.NoError(t, NewExporter().Export(context.Background(), ds, FormatNPZ, filepath.Join(t.TempDir(), "ok.npz")))
}

func TestFailedExportKeepsPreviousFile(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "dataset.npz")
	require.NoError(t, os.WriteFile(dest, []byte("previous"), 0o644))

	ds := sampleDataset()
	ds.Episodes[0].Points[0].ActionVector = []float64{1}
	require.Error(t, NewExporter().Export(context.Background(), ds, FormatNPZ, dest))

	raw, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "previous", string(raw))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCancelledExportIsDiscarded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dir := t.TempDir()
	err := NewExporter().Export(ctx, sampleDataset(), FormatJSON, filepath.Join(dir, "dataset.json"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, model.ErrExport)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUnknownFormat(t *testing.T) {
	e := NewExporter()
	err := e.Export(context.Background(), sampleDataset(), "hdf5", filepath.Join(t.TempDir(), "x"))
	assert.ErrorIs(t, err, ErrUnknownFormat)
	assert.ErrorIs(t, err, model.ErrExport)

	_, err = e.ParseFormats("json, NPZ,hdf5")
	assert.ErrorIs(t, err, ErrUnknownFormat)
	formats, err := e.ParseFormats("json, NPZ,,yaml")
	require.NoError(t, err)
	assert.Equal(t, []Format{FormatJSON, FormatNPZ, FormatYAML}, formats)
	assert.Equal(t, []Format{FormatHDB, FormatJSON, FormatNPZ, FormatYAML}, e.Formats())
}

type fakeMetrics struct {
	mu    sync.Mutex
	calls []string
}

func (m *fakeMetrics) ObserveExport(format string, _ time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.calls = append(m.calls, format+":"+result)
}

func TestExportRecordsMetrics(t *testing.T) {
	m := &fakeMetrics{}
	e := NewExporter(WithMetrics(m))
	dir := t.TempDir()
	require.NoError(t, e.Export(context.Background(), sampleDataset(), FormatYAML, filepath.Join(dir, "d.yaml")))
	require.Error(t, e.Export(context.Background(), sampleDataset(), "csv", filepath.Join(dir, "d.csv")))
	assert.Equal(t, []string{"yaml:ok", "csv:error"}, m.calls)
}

type fakeS3 struct {
	bucket, key string
	body        []byte
	err         error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.bucket, f.key = *in.Bucket, *in.Key
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	return &s3.PutObjectOutput{}, nil
}

func TestExportToS3(t *testing.T) {
	client := &fakeS3{}
	e := NewExporter(WithPublisher(NewS3Publisher(client, nil)))
	ds := sampleDataset()

	dest := e.Path("s3://datasets/runs/42/", "train", FormatNPZ)
	assert.Equal(t, "s3://datasets/runs/42/train.npz", dest)
	require.NoError(t, e.Export(context.Background(), ds, FormatNPZ, dest))
	assert.Equal(t, "datasets", client.bucket)
	assert.Equal(t, "runs/42/train.npz", client.key)
	assert.True(t, bytes.HasPrefix(client.body, []byte("PK")), "npz upload should be a zip archive")

	client.err = errors.New("access denied")
	err := e.Export(context.Background(), ds, FormatJSON, "s3://datasets/runs/42/train.json")
	assert.ErrorIs(t, err, model.ErrExport)

	err = NewExporter().Export(context.Background(), ds, FormatJSON, "s3://datasets/x.json")
	assert.ErrorIs(t, err, model.ErrExport)
}

func TestParseS3URI(t *testing.T) {
	bucket, key, err := ParseS3URI("s3://b/k/x.hdb")
	require.NoError(t, err)
	assert.Equal(t, "b", bucket)
	assert.Equal(t, "k/x.hdb", key)

	for _, bad := range []string{"/tmp/x", "s3://", "s3://bucket", "s3://bucket/dir/"} {
		_, _, err := ParseS3URI(bad)
		assert.Error(t, err, bad)
	}
}

func TestHDBContainerLayout(t *testing.T) {
	ctx := context.Background()
	dest := filepath.Join(t.TempDir(), "dataset.hdb")
	require.NoError(t, NewExporter().Export(ctx, sampleDataset(), FormatHDB, dest))

	var b HDBBackend
	var md model.DatasetMetadata
	require.NoError(t, b.ReadGroupAttrs(ctx, dest, GroupMetadata, &md))
	assert.Equal(t, 3, md.EpisodeCount)
	assert.Equal(t, 6, md.StateDim)
	assert.Equal(t, 4, md.ActionDim)

	var attrs EpisodeAttrs
	require.NoError(t, b.ReadGroupAttrs(ctx, dest, GroupEpisodes+"/ep-b", &attrs))
	assert.Equal(t, 2, attrs.Index)
	assert.Equal(t, 2, attrs.Length)
	assert.Equal(t, model.LifecycleFailure, attrs.Outcome)

	states, err := b.ReadArray(ctx, dest, GroupEpisodes+"/ep-a", "states")
	require.NoError(t, err)
	assert.Equal(t, "<f8", states.DType)
	assert.Equal(t, []int{3, 6}, states.Shape)

	counts, err := b.ReadArray(ctx, dest, GroupStatistics, "reward_histogram_counts")
	require.NoError(t, err)
	var total int64
	for _, c := range counts.Ints {
		total += c
	}
	assert.EqualValues(t, 5, total)

	_, err = b.ReadArray(ctx, dest, GroupStatistics, "missing")
	assert.Error(t, err)
}

func TestComputeStatistics(t *testing.T) {
	st := ComputeStatistics(sampleDataset(), 4)
	assert.Equal(t, 3, st.Episodes)
	assert.Equal(t, 5, st.DataPoints)
	assert.InDelta(t, 1.0/3, st.SuccessRate, 1e-12)
	assert.InDelta(t, -0.125, st.RewardMin, 1e-12)
	assert.InDelta(t, 1.5, st.RewardMax, 1e-12)

	h := st.RewardHistogram
	require.Len(t, h.Edges, 5)
	require.Len(t, h.Counts, 4)
	var total int64
	for _, c := range h.Counts {
		total += c
	}
	assert.EqualValues(t, 5, total)

	require.Len(t, st.State.Mean, 6)
	assert.InDelta(t, 1.0, st.State.Mean[0], 1e-12)
	assert.InDelta(t, 0.0, st.State.Std[0], 1e-12)
	assert.InDelta(t, -3.25, st.State.Min[2], 1e-12)

	empty := ComputeStatistics(model.Dataset{}, 0)
	assert.Zero(t, empty.DataPoints)
	assert.Empty(t, empty.RewardHistogram.Counts)
}

func TestNPYHeaderIsAligned(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeNPYStrings(&buf, []string{"ep-α", "ep-b", ""}))
	raw := buf.Bytes()
	require.True(t, bytes.HasPrefix(raw, []byte("\x93NUMPY\x01\x00")))
	headerLen := int(raw[8]) | int(raw[9])<<8
	assert.Zero(t, (10+headerLen)%64)

	arr, err := ReadNPY(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, []string{"ep-α", "ep-b", ""}, arr.Strings)
	assert.Equal(t, []int{3}, arr.Shape)

	buf.Reset()
	require.NoError(t, writeNPYFloats(&buf, []int{2, 2}, []float64{1, -2, 3.5, 1e-300}))
	arr, err = ReadNPY(&buf)
	require.NoError(t, err)
	rows, err := arr.Rows()
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, -2}, {3.5, 1e-300}}, rows)
}
