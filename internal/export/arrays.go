package export

import (
	"fmt"
	"math"

	"github.com/signalsfoundry/constellation-rlhf/model"
)

// EpisodeArrays is the numeric view of one episode that every backend can
// reproduce on read. Timestamps are simulation time in Unix nanoseconds.
type EpisodeArrays struct {
	EpisodeID  string
	States     [][]float64
	Actions    [][]float64
	Rewards    []float64
	NextStates [][]float64
	Dones      []bool
	Timestamps []int64
}

// Len returns the number of transitions.
func (e EpisodeArrays) Len() int { return len(e.Rewards) }

// ArraysFromDataset derives the numeric view of every episode, in dataset
// order.
func ArraysFromDataset(ds model.Dataset) []EpisodeArrays {
	out := make([]EpisodeArrays, len(ds.Episodes))
	for i, ep := range ds.Episodes {
		n := len(ep.Points)
		ea := EpisodeArrays{
			EpisodeID:  ep.ID,
			States:     make([][]float64, n),
			Actions:    make([][]float64, n),
			Rewards:    make([]float64, n),
			NextStates: make([][]float64, n),
			Dones:      make([]bool, n),
			Timestamps: make([]int64, n),
		}
		for j, p := range ep.Points {
			ea.States[j] = append([]float64(nil), p.State.Values...)
			ea.Actions[j] = append([]float64(nil), p.ActionVector...)
			ea.Rewards[j] = p.Reward
			ea.NextStates[j] = append([]float64(nil), p.NextState.Values...)
			ea.Dones[j] = p.Done
			ea.Timestamps[j] = p.Timestamp.UnixNano()
		}
		out[i] = ea
	}
	return out
}

// CompareArrays reports the first difference between two numeric views,
// treating floats within tol as equal. It returns nil when they match.
func CompareArrays(want, got []EpisodeArrays, tol float64) error {
	if len(want) != len(got) {
		return fmt.Errorf("episode count %d != %d", len(got), len(want))
	}
	for i := range want {
		w, g := want[i], got[i]
		if w.EpisodeID != g.EpisodeID {
			return fmt.Errorf("episode %d: id %q != %q", i, g.EpisodeID, w.EpisodeID)
		}
		if w.Len() != g.Len() || len(g.Dones) != w.Len() || len(g.Timestamps) != w.Len() {
			return fmt.Errorf("episode %s: length %d != %d", w.EpisodeID, g.Len(), w.Len())
		}
		if err := compareMatrix("states", w.States, g.States, tol); err != nil {
			return fmt.Errorf("episode %s: %w", w.EpisodeID, err)
		}
		if err := compareMatrix("actions", w.Actions, g.Actions, tol); err != nil {
			return fmt.Errorf("episode %s: %w", w.EpisodeID, err)
		}
		if err := compareMatrix("next_states", w.NextStates, g.NextStates, tol); err != nil {
			return fmt.Errorf("episode %s: %w", w.EpisodeID, err)
		}
		if err := compareRow("rewards", w.Rewards, g.Rewards, tol); err != nil {
			return fmt.Errorf("episode %s: %w", w.EpisodeID, err)
		}
		for j := range w.Dones {
			if w.Dones[j] != g.Dones[j] {
				return fmt.Errorf("episode %s: done[%d] %v != %v", w.EpisodeID, j, g.Dones[j], w.Dones[j])
			}
			if w.Timestamps[j] != g.Timestamps[j] {
				return fmt.Errorf("episode %s: timestamp[%d] %d != %d", w.EpisodeID, j, g.Timestamps[j], w.Timestamps[j])
			}
		}
	}
	return nil
}

func compareMatrix(name string, want, got [][]float64, tol float64) error {
	if len(want) != len(got) {
		return fmt.Errorf("%s rows %d != %d", name, len(got), len(want))
	}
	for i := range want {
		if err := compareRow(fmt.Sprintf("%s[%d]", name, i), want[i], got[i], tol); err != nil {
			return err
		}
	}
	return nil
}

func compareRow(name string, want, got []float64, tol float64) error {
	if len(want) != len(got) {
		return fmt.Errorf("%s length %d != %d", name, len(got), len(want))
	}
	for i := range want {
		if math.Abs(want[i]-got[i]) > tol {
			return fmt.Errorf("%s[%d] %g != %g", name, i, got[i], want[i])
		}
	}
	return nil
}

// rowWidth returns the common length of rows, or an error when rows differ.
// Empty input has width fallback.
func rowWidth(name string, rows [][]float64, fallback int) (int, error) {
	if len(rows) == 0 {
		return fallback, nil
	}
	w := len(rows[0])
	for i, r := range rows {
		if len(r) != w {
			return 0, fmt.Errorf("%s row %d has %d columns, want %d", name, i, len(r), w)
		}
	}
	return w, nil
}

func flattenRows(rows [][]float64, width int) []float64 {
	out := make([]float64, 0, len(rows)*width)
	for _, r := range rows {
		out = append(out, r...)
	}
	return out
}

func splitRows(flat []float64, n, width int) ([][]float64, error) {
	if len(flat) != n*width {
		return nil, fmt.Errorf("have %d values for shape (%d, %d)", len(flat), n, width)
	}
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = append([]float64(nil), flat[i*width:(i+1)*width]...)
	}
	return rows, nil
}
