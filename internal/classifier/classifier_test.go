package classifier

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPredict(t *testing.T) {
	ctx := context.Background()
	features := []float64{0.1, 0.2}

	t.Run("nil classifier yields none", func(t *testing.T) {
		assert.True(t, Predict(ctx, nil, features, 0, nil).IsNone())
	})

	t.Run("passes through a valid result", func(t *testing.T) {
		c := &Static{Result: Result{Label: "Tiger", Confidence: 0.8}}
		got := Predict(ctx, c, features, time.Second, nil)
		assert.Equal(t, Result{Label: "Tiger", Confidence: 0.8}, got)
	})

	t.Run("errors yield none", func(t *testing.T) {
		for _, err := range []error{ErrUnavailable, errors.New("boom")} {
			c := &Static{Err: err}
			assert.Equal(t, None, Predict(ctx, c, features, 0, nil))
		}
	})

	t.Run("out of range confidence yields none", func(t *testing.T) {
		for _, conf := range []float64{-0.1, 1.5} {
			c := &Static{Result: Result{Label: "Tiger", Confidence: conf}}
			assert.True(t, Predict(ctx, c, features, 0, nil).IsNone())
		}
	})

	t.Run("budget cancels slow classifiers", func(t *testing.T) {
		slow := Func(func(ctx context.Context, _ []float64) (Result, error) {
			<-ctx.Done()
			return None, ctx.Err()
		})
		got := Predict(ctx, slow, features, 10*time.Millisecond, nil)
		assert.True(t, got.IsNone())
	})
}

func TestClassifyWithTiming(t *testing.T) {
	c := Func(func(ctx context.Context, _ []float64) (Result, error) {
		time.Sleep(5 * time.Millisecond)
		return Result{Label: "Ox", Confidence: 1}, nil
	})

	res, latency, err := ClassifyWithTiming(context.Background(), c, nil)
	require.NoError(t, err)
	assert.Equal(t, "Ox", res.Label)
	assert.GreaterOrEqual(t, latency, 5*time.Millisecond)
}

func TestStaticLabels(t *testing.T) {
	assert.Nil(t, (&Static{}).Labels())
	assert.Equal(t, []string{"Ram"}, (&Static{Result: Result{Label: "Ram"}}).Labels())
	assert.Nil(t, Func(nil).Labels())
}

func trainingSet() []Sample {
	return []Sample{
		{Label: "Tiger", Features: []float64{0, 0}},
		{Label: "Tiger", Features: []float64{0, 2}},
		{Label: "Ram", Features: []float64{10, 10}},
		{Label: "Ram", Features: []float64{12, 10}},
	}
}

func TestFit(t *testing.T) {
	t.Run("averages per label", func(t *testing.T) {
		m, err := Fit(trainingSet())
		require.NoError(t, err)

		assert.Equal(t, 2, m.FeatureSize)
		assert.Equal(t, []string{"Ram", "Tiger"}, m.Labels())
		require.Len(t, m.Centroids, 2)
		assert.Equal(t, []float64{11, 10}, m.Centroids[0].Mean)
		assert.Equal(t, []float64{0, 1}, m.Centroids[1].Mean)
		assert.Equal(t, 2, m.Centroids[1].Samples)
	})

	t.Run("rejects bad input", func(t *testing.T) {
		_, err := Fit(nil)
		assert.Error(t, err)

		_, err = Fit([]Sample{{Label: "Tiger"}})
		assert.Error(t, err)

		_, err = Fit([]Sample{{Features: []float64{1}}})
		assert.Error(t, err)

		_, err = Fit([]Sample{
			{Label: "Tiger", Features: []float64{1, 2}},
			{Label: "Ram", Features: []float64{1}},
		})
		assert.Error(t, err)
	})

	t.Run("rejects non-finite samples and sums", func(t *testing.T) {
		_, err := Fit([]Sample{{Label: "Tiger", Features: []float64{math.NaN(), 0}}})
		assert.Error(t, err)

		_, err = Fit([]Sample{
			{Label: "Tiger", Features: []float64{math.MaxFloat64, 0}},
			{Label: "Tiger", Features: []float64{math.MaxFloat64, 0}},
		})
		assert.ErrorContains(t, err, "overflows")
	})
}

func TestCentroidModel_Classify(t *testing.T) {
	ctx := context.Background()
	m, err := Fit(trainingSet())
	require.NoError(t, err)

	t.Run("nearest centroid wins", func(t *testing.T) {
		res, err := m.Classify(ctx, []float64{0.5, 1})
		require.NoError(t, err)
		assert.Equal(t, "Tiger", res.Label)
		assert.Greater(t, res.Confidence, 0.9)
		assert.LessOrEqual(t, res.Confidence, 1.0)
	})

	t.Run("midpoint is uncertain", func(t *testing.T) {
		res, err := m.Classify(ctx, []float64{5.5, 5.5})
		require.NoError(t, err)
		assert.InDelta(t, 0.5, res.Confidence, 0.05)
	})

	t.Run("max distance rejects outliers", func(t *testing.T) {
		strict := *m
		strict.MaxDistance = 1
		res, err := strict.Classify(ctx, []float64{100, -100})
		require.NoError(t, err)
		assert.True(t, res.IsNone())
	})

	t.Run("wrong length", func(t *testing.T) {
		_, err := m.Classify(ctx, []float64{1, 2, 3})
		assert.Error(t, err)
	})

	t.Run("non-finite input yields an error", func(t *testing.T) {
		for _, v := range [][]float64{{math.NaN(), 0}, {math.Inf(1), 0}, {0, math.Inf(-1)}} {
			var res Result
			require.NotPanics(t, func() { res, err = m.Classify(ctx, v) })
			assert.Error(t, err)
			assert.True(t, res.IsNone())
			assert.True(t, Predict(ctx, m, v, 0, nil).IsNone())
		}
	})

	t.Run("overflowing distance yields an error", func(t *testing.T) {
		huge := &CentroidModel{Version: modelVersion, FeatureSize: 2, Centroids: []Centroid{
			{Label: "Tiger", Mean: []float64{math.MaxFloat64, math.MaxFloat64}, Samples: 1},
		}}
		var res Result
		require.NotPanics(t, func() { res, err = huge.Classify(ctx, []float64{-math.MaxFloat64, 0}) })
		assert.Error(t, err)
		assert.True(t, res.IsNone())
	})

	t.Run("empty model is unavailable", func(t *testing.T) {
		var empty *CentroidModel
		_, err := empty.Classify(ctx, []float64{1, 2})
		assert.ErrorIs(t, err, ErrUnavailable)
	})
}

func TestCentroidModel_SaveLoad(t *testing.T) {
	m, err := Fit(trainingSet())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, m.Save(path))

	loaded, err := LoadModel(path)
	require.NoError(t, err)
	assert.Equal(t, m, loaded)

	_, err = LoadModel(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestProcessClassifier(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("skipping test on Windows")
	}

	t.Run("round trip", func(t *testing.T) {
		script := `echo '{"labels":["Tiger","Ram"]}'
while read line; do echo '{"label":"Tiger","confidence":0.9}'; done`
		p, err := NewProcessClassifier([]string{"sh", "-c", script}, nil)
		require.NoError(t, err)
		defer p.Close()

		for i := 0; i < 3; i++ {
			res, err := p.Classify(context.Background(), []float64{1, 2, 3})
			require.NoError(t, err)
			assert.Equal(t, Result{Label: "Tiger", Confidence: 0.9}, res)
		}
		assert.Equal(t, []string{"Tiger", "Ram"}, p.Labels())
	})

	t.Run("error field fails the call", func(t *testing.T) {
		script := `echo '{"labels":[]}'
while read line; do echo '{"error":"bad input"}'; done`
		p, err := NewProcessClassifier([]string{"sh", "-c", script}, nil)
		require.NoError(t, err)
		defer p.Close()

		_, err = p.Classify(context.Background(), []float64{1})
		assert.ErrorContains(t, err, "bad input")
	})

	t.Run("deadline kills a slow child", func(t *testing.T) {
		script := `echo '{"labels":["Tiger"]}'
while read line; do sleep 5; done`
		p, err := NewProcessClassifier([]string{"sh", "-c", script}, nil)
		require.NoError(t, err)
		defer p.Close()

		require.Eventually(t, func() bool { return p.Labels() != nil }, 2*time.Second, 10*time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err = p.Classify(ctx, []float64{1})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("silent child does not outlast the budget", func(t *testing.T) {
		p, err := NewProcessClassifier([]string{"sh", "-c", "sleep 3"}, nil)
		require.NoError(t, err)
		defer p.Close()

		start := time.Now()
		res := Predict(context.Background(), p, []float64{1}, 100*time.Millisecond, nil)
		assert.True(t, res.IsNone())
		assert.Less(t, time.Since(start), time.Second)

		start = time.Now()
		assert.Nil(t, p.Labels())
		assert.Less(t, time.Since(start), 100*time.Millisecond, "Labels waits for a loading child")
	})

	t.Run("slow loader keeps starting across calls", func(t *testing.T) {
		script := `sleep 0.3; echo '{"labels":["Tiger"]}'
while read line; do echo '{"label":"Tiger","confidence":0.9}'; done`
		p, err := NewProcessClassifier([]string{"sh", "-c", script}, nil)
		require.NoError(t, err)
		defer p.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = p.Classify(ctx, []float64{1})
		assert.ErrorIs(t, err, ErrUnavailable)

		res, err := p.Classify(context.Background(), []float64{1})
		require.NoError(t, err)
		assert.Equal(t, "Tiger", res.Label)
	})

	t.Run("start timeout kills a child that never announces itself", func(t *testing.T) {
		p, err := NewProcessClassifier([]string{"sh", "-c", "sleep 3"}, nil)
		require.NoError(t, err)
		defer p.Close()
		p.startTimeout = 150 * time.Millisecond

		start := time.Now()
		_, err = p.Classify(context.Background(), []float64{1})
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.ErrorContains(t, err, "no classifier hello")
		assert.Less(t, time.Since(start), time.Second)
		assert.False(t, p.started)
	})

	t.Run("missing binary is unavailable", func(t *testing.T) {
		p, err := NewProcessClassifier([]string{"/nonexistent/model-server"}, nil)
		require.NoError(t, err)

		_, err = p.Classify(context.Background(), []float64{1})
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("empty command", func(t *testing.T) {
		_, err := NewProcessClassifier(nil, nil)
		assert.ErrorIs(t, err, ErrUnavailable)
	})
}
