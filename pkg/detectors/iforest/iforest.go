/*
 * Copyright (C) 2024 AuditFlow, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package iforest implements the Isolation Forest algorithm behind the
// detectors.Backend interface.
package iforest

import (
	"bytes"
	"encoding/gob"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/auditflow/ml-pipeline/pkg/detectors"
	"github.com/pkg/errors"
)

// Forest implements unsupervised anomaly detection using isolation trees.
// Scores follow the standard convention: 2^(-E[h(x)]/c(n)) in (0, 1], where
// higher values are more anomalous.
type Forest struct {
	mu sync.RWMutex

	nTrees        int
	sampleRatio   float64
	contamination float64
	seed          int64
	rng           *rand.Rand

	trees         []*tree
	maxDepth      int
	avgPathLength float64
	threshold     float64
	trained       bool
}

type tree struct {
	Root *node
}

// node fields are exported for gob serialization of trained forests.
type node struct {
	SplitFeature int
	SplitValue   float64
	Left         *node
	Right        *node
	Size         int
}

// Option configures a Forest.
type Option func(*Forest)

// WithTrees sets the number of isolation trees.
func WithTrees(n int) Option {
	return func(f *Forest) {
		f.nTrees = n
	}
}

// WithSampleRatio sets the fraction of the training set subsampled per tree.
func WithSampleRatio(r float64) Option {
	return func(f *Forest) {
		f.sampleRatio = r
	}
}

// WithContamination sets the expected proportion of anomalies; it calibrates
// the score threshold after fitting.
func WithContamination(c float64) Option {
	return func(f *Forest) {
		f.contamination = c
	}
}

// WithSeed sets the random seed for reproducibility.
func WithSeed(seed int64) Option {
	return func(f *Forest) {
		f.seed = seed
	}
}

// New creates a Forest with the given options.
func New(opts ...Option) *Forest {
	f := &Forest{
		nTrees:        100,
		sampleRatio:   0.8,
		contamination: 0.1,
		threshold:     0.5,
		seed:          42,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.rng = rand.New(rand.NewSource(f.seed))
	return f
}

var _ detectors.Backend = (*Forest)(nil)

// Fit trains the forest. Re-invoking Fit re-fits from scratch with a fresh
// random source, so a fixed seed gives identical models on identical data.
func (f *Forest) Fit(data [][]float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(data) == 0 {
		return errors.New("empty training data")
	}
	nSamples := len(data)
	nFeatures := len(data[0])
	if nFeatures == 0 {
		return errors.New("training data has no features")
	}

	sampleSize := int(math.Ceil(f.sampleRatio * float64(nSamples)))
	if sampleSize > nSamples {
		sampleSize = nSamples
	}
	if sampleSize < 2 {
		sampleSize = nSamples
	}
	f.maxDepth = int(math.Ceil(math.Log2(float64(sampleSize))))

	f.rng = rand.New(rand.NewSource(f.seed))
	f.trees = make([]*tree, f.nTrees)
	for i := 0; i < f.nTrees; i++ {
		indices := f.rng.Perm(nSamples)[:sampleSize]
		sample := make([][]float64, sampleSize)
		for j, idx := range indices {
			sample[j] = data[idx]
		}
		f.trees[i] = &tree{Root: f.buildNode(sample, nFeatures, 0)}
	}

	f.avgPathLength = averagePathLength(float64(sampleSize))
	f.trained = true

	// calibrate the decision boundary from the contamination ratio
	if f.contamination > 0 {
		scores := f.scoreAll(data)
		f.threshold = percentile(scores, 100*(1-f.contamination))
	}
	return nil
}

func (f *Forest) buildNode(data [][]float64, nFeatures, depth int) *node {
	n := len(data)
	if depth >= f.maxDepth || n <= 1 {
		return &node{Size: n}
	}

	feature := f.rng.Intn(nFeatures)
	minVal, maxVal := data[0][feature], data[0][feature]
	for _, row := range data[1:] {
		if row[feature] < minVal {
			minVal = row[feature]
		}
		if row[feature] > maxVal {
			maxVal = row[feature]
		}
	}
	if minVal == maxVal {
		return &node{Size: n}
	}

	splitValue := minVal + f.rng.Float64()*(maxVal-minVal)
	var leftData, rightData [][]float64
	for _, row := range data {
		if row[feature] < splitValue {
			leftData = append(leftData, row)
		} else {
			rightData = append(rightData, row)
		}
	}

	return &node{
		SplitFeature: feature,
		SplitValue:   splitValue,
		Left:         f.buildNode(leftData, nFeatures, depth+1),
		Right:        f.buildNode(rightData, nFeatures, depth+1),
	}
}

// Score returns anomaly scores for the given samples.
func (f *Forest) Score(data [][]float64) ([]float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.trained {
		return nil, detectors.ErrNotTrained
	}
	return f.scoreAll(data), nil
}

// Predict returns labels: samples at or above the fitted threshold are
// flagged as anomalies.
func (f *Forest) Predict(data [][]float64) ([]int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.trained {
		return nil, detectors.ErrNotTrained
	}
	labels := make([]int, len(data))
	for i, sample := range data {
		if f.scoreOne(sample) >= f.threshold {
			labels[i] = detectors.LabelAnomaly
		} else {
			labels[i] = detectors.LabelNormal
		}
	}
	return labels, nil
}

func (f *Forest) scoreAll(data [][]float64) []float64 {
	scores := make([]float64, len(data))
	for i, sample := range data {
		scores[i] = f.scoreOne(sample)
	}
	return scores
}

func (f *Forest) scoreOne(sample []float64) float64 {
	var totalPath float64
	for _, t := range f.trees {
		totalPath += pathLength(sample, t.Root, 0)
	}
	avgPath := totalPath / float64(len(f.trees))
	return math.Pow(2, -avgPath/f.avgPathLength)
}

// Threshold returns the fitted decision boundary on the score scale.
func (f *Forest) Threshold() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.threshold
}

func pathLength(sample []float64, n *node, currentDepth int) float64 {
	if n.Left == nil && n.Right == nil {
		return float64(currentDepth) + averagePathLength(float64(n.Size))
	}
	if sample[n.SplitFeature] < n.SplitValue {
		return pathLength(sample, n.Left, currentDepth+1)
	}
	return pathLength(sample, n.Right, currentDepth+1)
}

// averagePathLength returns the average path length of unsuccessful search in
// a BST: c(n) = 2*H(n-1) - 2*(n-1)/n, H(n) ~ ln(n) + Euler-Mascheroni.
func averagePathLength(n float64) float64 {
	if n <= 1 {
		return 0
	}
	return 2*(math.Log(n-1)+0.5772156649) - 2*(n-1)/n
}

type forestState struct {
	NTrees        int
	SampleRatio   float64
	Contamination float64
	Seed          int64
	MaxDepth      int
	AvgPathLength float64
	Threshold     float64
	Trees         []*tree
}

// Save serializes the trained forest.
func (f *Forest) Save() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.trained {
		return nil, detectors.ErrNotTrained
	}
	var buf bytes.Buffer
	state := forestState{
		NTrees:        f.nTrees,
		SampleRatio:   f.sampleRatio,
		Contamination: f.contamination,
		Seed:          f.seed,
		MaxDepth:      f.maxDepth,
		AvgPathLength: f.avgPathLength,
		Threshold:     f.threshold,
		Trees:         f.trees,
	}
	if err := gob.NewEncoder(&buf).Encode(&state); err != nil {
		return nil, errors.Wrap(err, "error encoding forest state")
	}
	return buf.Bytes(), nil
}

// Load deserializes a trained forest.
func (f *Forest) Load(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := forestState{}
	if err := gob.NewDecoder(bytes.NewBuffer(data)).Decode(&state); err != nil {
		return errors.Wrap(err, "error decoding forest state")
	}
	f.nTrees = state.NTrees
	f.sampleRatio = state.SampleRatio
	f.contamination = state.Contamination
	f.seed = state.Seed
	f.maxDepth = state.MaxDepth
	f.avgPathLength = state.AvgPathLength
	f.threshold = state.Threshold
	f.trees = state.Trees
	f.rng = rand.New(rand.NewSource(f.seed))
	f.trained = true
	return nil
}

// percentile returns the p-th percentile of the data.
func percentile(data []float64, p float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)-1) * p / 100)
	return sorted[idx]
}
