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

// Package model implements the trainable anomaly detection unit: a detector
// backend bound to an explicit, ordered feature list, with train, predict,
// explain and bundle persistence.
package model

import (
	"math"
	"time"

	"github.com/auditflow/ml-pipeline/pkg/api"
	"github.com/auditflow/ml-pipeline/pkg/detectors"
	"github.com/auditflow/ml-pipeline/pkg/detectors/iforest"
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrNotTrained is returned by predict/explain/save before a successful train.
	ErrNotTrained = errors.New("model not trained")
	// ErrInsufficientData is returned when train is called with fewer rows
	// than the configured minimum.
	ErrInsufficientData = errors.New("insufficient training samples")
	// ErrDimensionMismatch is returned when a matrix width does not match the
	// bound feature list.
	ErrDimensionMismatch = errors.New("feature dimension mismatch")
)

// probabilitySlope steepens the logistic transform of the decision score so
// the resulting ranking signal spreads over (0, 1). The output is monotonic
// in the anomaly score and is NOT a calibrated probability.
const probabilitySlope = 12.0

// BackendFactory builds an untrained detector backend for a train run.
type BackendFactory func(api.DetectionSettings) detectors.Backend

func defaultBackendFactory(settings api.DetectionSettings) detectors.Backend {
	return iforest.New(
		iforest.WithTrees(settings.Estimators),
		iforest.WithSampleRatio(settings.SampleRatio),
		iforest.WithContamination(settings.Contamination),
		iforest.WithSeed(settings.RandomSeed),
	)
}

// TrainingStats summarizes one training run.
type TrainingStats struct {
	Samples           int     `json:"samples"`
	Features          int     `json:"features"`
	Anomalies         int     `json:"anomalies"`
	AnomalyPercentage float64 `json:"anomalyPercentage"`
	ScoreMean         float64 `json:"scoreMean"`
	ScoreStd          float64 `json:"scoreStd"`
	TrainedAt         string  `json:"trainedAt"`
}

// Fitted is the immutable result of one training run: a trained backend, the
// frozen scaler and the run statistics. It is fully constructed before being
// installed on the model, so concurrent readers never observe a partially
// trained state.
type Fitted struct {
	Backend detectors.Backend
	Scaler  *Scaler
	Stats   TrainingStats
}

// Model is a single trainable outlier detection unit bound to an explicit,
// ordered feature name list.
type Model struct {
	name         string
	featureNames []string
	settings     api.DetectionSettings
	factory      BackendFactory
	clk          clock.Clock
	createdAt    string

	slot fittedSlot
}

// Option configures a Model.
type Option func(*Model)

// WithBackendFactory swaps the detector algorithm used on the next train.
func WithBackendFactory(f BackendFactory) Option {
	return func(m *Model) {
		m.factory = f
	}
}

// WithClock injects the time source used for training timestamps.
func WithClock(clk clock.Clock) Option {
	return func(m *Model) {
		m.clk = clk
	}
}

// New binds an untrained model instance to an ordered feature name list.
func New(name string, featureNames []string, settings api.DetectionSettings, opts ...Option) *Model {
	settings.SetDefaults()
	m := &Model{
		name:         name,
		featureNames: append([]string{}, featureNames...),
		settings:     settings,
		factory:      defaultBackendFactory,
		clk:          clock.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.createdAt = m.clk.Now().UTC().Format(time.RFC3339)
	return m
}

// Name returns the model name.
func (m *Model) Name() string { return m.name }

// SetName renames the model (used by the shadow controller on promotion).
func (m *Model) SetName(name string) { m.name = name }

// FeatureNames returns a copy of the bound, ordered feature list.
func (m *Model) FeatureNames() []string {
	return append([]string{}, m.featureNames...)
}

// Settings returns the hyperparameters the model was created with.
func (m *Model) Settings() api.DetectionSettings { return m.settings }

// CreatedAt returns the creation timestamp.
func (m *Model) CreatedAt() string { return m.createdAt }

// Trained reports whether a fitted state is installed.
func (m *Model) Trained() bool { return m.slot.get() != nil }

// Fitted returns the current immutable fitted state, or nil when untrained.
func (m *Model) Fitted() *Fitted { return m.slot.get() }

// Train fits the scaler, then the ensemble, into a fresh Fitted value and
// installs it atomically. Re-invoking Train re-fits from scratch; it is not
// an incremental update.
func (m *Model) Train(x [][]float64) (*TrainingStats, error) {
	if len(x) < m.settings.MinTrainSamples {
		return nil, errors.Wrapf(ErrInsufficientData, "got %d rows, minimum is %d",
			len(x), m.settings.MinTrainSamples)
	}
	if err := m.checkWidth(x); err != nil {
		return nil, err
	}

	log.Infof("training model %s on %d samples", m.name, len(x))

	scaler := FitScaler(x)
	scaled := scaler.Transform(x)

	backend := m.factory(m.settings)
	if err := backend.Fit(scaled); err != nil {
		return nil, errors.Wrapf(err, "error training model %s", m.name)
	}

	labels, err := backend.Predict(scaled)
	if err != nil {
		return nil, errors.Wrapf(err, "error scoring training data for model %s", m.name)
	}
	scores, err := backend.Score(scaled)
	if err != nil {
		return nil, errors.Wrapf(err, "error scoring training data for model %s", m.name)
	}

	anomalies := 0
	for _, label := range labels {
		if label == detectors.LabelAnomaly {
			anomalies++
		}
	}
	scoreMean := 0.0
	for _, s := range scores {
		scoreMean += s
	}
	scoreMean /= float64(len(scores))
	scoreVar := 0.0
	for _, s := range scores {
		d := s - scoreMean
		scoreVar += d * d
	}

	stats := TrainingStats{
		Samples:           len(x),
		Features:          len(m.featureNames),
		Anomalies:         anomalies,
		AnomalyPercentage: float64(anomalies) / float64(len(labels)) * 100,
		ScoreMean:         scoreMean,
		ScoreStd:          math.Sqrt(scoreVar / float64(len(scores))),
		TrainedAt:         m.clk.Now().UTC().Format(time.RFC3339),
	}

	m.slot.set(&Fitted{Backend: backend, Scaler: scaler, Stats: stats})

	log.Infof("training complete for %s: %d anomalies detected (%.1f%%)",
		m.name, anomalies, stats.AnomalyPercentage)
	return &stats, nil
}

// Prediction is the per-record verdict. AnomalyScore is the native isolation
// score in (0, 1], higher = more anomalous. DecisionScore is the score minus
// the fitted threshold, positive = anomalous. AnomalyProbability is a
// logistic transform of the decision score: a monotonic ranking signal only.
type Prediction struct {
	IsAnomaly          bool    `json:"isAnomaly"`
	AnomalyScore       float64 `json:"anomalyScore"`
	DecisionScore      float64 `json:"decisionScore"`
	AnomalyProbability float64 `json:"anomalyProbability"`
}

// BatchResult aggregates the predictions over one batch. It is produced fresh
// on every call and never persisted.
type BatchResult struct {
	ModelName         string       `json:"modelName"`
	Predictions       []Prediction `json:"predictions"`
	Records           int          `json:"records"`
	Anomalies         int          `json:"anomalies"`
	AnomalyPercentage float64      `json:"anomalyPercentage"`
}

// Predict scores a batch against the frozen fitted state.
func (m *Model) Predict(x [][]float64) (*BatchResult, error) {
	fitted := m.slot.get()
	if fitted == nil {
		return nil, errors.Wrapf(ErrNotTrained, "model %s", m.name)
	}
	if err := m.checkWidth(x); err != nil {
		return nil, err
	}

	scaled := fitted.Scaler.Transform(x)
	labels, err := fitted.Backend.Predict(scaled)
	if err != nil {
		return nil, errors.Wrapf(err, "error predicting with model %s", m.name)
	}
	scores, err := fitted.Backend.Score(scaled)
	if err != nil {
		return nil, errors.Wrapf(err, "error scoring with model %s", m.name)
	}

	threshold := fitted.Backend.Threshold()
	result := BatchResult{
		ModelName:   m.name,
		Predictions: make([]Prediction, len(x)),
		Records:     len(x),
	}
	for i := range x {
		decision := scores[i] - threshold
		p := Prediction{
			IsAnomaly:          labels[i] == detectors.LabelAnomaly,
			AnomalyScore:       scores[i],
			DecisionScore:      decision,
			AnomalyProbability: 1 / (1 + math.Exp(-probabilitySlope*decision)),
		}
		if p.IsAnomaly {
			result.Anomalies++
		}
		result.Predictions[i] = p
	}
	result.AnomalyPercentage = float64(result.Anomalies) / float64(result.Records) * 100
	return &result, nil
}

// PredictSingle scores one record given as a feature map. Features absent
// from the map default to zero.
func (m *Model) PredictSingle(featureMap map[string]float64) (*Prediction, error) {
	row := make([]float64, len(m.featureNames))
	for j, name := range m.featureNames {
		row[j] = featureMap[name]
	}
	result, err := m.Predict([][]float64{row})
	if err != nil {
		return nil, err
	}
	return &result.Predictions[0], nil
}

func (m *Model) checkWidth(x [][]float64) error {
	for _, row := range x {
		if len(row) != len(m.featureNames) {
			return errors.Wrapf(ErrDimensionMismatch, "model %s expects %d features, got %d",
				m.name, len(m.featureNames), len(row))
		}
	}
	return nil
}
