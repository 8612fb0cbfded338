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

// Package detectors defines the capability interface for outlier detection
// backends, so alternate algorithms are swappable without touching the model
// registry or the shadow controller.
package detectors

import "github.com/pkg/errors"

// ErrNotTrained is returned when scoring is attempted before Fit.
var ErrNotTrained = errors.New("detector not trained")

// Label values returned by Predict.
const (
	LabelNormal  = 0
	LabelAnomaly = 1
)

// Backend is the common interface for outlier detection algorithms.
type Backend interface {
	// Fit trains the detector on historical data. data is a 2D slice where
	// each row is a sample and each column is a feature.
	Fit(data [][]float64) error

	// Predict returns per-sample labels: LabelAnomaly or LabelNormal.
	Predict(data [][]float64) ([]int, error)

	// Score returns the native anomaly score per sample. Higher values
	// indicate more anomalous samples; range is algorithm-specific.
	Score(data [][]float64) ([]float64, error)

	// Threshold returns the fitted decision boundary on the score scale.
	Threshold() float64

	// Save serializes the trained state to bytes.
	Save() ([]byte, error)

	// Load deserializes trained state from bytes.
	Load(data []byte) error
}
