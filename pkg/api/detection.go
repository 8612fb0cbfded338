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

package api

// DetectionSettings describes the hyperparameters of a trainable outlier
// detection ensemble and its training contract.
type DetectionSettings struct {
	Contamination   float64 `yaml:"contamination,omitempty" json:"contamination,omitempty" doc:"expected fraction of anomalies in training data; calibrates the decision boundary"`
	Estimators      int     `yaml:"estimators,omitempty" json:"estimators,omitempty" doc:"number of isolation trees in the ensemble"`
	SampleRatio     float64 `yaml:"sampleRatio,omitempty" json:"sampleRatio,omitempty" doc:"fraction of the training set subsampled per tree"`
	MinTrainSamples int     `yaml:"minTrainSamples,omitempty" json:"minTrainSamples,omitempty" doc:"minimum number of rows required by train"`
	RandomSeed      int64   `yaml:"randomSeed,omitempty" json:"randomSeed,omitempty" doc:"seed for the ensemble random source; fixed seed gives reproducible models"`
}

func (d *DetectionSettings) SetDefaults() {
	if d.Contamination == 0 {
		d.Contamination = 0.1
	}
	if d.Estimators == 0 {
		d.Estimators = 100
	}
	if d.SampleRatio == 0 {
		d.SampleRatio = 0.8
	}
	if d.MinTrainSamples == 0 {
		d.MinTrainSamples = 1000
	}
	if d.RandomSeed == 0 {
		d.RandomSeed = 42
	}
}
