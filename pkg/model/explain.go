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

package model

import (
	"math"
	"sort"

	"github.com/pkg/errors"
)

// FeatureDeviation describes how far one feature of a record sits from the
// training distribution captured by the frozen scaler.
type FeatureDeviation struct {
	Feature   string  `json:"feature"`
	Value     float64 `json:"value"`
	Mean      float64 `json:"mean"`
	Std       float64 `json:"std"`
	ZScore    float64 `json:"zScore"`
	Deviation float64 `json:"deviation"`
}

// Explanation lets a human auditor understand a verdict without inspecting
// ensemble internals: the record's features ranked by absolute z-score
// against the frozen training mean/std.
type Explanation struct {
	IsAnomaly          bool               `json:"isAnomaly"`
	AnomalyScore       float64            `json:"anomalyScore"`
	AnomalyProbability float64            `json:"anomalyProbability"`
	TopFeatures        []FeatureDeviation `json:"topFeatures"`
}

// Explain predicts the record and ranks its features by deviation from the
// training distribution, returning the topN largest.
func (m *Model) Explain(featureMap map[string]float64, topN int) (*Explanation, error) {
	fitted := m.slot.get()
	if fitted == nil {
		return nil, errors.Wrapf(ErrNotTrained, "model %s", m.name)
	}

	prediction, err := m.PredictSingle(featureMap)
	if err != nil {
		return nil, err
	}

	deviations := make([]FeatureDeviation, 0, len(m.featureNames))
	for j, name := range m.featureNames {
		std := fitted.Scaler.Scale[j]
		if std <= 0 {
			continue
		}
		value := featureMap[name]
		z := math.Abs((value - fitted.Scaler.Mean[j]) / std)
		deviations = append(deviations, FeatureDeviation{
			Feature:   name,
			Value:     value,
			Mean:      fitted.Scaler.Mean[j],
			Std:       std,
			ZScore:    z,
			Deviation: z * std,
		})
	}
	sort.SliceStable(deviations, func(i, j int) bool {
		return deviations[i].ZScore > deviations[j].ZScore
	})
	if topN > 0 && len(deviations) > topN {
		deviations = deviations[:topN]
	}

	return &Explanation{
		IsAnomaly:          prediction.IsAnomaly,
		AnomalyScore:       prediction.AnomalyScore,
		AnomalyProbability: prediction.AnomalyProbability,
		TopFeatures:        deviations,
	}, nil
}
