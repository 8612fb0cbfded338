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

package manager

import (
	"testing"

	"github.com/auditflow/ml-pipeline/pkg/api"
	"github.com/auditflow/ml-pipeline/pkg/config"
	"github.com/auditflow/ml-pipeline/pkg/features"
	"github.com/auditflow/ml-pipeline/pkg/test"
	"github.com/stretchr/testify/require"
)

// Full pipeline over raw audit events: analyze, extract, train, persist,
// rescan, score and explain.
func TestEndToEndAuditEvents(t *testing.T) {
	settings := config.Settings{
		Detection: api.DetectionSettings{
			Contamination:   0.1,
			Estimators:      100,
			SampleRatio:     0.8,
			MinTrainSamples: 1000,
			RandomSeed:      42,
		},
		Shadow:       api.ShadowSettings{},
		ModelsDir:    t.TempDir(),
		DefaultModel: "m1",
	}
	mgr, err := NewModelManager(settings)
	require.NoError(t, err)

	batch := test.GetMockBatch(2000, 50)
	ex := features.NewExtractor(settings.Features)
	_, err = ex.Analyze(batch)
	require.NoError(t, err)
	extracted, err := ex.Extract(batch, true)
	require.NoError(t, err)

	_, err = mgr.Create("m1", extracted.FeatureNames, "audit events", nil)
	require.NoError(t, err)
	stats, err := mgr.Train("m1", extracted.Matrix, ex)
	require.NoError(t, err)

	// contamination 0.1 pins the training anomaly rate near 10%
	require.Greater(t, stats.AnomalyPercentage, 5.0)
	require.Less(t, stats.AnomalyPercentage, 15.0)

	// a fresh manager reconstructs model, extractor and registry from disk
	rescan, err := NewModelManager(settings)
	require.NoError(t, err)
	loaded, err := rescan.LoadAll()
	require.NoError(t, err)
	require.Equal(t, 1, loaded)
	restoredEx, ok := rescan.Extractor("m1")
	require.True(t, ok)

	// a record with a 10-sigma bytesRead is flagged anomalous
	outlier, err := restoredEx.Extract([]config.GenericMap{test.GetMockOutlier()}, false)
	require.NoError(t, err)
	result, err := rescan.Predict("m1", outlier.Matrix, false)
	require.NoError(t, err)
	require.True(t, result.Predictions[0].IsAnomaly)

	// and the explanation ranks that feature first
	mdl, err := rescan.Get("m1")
	require.NoError(t, err)
	featureMap := map[string]float64{}
	for j, name := range outlier.FeatureNames {
		featureMap[name] = outlier.Matrix[0][j]
	}
	explanation, err := mdl.Explain(featureMap, 3)
	require.NoError(t, err)
	require.True(t, explanation.IsAnomaly)
	require.Equal(t, "bytesRead", explanation.TopFeatures[0].Feature)
}
