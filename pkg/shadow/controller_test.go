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

package shadow

import (
	"path/filepath"
	"testing"

	"github.com/auditflow/ml-pipeline/pkg/api"
	"github.com/auditflow/ml-pipeline/pkg/model"
	"github.com/auditflow/ml-pipeline/pkg/test"
	"github.com/stretchr/testify/require"
)

func testShadowSettings() api.ShadowSettings {
	return api.ShadowSettings{
		Enabled:            true,
		PromotionThreshold: 0.7,
		MinComparisons:     3,
	}
}

func testDetectionSettings() api.DetectionSettings {
	return api.DetectionSettings{
		Contamination:   0.1,
		Estimators:      50,
		SampleRatio:     0.8,
		MinTrainSamples: 100,
		RandomSeed:      42,
	}
}

func trainedProduction(t *testing.T, data [][]float64) *model.Model {
	t.Helper()
	m := model.New("m1", test.FeatureNames(len(data[0])), testDetectionSettings())
	_, err := m.Train(data)
	require.NoError(t, err)
	return m
}

func TestInitializeRequiresProduction(t *testing.T) {
	c := NewController("m1", testShadowSettings(), t.TempDir())
	require.ErrorIs(t, c.Initialize(nil), ErrContractViolation)
	require.Equal(t, StateUnpaired, c.State())
}

func TestLifecycleStates(t *testing.T) {
	data := test.GetMockMatrix(200, 3, 30)
	c := NewController("m1", testShadowSettings(), t.TempDir())
	require.Equal(t, StateUnpaired, c.State())

	require.NoError(t, c.Initialize(trainedProduction(t, data)))
	require.Equal(t, StateShadowTraining, c.State())
	require.Equal(t, "m1_shadow", c.Shadow().Name())
	require.Equal(t, c.Production().FeatureNames(), c.Shadow().FeatureNames())

	_, err := c.TrainShadow(data)
	require.NoError(t, err)
	require.Equal(t, StateShadowActive, c.State())
}

func TestCompareBeforeShadowTrained(t *testing.T) {
	data := test.GetMockMatrix(200, 3, 31)
	c := NewController("m1", testShadowSettings(), t.TempDir())
	require.NoError(t, c.Initialize(trainedProduction(t, data)))

	_, err := c.Compare(data[:10], nil)
	require.ErrorIs(t, err, ErrContractViolation)
}

func TestCompareUninitializedPairing(t *testing.T) {
	c := NewController("m1", testShadowSettings(), t.TempDir())
	_, err := c.Compare(test.GetMockMatrix(10, 3, 32), nil)
	require.ErrorIs(t, err, ErrContractViolation)
}

func TestCompareFeatureSpaceMismatch(t *testing.T) {
	data := test.GetMockMatrix(200, 3, 33)
	c := NewController("m1", testShadowSettings(), t.TempDir())
	require.NoError(t, c.Initialize(trainedProduction(t, data)))
	_, err := c.TrainShadow(data)
	require.NoError(t, err)

	// swap in a shadow bound to a different feature space
	rogue := model.New("m1_shadow", test.FeatureNames(4), testDetectionSettings())
	_, err = rogue.Train(test.GetMockMatrix(200, 4, 34))
	require.NoError(t, err)
	c.mu.Lock()
	c.shadow = rogue
	c.mu.Unlock()

	_, err = c.Compare(data[:10], nil)
	require.ErrorIs(t, err, ErrContractViolation)
}

func TestCompareRecordsAgreement(t *testing.T) {
	data := test.GetMockMatrix(300, 3, 35)
	c := NewController("m1", testShadowSettings(), t.TempDir())
	require.NoError(t, c.Initialize(trainedProduction(t, data)))
	_, err := c.TrainShadow(data)
	require.NoError(t, err)

	// identical training data and seed: the pair always agrees
	comparison, err := c.Compare(data[:50], map[string]interface{}{"batchSize": 50})
	require.NoError(t, err)
	require.Equal(t, 50, comparison.Records)
	require.Equal(t, 1.0, comparison.AgreementRate)
	require.Equal(t, 0.0, comparison.DisagreementRate)
	require.True(t, comparison.PromotionRecommended)
	require.Equal(t, 50, comparison.Matrix.TruePositives+comparison.Matrix.FalsePositives+
		comparison.Matrix.FalseNegatives+comparison.Matrix.TrueNegatives)
	require.Len(t, c.Comparisons(), 1)
}

func TestPromoteRequiresMinComparisons(t *testing.T) {
	data := test.GetMockMatrix(200, 3, 36)
	c := NewController("m1", testShadowSettings(), t.TempDir())
	require.NoError(t, c.Initialize(trainedProduction(t, data)))
	_, err := c.TrainShadow(data)
	require.NoError(t, err)

	promoted, avg, err := c.Promote()
	require.NoError(t, err)
	require.False(t, promoted)
	require.Zero(t, avg)
	require.Equal(t, StateShadowActive, c.State())
}

func TestPromoteSwapsPairOnHighAgreement(t *testing.T) {
	dir := t.TempDir()
	data := test.GetMockMatrix(300, 3, 37)
	c := NewController("m1", testShadowSettings(), dir)
	require.NoError(t, c.Initialize(trainedProduction(t, data)))
	_, err := c.TrainShadow(data)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := c.Compare(data[i*50:(i+1)*50], nil)
		require.NoError(t, err)
	}

	oldProduction := c.Production()
	oldShadow := c.Shadow()

	promoted, avg, err := c.Promote()
	require.NoError(t, err)
	require.True(t, promoted)
	require.Equal(t, 1.0, avg)
	require.Equal(t, StateUnpaired, c.State())

	// identity swap, with names reassigned to match the new roles
	require.Same(t, oldShadow, c.Production())
	require.Same(t, oldProduction, c.Shadow())
	require.Equal(t, "m1", c.Production().Name())
	require.Equal(t, "m1_shadow", c.Shadow().Name())

	// the promoted production bundle is persisted
	require.True(t, model.IsBundleDir(filepath.Join(dir, "m1")))
}

func TestPromoteRefusedOnLowAgreement(t *testing.T) {
	data := test.GetMockMatrix(200, 3, 38)
	c := NewController("m1", testShadowSettings(), t.TempDir())
	require.NoError(t, c.Initialize(trainedProduction(t, data)))
	_, err := c.TrainShadow(data)
	require.NoError(t, err)

	c.mu.Lock()
	c.trailing[metricAgreement] = []float64{0.4, 0.4, 0.4}
	c.mu.Unlock()

	oldProduction := c.Production()
	promoted, avg, err := c.Promote()
	require.NoError(t, err)
	require.False(t, promoted)
	require.InDelta(t, 0.4, avg, 1e-9)
	require.Same(t, oldProduction, c.Production())
	require.Equal(t, StateShadowActive, c.State())
}

func TestSummaryAndHistoryRoundTrip(t *testing.T) {
	data := test.GetMockMatrix(300, 3, 39)
	c := NewController("m1", testShadowSettings(), t.TempDir())
	require.NoError(t, c.Initialize(trainedProduction(t, data)))
	_, err := c.TrainShadow(data)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := c.Compare(data[i*50:(i+1)*50], nil)
		require.NoError(t, err)
	}

	summary := c.Summary()
	require.Equal(t, StateShadowActive, summary.State)
	require.Equal(t, 3, summary.TotalComparisons)
	require.Equal(t, 1.0, summary.TrailingAverageAgreement)
	require.True(t, summary.PromotionReady)
	require.Equal(t, "m1", summary.Production.Name)
	require.Equal(t, "m1_shadow", summary.Shadow.Name)

	path := filepath.Join(t.TempDir(), "history.json")
	require.NoError(t, c.SaveHistory(path))

	restored := NewController("m1", testShadowSettings(), t.TempDir())
	require.NoError(t, restored.LoadHistory(path))
	require.Len(t, restored.Comparisons(), 3)
	require.Equal(t, c.Comparisons(), restored.Comparisons())
}
