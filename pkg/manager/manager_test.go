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
	"os"
	"path/filepath"
	"testing"

	"github.com/auditflow/ml-pipeline/pkg/api"
	"github.com/auditflow/ml-pipeline/pkg/config"
	"github.com/auditflow/ml-pipeline/pkg/model"
	"github.com/auditflow/ml-pipeline/pkg/shadow"
	"github.com/auditflow/ml-pipeline/pkg/test"
	"github.com/stretchr/testify/require"
)

func testManagerSettings(t *testing.T) config.Settings {
	t.Helper()
	return config.Settings{
		Detection: api.DetectionSettings{
			Contamination:   0.1,
			Estimators:      50,
			SampleRatio:     0.8,
			MinTrainSamples: 100,
			RandomSeed:      42,
		},
		Shadow: api.ShadowSettings{
			Enabled:            true,
			PromotionThreshold: 0.7,
			MinComparisons:     2,
		},
		ModelsDir:    t.TempDir(),
		DefaultModel: "m1",
	}
}

func TestCreateRejectsDuplicates(t *testing.T) {
	mgr, err := NewModelManager(testManagerSettings(t))
	require.NoError(t, err)

	_, err = mgr.Create("m1", test.FeatureNames(3), "first", nil)
	require.NoError(t, err)
	require.Equal(t, 1, mgr.Count())

	_, err = mgr.Create("m1", test.FeatureNames(3), "second", nil)
	require.ErrorIs(t, err, ErrDuplicateModel)
}

func TestCreateWithHyperparameterOverrides(t *testing.T) {
	mgr, err := NewModelManager(testManagerSettings(t))
	require.NoError(t, err)

	mdl, err := mgr.Create("m1", test.FeatureNames(3), "", config.GenericMap{
		"estimators":    10,
		"contamination": "0.2",
	})
	require.NoError(t, err)
	require.Equal(t, 10, mdl.Settings().Estimators)
	require.Equal(t, 0.2, mdl.Settings().Contamination)
	// untouched settings keep their configured values
	require.Equal(t, 100, mdl.Settings().MinTrainSamples)
}

func TestCreateRejectsBadOverrides(t *testing.T) {
	mgr, err := NewModelManager(testManagerSettings(t))
	require.NoError(t, err)

	_, err = mgr.Create("m1", test.FeatureNames(3), "", config.GenericMap{
		"estimators": "plenty",
	})
	require.Error(t, err)
}

func TestGetUnknownModel(t *testing.T) {
	mgr, err := NewModelManager(testManagerSettings(t))
	require.NoError(t, err)

	_, err = mgr.Get("missing")
	require.ErrorIs(t, err, ErrUnknownModel)
	_, err = mgr.Info("missing")
	require.ErrorIs(t, err, ErrUnknownModel)
	require.ErrorIs(t, mgr.Delete("missing"), ErrUnknownModel)
}

func TestTrainPersistsBundleAndRegistry(t *testing.T) {
	settings := testManagerSettings(t)
	mgr, err := NewModelManager(settings)
	require.NoError(t, err)

	_, err = mgr.Create("m1", test.FeatureNames(3), "audit events", nil)
	require.NoError(t, err)
	stats, err := mgr.Train("m1", test.GetMockMatrix(300, 3, 40), nil)
	require.NoError(t, err)
	require.Equal(t, 300, stats.Samples)

	dir := filepath.Join(settings.ModelsDir, "m1")
	require.True(t, model.IsBundleDir(dir))
	_, err = os.Stat(filepath.Join(dir, RegistryFile))
	require.NoError(t, err)

	info, err := mgr.Info("m1")
	require.NoError(t, err)
	require.True(t, info.Trained)
	require.Equal(t, 300, info.TrainingSamples)
	require.Equal(t, "audit events", info.Description)
	require.True(t, info.HasShadow)
}

func TestLoadAllRescansBundles(t *testing.T) {
	settings := testManagerSettings(t)
	mgr, err := NewModelManager(settings)
	require.NoError(t, err)
	_, err = mgr.Create("m1", test.FeatureNames(3), "", nil)
	require.NoError(t, err)
	_, err = mgr.Train("m1", test.GetMockMatrix(300, 3, 41), nil)
	require.NoError(t, err)

	rescan, err := NewModelManager(settings)
	require.NoError(t, err)
	loaded, err := rescan.LoadAll()
	require.NoError(t, err)
	require.Equal(t, 1, loaded)

	mdl, err := rescan.Get("m1")
	require.NoError(t, err)
	require.True(t, mdl.Trained())

	// shadow pairing is re-initialized for the default model
	_, err = rescan.ShadowController("m1")
	require.NoError(t, err)
}

func TestLoadAllSkipsIncompleteBundles(t *testing.T) {
	settings := testManagerSettings(t)
	mgr, err := NewModelManager(settings)
	require.NoError(t, err)
	_, err = mgr.Create("m1", test.FeatureNames(3), "", nil)
	require.NoError(t, err)
	_, err = mgr.Train("m1", test.GetMockMatrix(300, 3, 42), nil)
	require.NoError(t, err)

	// cripple the bundle; the scan must skip it without failing
	require.NoError(t, os.Remove(filepath.Join(settings.ModelsDir, "m1", model.ScalerFile)))

	rescan, err := NewModelManager(settings)
	require.NoError(t, err)
	loaded, err := rescan.LoadAll()
	require.NoError(t, err)
	require.Zero(t, loaded)
}

func TestDeleteRemovesEverything(t *testing.T) {
	settings := testManagerSettings(t)
	mgr, err := NewModelManager(settings)
	require.NoError(t, err)
	_, err = mgr.Create("m1", test.FeatureNames(3), "", nil)
	require.NoError(t, err)
	_, err = mgr.Train("m1", test.GetMockMatrix(300, 3, 43), nil)
	require.NoError(t, err)

	require.NoError(t, mgr.Delete("m1"))
	require.Zero(t, mgr.Count())
	_, err = mgr.Get("m1")
	require.ErrorIs(t, err, ErrUnknownModel)
	_, err = os.Stat(filepath.Join(settings.ModelsDir, "m1"))
	require.True(t, os.IsNotExist(err))
}

func TestExportImport(t *testing.T) {
	settings := testManagerSettings(t)
	mgr, err := NewModelManager(settings)
	require.NoError(t, err)
	_, err = mgr.Create("m1", test.FeatureNames(3), "exported", nil)
	require.NoError(t, err)
	_, err = mgr.Train("m1", test.GetMockMatrix(300, 3, 44), nil)
	require.NoError(t, err)

	exportDir := filepath.Join(t.TempDir(), "export")
	require.NoError(t, mgr.Export("m1", exportDir))

	other, err := NewModelManager(testManagerSettings(t))
	require.NoError(t, err)
	imported, err := other.Import(exportDir)
	require.NoError(t, err)
	require.Equal(t, "m1", imported.Name())
	require.True(t, imported.Trained())

	info, err := other.Info("m1")
	require.NoError(t, err)
	require.Equal(t, "exported", info.Description)
}

func TestImportRejectsPartialBundle(t *testing.T) {
	settings := testManagerSettings(t)
	mgr, err := NewModelManager(settings)
	require.NoError(t, err)
	_, err = mgr.Create("m1", test.FeatureNames(3), "", nil)
	require.NoError(t, err)
	_, err = mgr.Train("m1", test.GetMockMatrix(300, 3, 45), nil)
	require.NoError(t, err)

	exportDir := filepath.Join(t.TempDir(), "export")
	require.NoError(t, mgr.Export("m1", exportDir))
	require.NoError(t, os.Remove(filepath.Join(exportDir, model.EnsembleFile)))

	other, err := NewModelManager(testManagerSettings(t))
	require.NoError(t, err)
	_, err = other.Import(exportDir)
	require.ErrorIs(t, err, model.ErrIncompleteBundle)
	require.Zero(t, other.Count())
}

func TestPredictAttachesShadowComparison(t *testing.T) {
	settings := testManagerSettings(t)
	mgr, err := NewModelManager(settings)
	require.NoError(t, err)

	data := test.GetMockMatrix(300, 3, 46)
	_, err = mgr.Create("m1", test.FeatureNames(3), "", nil)
	require.NoError(t, err)
	_, err = mgr.Train("m1", data, nil)
	require.NoError(t, err)

	// shadow not yet trained: prediction succeeds, no comparison attached
	result, err := mgr.Predict("m1", data[:20], true)
	require.NoError(t, err)
	require.Nil(t, result.Shadow)

	_, err = mgr.TrainShadow("m1", data)
	require.NoError(t, err)

	result, err = mgr.Predict("m1", data[:20], true)
	require.NoError(t, err)
	require.NotNil(t, result.Shadow)
	require.Equal(t, 1.0, result.Shadow.Comparison.AgreementRate)
	require.Equal(t, 20, result.Shadow.Comparison.Records)

	// and omitted when not requested
	result, err = mgr.Predict("m1", data[:20], false)
	require.NoError(t, err)
	require.Nil(t, result.Shadow)
}

func TestPromotionRepointsRegistry(t *testing.T) {
	settings := testManagerSettings(t)
	mgr, err := NewModelManager(settings)
	require.NoError(t, err)

	data := test.GetMockMatrix(300, 3, 47)
	_, err = mgr.Create("m1", test.FeatureNames(3), "", nil)
	require.NoError(t, err)
	_, err = mgr.Train("m1", data, nil)
	require.NoError(t, err)
	_, err = mgr.TrainShadow("m1", data)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = mgr.Predict("m1", data[i*50:(i+1)*50], true)
		require.NoError(t, err)
	}

	promoted, avg, err := mgr.Promote("m1")
	require.NoError(t, err)
	require.True(t, promoted)
	require.Equal(t, 1.0, avg)

	controller, err := mgr.ShadowController("m1")
	require.NoError(t, err)
	mdl, err := mgr.Get("m1")
	require.NoError(t, err)
	require.Same(t, controller.Production(), mdl)
	require.Equal(t, shadow.StateUnpaired, controller.State())
}

func TestPromoteWithoutShadow(t *testing.T) {
	settings := testManagerSettings(t)
	settings.Shadow.Enabled = false
	mgr, err := NewModelManager(settings)
	require.NoError(t, err)
	_, err = mgr.Create("m1", test.FeatureNames(3), "", nil)
	require.NoError(t, err)

	_, _, err = mgr.Promote("m1")
	require.ErrorIs(t, err, ErrNoShadow)
}
