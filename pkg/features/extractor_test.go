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

package features

import (
	"testing"

	"github.com/auditflow/ml-pipeline/pkg/api"
	"github.com/auditflow/ml-pipeline/pkg/config"
	"github.com/auditflow/ml-pipeline/pkg/test"
	"github.com/stretchr/testify/require"
)

func TestAnalyzeClassifiesColumns(t *testing.T) {
	batch := test.GetMockBatch(50, 1)
	ex := NewExtractor(api.FeatureSettings{})

	analysis, err := ex.Analyze(batch)
	require.NoError(t, err)
	require.Equal(t, 50, analysis.TotalRecords)
	require.Equal(t, 8, analysis.TotalColumns)
	require.Equal(t, api.ColumnKindNumeric, analysis.Columns["eventCount"].Kind)
	require.Equal(t, api.ColumnKindNumeric, analysis.Columns["bytesRead"].Kind)
	require.Equal(t, api.ColumnKindCategorical, analysis.Columns["actorRole"].Kind)
	require.Equal(t, api.ColumnKindDatetime, analysis.Columns["occurredAt"].Kind)
	require.Equal(t, 4, analysis.Columns["actorRole"].UniqueValues)
}

func TestAnalyzeCountsMissingValues(t *testing.T) {
	batch := []config.GenericMap{
		test.GetAuditMockEntry(false),
		test.GetAuditMockEntry(true),
	}
	ex := NewExtractor(api.FeatureSettings{})

	analysis, err := ex.Analyze(batch)
	require.NoError(t, err)
	require.Equal(t, 8, analysis.TotalColumns)
	require.Equal(t, 1, analysis.Columns["failedLogins"].Missing)
	require.InDelta(t, 50.0, analysis.Columns["failedLogins"].MissingPct, 1e-9)
	require.Zero(t, analysis.Columns["eventCount"].Missing)
}

func TestAnalyzeEmptyBatch(t *testing.T) {
	ex := NewExtractor(api.FeatureSettings{})
	_, err := ex.Analyze([]config.GenericMap{})
	require.ErrorIs(t, err, ErrEmptyBatch)
}

func TestExtractBeforeAnalyze(t *testing.T) {
	ex := NewExtractor(api.FeatureSettings{})
	_, err := ex.Extract(test.GetMockBatch(5, 1), true)
	require.ErrorIs(t, err, ErrNotAnalyzed)
}

func TestInferenceBeforeTrainingExtraction(t *testing.T) {
	ex := NewExtractor(api.FeatureSettings{})
	batch := test.GetMockBatch(10, 1)
	_, err := ex.Analyze(batch)
	require.NoError(t, err)

	_, err = ex.Extract(batch, false)
	require.ErrorIs(t, err, ErrNotFitted)
}

func TestTrainingExtraction(t *testing.T) {
	batch := test.GetMockBatch(100, 2)
	ex := NewExtractor(api.FeatureSettings{})
	_, err := ex.Analyze(batch)
	require.NoError(t, err)

	result, err := ex.Extract(batch, true)
	require.NoError(t, err)
	require.False(t, result.Truncated)
	require.Len(t, result.Matrix, 100)

	// canonical order: sorted numeric columns, datetime sub-features, then
	// one-hot blocks per sorted categorical column
	expected := []string{
		"bytesRead", "eventCount", "exportCount", "failedLogins", "sessionSecs",
		"occurredAt_year", "occurredAt_month", "occurredAt_day", "occurredAt_weekday", "occurredAt_hour",
		"actorRole_admin", "actorRole_analyst", "actorRole_auditor", "actorRole_viewer",
		"resourceType_dashboard", "resourceType_export", "resourceType_report",
	}
	require.Equal(t, expected, result.FeatureNames)
	for _, row := range result.Matrix {
		require.Len(t, row, len(expected))
	}
	require.True(t, ex.Spec().Frozen)
}

func TestInferenceReusesFrozenParameters(t *testing.T) {
	batch := test.GetMockBatch(100, 3)
	ex := NewExtractor(api.FeatureSettings{})
	_, err := ex.Analyze(batch)
	require.NoError(t, err)
	trained, err := ex.Extract(batch, true)
	require.NoError(t, err)

	// the same batch extracted at inference must map through the same frozen
	// parameters and produce the identical matrix
	inferred, err := ex.Extract(batch, false)
	require.NoError(t, err)
	require.Equal(t, trained.FeatureNames, inferred.FeatureNames)
	require.Equal(t, trained.Matrix, inferred.Matrix)
}

func TestUnseenCategoryEncodesToZeroVector(t *testing.T) {
	batch := test.GetMockBatch(40, 4)
	ex := NewExtractor(api.FeatureSettings{})
	_, err := ex.Analyze(batch)
	require.NoError(t, err)
	trained, err := ex.Extract(batch, true)
	require.NoError(t, err)

	record := batch[0].Copy()
	record["actorRole"] = "intruder"
	inferred, err := ex.Extract([]config.GenericMap{record}, false)
	require.NoError(t, err)

	for j, name := range trained.FeatureNames {
		switch name {
		case "actorRole_admin", "actorRole_analyst", "actorRole_auditor", "actorRole_viewer":
			require.Zero(t, inferred.Matrix[0][j], "unseen category must not match %s", name)
		}
	}
}

func TestCanonicalColumnOrderIsStable(t *testing.T) {
	batch := test.GetMockBatch(50, 11)
	a := NewExtractor(api.FeatureSettings{})
	_, err := a.Analyze(batch)
	require.NoError(t, err)

	// a second analysis over records rebuilt in a different construction
	// order lands on the identical canonical column order
	rebuilt := make([]config.GenericMap, len(batch))
	for i := len(batch) - 1; i >= 0; i-- {
		rebuilt[i] = batch[i].Copy()
	}
	b := NewExtractor(api.FeatureSettings{})
	_, err = b.Analyze(rebuilt)
	require.NoError(t, err)
	require.Equal(t, a.Spec().ColumnNames(), b.Spec().ColumnNames())

	ra, err := a.Extract(batch, true)
	require.NoError(t, err)
	rb, err := b.Extract(rebuilt, true)
	require.NoError(t, err)
	require.Equal(t, ra.FeatureNames, rb.FeatureNames)
	require.Equal(t, ra.Matrix, rb.Matrix)
}

func TestColumnMismatchFailsFast(t *testing.T) {
	batch := test.GetMockBatch(30, 5)
	ex := NewExtractor(api.FeatureSettings{})
	_, err := ex.Analyze(batch)
	require.NoError(t, err)
	_, err = ex.Extract(batch, true)
	require.NoError(t, err)

	extra := batch[0].Copy()
	extra["surprise"] = 1.0
	_, err = ex.Extract([]config.GenericMap{extra}, false)
	require.ErrorIs(t, err, ErrFeatureMismatch)
}

func TestMissingNumericImputedWithMedian(t *testing.T) {
	batch := []config.GenericMap{
		{"v": 1.0},
		{"v": 2.0},
		{"v": 3.0},
		{"v": nil},
	}
	ex := NewExtractor(api.FeatureSettings{})
	_, err := ex.Analyze(batch)
	require.NoError(t, err)
	result, err := ex.Extract(batch, true)
	require.NoError(t, err)

	// median of [1 2 3] is 2, which is also the post-imputation mean, so the
	// missing row scales to exactly zero
	require.Equal(t, 0.0, result.Matrix[3][0])
	require.Less(t, result.Matrix[0][0], 0.0)
	require.Greater(t, result.Matrix[2][0], 0.0)
}

func TestExtractionTruncatesAtMaxFeatures(t *testing.T) {
	batch := test.GetMockBatch(30, 6)
	ex := NewExtractor(api.FeatureSettings{MaxFeatures: 4})
	_, err := ex.Analyze(batch)
	require.NoError(t, err)

	result, err := ex.Extract(batch, true)
	require.NoError(t, err)
	require.True(t, result.Truncated)
	require.Len(t, result.FeatureNames, 4)
	for _, row := range result.Matrix {
		require.Len(t, row, 4)
	}
}

func TestSpecRoundTrip(t *testing.T) {
	batch := test.GetMockBatch(50, 7)
	ex := NewExtractor(api.FeatureSettings{})
	_, err := ex.Analyze(batch)
	require.NoError(t, err)
	trained, err := ex.Extract(batch, true)
	require.NoError(t, err)

	path := t.TempDir() + "/feature_config.json"
	require.NoError(t, SaveSpec(ex.Spec(), path))
	spec, err := LoadSpec(path)
	require.NoError(t, err)

	restored := NewExtractorFromSpec(api.FeatureSettings{}, spec)
	inferred, err := restored.Extract(batch, false)
	require.NoError(t, err)
	require.Equal(t, trained.FeatureNames, inferred.FeatureNames)
	require.Equal(t, trained.Matrix, inferred.Matrix)
}
