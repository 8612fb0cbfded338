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
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/auditflow/ml-pipeline/pkg/api"
	"github.com/auditflow/ml-pipeline/pkg/config"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrNotAnalyzed is returned when extraction is attempted before Analyze.
	ErrNotAnalyzed = errors.New("feature extractor not analyzed: call Analyze first")
	// ErrNotFitted is returned when inference extraction runs before a
	// training extraction froze the preprocessing parameters.
	ErrNotFitted = errors.New("feature extractor not fitted: run a training extraction first")
	// ErrFeatureMismatch is returned when a batch column set differs from the
	// frozen feature spec. No best-effort coercion is attempted.
	ErrFeatureMismatch = errors.New("batch columns do not match the frozen feature spec")
	// ErrEmptyBatch is returned for batches with no records.
	ErrEmptyBatch = errors.New("empty batch")
)

var datetimeSubFeatures = []string{"year", "month", "day", "weekday", "hour"}

// Extractor converts heterogeneous tabular batches into a fixed-width numeric
// matrix. The frozen scaling/encoding parameters are shared between training
// and inference.
type Extractor struct {
	settings api.FeatureSettings
	spec     *FeatureSpec
}

// ColumnAnalysis holds per-column findings from Analyze.
type ColumnAnalysis struct {
	Kind         api.ColumnKind `json:"kind"`
	Missing      int            `json:"missing"`
	MissingPct   float64        `json:"missingPct"`
	UniqueValues int            `json:"uniqueValues,omitempty"`
	Min          float64        `json:"min,omitempty"`
	Max          float64        `json:"max,omitempty"`
	Mean         float64        `json:"mean,omitempty"`
	Std          float64        `json:"std,omitempty"`
	Median       float64        `json:"median,omitempty"`
}

// Analysis is the result of classifying a batch.
type Analysis struct {
	TotalRecords int                       `json:"totalRecords"`
	TotalColumns int                       `json:"totalColumns"`
	Columns      map[string]ColumnAnalysis `json:"columns"`
}

// ExtractResult is a feature matrix with its ordered feature names.
// Truncated is set when the configured width cap dropped a stable suffix.
type ExtractResult struct {
	Matrix       [][]float64
	FeatureNames []string
	Truncated    bool
}

// NewExtractor creates an extractor with the given feature settings.
func NewExtractor(settings api.FeatureSettings) *Extractor {
	settings.SetDefaults()
	return &Extractor{settings: settings}
}

// NewExtractorFromSpec reconstructs an extractor around a previously frozen
// feature spec, e.g. when loading a persisted model bundle.
func NewExtractorFromSpec(settings api.FeatureSettings, spec *FeatureSpec) *Extractor {
	settings.SetDefaults()
	return &Extractor{settings: settings, spec: spec}
}

// Spec returns the current feature spec, or nil before Analyze.
func (ex *Extractor) Spec() *FeatureSpec {
	return ex.spec
}

// Analyze classifies each column of the batch by its observed value types and
// records the findings as a new, unfrozen feature spec. Column order is
// canonicalized here (sorted names) and never re-derived per call.
func (ex *Extractor) Analyze(batch []config.GenericMap) (*Analysis, error) {
	if len(batch) == 0 {
		return nil, ErrEmptyBatch
	}

	columnSet := map[string]struct{}{}
	for _, record := range batch {
		for name := range record {
			columnSet[name] = struct{}{}
		}
	}
	names := sortedKeys(columnSet)

	analysis := Analysis{
		TotalRecords: len(batch),
		TotalColumns: len(names),
		Columns:      map[string]ColumnAnalysis{},
	}
	spec := FeatureSpec{AnalyzedAt: time.Now().UTC().Format(time.RFC3339)}

	for _, name := range names {
		kind, missing := classifyColumn(batch, name)
		ca := ColumnAnalysis{
			Kind:       kind,
			Missing:    missing,
			MissingPct: float64(missing) / float64(len(batch)) * 100,
		}
		switch kind {
		case api.ColumnKindNumeric:
			values := numericValues(batch, name)
			if len(values) > 0 {
				ca.Min, ca.Max = minMax(values)
				ca.Mean = mean(values)
				ca.Std = stddev(values, ca.Mean)
				ca.Median = median(values)
			}
		case api.ColumnKindCategorical:
			seen := map[string]struct{}{}
			for _, record := range batch {
				if v, ok := record[name]; ok && v != nil {
					seen[toString(v)] = struct{}{}
				}
			}
			ca.UniqueValues = len(seen)
		}
		analysis.Columns[name] = ca
		spec.Columns = append(spec.Columns, ColumnSpec{Name: name, Kind: kind})
	}

	ex.spec = &spec
	log.Debugf("analyzed %d records with %d columns", len(batch), len(names))
	return &analysis, nil
}

// Extract converts a batch into the feature matrix. When training is true the
// preprocessing parameters (medians, means, scales, categorical vocabularies)
// are fitted and frozen; otherwise the frozen parameters are reused.
func (ex *Extractor) Extract(batch []config.GenericMap, training bool) (*ExtractResult, error) {
	if len(batch) == 0 {
		return nil, ErrEmptyBatch
	}
	if ex.spec == nil {
		return nil, ErrNotAnalyzed
	}
	if !training && !ex.spec.Frozen {
		return nil, ErrNotFitted
	}

	columnSet := map[string]struct{}{}
	for _, record := range batch {
		for name := range record {
			columnSet[name] = struct{}{}
		}
	}
	if !ex.spec.matches(columnSet) {
		return nil, errors.Wrapf(ErrFeatureMismatch,
			"expected columns %v, got %v", ex.spec.ColumnNames(), sortedKeys(columnSet))
	}

	numericNames := ex.numericFeatureNames()
	raw := ex.rawNumericMatrix(batch, numericNames)

	if training {
		ex.fitNumeric(numericNames, raw)
		ex.fitCategories(batch)
	}
	ex.imputeAndScale(raw)

	encoded, encodedNames := ex.encodeCategorical(batch)

	featureNames := append(append([]string{}, numericNames...), encodedNames...)
	matrix := make([][]float64, len(batch))
	for i := range batch {
		row := make([]float64, 0, len(featureNames))
		row = append(row, raw[i]...)
		row = append(row, encoded[i]...)
		matrix[i] = row
	}

	truncated := false
	if len(featureNames) > ex.settings.MaxFeatures {
		log.Warnf("too many features (%d), limiting to %d", len(featureNames), ex.settings.MaxFeatures)
		truncated = true
		featureNames = featureNames[:ex.settings.MaxFeatures]
		for i := range matrix {
			matrix[i] = matrix[i][:ex.settings.MaxFeatures]
		}
	}

	if training {
		ex.spec.FeatureNames = featureNames
		ex.spec.Truncated = truncated
		ex.spec.Frozen = true
	}

	log.Debugf("extracted %d features from %d records", len(featureNames), len(batch))
	return &ExtractResult{Matrix: matrix, FeatureNames: featureNames, Truncated: truncated}, nil
}

// numericFeatureNames lists numeric output features in canonical order:
// numeric columns first, then datetime sub-features.
func (ex *Extractor) numericFeatureNames() []string {
	names := ex.spec.columnsOfKind(api.ColumnKindNumeric)
	for _, col := range ex.spec.columnsOfKind(api.ColumnKindDatetime) {
		for _, sub := range datetimeSubFeatures {
			names = append(names, fmt.Sprintf("%s_%s", col, sub))
		}
	}
	return names
}

// rawNumericMatrix builds the unscaled numeric part of the matrix, with NaN
// marking missing values.
func (ex *Extractor) rawNumericMatrix(batch []config.GenericMap, numericNames []string) [][]float64 {
	numericCols := ex.spec.columnsOfKind(api.ColumnKindNumeric)
	datetimeCols := ex.spec.columnsOfKind(api.ColumnKindDatetime)

	raw := make([][]float64, len(batch))
	for i, record := range batch {
		row := make([]float64, 0, len(numericNames))
		for _, col := range numericCols {
			if f, ok := toFloat64(record[col]); ok {
				row = append(row, f)
			} else {
				row = append(row, math.NaN())
			}
		}
		for _, col := range datetimeCols {
			if t, ok := toTime(record[col]); ok {
				row = append(row,
					float64(t.Year()),
					float64(t.Month()),
					float64(t.Day()),
					float64(t.Weekday()),
					float64(t.Hour()))
			} else {
				row = append(row, math.NaN(), math.NaN(), math.NaN(), math.NaN(), math.NaN())
			}
		}
		raw[i] = row
	}
	return raw
}

// fitNumeric freezes median/mean/scale per numeric feature.
func (ex *Extractor) fitNumeric(numericNames []string, raw [][]float64) {
	feats := make([]NumericFeature, len(numericNames))
	for j, name := range numericNames {
		var present []float64
		for i := range raw {
			if !math.IsNaN(raw[i][j]) {
				present = append(present, raw[i][j])
			}
		}
		med := 0.0
		if len(present) > 0 {
			med = median(present)
		}
		imputed := make([]float64, len(raw))
		for i := range raw {
			if math.IsNaN(raw[i][j]) {
				imputed[i] = med
			} else {
				imputed[i] = raw[i][j]
			}
		}
		m := mean(imputed)
		s := stddev(imputed, m)
		if s == 0 {
			s = 1
		}
		feats[j] = NumericFeature{Name: name, Median: med, Mean: m, Scale: s}
	}
	ex.spec.NumericFeatures = feats
}

// imputeAndScale applies the frozen imputation and standard scaling in place.
func (ex *Extractor) imputeAndScale(raw [][]float64) {
	for i := range raw {
		for j, feat := range ex.spec.NumericFeatures {
			v := raw[i][j]
			if math.IsNaN(v) {
				v = feat.Median
			}
			raw[i][j] = (v - feat.Mean) / feat.Scale
		}
	}
}

// fitCategories freezes the per-column vocabulary, sorted for determinism.
func (ex *Extractor) fitCategories(batch []config.GenericMap) {
	for i := range ex.spec.Columns {
		col := &ex.spec.Columns[i]
		if col.Kind != api.ColumnKindCategorical {
			continue
		}
		seen := map[string]struct{}{}
		for _, record := range batch {
			seen[categoricalValue(record, col.Name)] = struct{}{}
		}
		categories := make([]string, 0, len(seen))
		for c := range seen {
			categories = append(categories, c)
		}
		sort.Strings(categories)
		col.Categories = categories
	}
}

// encodeCategorical one-hot encodes against the frozen vocabulary. A category
// unseen at inference maps to an all-zero vector.
func (ex *Extractor) encodeCategorical(batch []config.GenericMap) ([][]float64, []string) {
	var names []string
	type block struct {
		column     string
		categories []string
	}
	var blocks []block
	for _, col := range ex.spec.Columns {
		if col.Kind != api.ColumnKindCategorical {
			continue
		}
		blocks = append(blocks, block{column: col.Name, categories: col.Categories})
		for _, c := range col.Categories {
			names = append(names, fmt.Sprintf("%s_%s", col.Name, c))
		}
	}

	encoded := make([][]float64, len(batch))
	for i, record := range batch {
		row := make([]float64, 0, len(names))
		for _, b := range blocks {
			value := categoricalValue(record, b.column)
			oneHot := make([]float64, len(b.categories))
			for k, c := range b.categories {
				if value == c {
					oneHot[k] = 1
					break
				}
			}
			row = append(row, oneHot...)
		}
		encoded[i] = row
	}
	return encoded, names
}

func categoricalValue(record config.GenericMap, column string) string {
	v, ok := record[column]
	if !ok || v == nil {
		return MissingSentinel
	}
	return toString(v)
}

// classifyColumn determines the column kind from the observed non-missing
// values. All numeric => numeric; all parseable timestamps => datetime;
// anything else (strings, bools, mixed) => categorical.
func classifyColumn(batch []config.GenericMap, name string) (api.ColumnKind, int) {
	missing := 0
	allNumeric := true
	allDatetime := true
	observed := false
	for _, record := range batch {
		v, ok := record[name]
		if !ok || v == nil {
			missing++
			continue
		}
		observed = true
		if _, ok := toFloat64(v); !ok {
			allNumeric = false
		}
		if _, ok := v.(float64); ok {
			allDatetime = false
		} else if _, ok := toTime(v); !ok {
			allDatetime = false
		}
	}
	if !observed {
		return api.ColumnKindCategorical, missing
	}
	if allDatetime {
		return api.ColumnKindDatetime, missing
	}
	if allNumeric {
		return api.ColumnKindNumeric, missing
	}
	return api.ColumnKindCategorical, missing
}

func numericValues(batch []config.GenericMap, name string) []float64 {
	var values []float64
	for _, record := range batch {
		if f, ok := toFloat64(record[name]); ok {
			values = append(values, f)
		}
	}
	return values
}
