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

	"github.com/auditflow/ml-pipeline/pkg/api"
	"github.com/auditflow/ml-pipeline/pkg/config"
)

// Derive returns an enriched copy of the batch with rolling statistics,
// percent-change, per-column z-scores, a bounded set of pairwise interaction
// features among the first numeric columns, and categorical frequency
// encodings. It never mutates fitted state or the input batch and may be
// skipped entirely.
func (ex *Extractor) Derive(batch []config.GenericMap) ([]config.GenericMap, error) {
	if len(batch) == 0 {
		return nil, ErrEmptyBatch
	}
	if ex.spec == nil {
		return nil, ErrNotAnalyzed
	}

	derived := make([]config.GenericMap, len(batch))
	for i, record := range batch {
		derived[i] = record.Copy()
	}

	numericCols := ex.spec.columnsOfKind(api.ColumnKindNumeric)
	window := ex.settings.DeriveWindow

	for _, col := range numericCols {
		series := make([]float64, len(batch))
		for i, record := range batch {
			if f, ok := toFloat64(record[col]); ok {
				series[i] = f
			} else {
				series[i] = math.NaN()
			}
		}

		if len(batch) > 2*window {
			rollingStats(derived, col, series, window)
		}
		pctChange(derived, col, series)
		zScores(derived, col, series)
	}

	// interaction features over the first few numeric columns only
	for i, col1 := range boundedSlice(numericCols, 3) {
		for _, col2 := range boundedSlice(numericCols, 4)[i+1:] {
			for k := range derived {
				v1, ok1 := toFloat64(batch[k][col1])
				v2, ok2 := toFloat64(batch[k][col2])
				if !ok1 || !ok2 {
					continue
				}
				derived[k][fmt.Sprintf("%s_times_%s", col1, col2)] = v1 * v2
				div := v2
				if div == 0 {
					div = 1
				}
				derived[k][fmt.Sprintf("%s_div_%s", col1, col2)] = v1 / div
			}
		}
	}

	for _, col := range ex.spec.columnsOfKind(api.ColumnKindCategorical) {
		frequencyEncode(derived, batch, col)
	}

	return derived, nil
}

func boundedSlice(names []string, n int) []string {
	if len(names) < n {
		return names
	}
	return names[:n]
}

// rollingStats adds trailing-window mean and std per row (min period 1).
func rollingStats(derived []config.GenericMap, col string, series []float64, window int) {
	for i := range series {
		start := i - window + 1
		if start < 0 {
			start = 0
		}
		var present []float64
		for _, v := range series[start : i+1] {
			if !math.IsNaN(v) {
				present = append(present, v)
			}
		}
		if len(present) == 0 {
			continue
		}
		m := mean(present)
		derived[i][fmt.Sprintf("%s_rolling_mean_%d", col, window)] = m
		derived[i][fmt.Sprintf("%s_rolling_std_%d", col, window)] = stddev(present, m)
	}
}

func pctChange(derived []config.GenericMap, col string, series []float64) {
	name := fmt.Sprintf("%s_pct_change", col)
	for i := range series {
		change := 0.0
		if i > 0 && !math.IsNaN(series[i]) && !math.IsNaN(series[i-1]) && series[i-1] != 0 {
			change = (series[i] - series[i-1]) / series[i-1]
		}
		derived[i][name] = change
	}
}

// zScores adds per-row deviation from the batch mean, within this batch only.
func zScores(derived []config.GenericMap, col string, series []float64) {
	var present []float64
	for _, v := range series {
		if !math.IsNaN(v) {
			present = append(present, v)
		}
	}
	if len(present) == 0 {
		return
	}
	m := mean(present)
	s := stddev(present, m)
	if s == 0 {
		return
	}
	name := fmt.Sprintf("%s_zscore", col)
	for i, v := range series {
		if !math.IsNaN(v) {
			derived[i][name] = (v - m) / s
		}
	}
}

// frequencyEncode adds the normalized in-batch frequency of each category.
func frequencyEncode(derived []config.GenericMap, batch []config.GenericMap, col string) {
	counts := map[string]int{}
	for _, record := range batch {
		counts[categoricalValue(record, col)]++
	}
	name := fmt.Sprintf("%s_frequency", col)
	total := float64(len(batch))
	for i, record := range batch {
		derived[i][name] = float64(counts[categoricalValue(record, col)]) / total
	}
}
