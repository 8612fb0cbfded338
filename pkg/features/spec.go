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
	"os"
	"sort"

	"github.com/auditflow/ml-pipeline/pkg/api"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var jsonConfig = jsoniter.ConfigCompatibleWithStandardLibrary

// MissingSentinel replaces missing categorical values before encoding.
const MissingSentinel = "__missing__"

// ColumnSpec describes one input column of the canonical feature spec.
type ColumnSpec struct {
	Name       string         `json:"name"`
	Kind       api.ColumnKind `json:"kind"`
	Categories []string       `json:"categories,omitempty"`
}

// NumericFeature holds the frozen preprocessing parameters of one numeric
// output feature (a numeric column or a datetime sub-feature).
type NumericFeature struct {
	Name   string  `json:"name"`
	Median float64 `json:"median"`
	Mean   float64 `json:"mean"`
	Scale  float64 `json:"scale"`
}

// FeatureSpec is the frozen, ordered description of input columns and their
// preprocessing parameters, shared between training and inference. It is
// created by Analyze, frozen at the end of the first training extraction and
// read-only thereafter.
type FeatureSpec struct {
	Columns         []ColumnSpec     `json:"columns"`
	NumericFeatures []NumericFeature `json:"numericFeatures,omitempty"`
	FeatureNames    []string         `json:"featureNames,omitempty"`
	Truncated       bool             `json:"truncated,omitempty"`
	Frozen          bool             `json:"frozen"`
	AnalyzedAt      string           `json:"analyzedAt,omitempty"`
}

// ColumnNames returns the canonical input column order.
func (s *FeatureSpec) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

func (s *FeatureSpec) columnsOfKind(kind api.ColumnKind) []string {
	var names []string
	for _, c := range s.Columns {
		if c.Kind == kind {
			names = append(names, c.Name)
		}
	}
	return names
}

// matches reports whether the given column name set equals the spec columns.
func (s *FeatureSpec) matches(names map[string]struct{}) bool {
	if len(names) != len(s.Columns) {
		return false
	}
	for _, c := range s.Columns {
		if _, ok := names[c.Name]; !ok {
			return false
		}
	}
	return true
}

// sortedKeys returns map keys in canonical (sorted) order.
func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SaveSpec writes the feature spec document next to the model bundle.
func SaveSpec(spec *FeatureSpec, path string) error {
	data, err := jsonConfig.MarshalIndent(spec, "", "  ")
	if err != nil {
		return errors.Wrap(err, "error marshaling feature spec")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "error writing feature spec to %s", path)
	}
	return nil
}

// LoadSpec reads a feature spec document from disk.
func LoadSpec(path string) (*FeatureSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading feature spec from %s", path)
	}
	spec := FeatureSpec{}
	if err := jsonConfig.Unmarshal(data, &spec); err != nil {
		return nil, errors.Wrapf(err, "error unmarshaling feature spec from %s", path)
	}
	return &spec, nil
}
