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

// ColumnKind defines the supported input column classifications.
// For doc generation, enum definitions must match format `Constant Type = "value" // doc`
type ColumnKind string

const (
	ColumnKindNumeric     ColumnKind = "numeric"     // scalar numeric column, imputed and standard-scaled
	ColumnKindCategorical ColumnKind = "categorical" // discrete column, one-hot encoded against a frozen vocabulary
	ColumnKindDatetime    ColumnKind = "datetime"    // timestamp column, decomposed into numeric calendar sub-features
)

// FeatureSettings describes configuration for the feature extraction stage.
type FeatureSettings struct {
	MaxFeatures  int `yaml:"maxFeatures,omitempty" json:"maxFeatures,omitempty" doc:"hard cap on feature matrix width; extraction truncates a stable suffix beyond it"`
	DeriveWindow int `yaml:"deriveWindow,omitempty" json:"deriveWindow,omitempty" doc:"window size for rolling statistics in derived features"`
}

func (f *FeatureSettings) SetDefaults() {
	if f.MaxFeatures == 0 {
		f.MaxFeatures = 50
	}
	if f.DeriveWindow == 0 {
		f.DeriveWindow = 5
	}
}
