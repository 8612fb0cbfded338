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

package config

import (
	"encoding/json"

	"github.com/auditflow/ml-pipeline/pkg/api"
	"github.com/pkg/errors"
)

// GenericMap is a single tabular record: column name to scalar value.
// Missing values are represented as nil.
type GenericMap map[string]interface{}

// Copy returns a shallow copy of the record.
func (m GenericMap) Copy() GenericMap {
	out := make(GenericMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type Options struct {
	Settings  string
	ModelsDir string
	Metrics   Metrics
	Profile   Profile
}

type Metrics struct {
	Port int
}

type Profile struct {
	Port int
}

// Settings is the parsed configuration consumed by the model lifecycle
// components.
type Settings struct {
	Detection    api.DetectionSettings `yaml:"detection" json:"detection"`
	Features     api.FeatureSettings   `yaml:"features" json:"features"`
	Shadow       api.ShadowSettings    `yaml:"shadow" json:"shadow"`
	ModelsDir    string                `yaml:"modelsDir" json:"modelsDir"`
	DefaultModel string                `yaml:"defaultModel" json:"defaultModel"`
}

// ParseConfig creates the internal unmarshalled representation from the
// settings json and applies defaults.
func ParseConfig(opts *Options) (Settings, error) {
	settings := Settings{}
	if opts.Settings != "" {
		if err := json.Unmarshal([]byte(opts.Settings), &settings); err != nil {
			return settings, errors.Wrap(err, "error when reading settings json")
		}
	}
	settings.Detection.SetDefaults()
	settings.Features.SetDefaults()
	settings.Shadow.SetDefaults()
	if opts.ModelsDir != "" {
		settings.ModelsDir = opts.ModelsDir
	}
	if settings.ModelsDir == "" {
		settings.ModelsDir = "data/models"
	}
	if settings.DefaultModel == "" {
		settings.DefaultModel = "isolation_forest_v1"
	}
	return settings, nil
}
