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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	settings, err := ParseConfig(&Options{})
	require.NoError(t, err)
	require.Equal(t, "data/models", settings.ModelsDir)
	require.Equal(t, "isolation_forest_v1", settings.DefaultModel)
	require.Equal(t, 0.1, settings.Detection.Contamination)
	require.Equal(t, 100, settings.Detection.Estimators)
	require.Equal(t, 0.8, settings.Detection.SampleRatio)
	require.Equal(t, 1000, settings.Detection.MinTrainSamples)
	require.Equal(t, int64(42), settings.Detection.RandomSeed)
	require.Equal(t, 50, settings.Features.MaxFeatures)
	require.Equal(t, 0.7, settings.Shadow.PromotionThreshold)
	require.Equal(t, 10, settings.Shadow.MinComparisons)
}

func TestParseConfigSettingsJSON(t *testing.T) {
	opts := Options{
		Settings: `{
			"detection": {"contamination": 0.05, "estimators": 200},
			"shadow": {"enabled": true, "promotionThreshold": 0.9},
			"modelsDir": "/var/lib/models",
			"defaultModel": "custom_v2"
		}`,
	}
	settings, err := ParseConfig(&opts)
	require.NoError(t, err)
	require.Equal(t, 0.05, settings.Detection.Contamination)
	require.Equal(t, 200, settings.Detection.Estimators)
	require.True(t, settings.Shadow.Enabled)
	require.Equal(t, 0.9, settings.Shadow.PromotionThreshold)
	require.Equal(t, "/var/lib/models", settings.ModelsDir)
	require.Equal(t, "custom_v2", settings.DefaultModel)
	// unspecified fields still pick up defaults
	require.Equal(t, 1000, settings.Detection.MinTrainSamples)
}

func TestParseConfigModelsDirFlagWins(t *testing.T) {
	opts := Options{
		Settings:  `{"modelsDir": "/from/json"}`,
		ModelsDir: "/from/flag",
	}
	settings, err := ParseConfig(&opts)
	require.NoError(t, err)
	require.Equal(t, "/from/flag", settings.ModelsDir)
}

func TestParseConfigRejectsInvalidJSON(t *testing.T) {
	_, err := ParseConfig(&Options{Settings: "{nope"})
	require.Error(t, err)
}

func TestGenericMapCopy(t *testing.T) {
	m := GenericMap{"a": 1, "b": "x"}
	c := m.Copy()
	c["a"] = 2
	require.Equal(t, 1, m["a"])
	require.Equal(t, "x", c["b"])
}
