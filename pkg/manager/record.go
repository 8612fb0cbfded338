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

	"github.com/auditflow/ml-pipeline/pkg/model"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// RegistryFile is the per-bundle registry metadata document.
const RegistryFile = "registry.json"

// FeatureSpecFile is the per-bundle frozen feature spec document.
const FeatureSpecFile = "feature_config.json"

var jsonConfig = jsoniter.ConfigCompatibleWithStandardLibrary

// ModelRecord is the registry metadata of one named model. It is created
// untrained by Create, mutated only by Train (and promotion), and removed by
// Delete.
type ModelRecord struct {
	Name            string               `json:"name"`
	Description     string               `json:"description,omitempty"`
	Type            string               `json:"type"`
	FeatureCount    int                  `json:"featureCount"`
	FeatureNames    []string             `json:"featureNames"`
	CreatedAt       string               `json:"createdAt"`
	Trained         bool                 `json:"trained"`
	TrainedAt       string               `json:"trainedAt,omitempty"`
	TrainingSamples int                  `json:"trainingSamples,omitempty"`
	Stats           *model.TrainingStats `json:"stats,omitempty"`
	HasShadow       bool                 `json:"hasShadow,omitempty"`
}

func writeRecord(path string, record *ModelRecord) error {
	data, err := jsonConfig.MarshalIndent(record, "", "  ")
	if err != nil {
		return errors.Wrap(err, "error marshaling registry record")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "error writing registry record to %s", path)
	}
	return nil
}

func readRecord(path string) (*ModelRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading registry record from %s", path)
	}
	record := ModelRecord{}
	if err := jsonConfig.Unmarshal(data, &record); err != nil {
		return nil, errors.Wrapf(err, "error unmarshaling registry record from %s", path)
	}
	return &record, nil
}
