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

package model

import (
	"os"
	"path/filepath"

	"github.com/auditflow/ml-pipeline/pkg/api"
	"github.com/golang/snappy"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrIncompleteBundle is returned when a model bundle is missing any of its
// files. A bundle is loaded whole or not at all.
var ErrIncompleteBundle = errors.New("incomplete model bundle")

// Bundle file layout: one directory per model name.
const (
	EnsembleFile = "ensemble.gob.sz"
	ScalerFile   = "scaler.json"
	MetadataFile = "metadata.json"
	FeaturesFile = "features.json"
)

var bundleFiles = []string{EnsembleFile, ScalerFile, MetadataFile, FeaturesFile}

var jsonConfig = jsoniter.ConfigCompatibleWithStandardLibrary

// Metadata is the bundle metadata document.
type Metadata struct {
	Name      string                `json:"name"`
	Settings  api.DetectionSettings `json:"settings"`
	CreatedAt string                `json:"createdAt"`
	Trained   bool                  `json:"trained"`
	Stats     TrainingStats         `json:"stats"`
}

type featuresDoc struct {
	FeatureNames []string `json:"featureNames"`
}

// Save writes a self-contained bundle: serialized ensemble (gob, snappy
// compressed), scaler state, metadata and the ordered feature name list.
// Loading the bundle reproduces byte-identical predictions.
func (m *Model) Save(dir string) error {
	fitted := m.slot.get()
	if fitted == nil {
		return errors.Wrapf(ErrNotTrained, "cannot save untrained model %s", m.name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "error creating bundle dir %s", dir)
	}

	ensemble, err := fitted.Backend.Save()
	if err != nil {
		return errors.Wrapf(err, "error serializing ensemble for model %s", m.name)
	}
	if err := os.WriteFile(filepath.Join(dir, EnsembleFile), snappy.Encode(nil, ensemble), 0o644); err != nil {
		return errors.Wrap(err, "error writing ensemble file")
	}

	if err := writeJSON(filepath.Join(dir, ScalerFile), fitted.Scaler); err != nil {
		return err
	}
	metadata := Metadata{
		Name:      m.name,
		Settings:  m.settings,
		CreatedAt: m.createdAt,
		Trained:   true,
		Stats:     fitted.Stats,
	}
	if err := writeJSON(filepath.Join(dir, MetadataFile), &metadata); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, FeaturesFile), &featuresDoc{FeatureNames: m.featureNames}); err != nil {
		return err
	}

	log.Infof("model %s saved to %s", m.name, dir)
	return nil
}

// Load reconstructs a model from a bundle directory. Any missing file
// invalidates the whole bundle; nothing is partially loaded.
func Load(dir string, opts ...Option) (*Model, error) {
	for _, file := range bundleFiles {
		if _, err := os.Stat(filepath.Join(dir, file)); err != nil {
			return nil, errors.Wrapf(ErrIncompleteBundle, "missing %s in %s", file, dir)
		}
	}

	metadata := Metadata{}
	if err := readJSON(filepath.Join(dir, MetadataFile), &metadata); err != nil {
		return nil, err
	}
	features := featuresDoc{}
	if err := readJSON(filepath.Join(dir, FeaturesFile), &features); err != nil {
		return nil, err
	}
	scaler := Scaler{}
	if err := readJSON(filepath.Join(dir, ScalerFile), &scaler); err != nil {
		return nil, err
	}

	compressed, err := os.ReadFile(filepath.Join(dir, EnsembleFile))
	if err != nil {
		return nil, errors.Wrap(err, "error reading ensemble file")
	}
	ensemble, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, errors.Wrapf(err, "error decompressing ensemble in %s", dir)
	}

	m := New(metadata.Name, features.FeatureNames, metadata.Settings, opts...)
	m.createdAt = metadata.CreatedAt

	backend := m.factory(m.settings)
	if err := backend.Load(ensemble); err != nil {
		return nil, errors.Wrapf(err, "error deserializing ensemble in %s", dir)
	}

	m.slot.set(&Fitted{Backend: backend, Scaler: &scaler, Stats: metadata.Stats})
	log.Infof("model %s loaded from %s", m.name, dir)
	return m, nil
}

// IsBundleDir reports whether the directory holds a complete model bundle.
func IsBundleDir(dir string) bool {
	for _, file := range bundleFiles {
		if _, err := os.Stat(filepath.Join(dir, file)); err != nil {
			return false
		}
	}
	return true
}

func writeJSON(path string, v interface{}) error {
	data, err := jsonConfig.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "error marshaling %s", path)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "error writing %s", path)
	}
	return nil
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "error reading %s", path)
	}
	if err := jsonConfig.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "error unmarshaling %s", path)
	}
	return nil
}
