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

// Package manager owns the named model instances and their lifecycle:
// creation, training, prediction dispatch, persistence scanning,
// import/export, deletion and shadow pairings.
package manager

import (
	"os"
	"path/filepath"
	"time"

	"github.com/auditflow/ml-pipeline/pkg/config"
	"github.com/auditflow/ml-pipeline/pkg/features"
	"github.com/auditflow/ml-pipeline/pkg/model"
	"github.com/auditflow/ml-pipeline/pkg/shadow"
	"github.com/benbjohnson/clock"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrDuplicateModel is returned by Create when the name is taken.
	ErrDuplicateModel = errors.New("model already exists")
	// ErrUnknownModel is returned when no model is registered under the name.
	ErrUnknownModel = errors.New("model not found")
	// ErrNoShadow is returned when a shadow operation targets a model without
	// an initialized pairing.
	ErrNoShadow = errors.New("shadow mode not initialized for model")
)

const modelTypeIsolationForest = "isolation_forest"

// ModelManager is an explicit registry instance constructed with an injected
// persistence root. Multiple independent instances can coexist for isolated
// testing.
type ModelManager struct {
	settings config.Settings
	clk      clock.Clock

	models     map[string]*model.Model
	extractors map[string]*features.Extractor
	shadows    map[string]*shadow.Controller
	registry   map[string]*ModelRecord
}

// Option configures a ModelManager.
type Option func(*ModelManager)

// WithClock injects the time source used for registry timestamps.
func WithClock(clk clock.Clock) Option {
	return func(m *ModelManager) {
		m.clk = clk
	}
}

// NewModelManager creates a registry rooted at settings.ModelsDir.
func NewModelManager(settings config.Settings, opts ...Option) (*ModelManager, error) {
	if err := os.MkdirAll(settings.ModelsDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "error creating models dir %s", settings.ModelsDir)
	}
	m := &ModelManager{
		settings:   settings,
		clk:        clock.New(),
		models:     map[string]*model.Model{},
		extractors: map[string]*features.Extractor{},
		shadows:    map[string]*shadow.Controller{},
		registry:   map[string]*ModelRecord{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// LoadAll scans the models directory and reconstructs the in-memory registry
// from on-disk bundles. Incomplete bundles are skipped with the error logged;
// the scan continues. Returns the number of models loaded.
func (m *ModelManager) LoadAll() (int, error) {
	entries, err := os.ReadDir(m.settings.ModelsDir)
	if err != nil {
		return 0, errors.Wrapf(err, "error scanning models dir %s", m.settings.ModelsDir)
	}

	loaded := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(m.settings.ModelsDir, entry.Name())
		if !model.IsBundleDir(dir) {
			continue
		}
		if _, err := m.registerFromBundle(dir); err != nil {
			log.Errorf("error loading model from %s: %v", dir, err)
			continue
		}
		loaded++
		log.Infof("loaded model: %s", entry.Name())
	}

	if m.settings.Shadow.Enabled {
		if _, ok := m.models[m.settings.DefaultModel]; ok {
			if _, err := m.InitShadow(m.settings.DefaultModel); err != nil {
				return loaded, err
			}
		}
	}

	metricModelsRegistered.Set(float64(len(m.models)))
	log.Infof("loaded %d models", loaded)
	return loaded, nil
}

func (m *ModelManager) registerFromBundle(dir string) (*model.Model, error) {
	mdl, err := model.Load(dir, model.WithClock(m.clk))
	if err != nil {
		return nil, err
	}
	m.models[mdl.Name()] = mdl

	specPath := filepath.Join(dir, FeatureSpecFile)
	if _, err := os.Stat(specPath); err == nil {
		spec, err := features.LoadSpec(specPath)
		if err != nil {
			return nil, err
		}
		m.extractors[mdl.Name()] = features.NewExtractorFromSpec(m.settings.Features, spec)
	}

	recordPath := filepath.Join(dir, RegistryFile)
	if _, err := os.Stat(recordPath); err == nil {
		record, err := readRecord(recordPath)
		if err != nil {
			return nil, err
		}
		m.registry[mdl.Name()] = record
	} else {
		fitted := mdl.Fitted()
		m.registry[mdl.Name()] = &ModelRecord{
			Name:            mdl.Name(),
			Type:            modelTypeIsolationForest,
			FeatureCount:    len(mdl.FeatureNames()),
			FeatureNames:    mdl.FeatureNames(),
			CreatedAt:       mdl.CreatedAt(),
			Trained:         true,
			TrainedAt:       fitted.Stats.TrainedAt,
			TrainingSamples: fitted.Stats.Samples,
			Stats:           &fitted.Stats,
		}
	}
	return mdl, nil
}

// Create registers a new untrained model bound to the given feature names.
// Hyperparameter overrides, when present, are decoded over the configured
// detection settings.
func (m *ModelManager) Create(name string, featureNames []string, description string, overrides config.GenericMap) (*model.Model, error) {
	if _, ok := m.models[name]; ok {
		return nil, errors.Wrapf(ErrDuplicateModel, "%q", name)
	}

	settings := m.settings.Detection
	if len(overrides) > 0 {
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &settings,
		})
		if err != nil {
			return nil, errors.Wrap(err, "error building hyperparameter decoder")
		}
		if err := decoder.Decode(map[string]interface{}(overrides)); err != nil {
			return nil, errors.Wrapf(err, "invalid hyperparameter overrides for model %q", name)
		}
	}

	mdl := model.New(name, featureNames, settings, model.WithClock(m.clk))
	m.models[name] = mdl
	m.registry[name] = &ModelRecord{
		Name:         name,
		Description:  description,
		Type:         modelTypeIsolationForest,
		FeatureCount: len(featureNames),
		FeatureNames: mdl.FeatureNames(),
		CreatedAt:    m.clk.Now().UTC().Format(time.RFC3339),
	}
	metricModelsRegistered.Set(float64(len(m.models)))
	log.Infof("created model: %s with %d features", name, len(featureNames))
	return mdl, nil
}

// Get returns the model registered under the name.
func (m *ModelManager) Get(name string) (*model.Model, error) {
	mdl, ok := m.models[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownModel, "%q", name)
	}
	return mdl, nil
}

// Train delegates to the model, persists the resulting bundle, updates the
// registry and (re)initializes the shadow pairing when the trained model is
// the designated production model and shadow mode is enabled.
func (m *ModelManager) Train(name string, x [][]float64, extractor *features.Extractor) (*model.TrainingStats, error) {
	mdl, err := m.Get(name)
	if err != nil {
		return nil, err
	}

	stats, err := mdl.Train(x)
	if err != nil {
		return nil, err
	}
	metricTrainings.Inc()

	dir := m.bundleDir(name)
	if err := mdl.Save(dir); err != nil {
		return nil, err
	}
	if extractor != nil {
		m.extractors[name] = extractor
		if err := features.SaveSpec(extractor.Spec(), filepath.Join(dir, FeatureSpecFile)); err != nil {
			return nil, err
		}
	}

	record := m.registry[name]
	record.Trained = true
	record.TrainedAt = stats.TrainedAt
	record.TrainingSamples = stats.Samples
	record.Stats = stats
	if err := writeRecord(filepath.Join(dir, RegistryFile), record); err != nil {
		return nil, err
	}

	if m.settings.Shadow.Enabled && name == m.settings.DefaultModel {
		if _, err := m.InitShadow(name); err != nil {
			return nil, err
		}
	}

	log.Infof("trained model: %s", name)
	return stats, nil
}

// ShadowReport attaches a shadow comparison to a prediction result.
type ShadowReport struct {
	Comparison *shadow.Comparison `json:"comparison"`
	Summary    *shadow.Summary    `json:"summary"`
}

// PredictResult is the production prediction, optionally with the shadow
// comparison triggered by the same batch.
type PredictResult struct {
	*model.BatchResult
	Shadow *ShadowReport `json:"shadow,omitempty"`
}

// Predict runs the named production model on the batch. When includeShadow is
// set and an active pairing exists, the same batch is also replayed through
// the shadow pairing and the comparison attached.
func (m *ModelManager) Predict(name string, x [][]float64, includeShadow bool) (*PredictResult, error) {
	mdl, err := m.Get(name)
	if err != nil {
		return nil, err
	}

	batch, err := mdl.Predict(x)
	if err != nil {
		return nil, err
	}
	metricPredictions.Add(float64(batch.Records))
	metricAnomalies.Add(float64(batch.Anomalies))

	result := PredictResult{BatchResult: batch}
	if includeShadow {
		if controller, ok := m.shadows[name]; ok && controller.State() == shadow.StateShadowActive {
			comparison, err := controller.Compare(x, config.GenericMap{
				"batchSize": len(x),
				"timestamp": m.clk.Now().UTC().Format(time.RFC3339),
			})
			if err != nil {
				return nil, err
			}
			metricComparisons.Inc()
			result.Shadow = &ShadowReport{Comparison: comparison, Summary: controller.Summary()}
		}
	}
	return &result, nil
}

// InitShadow creates (or re-creates) the shadow pairing for the named model.
func (m *ModelManager) InitShadow(name string) (*shadow.Controller, error) {
	mdl, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	controller := shadow.NewController(name, m.settings.Shadow, m.settings.ModelsDir, shadow.WithClock(m.clk))
	if err := controller.Initialize(mdl); err != nil {
		return nil, err
	}
	m.shadows[name] = controller
	m.registry[name].HasShadow = true
	log.Infof("initialized shadow mode for model: %s", name)
	return controller, nil
}

// ShadowController returns the pairing for the named model.
func (m *ModelManager) ShadowController(name string) (*shadow.Controller, error) {
	controller, ok := m.shadows[name]
	if !ok {
		return nil, errors.Wrapf(ErrNoShadow, "%q", name)
	}
	return controller, nil
}

// TrainShadow trains the candidate model of the pairing.
func (m *ModelManager) TrainShadow(name string, x [][]float64) (*model.TrainingStats, error) {
	controller, err := m.ShadowController(name)
	if err != nil {
		return nil, err
	}
	return controller.TrainShadow(x)
}

// Promote performs the promotion decision for the named pairing. On success
// the registry entry is re-pointed at the promoted model, whose bundle the
// controller has already persisted.
func (m *ModelManager) Promote(name string) (bool, float64, error) {
	controller, err := m.ShadowController(name)
	if err != nil {
		return false, 0, err
	}
	promoted, avgAgreement, err := controller.Promote()
	if err != nil || !promoted {
		return promoted, avgAgreement, err
	}
	metricPromotions.Inc()

	mdl := controller.Production()
	m.models[name] = mdl
	record := m.registry[name]
	record.Trained = true
	fitted := mdl.Fitted()
	record.TrainedAt = fitted.Stats.TrainedAt
	record.TrainingSamples = fitted.Stats.Samples
	record.Stats = &fitted.Stats
	if err := writeRecord(filepath.Join(m.bundleDir(name), RegistryFile), record); err != nil {
		return true, avgAgreement, err
	}
	return true, avgAgreement, nil
}

// List returns the registry records of all models.
func (m *ModelManager) List() []ModelRecord {
	records := make([]ModelRecord, 0, len(m.registry))
	for _, record := range m.registry {
		records = append(records, *record)
	}
	return records
}

// Count returns the number of registered models.
func (m *ModelManager) Count() int {
	return len(m.models)
}

// Info returns the registry record of one model.
func (m *ModelManager) Info(name string) (*ModelRecord, error) {
	record, ok := m.registry[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownModel, "%q", name)
	}
	out := *record
	return &out, nil
}

// Extractor returns the feature extractor stored with the named model, if any.
func (m *ModelManager) Extractor(name string) (*features.Extractor, bool) {
	ex, ok := m.extractors[name]
	return ex, ok
}

// Delete removes the in-memory entry, the registry metadata and the on-disk
// bundle directory together.
func (m *ModelManager) Delete(name string) error {
	if _, ok := m.models[name]; !ok {
		return errors.Wrapf(ErrUnknownModel, "%q", name)
	}
	delete(m.models, name)
	delete(m.extractors, name)
	delete(m.shadows, name)
	delete(m.registry, name)
	if err := os.RemoveAll(m.bundleDir(name)); err != nil {
		return errors.Wrapf(err, "error deleting bundle dir for model %q", name)
	}
	metricModelsRegistered.Set(float64(len(m.models)))
	log.Infof("deleted model: %s", name)
	return nil
}

// Export writes a self-contained copy of the bundle, the feature spec and the
// registry record to the given directory.
func (m *ModelManager) Export(name string, dir string) error {
	mdl, err := m.Get(name)
	if err != nil {
		return err
	}
	if err := mdl.Save(dir); err != nil {
		return err
	}
	if ex, ok := m.extractors[name]; ok {
		if err := features.SaveSpec(ex.Spec(), filepath.Join(dir, FeatureSpecFile)); err != nil {
			return err
		}
	}
	if record, ok := m.registry[name]; ok {
		if err := writeRecord(filepath.Join(dir, RegistryFile), record); err != nil {
			return err
		}
	}
	log.Infof("exported model %s to %s", name, dir)
	return nil
}

// Import registers a model from an exported bundle directory. The bundle is
// validated for completeness before anything is registered; partial bundles
// are rejected, never partially loaded.
func (m *ModelManager) Import(dir string) (*model.Model, error) {
	if !model.IsBundleDir(dir) {
		return nil, errors.Wrapf(model.ErrIncompleteBundle, "in %s", dir)
	}
	mdl, err := m.registerFromBundle(dir)
	if err != nil {
		return nil, err
	}
	if filepath.Clean(dir) != filepath.Clean(m.bundleDir(mdl.Name())) {
		if err := m.Export(mdl.Name(), m.bundleDir(mdl.Name())); err != nil {
			return nil, err
		}
	}
	metricModelsRegistered.Set(float64(len(m.models)))
	log.Infof("imported model: %s", mdl.Name())
	return mdl, nil
}

func (m *ModelManager) bundleDir(name string) string {
	return filepath.Join(m.settings.ModelsDir, name)
}
