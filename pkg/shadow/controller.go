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

// Package shadow pairs a production model with a candidate model, replays the
// same batches through both and performs the one-shot atomic promotion swap
// once the agreement bar is met.
package shadow

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/auditflow/ml-pipeline/pkg/api"
	"github.com/auditflow/ml-pipeline/pkg/config"
	"github.com/auditflow/ml-pipeline/pkg/model"
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrContractViolation is returned when the production/shadow pairing is
// missing, untrained, or bound to different feature spaces. Comparisons fail
// fast rather than degrading silently.
var ErrContractViolation = errors.New("shadow contract violation")

// State of the pairing lifecycle.
type State string

const (
	StateUnpaired       State = "UNPAIRED"
	StateShadowTraining State = "SHADOW_TRAINING"
	StateShadowActive   State = "SHADOW_ACTIVE"
)

// shadowSuffix distinguishes the candidate model name from production.
const shadowSuffix = "_shadow"

// Controller owns one production/shadow pairing. The pair is the only shared
// mutable slot: Promote swaps it under the same lock Compare reads it under,
// so callers observe either the pre-swap or post-swap pair, never a mix.
type Controller struct {
	mu sync.RWMutex

	name      string
	settings  api.ShadowSettings
	clk       clock.Clock
	modelsDir string

	production *model.Model
	shadow     *model.Model
	state      State

	comparisons []Comparison
	trailing    map[string][]float64
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock injects the time source used for comparison timestamps.
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) {
		c.clk = clk
	}
}

// NewController creates an unpaired controller. modelsDir is where the
// promoted production bundle is persisted.
func NewController(name string, settings api.ShadowSettings, modelsDir string, opts ...Option) *Controller {
	settings.SetDefaults()
	c := &Controller{
		name:      name,
		settings:  settings,
		clk:       clock.New(),
		modelsDir: modelsDir,
		state:     StateUnpaired,
		trailing:  newTrailing(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the pairing lifecycle state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Production returns the current production model of the pairing.
func (c *Controller) Production() *model.Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.production
}

// Shadow returns the current candidate model of the pairing.
func (c *Controller) Shadow() *model.Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.shadow
}

// Initialize pairs the controller with the production model and constructs a
// shadow model bound to the same ordered feature names, so comparability is
// enforced by construction.
func (c *Controller) Initialize(production *model.Model, opts ...model.Option) error {
	if production == nil {
		return errors.Wrap(ErrContractViolation, "production model is nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.production = production
	c.shadow = model.New(c.name+shadowSuffix, production.FeatureNames(), production.Settings(), opts...)
	c.state = StateShadowTraining
	log.Infof("shadow mode initialized for model %s", production.Name())
	return nil
}

// TrainShadow runs an independent training of the candidate model. It has no
// effect on production predictions.
func (c *Controller) TrainShadow(x [][]float64) (*model.TrainingStats, error) {
	c.mu.RLock()
	candidate := c.shadow
	c.mu.RUnlock()
	if candidate == nil {
		return nil, errors.Wrap(ErrContractViolation, "shadow model not initialized")
	}
	stats, err := candidate.Train(x)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.state = StateShadowActive
	c.mu.Unlock()
	log.Infof("shadow model trained for %s: %d samples", c.name, stats.Samples)
	return stats, nil
}

// Compare replays the batch through both models and records the agreement.
// It fails fast with ErrContractViolation when either model is missing or
// untrained, or when the pair disagrees on feature space.
func (c *Controller) Compare(x [][]float64, metadata config.GenericMap) (*Comparison, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.production == nil || c.shadow == nil {
		return nil, errors.Wrap(ErrContractViolation, "pairing not initialized")
	}
	if !c.production.Trained() || !c.shadow.Trained() {
		return nil, errors.Wrap(ErrContractViolation, "both models must be trained before compare")
	}
	if err := sameFeatureSpace(c.production, c.shadow); err != nil {
		return nil, err
	}

	prodResult, err := c.production.Predict(x)
	if err != nil {
		return nil, err
	}
	shadowResult, err := c.shadow.Predict(x)
	if err != nil {
		return nil, err
	}

	comparison := c.buildComparison(prodResult, shadowResult, metadata)
	c.comparisons = append(c.comparisons, *comparison)
	c.trailing[metricAgreement] = append(c.trailing[metricAgreement], comparison.AgreementRate)
	c.trailing[metricProdRate] = append(c.trailing[metricProdRate], comparison.ProductionAnomalyRate)
	c.trailing[metricShadowRate] = append(c.trailing[metricShadowRate], comparison.ShadowAnomalyRate)
	c.trailing[metricFalsePos] = append(c.trailing[metricFalsePos], comparison.FalsePositiveRate)
	c.trailing[metricFalseNeg] = append(c.trailing[metricFalseNeg], comparison.FalseNegativeRate)

	log.Infof("shadow comparison for %s: %.1f%% agreement over %d records",
		c.name, comparison.AgreementRate*100, comparison.Records)
	return comparison, nil
}

func (c *Controller) buildComparison(prod, candidate *model.BatchResult, metadata config.GenericMap) *Comparison {
	total := prod.Records
	matrix := AgreementMatrix{}
	agreement := 0
	for i := range prod.Predictions {
		p := prod.Predictions[i].IsAnomaly
		s := candidate.Predictions[i].IsAnomaly
		if p == s {
			agreement++
		}
		switch {
		case p && s:
			matrix.TruePositives++
		case p && !s:
			matrix.FalsePositives++
		case !p && s:
			matrix.FalseNegatives++
		default:
			matrix.TrueNegatives++
		}
	}

	comparison := Comparison{
		Timestamp:             c.clk.Now().UTC().Format(time.RFC3339),
		Records:               total,
		AgreementRate:         float64(agreement) / float64(total),
		DisagreementRate:      float64(total-agreement) / float64(total),
		ProductionAnomalyRate: float64(prod.Anomalies) / float64(total),
		ShadowAnomalyRate:     float64(candidate.Anomalies) / float64(total),
		Matrix:                matrix,
		Metadata:              metadata,
	}
	if flagged := matrix.TruePositives + matrix.FalsePositives; flagged > 0 {
		comparison.FalsePositiveRate = float64(matrix.FalsePositives) / float64(flagged)
	}
	if reference := matrix.TruePositives + matrix.FalseNegatives; reference > 0 {
		comparison.FalseNegativeRate = float64(matrix.FalseNegatives) / float64(reference)
	}
	if comparison.AgreementRate >= c.settings.PromotionThreshold {
		comparison.PromotionRecommended = true
		comparison.PromotionReason = fmt.Sprintf("high agreement rate: %.1f%%", comparison.AgreementRate*100)
	} else {
		comparison.PromotionReason = fmt.Sprintf("low agreement rate: %.1f%%", comparison.AgreementRate*100)
	}
	return &comparison
}

// Promote swaps the production and shadow model references atomically and
// persists the new production bundle, provided at least MinComparisons
// comparisons were recorded and their trailing mean agreement meets the
// threshold. Otherwise it reports the computed average and changes nothing.
func (c *Controller) Promote() (bool, float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.production == nil || c.shadow == nil {
		return false, 0, errors.Wrap(ErrContractViolation, "pairing not initialized")
	}
	window := c.settings.MinComparisons
	if len(c.trailing[metricAgreement]) < window {
		log.Warnf("insufficient comparisons for promotion decision: %d of %d",
			len(c.trailing[metricAgreement]), window)
		return false, 0, nil
	}

	avgAgreement := meanOf(tail(c.trailing[metricAgreement], window))
	if avgAgreement < c.settings.PromotionThreshold {
		log.Infof("shadow model not promoted for %s: average agreement %.1f%% below threshold %.1f%%",
			c.name, avgAgreement*100, c.settings.PromotionThreshold*100)
		return false, avgAgreement, nil
	}

	c.production, c.shadow = c.shadow, c.production
	c.production.SetName(c.name)
	c.shadow.SetName(c.name + shadowSuffix)
	c.state = StateUnpaired

	if err := c.production.Save(filepath.Join(c.modelsDir, c.production.Name())); err != nil {
		return true, avgAgreement, err
	}
	log.Infof("shadow model promoted to production for %s: average agreement %.1f%%",
		c.name, avgAgreement*100)
	return true, avgAgreement, nil
}

// Comparisons returns a copy of the recorded comparison history.
func (c *Controller) Comparisons() []Comparison {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Comparison{}, c.comparisons...)
}

func sameFeatureSpace(a, b *model.Model) error {
	fa, fb := a.FeatureNames(), b.FeatureNames()
	if len(fa) != len(fb) {
		return errors.Wrapf(ErrContractViolation,
			"feature space mismatch: production has %d features, shadow has %d", len(fa), len(fb))
	}
	for i := range fa {
		if fa[i] != fb[i] {
			return errors.Wrapf(ErrContractViolation,
				"feature space mismatch at position %d: %s vs %s", i, fa[i], fb[i])
		}
	}
	return nil
}
