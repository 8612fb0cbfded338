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

package shadow

import (
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var jsonConfig = jsoniter.ConfigCompatibleWithStandardLibrary

// ModelInfo identifies one side of the pairing in a summary.
type ModelInfo struct {
	Name     string `json:"name"`
	Trained  bool   `json:"trained"`
	Features int    `json:"features"`
}

// Summary reports the rolling performance of the pairing.
type Summary struct {
	State                    State      `json:"state"`
	TotalComparisons         int        `json:"totalComparisons"`
	AverageAgreementRate     float64    `json:"averageAgreementRate"`
	AverageProductionAnomaly float64    `json:"averageProductionAnomalyRate"`
	AverageShadowAnomaly     float64    `json:"averageShadowAnomalyRate"`
	TrailingAgreement        []float64  `json:"trailingAgreement"`
	TrailingAverageAgreement float64    `json:"trailingAverageAgreement"`
	PromotionReady           bool       `json:"promotionReady"`
	Production               *ModelInfo `json:"production,omitempty"`
	Shadow                   *ModelInfo `json:"shadow,omitempty"`
}

// Summary computes the rolling performance summary of the pairing.
func (c *Controller) Summary() *Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	window := c.settings.MinComparisons
	trailing := tail(c.trailing[metricAgreement], window)
	s := Summary{
		State:                    c.state,
		TotalComparisons:         len(c.comparisons),
		AverageAgreementRate:     meanOf(c.trailing[metricAgreement]),
		AverageProductionAnomaly: meanOf(c.trailing[metricProdRate]),
		AverageShadowAnomaly:     meanOf(c.trailing[metricShadowRate]),
		TrailingAgreement:        append([]float64{}, trailing...),
		TrailingAverageAgreement: meanOf(trailing),
		PromotionReady: len(c.trailing[metricAgreement]) >= window &&
			meanOf(trailing) >= c.settings.PromotionThreshold,
	}
	if c.production != nil {
		s.Production = &ModelInfo{
			Name:     c.production.Name(),
			Trained:  c.production.Trained(),
			Features: len(c.production.FeatureNames()),
		}
	}
	if c.shadow != nil {
		s.Shadow = &ModelInfo{
			Name:     c.shadow.Name(),
			Trained:  c.shadow.Trained(),
			Features: len(c.shadow.FeatureNames()),
		}
	}
	return &s
}

type historyDoc struct {
	Comparisons []Comparison         `json:"comparisons"`
	Trailing    map[string][]float64 `json:"trailing"`
	SavedAt     string               `json:"savedAt"`
}

// SaveHistory writes the comparison history and trailing series to disk.
func (c *Controller) SaveHistory(path string) error {
	c.mu.RLock()
	doc := historyDoc{
		Comparisons: append([]Comparison{}, c.comparisons...),
		Trailing:    c.trailing,
		SavedAt:     c.clk.Now().UTC().Format(time.RFC3339),
	}
	c.mu.RUnlock()

	data, err := jsonConfig.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "error marshaling comparison history")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "error writing comparison history to %s", path)
	}
	log.Infof("comparison history saved to %s", path)
	return nil
}

// LoadHistory restores a previously saved comparison history.
func (c *Controller) LoadHistory(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "error reading comparison history from %s", path)
	}
	doc := historyDoc{}
	if err := jsonConfig.Unmarshal(data, &doc); err != nil {
		return errors.Wrapf(err, "error unmarshaling comparison history from %s", path)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.comparisons = doc.Comparisons
	c.trailing = newTrailing()
	for name, series := range doc.Trailing {
		c.trailing[name] = series
	}
	return nil
}
