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

import "github.com/auditflow/ml-pipeline/pkg/config"

// AgreementMatrix is a 2x2 breakdown of per-record verdicts with the shadow
// model's verdict as the reference signal. The true/false naming is kept for
// familiarity, but this is a relative-agreement matrix between two models,
// not a ground-truth evaluation.
type AgreementMatrix struct {
	TruePositives  int `json:"truePositives"`
	FalsePositives int `json:"falsePositives"`
	FalseNegatives int `json:"falseNegatives"`
	TrueNegatives  int `json:"trueNegatives"`
}

// Comparison records the outcome of replaying one batch through both the
// production and the shadow model. Rates are fractions in [0, 1]. A
// comparison is never mutated after creation.
type Comparison struct {
	Timestamp             string            `json:"timestamp"`
	Records               int               `json:"records"`
	AgreementRate         float64           `json:"agreementRate"`
	DisagreementRate      float64           `json:"disagreementRate"`
	ProductionAnomalyRate float64           `json:"productionAnomalyRate"`
	ShadowAnomalyRate     float64           `json:"shadowAnomalyRate"`
	FalsePositiveRate     float64           `json:"falsePositiveRate"`
	FalseNegativeRate     float64           `json:"falseNegativeRate"`
	Matrix                AgreementMatrix   `json:"matrix"`
	PromotionRecommended  bool              `json:"promotionRecommended"`
	PromotionReason       string            `json:"promotionReason"`
	Metadata              config.GenericMap `json:"metadata,omitempty"`
}

// trailing metric series names
const (
	metricAgreement  = "agreement_rate"
	metricProdRate   = "production_anomaly_rate"
	metricShadowRate = "shadow_anomaly_rate"
	metricFalsePos   = "false_positive_rate"
	metricFalseNeg   = "false_negative_rate"
)

func newTrailing() map[string][]float64 {
	return map[string][]float64{
		metricAgreement:  {},
		metricProdRate:   {},
		metricShadowRate: {},
		metricFalsePos:   {},
		metricFalseNeg:   {},
	}
}

func tail(values []float64, n int) []float64 {
	if len(values) <= n {
		return values
	}
	return values[len(values)-n:]
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
