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
	operationalMetrics "github.com/auditflow/ml-pipeline/pkg/operational/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricModelsRegistered = operationalMetrics.NewGauge(prometheus.GaugeOpts{
		Name: "models_registered",
		Help: "Number of models currently registered",
	})
	metricTrainings = operationalMetrics.NewCounter(prometheus.CounterOpts{
		Name: "model_trainings_total",
		Help: "Number of model training runs completed",
	})
	metricPredictions = operationalMetrics.NewCounter(prometheus.CounterOpts{
		Name: "records_scored_total",
		Help: "Number of records scored by production models",
	})
	metricAnomalies = operationalMetrics.NewCounter(prometheus.CounterOpts{
		Name: "anomalies_flagged_total",
		Help: "Number of scored records flagged anomalous",
	})
	metricComparisons = operationalMetrics.NewCounter(prometheus.CounterOpts{
		Name: "shadow_comparisons_total",
		Help: "Number of production versus shadow comparisons recorded",
	})
	metricPromotions = operationalMetrics.NewCounter(prometheus.CounterOpts{
		Name: "shadow_promotions_total",
		Help: "Number of shadow models promoted to production",
	})
)
