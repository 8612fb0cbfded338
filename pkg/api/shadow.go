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

// ShadowSettings describes configuration for shadow (canary) model deployment.
type ShadowSettings struct {
	Enabled            bool    `yaml:"enabled,omitempty" json:"enabled,omitempty" doc:"pair a shadow model with the production model after training"`
	PromotionThreshold float64 `yaml:"promotionThreshold,omitempty" json:"promotionThreshold,omitempty" doc:"minimum mean agreement rate over the trailing comparison window required to promote"`
	MinComparisons     int     `yaml:"minComparisons,omitempty" json:"minComparisons,omitempty" doc:"number of recorded comparisons required before a promotion decision"`
}

func (s *ShadowSettings) SetDefaults() {
	if s.PromotionThreshold == 0 {
		s.PromotionThreshold = 0.7
	}
	if s.MinComparisons == 0 {
		s.MinComparisons = 10
	}
}
