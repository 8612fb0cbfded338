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

// Package test holds shared fixtures for the package test suites: synthetic
// audit event batches with a known anomaly structure, and deterministic
// numeric matrices.
package test

import (
	"fmt"
	"math/rand"

	"github.com/auditflow/ml-pipeline/pkg/config"
)

// GetAuditMockEntry returns one audit event record in the shape produced by
// the event collectors. With missingKey set, the optional fields are absent.
func GetAuditMockEntry(missingKey bool) config.GenericMap {
	entry := config.GenericMap{
		"eventCount":   42,
		"bytesRead":    1024.0,
		"sessionSecs":  310,
		"actorRole":    "analyst",
		"resourceType": "report",
		"occurredAt":   "2024-05-14T09:30:00Z",
	}

	if !missingKey {
		entry["failedLogins"] = 1
		entry["sourceRegion"] = "us-east"
	}

	return entry
}

// GetMockBatch builds n audit event records with numeric fields drawn around
// stable means, categorical fields cycling through small vocabularies, and a
// deterministic seed.
func GetMockBatch(n int, seed int64) []config.GenericMap {
	rng := rand.New(rand.NewSource(seed))
	roles := []string{"analyst", "admin", "auditor", "viewer"}
	resources := []string{"report", "dashboard", "export"}

	batch := make([]config.GenericMap, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, config.GenericMap{
			"eventCount":   40 + rng.NormFloat64()*5,
			"bytesRead":    1000 + rng.NormFloat64()*100,
			"sessionSecs":  300 + rng.NormFloat64()*30,
			"failedLogins": 2 + rng.NormFloat64(),
			"exportCount":  15 + rng.NormFloat64()*2,
			"actorRole":    roles[i%len(roles)],
			"resourceType": resources[i%len(resources)],
			"occurredAt":   fmt.Sprintf("2024-05-%02dT%02d:15:00Z", 1+i%28, i%24),
		})
	}
	return batch
}

// GetMockOutlier returns a record whose bytesRead sits far outside the
// distribution produced by GetMockBatch.
func GetMockOutlier() config.GenericMap {
	return config.GenericMap{
		"eventCount":   40.0,
		"bytesRead":    1000 + 10*100.0,
		"sessionSecs":  300.0,
		"failedLogins": 2.0,
		"exportCount":  15.0,
		"actorRole":    "analyst",
		"resourceType": "report",
		"occurredAt":   "2024-05-14T03:15:00Z",
	}
}

// GetMockMatrix builds an n by width numeric matrix around per-column means
// (10, 20, 30, ...) with unit spread, deterministically from the seed.
func GetMockMatrix(n, width int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	x := make([][]float64, n)
	for i := range x {
		row := make([]float64, width)
		for j := range row {
			row[j] = float64((j+1)*10) + rng.NormFloat64()
		}
		x[i] = row
	}
	return x
}

// GetMockOutlierRow returns a row of the GetMockMatrix feature space shifted
// by the given number of spreads on every column.
func GetMockOutlierRow(width int, sigma float64) []float64 {
	row := make([]float64, width)
	for j := range row {
		row[j] = float64((j+1)*10) + sigma
	}
	return row
}

// FeatureNames returns width synthetic feature names.
func FeatureNames(width int) []string {
	names := make([]string, width)
	for j := range names {
		names[j] = fmt.Sprintf("feature_%d", j)
	}
	return names
}
