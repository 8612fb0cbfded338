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

const TagYaml = "yaml"
const TagDoc = "doc"

// Note: items beginning with doc: "## title" are top level items that get divided into sections inside api.md.

type API struct {
	Detection DetectionSettings `yaml:"detection" doc:"## Detection API\nFollowing is the supported API format for the anomaly detection ensemble:\n"`
	Features  FeatureSettings   `yaml:"features" doc:"## Feature extraction API\nFollowing is the supported API format for feature extraction:\n"`
	Shadow    ShadowSettings    `yaml:"shadow" doc:"## Shadow mode API\nFollowing is the supported API format for shadow mode deployment:\n"`
}
