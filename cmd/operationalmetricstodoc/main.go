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

package main

import (
	"fmt"

	"github.com/auditflow/ml-pipeline/pkg/manager"
	operationalMetrics "github.com/auditflow/ml-pipeline/pkg/operational/metrics"
)

func main() {
	// Importing the manager package runs its init, which registers the
	// operational metrics and fills the documentation registry.
	var _ *manager.ModelManager

	header := `
> Note: this file was automatically generated, to update execute "make docs"

# ml-pipeline Operational Metrics

Each table below provides documentation for an exported ml-pipeline operational metric.

	`
	doc := operationalMetrics.GetDocumentation()
	data := fmt.Sprintf("%s\n%s\n", header, doc)
	fmt.Printf("%s", data)
}
