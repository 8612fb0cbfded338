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

import "sync/atomic"

// fittedSlot holds the installed fitted state behind a single atomic
// reference. Readers observe either the previous or the new state, never a
// mix of the two.
type fittedSlot struct {
	ptr atomic.Pointer[Fitted]
}

func (s *fittedSlot) get() *Fitted {
	return s.ptr.Load()
}

func (s *fittedSlot) set(f *Fitted) {
	s.ptr.Store(f)
}
