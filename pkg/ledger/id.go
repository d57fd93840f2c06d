// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// newID returns "<unix-ms>-<suffix>". The suffix avoids collisions between
// rows written within the same millisecond; it carries no other meaning.
func newID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// newSessionID returns the monotonic session identifier for a process start.
func newSessionID(startedAt time.Time) string {
	return fmt.Sprintf("session_%d", startedAt.UnixMilli())
}
