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
	"sync"

	"go.uber.org/zap"
)

var (
	globalLedger *Ledger
	globalOnce   sync.Once
	globalErr    error
)

// GetGlobal returns the process-wide ledger, opening it on first use.
// The store is a singleton per process: exactly one session exists and all
// components share one database handle.
func GetGlobal(dbPath string, logger *zap.Logger) (*Ledger, error) {
	globalOnce.Do(func() {
		globalLedger, globalErr = Open(dbPath, logger)
	})
	return globalLedger, globalErr
}

// ResetGlobal discards the global singleton (for testing only). The caller
// is responsible for closing the previous instance first.
func ResetGlobal() {
	globalLedger = nil
	globalErr = nil
	globalOnce = sync.Once{}
}
