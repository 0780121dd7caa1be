/*
Copyright 2024 Cellmark Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// GenerateUUIDWithSuffix generates a UUID with a given module name as a prefix.
func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	return fmt.Sprintf("%s_%s", module, id.String())
}

// Hash returns a SHA-256 digest over the identifying and payload fields of the event.
// Two deliveries of the same (stream, sequence) pair must hash equal.
func (e LifecycleEvent) Hash() string {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		payload = []byte(fmt.Sprintf("%v", e.Payload))
	}
	data := fmt.Sprintf("%s%s%s%d%d%s%s", e.Kind, e.AssetID, e.SourceStream, e.SequenceNumber, e.Timestamp.UnixNano(), e.TransactionID, payload)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
