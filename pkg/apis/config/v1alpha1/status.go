// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package v1alpha1

import (
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	// StatusSuccess indicates that a configuration was taken into use.
	StatusSuccess = metav1.StatusSuccess
	// StatusFailure indicates failure to take a configuration into use.
	StatusFailure = metav1.StatusFailure
)

// NewConfigStatus create a status for the given generation and error.
func NewConfigStatus(err error, generation int64) *ConfigStatus {
	s := &ConfigStatus{
		Generation: generation,
		Timestamp:  metav1.Now(),
	}
	if err == nil {
		s.Status = StatusSuccess
	} else {
		s.Status = StatusFailure
		e := fmt.Sprintf("%v", err)
		s.Error = &e
	}
	return s
}

// Failed returns true if the status is a failure.
func (s *ConfigStatus) Failed() bool {
	return s != nil && s.Status == StatusFailure
}

// Err returns the error of a failed status, or nil.
func (s *ConfigStatus) Err() error {
	if !s.Failed() {
		return nil
	}
	if s.Error == nil {
		return fmt.Errorf("configuration generation %d failed", s.Generation)
	}
	return fmt.Errorf("configuration generation %d failed: %s", s.Generation, *s.Error)
}
