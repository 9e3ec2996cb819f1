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
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/containers/blockpool/pkg/apis/config/v1alpha1/blockpool"
	"github.com/containers/blockpool/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/blockpool/pkg/apis/config/v1alpha1/log"
	"github.com/containers/blockpool/pkg/apis/config/v1alpha1/pressure"
)

const (
	// GroupVersion of our configuration API.
	GroupVersion = "config.blockpool.io/v1alpha1"
	// Kind of our configuration resource.
	Kind = "BlockPool"
)

// BlockPool represents the configuration of a block pool daemon.
// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
type BlockPool struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   BlockPoolSpec `json:"spec"`
	Status ConfigStatus  `json:"status,omitempty"`
}

// BlockPoolSpec describes a block pool.
type BlockPoolSpec struct {
	blockpool.Config `json:",inline"`
	// +optional
	Pressure pressure.Config `json:"pressure,omitempty"`
	// +optional
	Log log.Config `json:"log,omitempty"`
	// +optional
	Instrumentation instrumentation.Config `json:"instrumentation,omitempty"`
}

// ConfigStatus is the status of taking a configuration into use.
type ConfigStatus struct {
	// Status of activating the configuration.
	// +kubebuilder:validation:Enum=Success;Failure
	Status string `json:"status"`
	// Generation is the number of configuration (re)loads this status
	// was set for.
	Generation int64 `json:"generation"`
	// Error can provide further details of a configuration error.
	Error *string `json:"errors,omitempty"`
	// Timestamp of setting this status.
	Timestamp metav1.Time `json:"timestamp,omitempty"`
}
