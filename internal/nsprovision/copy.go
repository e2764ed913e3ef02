// Copyright 2025 The Previewd Authors
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

package nsprovision

import (
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// prepareCopy mutates obj in place into a create-ready copy of a
// template-namespace resource: identity fields cleared, namespace
// retargeted, and provenance labels/annotations stamped.
func prepareCopy(obj *unstructured.Unstructured, srcNamespace, dstNamespace string, at time.Time) {
	obj.SetResourceVersion("")
	obj.SetUID("")
	obj.SetCreationTimestamp(metav1.Time{})
	obj.SetSelfLink("")
	obj.SetOwnerReferences(nil)
	obj.SetManagedFields(nil)
	obj.SetNamespace(dstNamespace)

	labels := obj.GetLabels()
	if labels == nil {
		labels = map[string]string{}
	}
	labels[copiedFromTemplateLabel] = "true"
	obj.SetLabels(labels)

	annotations := obj.GetAnnotations()
	if annotations == nil {
		annotations = map[string]string{}
	}
	annotations[copiedFromTemplateNSAnnot] = srcNamespace
	annotations[copiedAtAnnot] = at.Format(time.RFC3339)
	obj.SetAnnotations(annotations)
}
