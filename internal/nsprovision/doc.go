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

// Package nsprovision ensures a DeployConfig's target namespace exists
// before any apply, optionally seeding it from a template namespace's
// resources.
//
// # Namespace Creation
//
// Ensure(ctx, ns) is a no-op if ns already exists. Otherwise it creates ns
// and, when a template namespace is configured, copies every namespaced
// resource found there into ns.
//
// # Template Copy
//
// Copying clears identity fields (resourceVersion, uid, creationTimestamp,
// selfLink, ownerReferences, namespace, managedFields) and stamps
// provenance labels/annotations. A resource that already exists in the
// target namespace is left untouched — copy never overwrites. Per-resource
// copy failures are logged and do not fail the overall provisioning call;
// only the namespace existence check and namespace creation can fail Ensure.
package nsprovision
