/*
Copyright (c) 2025 Mike Lane

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

package v1alpha1

import (
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// RepoRef identifies the source repository a DeployConfig is defined in or
// deploys artifacts from.
type RepoRef struct {
	// Owner is the repository owner (user or org) on the source host.
	Owner string `json:"owner"`

	// Repo is the repository name.
	Repo string `json:"repo"`

	// Branch is the tracked branch. When empty the repository's default
	// branch is used.
	// +optional
	Branch string `json:"branch,omitempty"`
}

// DeployConfigSpec defines the desired state of a DeployConfig.
type DeployConfigSpec struct {
	// Repo is the artifact repository and tracked branch this config
	// follows for autodeploy. Empty Owner/Repo means the config is
	// artifactless.
	// +optional
	Repo RepoRef `json:"repo,omitempty"`

	// Autodeploy enables automatic promotion of the latest successful
	// build on the tracked branch.
	Autodeploy bool `json:"autodeploy"`

	// ResourceType is the Kind of the single child resource this config
	// produces (e.g. "Deployment", "CronJob"). Empty together with an empty
	// Spec means no resource.
	// +optional
	ResourceType string `json:"resourceType,omitempty"`

	// APIVersion is the apiVersion of the child resource (e.g. "apps/v1").
	// +optional
	APIVersion string `json:"apiVersion,omitempty"`

	// Spec is an opaque JSON tree describing the child resource. It is
	// schema-less; string leaves containing the literal token "$SHA" are
	// substituted with the target artifact SHA at resolve time.
	// +optional
	// +kubebuilder:pruning:PreserveUnknownFields
	Spec *apiextensionsv1.JSON `json:"spec,omitempty"`
}

// DeployConfigStatus defines the observed state of a DeployConfig, owned
// exclusively by the Reconciler.
type DeployConfigStatus struct {
	// CurrentSha is the artifact SHA currently applied to the cluster.
	// +optional
	CurrentSha string `json:"currentSha,omitempty"`

	// WantedSha is the artifact SHA the Reconciler should converge to.
	// +optional
	WantedSha string `json:"wantedSha,omitempty"`

	// LatestSha is the latest known successfully-built SHA on the tracked
	// branch.
	// +optional
	LatestSha string `json:"latestSha,omitempty"`

	// CurrentConfigSha is the config_version_hash currently applied.
	// +optional
	CurrentConfigSha string `json:"currentConfigSha,omitempty"`

	// WantedConfigSha is the config_version_hash the Reconciler should
	// converge to.
	// +optional
	WantedConfigSha string `json:"wantedConfigSha,omitempty"`

	// Orphaned is true when the Config Synchroniser no longer finds this
	// config's source definition.
	// +optional
	Orphaned bool `json:"orphaned,omitempty"`

	// LastError holds the most recent reconciliation failure, if any.
	// +optional
	LastError string `json:"lastError,omitempty"`

	// LastAppliedCost is an informational cost estimate of the workloads
	// this config currently owns.
	// +optional
	LastAppliedCost string `json:"lastAppliedCost,omitempty"`

	// ObservedGeneration reflects the generation of the most recently
	// observed spec.
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:printcolumn:name="Repo",type="string",JSONPath=".spec.repo.repo",description="Artifact repository"
// +kubebuilder:printcolumn:name="Branch",type="string",JSONPath=".spec.repo.branch",description="Tracked branch"
// +kubebuilder:printcolumn:name="Current",type="string",JSONPath=".status.currentSha",description="Currently applied SHA"
// +kubebuilder:printcolumn:name="Wanted",type="string",JSONPath=".status.wantedSha",description="Desired SHA"
// +kubebuilder:printcolumn:name="Latest",type="string",JSONPath=".status.latestSha",description="Latest successful SHA"
// +kubebuilder:printcolumn:name="Orphaned",type="boolean",JSONPath=".status.orphaned",description="No matching source definition"
// +kubebuilder:resource:shortName=dc

// DeployConfig is the Schema for the deployconfigs API.
type DeployConfig struct {
	metav1.TypeMeta `json:",inline"`

	// +optional
	metav1.ObjectMeta `json:"metadata,omitempty,omitzero"`

	// +required
	Spec DeployConfigSpec `json:"spec"`

	// +optional
	Status DeployConfigStatus `json:"status,omitempty,omitzero"`
}

// +kubebuilder:object:root=true

// DeployConfigList contains a list of DeployConfig.
type DeployConfigList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []DeployConfig `json:"items"`
}

func init() {
	SchemeBuilder.Register(&DeployConfig{}, &DeployConfigList{})
}

// Artifactful reports whether this config couples to an artifact build
// (non-empty Repo.Owner/Repo).
func (d *DeployConfig) Artifactful() bool {
	return d.Spec.Repo.Owner != "" && d.Spec.Repo.Repo != ""
}

// TrackedBranch returns the branch this config follows, defaulting to
// defaultBranch when Spec.Repo.Branch is unset.
func (d *DeployConfig) TrackedBranch(defaultBranch string) string {
	if d.Spec.Repo.Branch != "" {
		return d.Spec.Repo.Branch
	}
	return defaultBranch
}
