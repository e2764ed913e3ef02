// MIT License
//
// Copyright (c) 2025 Mike Lane
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package manifest

import (
	"encoding/json"
	"fmt"
	"strings"

	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	cicdv1 "github.com/coolkev/cicd-controller/api/v1alpha1"
	"github.com/coolkev/cicd-controller/internal/cicderr"
	"github.com/coolkev/cicd-controller/internal/cluster"
)

// shaToken is the literal placeholder the template walk substitutes.
const shaToken = "$SHA"

// Resolve produces the ordered list of child resource manifests for dc at
// targetSHA. targetSHA may be empty for an artifactless config or the
// (None, None) virtual state. A config with both an empty resourceType and
// an empty template_spec yields zero resources.
//
// Resolve performs no I/O and is deterministic: the same (dc, targetSHA)
// pair always produces byte-identical output.
func Resolve(dc *cicdv1.DeployConfig, targetSHA string) ([]cluster.Manifest, error) {
	if dc.Spec.ResourceType == "" && isEmptySpec(dc.Spec.Spec) {
		return nil, nil
	}

	tree, err := decodeTree(dc.Spec.Spec)
	if err != nil {
		return nil, err
	}

	usesSHA := false
	substituted := substitute(tree, targetSHA, &usesSHA)
	if usesSHA && targetSHA == "" {
		return nil, cicderr.New("Resolve", cicderr.ArtifactRequired, fmt.Errorf("dc %s/%s template references $SHA with no target SHA", dc.Namespace, dc.Name))
	}

	obj, ok := substituted.(map[string]interface{})
	if !ok {
		obj = map[string]interface{}{}
	}

	u := &unstructured.Unstructured{Object: obj}

	gvk := schema.FromAPIVersionAndKind(dc.Spec.APIVersion, dc.Spec.ResourceType)
	u.SetGroupVersionKind(gvk)

	name := u.GetName()
	if name == "" {
		name = dc.Name
		u.SetName(name)
	}
	u.SetNamespace(dc.Namespace)

	labels := u.GetLabels()
	if labels == nil {
		labels = map[string]string{}
	}
	labels[cluster.ManagedByLabel] = cluster.ManagedByLabelValue
	labels[cluster.DCLabel] = dc.Name
	u.SetLabels(labels)

	u.SetOwnerReferences([]metav1.OwnerReference{
		{
			APIVersion:         cicdv1.GroupVersion.String(),
			Kind:               "DeployConfig",
			Name:               dc.Name,
			UID:                dc.UID,
			Controller:         boolPtr(true),
			BlockOwnerDeletion: boolPtr(true),
		},
	})

	return []cluster.Manifest{{GVK: gvk, Name: name, Manifest: u}}, nil
}

func isEmptySpec(j *apiextensionsv1.JSON) bool {
	return j == nil || len(j.Raw) == 0
}

// decodeTree unmarshals the opaque spec into a generic JSON tree, rejecting
// a literal null document per EmptyManifest.
func decodeTree(j *apiextensionsv1.JSON) (interface{}, error) {
	if isEmptySpec(j) {
		return map[string]interface{}{}, nil
	}

	var tree interface{}
	if err := json.Unmarshal(j.Raw, &tree); err != nil {
		return nil, cicderr.New("Resolve", cicderr.DataCorruption, err)
	}
	if tree == nil {
		return nil, cicderr.New("Resolve", cicderr.EmptyManifest, fmt.Errorf("template_spec decodes to a null document"))
	}
	return tree, nil
}

// substitute deep-walks node, replacing every string value containing the
// literal token $SHA with sha. Non-string nodes are returned unchanged
// apart from recursing into their children. usesSHA is set to true the
// first time a substitution is made, so the caller can tell whether an
// empty sha was actually required.
func substitute(node interface{}, sha string, usesSHA *bool) interface{} {
	switch v := node.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			out[k] = substitute(val, sha, usesSHA)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			out[i] = substitute(val, sha, usesSHA)
		}
		return out
	case string:
		if strings.Contains(v, shaToken) {
			*usesSHA = true
			return strings.ReplaceAll(v, shaToken, sha)
		}
		return v
	default:
		return v
	}
}

func boolPtr(b bool) *bool { return &b }
