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

package configsync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	sigsyaml "sigs.k8s.io/yaml"

	logf "sigs.k8s.io/controller-runtime/pkg/log"

	cicdv1 "github.com/coolkev/cicd-controller/api/v1alpha1"
	"github.com/coolkev/cicd-controller/internal/cicderr"
	"github.com/coolkev/cicd-controller/internal/cluster"
	"github.com/coolkev/cicd-controller/internal/sourcehost"
	"github.com/coolkev/cicd-controller/internal/store"
)

const defaultNamespace = "default"

// Synchroniser walks a repository's .deploy/ tree and reconciles the set of
// DeployConfigs it describes against the cluster and the fingerprint
// ledger in the Persistence Store.
type Synchroniser struct {
	source  sourcehost.Client
	cluster cluster.Client
	store   *store.Store
}

// New builds a Synchroniser.
func New(source sourcehost.Client, cl cluster.Client, st *store.Store) *Synchroniser {
	return &Synchroniser{source: source, cluster: cl, store: st}
}

// Sync reconciles repoOwner/repoName's .deploy/ tree at branch's current
// head against the cluster. Per-file and per-document problems are logged
// and skipped so one bad file never blocks the rest of the repository; only
// a failure to resolve the branch head, to list the tree at all, or to read
// the repository's recorded fingerprints is fatal.
func (s *Synchroniser) Sync(ctx context.Context, repoID int64, repoOwner, repoName, branch string) error {
	log := logf.FromContext(ctx).WithValues("repo", repoOwner+"/"+repoName, "branch", branch)

	sha, err := s.source.ResolveBranch(ctx, repoOwner, repoName, branch)
	if err != nil {
		if kind, ok := cicderr.KindOf(err); ok && kind == cicderr.NotFound {
			return nil
		}
		return err
	}

	entries, err := s.source.ListTree(ctx, repoOwner, repoName, sha, ".deploy")
	if err != nil {
		return err
	}

	desired := map[string]*cicdv1.DeployConfig{}
	for _, entry := range entries {
		if entry.Type != "blob" {
			continue
		}
		if !strings.HasSuffix(entry.Path, ".yaml") && !strings.HasSuffix(entry.Path, ".yml") {
			continue
		}

		blob, err := s.source.GetBlob(ctx, repoOwner, repoName, sha, entry.Path)
		if err != nil {
			log.Error(err, "fetching deploy config file", "path", entry.Path)
			continue
		}

		docs, err := splitDocuments(blob)
		if err != nil {
			log.Error(err, "parsing deploy config file", "path", entry.Path)
			continue
		}

		for _, doc := range docs {
			if doc == nil {
				log.Info("skipping null document", "path", entry.Path, "fileBytes", len(blob))
				continue
			}
			dc, ok, err := decodeDeployConfig(doc)
			if err != nil {
				log.Error(err, "decoding deploy config document", "path", entry.Path)
				continue
			}
			if !ok {
				continue
			}
			desired[dc.Name] = dc
		}
	}

	for _, dc := range desired {
		if err := s.cluster.ApplyDC(ctx, dc); err != nil {
			log.Error(err, "applying deploy config", "dc", dc.Name, "namespace", dc.Namespace)
			continue
		}
		hash := Fingerprint(dc, dc.TrackedBranch(branch))
		if err := s.store.RecordConfigFingerprint(ctx, store.ConfigFingerprint{
			DCName:    dc.Name,
			Namespace: dc.Namespace,
			RepoID:    repoID,
			Hash:      hash,
		}); err != nil {
			log.Error(err, "recording config fingerprint", "dc", dc.Name)
		}
	}

	recorded, err := s.store.FingerprintsByRepo(ctx, repoID)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for _, fp := range recorded {
		if _, ok := desired[fp.DCName]; ok {
			continue
		}
		err := s.cluster.PatchDCLabels(ctx, fp.Namespace, fp.DCName,
			map[string]string{cluster.OrphanedLabel: "true"},
			map[string]string{cluster.OrphanedAtAnnotation: now},
		)
		if err != nil {
			if kind, ok := cicderr.KindOf(err); ok && kind == cicderr.NotFound {
				if derr := s.store.DeleteFingerprint(ctx, fp.DCName, fp.Namespace); derr != nil {
					log.Error(derr, "deleting stale fingerprint", "dc", fp.DCName)
				}
				continue
			}
			log.Error(err, "marking deploy config orphaned", "dc", fp.DCName)
		}
	}

	return nil
}

// splitDocuments decodes a multi-document YAML stream generically and
// re-marshals each document, yielding the raw bytes of each document in
// order. A nil entry in the returned slice marks a document whose top-level
// value decoded to null.
func splitDocuments(raw []byte) ([][]byte, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(raw))

	var docs [][]byte
	for {
		var val interface{}
		err := decoder.Decode(&val)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decoding YAML stream: %w", err)
		}
		if val == nil {
			docs = append(docs, nil)
			continue
		}
		out, err := yaml.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("re-marshaling YAML document: %w", err)
		}
		docs = append(docs, out)
	}
	return docs, nil
}

// decodeDeployConfig interprets a single YAML document. ok is false for any
// document that is not a DeployConfig custom resource (silently ignored, as
// a .deploy/ file may carry commentary or unrelated YAML).
func decodeDeployConfig(doc []byte) (*cicdv1.DeployConfig, bool, error) {
	jsonBytes, err := sigsyaml.YAMLToJSON(doc)
	if err != nil {
		return nil, false, fmt.Errorf("converting YAML to JSON: %w", err)
	}

	var head struct {
		APIVersion string `json:"apiVersion"`
		Kind       string `json:"kind"`
	}
	if err := json.Unmarshal(jsonBytes, &head); err != nil {
		return nil, false, fmt.Errorf("reading document kind: %w", err)
	}
	if head.Kind != "DeployConfig" || head.APIVersion != cicdv1.GroupVersion.String() {
		return nil, false, nil
	}

	var dc cicdv1.DeployConfig
	if err := json.Unmarshal(jsonBytes, &dc); err != nil {
		return nil, false, fmt.Errorf("decoding DeployConfig: %w", err)
	}
	if dc.Namespace == "" {
		dc.Namespace = defaultNamespace
	}
	return &dc, true, nil
}

// Fingerprint computes the stable config_version_hash of a DC: sha256 over
// canonical JSON of its template_spec, artifact repo, and tracked branch.
// The outer struct's field order is fixed by declaration; Spec.Raw was
// itself produced by sigs.k8s.io/yaml's map[string]interface{} round trip,
// which encoding/json serializes with keys in sorted order. Together that's
// enough to make the hash input canonical without a dedicated
// canonicalization library.
//
// The Reconciler uses this same function to compute wantedConfigSha, so the
// two agree whenever they pass the same tracked branch. For an artifactless
// config with no branch override they do not: Sync passes the branch it
// synced, while the Reconciler passes an empty string.
func Fingerprint(dc *cicdv1.DeployConfig, trackedBranch string) string {
	var rawSpec json.RawMessage
	if dc.Spec.Spec != nil {
		rawSpec = dc.Spec.Spec.Raw
	}
	input := struct {
		ResourceType  string          `json:"resourceType"`
		APIVersion    string          `json:"apiVersion"`
		Spec          json.RawMessage `json:"spec"`
		ArtifactOwner string          `json:"artifactOwner"`
		ArtifactRepo  string          `json:"artifactRepo"`
		TrackedBranch string          `json:"trackedBranch"`
	}{
		ResourceType:  dc.Spec.ResourceType,
		APIVersion:    dc.Spec.APIVersion,
		Spec:          rawSpec,
		ArtifactOwner: dc.Spec.Repo.Owner,
		ArtifactRepo:  dc.Spec.Repo.Repo,
		TrackedBranch: trackedBranch,
	}

	b, _ := json.Marshal(input)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
