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
	"context"
	"time"

	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/coolkev/cicd-controller/internal/cicderr"
	"github.com/coolkev/cicd-controller/internal/cluster"
)

const (
	copiedFromTemplateLabel   = "cicd.coolkev.com/copied-from-template"
	copiedFromTemplateNSAnnot = "cicd.coolkev.com/copied-from-template-namespace"
	copiedAtAnnot             = "cicd.coolkev.com/copied-at"
)

// Provisioner ensures target namespaces exist, optionally seeding them
// from a template namespace.
type Provisioner struct {
	cluster           cluster.Client
	templateNamespace string
}

// New builds a Provisioner. templateNamespace may be empty to disable
// template-namespace copying entirely.
func New(c cluster.Client, templateNamespace string) *Provisioner {
	return &Provisioner{cluster: c, templateNamespace: templateNamespace}
}

// Ensure creates ns if it does not already exist. When it has to create
// ns and a template namespace is configured, it copies the template
// namespace's resources into ns, skipping any that already exist there.
func (p *Provisioner) Ensure(ctx context.Context, ns string) error {
	log := logf.FromContext(ctx)

	exists, err := p.cluster.NamespaceExists(ctx, ns)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	if err := p.cluster.EnsureNamespace(ctx, ns); err != nil {
		return err
	}

	if p.templateNamespace == "" {
		return nil
	}

	templates, err := p.cluster.ListNamespaced(ctx, p.templateNamespace)
	if err != nil {
		log.Error(err, "listing template namespace resources", "templateNamespace", p.templateNamespace, "target", ns)
		return nil
	}

	now := time.Now().UTC()
	for i := range templates {
		obj := templates[i].DeepCopy()
		prepareCopy(obj, p.templateNamespace, ns, now)

		if err := p.cluster.Create(ctx, obj); err != nil {
			if kind, ok := cicderr.KindOf(err); ok && kind == cicderr.Conflict {
				continue
			}
			log.Error(err, "copying template resource", "kind", obj.GetKind(), "name", obj.GetName(), "target", ns)
			continue
		}
	}

	return nil
}
