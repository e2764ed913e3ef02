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
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("DeployConfig", func() {
	Context("Artifactful", func() {
		It("is true when repo owner and repo are set", func() {
			dc := &DeployConfig{Spec: DeployConfigSpec{Repo: RepoRef{Owner: "alice", Repo: "web"}}}
			Expect(dc.Artifactful()).To(BeTrue())
		})

		It("is false when repo is empty", func() {
			dc := &DeployConfig{}
			Expect(dc.Artifactful()).To(BeFalse())
		})
	})

	Context("TrackedBranch", func() {
		It("returns the explicit branch when set", func() {
			dc := &DeployConfig{Spec: DeployConfigSpec{Repo: RepoRef{Branch: "release"}}}
			Expect(dc.TrackedBranch("main")).To(Equal("release"))
		})

		It("falls back to the repo default branch when unset", func() {
			dc := &DeployConfig{}
			Expect(dc.TrackedBranch("main")).To(Equal("main"))
		})
	})

	Context("DeepCopy", func() {
		It("produces an independent copy of the spec tree", func() {
			dc := &DeployConfig{Spec: DeployConfigSpec{Repo: RepoRef{Owner: "alice", Repo: "web"}, Autodeploy: true}}
			copied := dc.DeepCopy()
			copied.Spec.Repo.Owner = "bob"
			Expect(dc.Spec.Repo.Owner).To(Equal("alice"))
			Expect(copied.Spec.Repo.Owner).To(Equal("bob"))
		})
	})
})
