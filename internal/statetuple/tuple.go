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

// Package statetuple validates a DeployConfig's (artifactSha, configSha)
// target tuple against its four permitted shapes, shared by the Reconciler
// and the Deploy Coordinator so the two components never disagree about
// what's a legal target.
package statetuple

import (
	"fmt"

	"github.com/coolkev/cicd-controller/internal/cicderr"
)

// Validate reports an InvalidInput error if (sha, configSha) is not one of
// the four permitted shapes for a config of the given artifactfulness:
//
//	(None, None)  always valid
//	(None, Sha)   valid only if artifactless
//	(Sha,  None)  never valid
//	(Sha,  Sha)   valid only if artifactful
func Validate(artifactful bool, sha, configSha string) error {
	switch {
	case sha == "" && configSha == "":
		return nil
	case sha == "" && configSha != "":
		if artifactful {
			return cicderr.New("Validate", cicderr.InvalidInput, fmt.Errorf("artifactful config cannot target (None, %s)", configSha))
		}
		return nil
	case sha != "" && configSha == "":
		return cicderr.New("Validate", cicderr.InvalidInput, fmt.Errorf("target tuple (%s, None) is never valid", sha))
	default:
		if !artifactful {
			return cicderr.New("Validate", cicderr.InvalidInput, fmt.Errorf("artifactless config cannot target (%s, %s)", sha, configSha))
		}
		return nil
	}
}
