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

package ingest

import (
	"encoding/json"
	"fmt"
	"time"
)

// frameEnvelope is the outer shape of every frame the upstream proxy sends:
// a discriminator plus a kind-specific payload, decoded lazily so an
// unrecognised kind costs nothing beyond the envelope itself.
type frameEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// pushFrame carries a single push to a branch: the new head commit plus
// whatever ancestors the proxy chose to flatten into this frame (the
// upstream proxy squashes a push's commit list the same way a GitHub push
// webhook does).
type pushFrame struct {
	Owner         string        `json:"owner"`
	Repo          string        `json:"repo"`
	DefaultBranch string        `json:"defaultBranch"`
	Branch        string        `json:"branch"`
	Commit        commitPayload `json:"commit"`
}

type commitPayload struct {
	SHA       string    `json:"sha"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	Committer string    `json:"committer"`
	Timestamp time.Time `json:"timestamp"`
	Parents   []string  `json:"parents"`
}

// checkFrame carries a completed check_run/check_suite: the commit it ran
// against, and the raw (status, conclusion) pair the caller derives a
// store.BuildStatus from.
type checkFrame struct {
	Owner      string `json:"owner"`
	Repo       string `json:"repo"`
	SHA        string `json:"sha"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	URL        string `json:"url"`
}

func decodeFrame(raw []byte) (frameEnvelope, error) {
	var env frameEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return frameEnvelope{}, fmt.Errorf("decoding frame envelope: %w", err)
	}
	return env, nil
}
