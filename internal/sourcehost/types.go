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

package sourcehost

import "context"

// TreeEntry is one entry returned by ListTree.
type TreeEntry struct {
	Path string
	Type string // "blob" or "tree"
	SHA  string
	Size int
}

// Client resolves branches, lists directory trees, and fetches blob
// contents from the source host. Implementations must be safe for
// concurrent use.
type Client interface {
	// ResolveBranch returns the head commit SHA of owner/repo's branch.
	ResolveBranch(ctx context.Context, owner, repo, branch string) (string, error)
	// ListTree lists the entries directly under path at sha. A
	// non-existent path returns an empty slice, not an error.
	ListTree(ctx context.Context, owner, repo, sha, path string) ([]TreeEntry, error)
	// GetBlob fetches the raw bytes of the file at path, sha.
	GetBlob(ctx context.Context, owner, repo, sha, path string) ([]byte, error)
}
