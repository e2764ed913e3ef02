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

import "sync"

// branchSerial keys a mutex per (owner, repo, branch) so events on the same
// branch are handled in the order they were received, while events on
// different branches run concurrently. Unlike the Reconciler's per-DC
// single-flight lock, entries here are never dropped: the set of branches a
// long-running process observes is small and bounded, so the simpler
// never-shrinks map avoids a delete/re-create race against an in-flight
// dispatch for the same key.
type branchSerial struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newBranchSerial() *branchSerial {
	return &branchSerial{locks: map[string]*sync.Mutex{}}
}

func (b *branchSerial) run(key string, task func()) {
	b.mu.Lock()
	l, ok := b.locks[key]
	if !ok {
		l = &sync.Mutex{}
		b.locks[key] = l
	}
	b.mu.Unlock()

	l.Lock()
	defer l.Unlock()
	task()
}
