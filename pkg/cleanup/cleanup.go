// Copyright 2026 The gVisor Authors.
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

// Package cleanup provides utilities to undo partial work on error paths.
package cleanup

// Cleanup runs a stack of functions when Clean is called, unless Release was
// called first. The zero value is ready to use.
//
//	cu := cleanup.Make(func() { vm.Unmap(addr, length) })
//	defer cu.Clean()
//	...
//	cu.Release()
type Cleanup struct {
	cleaners []func()
}

// Make creates a Cleanup that runs f on Clean.
func Make(f func()) Cleanup {
	return Cleanup{cleaners: []func(){f}}
}

// Add pushes f. Functions run in reverse order of addition.
func (c *Cleanup) Add(f func()) {
	c.cleaners = append(c.cleaners, f)
}

// Clean runs all pending functions. It is a no-op after Release.
func (c *Cleanup) Clean() {
	for i := len(c.cleaners) - 1; i >= 0; i-- {
		c.cleaners[i]()
	}
	c.cleaners = nil
}

// Release disarms the Cleanup and returns a function that runs the pending
// cleaners, for callers that want to transfer them elsewhere.
func (c *Cleanup) Release() func() {
	old := c.cleaners
	c.cleaners = nil
	return func() {
		for i := len(old) - 1; i >= 0; i-- {
			old[i]()
		}
	}
}
