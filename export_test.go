// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fabric

// Compiles returns how many contracts r has compiled.
func (r *Registry) Compiles() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.compiles
}
