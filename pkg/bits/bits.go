// Copyright 2025 The riommu Authors.
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

// Package bits provides bit-range helpers for decoding packed hardware
// records.
package bits

// IsOn returns true if *all* bits set in 'bits' are set in 'mask'.
func IsOn(mask, bits uint64) bool {
	return mask&bits == bits
}

// IsAnyOn returns true if *any* bit set in 'bits' is set in 'mask'.
func IsAnyOn(mask, bits uint64) bool {
	return mask&bits != 0
}

// Bit returns bit i of v.
func Bit(v uint64, i int) bool {
	return v&(uint64(1)<<uint(i)) != 0
}

// Field extracts bits [lo, hi] of v, inclusive, shifted down to bit 0.
func Field(v uint64, hi, lo int) uint64 {
	return (v >> uint(lo)) & (uint64(1)<<uint(hi-lo+1) - 1)
}

// Mask returns a value with bits [lo, hi] set, inclusive.
func Mask(hi, lo int) uint64 {
	return (uint64(1)<<uint(hi-lo+1) - 1) << uint(lo)
}

// MaskOf returns a value with only bit i set.
func MaskOf(i int) uint64 {
	return uint64(1) << uint(i)
}
