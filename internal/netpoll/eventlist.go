// Copyright (c) 2022 The rcproxy Authors
// Copyright (c) 2019 Andy Pan
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

//go:build linux || freebsd || dragonfly || darwin
// +build linux freebsd dragonfly darwin

package netpoll

// growShrink tracks the standard double/halve policy for a poller's
// event batch buffer: grow when a Wait call returns a completely full
// batch, shrink when usage drops well below capacity.
func growShrink(size int) int {
	if size*2 > MaxPollEventsCap {
		return MaxPollEventsCap
	}
	return size * 2
}

func shrinkSize(size int) int {
	if size/2 < MinPollEventsCap {
		return MinPollEventsCap
	}
	return size / 2
}
