/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package process

import (
	"fmt"
	"unsafe"

	"github.com/benchfleet/benchfleet/internal/affinity"
	"github.com/benchfleet/benchfleet/internal/failure"
	"golang.org/x/sys/unix"
)

// cpuSetCores is the number of cores a unix.CPUSet can hold
const cpuSetCores = int(unsafe.Sizeof(unix.CPUSet{})) * 8

// applyAffinity pins pid to the cores of set via sched_setaffinity.
// Children forked afterwards inherit the mask.
// applyAffinity 通过 sched_setaffinity 将 pid 绑定到指定核心。
func applyAffinity(pid int, set affinity.Set) error {
	// CPUSet.Set silently drops indices past its capacity
	if m := set.Max(); m >= cpuSetCores {
		return failure.Wrap(failure.PlatformNotSupported,
			fmt.Errorf("%w: core %d exceeds %d", affinity.ErrUnrepresentable, m, cpuSetCores-1),
			"pin pid %d", pid)
	}

	var cpus unix.CPUSet
	cpus.Zero()
	for _, c := range set.Cores() {
		cpus.Set(c)
	}
	if err := unix.SchedSetaffinity(pid, &cpus); err != nil {
		return failure.Wrap(failure.PlatformNotSupported, err, "pin pid %d to cores %s", pid, set.CoreList())
	}
	return nil
}
