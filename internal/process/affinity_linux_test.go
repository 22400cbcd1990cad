//go:build linux
// +build linux

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
	"os"
	"testing"

	"github.com/benchfleet/benchfleet/internal/affinity"
	"github.com/benchfleet/benchfleet/internal/failure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCPUSetCapacityMatchesLinuxLimit(t *testing.T) {
	assert.Equal(t, affinity.MaxLinuxCore+1, cpuSetCores)
}

func TestApplyAffinityRejectsCoreBeyondCPUSet(t *testing.T) {
	set, err := affinity.New(cpuSetCores)
	require.NoError(t, err)

	err = applyAffinity(os.Getpid(), set)
	assert.ErrorIs(t, err, affinity.ErrUnrepresentable)
	assert.Equal(t, failure.PlatformNotSupported, failure.ReasonOf(err))
}
