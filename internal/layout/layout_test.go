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

package layout

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/benchfleet/benchfleet/internal/failure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoTier(t *testing.T) *Layout {
	t.Helper()
	l, err := New([]ClientInstance{
		{Name: "bench-server", IPAddress: "10.0.0.1", Role: RoleServer},
		{Name: "bench-client-1", IPAddress: "10.0.0.2", Role: RoleClient},
		{Name: "bench-client-2", IPAddress: "10.0.0.3", Role: "client"},
	})
	require.NoError(t, err)
	return l
}

func TestResolveByNameOrIP(t *testing.T) {
	l := twoTier(t)

	inst, ok, err := l.Resolve(Identity{Name: "BENCH-SERVER"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, RoleServer, inst.Role)

	inst, ok, err = l.Resolve(Identity{Name: "some-host", IPAddresses: []string{"192.168.1.9", "10.0.0.3"}})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "bench-client-2", inst.Name)
}

func TestResolveZeroMatchesIsStandalone(t *testing.T) {
	l := twoTier(t)
	inst, ok, err := l.Resolve(Identity{Name: "laptop", IPAddresses: []string{"127.0.0.1"}})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, inst.Role)

	var empty *Layout
	_, ok, err = empty.Resolve(Identity{Name: "laptop"})
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestResolveDuplicateNames(t *testing.T) {
	// Bypass New to model a topology that reached Resolve unvalidated
	// 绕过 New，模拟未经校验的拓扑
	l := &Layout{instances: []ClientInstance{
		{Name: "node", IPAddress: "10.0.0.1", Role: RoleServer},
		{Name: "NODE", IPAddress: "10.0.0.2", Role: RoleClient},
	}}
	_, _, err := l.Resolve(Identity{Name: "node"})
	assert.Equal(t, failure.EnvironmentLayoutClientInstanceDuplicates, failure.ReasonOf(err))
}

func TestResolveNameAndIPMatchDifferentInstances(t *testing.T) {
	l := twoTier(t)
	_, _, err := l.Resolve(Identity{Name: "bench-server", IPAddresses: []string{"10.0.0.2"}})
	assert.ErrorIs(t, err, failure.Sentinel(failure.EnvironmentLayoutClientInstanceDuplicates))
}

func TestNewRejects(t *testing.T) {
	_, err := New([]ClientInstance{
		{Name: "a", IPAddress: "10.0.0.1", Role: RoleServer},
		{Name: "A", IPAddress: "10.0.0.2", Role: RoleClient},
	})
	assert.Equal(t, failure.EnvironmentLayoutClientInstanceDuplicates, failure.ReasonOf(err))

	_, err = New([]ClientInstance{{Name: "a", Role: RoleServer}})
	assert.Equal(t, failure.EnvironmentLayoutInvalid, failure.ReasonOf(err))

	_, err = New([]ClientInstance{{Name: "a", IPAddress: "10.0.0.1"}})
	assert.Equal(t, failure.EnvironmentLayoutInvalid, failure.ReasonOf(err))
}

func TestInstancesWithRole(t *testing.T) {
	l := twoTier(t)
	clients := l.InstancesWithRole("CLIENT")
	require.Len(t, clients, 2)
	assert.Equal(t, "bench-client-1", clients[0].Name)
	assert.Equal(t, "bench-client-2", clients[1].Name)

	servers := l.InstancesWithRole(RoleServer)
	require.Len(t, servers, 1)
	assert.Equal(t, "10.0.0.1", servers[0].IPAddress)

	assert.Empty(t, l.InstancesWithRole("Observer"))
}

func TestLoadYAMLAndJSON(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "layout.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
clients:
  - name: server-0
    ipAddress: 10.1.0.4
    role: Server
  - name: client-0
    ipAddress: 10.1.0.5
    role: Client
`), 0o644))
	l, err := Load(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, 2, l.Len())

	jsonPath := filepath.Join(dir, "layout.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(
		`{"clients":[{"name":"server-0","ipAddress":"10.1.0.4","role":"Server"}]}`), 0o644))
	l, err = Load(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, []ClientInstance{{Name: "server-0", IPAddress: "10.1.0.4", Role: RoleServer}}, l.Instances())

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Equal(t, failure.EnvironmentLayoutInvalid, failure.ReasonOf(err))
}

func TestLocalIdentity(t *testing.T) {
	id, err := LocalIdentity()
	require.NoError(t, err)
	assert.NotEmpty(t, id.Name)
	for _, addr := range id.IPAddresses {
		assert.NotEqual(t, "127.0.0.1", addr)
	}
}
