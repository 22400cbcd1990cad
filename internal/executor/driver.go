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

package executor

import (
	"context"

	"github.com/benchfleet/benchfleet/internal/component"
	"go.uber.org/zap"
)

// Driver runs a profile's steps for the local role, in order, stopping at
// the first failure.
// Driver 按顺序运行本机角色的配置步骤，遇到首个失败即停止。
type Driver struct {
	rc        *component.Context
	lifecycle *component.Lifecycle
	stepOpts  []StepOption
}

// NewDriver creates a driver bound to the runtime context
func NewDriver(rc *component.Context, lifecycle *component.Lifecycle, stepOpts ...StepOption) *Driver {
	if lifecycle == nil {
		lifecycle = component.NewLifecycle(rc)
	}
	return &Driver{rc: component.NewContext(rc), lifecycle: lifecycle, stepOpts: stepOpts}
}

// Run executes the profile
// Run 执行配置文件
func (d *Driver) Run(ctx context.Context, profile *Profile) ([]component.Result, error) {
	steps := profile.StepsFor(d.rc.Role())
	d.rc.Logger.Info("[Driver] running profile",
		zap.String("profile", profile.Name),
		zap.String("role", d.rc.Role()),
		zap.Int("steps", len(steps)),
		zap.String("run_id", d.rc.RunID))

	results := make([]component.Result, 0, len(steps))
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res := d.lifecycle.Run(ctx, NewProcessStep(step, d.stepOpts...))
		results = append(results, res)
		if res.Err != nil {
			return results, res.Err
		}
	}
	return results, nil
}
