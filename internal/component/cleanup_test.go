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

package component

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanupStackCloseOnce(t *testing.T) {
	stack := NewCleanupStack(nil)
	runs := 0
	require.NoError(t, stack.Push("count", func(context.Context) error { runs++; return nil }))
	assert.Equal(t, 1, stack.Len())

	require.NoError(t, stack.Close(context.Background()))
	require.NoError(t, stack.Close(context.Background()))
	assert.Equal(t, 1, runs)
	assert.ErrorIs(t, stack.Push("late", func(context.Context) error { return nil }), ErrStackClosed)
}

func TestCleanupStackContinuesAfterFailure(t *testing.T) {
	stack := NewCleanupStack(nil)
	errA := errors.New("a failed")
	errC := errors.New("c failed")
	var order []string

	_ = stack.Push("a", func(context.Context) error { order = append(order, "a"); return errA })
	_ = stack.Push("b", func(context.Context) error { order = append(order, "b"); panic("boom") })
	_ = stack.Push("c", func(context.Context) error { order = append(order, "c"); return errC })

	err := stack.Close(context.Background())
	assert.Equal(t, []string{"c", "b", "a"}, order)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errC)
	assert.ErrorContains(t, err, "cleanup b: panic: boom")

	// 再次调用返回相同结果
	assert.Equal(t, err, stack.Close(context.Background()))
}
