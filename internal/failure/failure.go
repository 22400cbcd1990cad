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

// Package failure defines the error taxonomy shared by every agent component.
// failure 包定义所有 Agent 组件共享的错误分类。
//
// Each failure carries a Kind (which layer failed) and a Reason (why it
// failed). The lifecycle classifies errors at the Execute boundary and the
// driver surfaces kind, reason and message to the operator.
// 每个失败都带有 Kind（哪一层失败）和 Reason（失败原因）。
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies the layer that produced a failure
// Kind 标识产生失败的层
type Kind string

const (
	// KindPlatform indicates the component cannot run on this OS/CPU
	// KindPlatform 表示组件无法在当前操作系统/CPU 上运行
	KindPlatform Kind = "platform"

	// KindDependency indicates the environment is not provisioned
	// KindDependency 表示环境尚未准备就绪
	KindDependency Kind = "dependency"

	// KindWorkload indicates the external process ran and signaled failure
	// KindWorkload 表示外部进程已运行并返回失败
	KindWorkload Kind = "workload"

	// KindLayout indicates an invalid or ambiguous environment layout
	// KindLayout 表示环境布局无效或存在歧义
	KindLayout Kind = "layout"

	// KindSchema indicates malformed workload output
	// KindSchema 表示工作负载输出格式错误
	KindSchema Kind = "schema"

	// KindAPI indicates a state API call failed
	// KindAPI 表示状态 API 调用失败
	KindAPI Kind = "api"
)

// Reason is the specific cause of a failure
// Reason 是失败的具体原因
type Reason string

const (
	PlatformNotSupported                      Reason = "PlatformNotSupported"
	ProcessorArchitectureNotSupported         Reason = "ProcessorArchitectureNotSupported"
	DependencyNotFound                        Reason = "DependencyNotFound"
	DependencyInstallationFailed              Reason = "DependencyInstallationFailed"
	WorkloadFailed                            Reason = "WorkloadFailed"
	EnvironmentLayoutClientInstanceDuplicates Reason = "EnvironmentLayoutClientInstanceDuplicates"
	EnvironmentLayoutInvalid                  Reason = "EnvironmentLayoutInvalid"
	SchemaInvalid                             Reason = "SchemaInvalid"
	APIRequestFailed                          Reason = "ApiRequestFailed"
	Cancelled                                 Reason = "Cancelled"
)

// kindOf maps every reason to its owning kind
var kindOf = map[Reason]Kind{
	PlatformNotSupported:                      KindPlatform,
	ProcessorArchitectureNotSupported:         KindPlatform,
	DependencyNotFound:                        KindDependency,
	DependencyInstallationFailed:              KindDependency,
	WorkloadFailed:                            KindWorkload,
	EnvironmentLayoutClientInstanceDuplicates: KindLayout,
	EnvironmentLayoutInvalid:                  KindLayout,
	SchemaInvalid:                             KindSchema,
	APIRequestFailed:                          KindAPI,
	Cancelled:                                 KindWorkload,
}

// Kind returns the kind that owns the reason
// Kind 返回该原因所属的类别
func (r Reason) Kind() Kind {
	if k, ok := kindOf[r]; ok {
		return k
	}
	return KindWorkload
}

// Error is a classified agent failure
// Error 是经过分类的 Agent 失败
type Error struct {
	Reason  Reason
	Message string
	Err     error
}

// New creates a classified failure
// New 创建一个分类失败
func New(reason Reason, format string, args ...any) *Error {
	return &Error{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error
// Wrap 对底层错误进行分类
func Wrap(reason Reason, err error, format string, args ...any) *Error {
	return &Error{Reason: reason, Message: fmt.Sprintf(format, args...), Err: err}
}

// Kind returns the failure kind
func (e *Error) Kind() Kind {
	return e.Reason.Kind()
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Kind(), e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("%s/%s: %s", e.Kind(), e.Reason, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a failure with the same reason
// Is 判断目标是否为相同原因的失败
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Reason == e.Reason && t.Message == "" && t.Err == nil
	}
	return false
}

// Sentinel returns a bare failure usable with errors.Is
// Sentinel 返回可用于 errors.Is 的空失败
func Sentinel(reason Reason) error {
	return &Error{Reason: reason}
}

// ReasonOf extracts the reason of a classified error, or empty string
// ReasonOf 提取分类错误的原因，未分类时返回空字符串
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// KindOf extracts the kind of a classified error, or empty string
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind()
	}
	return ""
}

// Retryable reports whether a failure may succeed on a later attempt.
// Dependency failures are retryable at the Initialize level; platform and
// layout failures never are.
// Retryable 判断失败是否可在后续尝试中成功。
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindDependency, KindAPI:
		return true
	default:
		return false
	}
}

// Classify turns an arbitrary error raised by Execute into a classified one.
// Context errors become Cancelled, already-classified errors are kept.
// Classify 将 Execute 抛出的任意错误转换为分类错误。
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(Cancelled, err, "operation cancelled")
	}
	return Wrap(WorkloadFailed, err, "workload failed")
}
