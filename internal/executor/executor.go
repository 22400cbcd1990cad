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

// Package executor defines the workload contracts and drives profile steps
// through the component lifecycle.
// executor 包定义工作负载契约，并通过组件生命周期驱动配置文件中的步骤。
package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/benchfleet/benchfleet/internal/component"
	"github.com/benchfleet/benchfleet/internal/failure"
	"github.com/benchfleet/benchfleet/internal/process"
)

// Executor builds a workload command and captures its result
// Executor 构建工作负载命令并采集其结果
type Executor interface {
	// Command returns the process to run for this agent
	Command(ctx context.Context, rc *component.Context) (process.StartOptions, error)

	// Capture consumes the exit status of a successful run
	Capture(ctx context.Context, status process.ExitStatus) error
}

// Parser turns workload output into metrics
// Parser 将工作负载输出转换为指标
type Parser interface {
	Parse(text string) ([]Metric, error)
}

// Metric is one measurement reported by a workload
// Metric 是工作负载报告的一个测量值
type Metric struct {
	Name  string            `json:"name"`
	Value float64           `json:"value"`
	Unit  string            `json:"unit,omitempty"`
	Tags  map[string]string `json:"tags,omitempty"`
}

// SchemaError reports output that does not match the parser's format
// SchemaError 表示输出不符合解析器格式
type SchemaError struct {
	Parser string
	Line   int
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s: line %d: %s", e.Parser, e.Line, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Parser, e.Reason)
}

// Unwrap exposes the SchemaInvalid failure
func (e *SchemaError) Unwrap() error {
	return failure.Sentinel(failure.SchemaInvalid)
}

// ParserJSONLines is the name of the built-in parser
const ParserJSONLines = "jsonl"

// JSONLinesParser reads one JSON metric object per non-empty line.
// Lines not starting with '{' are workload chatter and are skipped.
// JSONLinesParser 每行读取一个 JSON 指标对象，非 '{' 开头的行被忽略。
type JSONLinesParser struct{}

func (JSONLinesParser) Parse(text string) ([]Metric, error) {
	var metrics []Metric
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(raw, "{") {
			continue
		}
		var m Metric
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, &SchemaError{Parser: ParserJSONLines, Line: line, Reason: err.Error()}
		}
		if m.Name == "" {
			return nil, &SchemaError{Parser: ParserJSONLines, Line: line, Reason: "metric name is empty"}
		}
		metrics = append(metrics, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, &SchemaError{Parser: ParserJSONLines, Line: line, Reason: err.Error()}
	}
	return metrics, nil
}

// ParserFor returns the parser registered under name, nil for ""
func ParserFor(name string) (Parser, error) {
	switch strings.ToLower(name) {
	case "":
		return nil, nil
	case ParserJSONLines:
		return JSONLinesParser{}, nil
	default:
		return nil, fmt.Errorf("executor: unknown parser %q", name)
	}
}
