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

// Package affinity parses and renders CPU core-binding configurations.
// affinity 包解析并渲染 CPU 核心绑定配置。
package affinity

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"
	"strconv"
	"strings"

	"github.com/benchfleet/benchfleet/internal/failure"
)

// Platform limits of the affinity primitives
// 各平台亲和性原语的上限
const (
	// MaxBitmaskCore is the highest core index a single-group 64-bit mask can hold
	// MaxBitmaskCore 是单组 64 位掩码可表示的最大核心索引
	MaxBitmaskCore = 63

	// MaxLinuxCore is the highest index of a glibc cpu_set_t (CPU_SETSIZE 1024)
	// MaxLinuxCore 是 cpu_set_t（CPU_SETSIZE 1024）可表示的最大核心索引
	MaxLinuxCore = 1023

	// MaxCore bounds every parsed index, the largest of the platform limits
	// MaxCore 限制所有解析出的索引，取各平台上限中的最大值
	MaxCore = MaxLinuxCore
)

// Errors for affinity parsing
// 亲和性解析错误
var (
	ErrEmpty           = errors.New("affinity: core list is empty")
	ErrMalformed       = errors.New("affinity: malformed core token")
	ErrNegative        = errors.New("affinity: negative core index")
	ErrReversedRange   = errors.New("affinity: range start greater than end")
	ErrUnrepresentable = errors.New("affinity: core index not representable on platform")
)

// Platform names accepted by ToPlatformRepresentation
const (
	PlatformLinux   = "linux"
	PlatformWindows = "windows"
)

// Set is a sorted, deduplicated set of non-negative core indices
// Set 是经过排序和去重的非负核心索引集合
type Set struct {
	cores []int
}

// New builds a Set from explicit indices
// New 从显式索引构建 Set
func New(cores ...int) (Set, error) {
	if len(cores) == 0 {
		return Set{}, ErrEmpty
	}
	seen := make(map[int]struct{}, len(cores))
	out := make([]int, 0, len(cores))
	for _, c := range cores {
		if c < 0 {
			return Set{}, fmt.Errorf("%w: %d", ErrNegative, c)
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Ints(out)
	return Set{cores: out}, nil
}

// Parse parses a core-list string such as "0,2,4-7"
// Parse 解析核心列表字符串，例如 "0,2,4-7"
func Parse(s string) (Set, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Set{}, ErrEmpty
	}

	var cores []int
	for _, token := range strings.Split(s, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			return Set{}, fmt.Errorf("%w: empty token in %q", ErrMalformed, s)
		}

		// A leading '-' is a negative index, not a range
		// 前导 '-' 表示负数索引，而不是范围
		if strings.HasPrefix(token, "-") {
			return Set{}, fmt.Errorf("%w: %q", ErrNegative, token)
		}

		lo, hi, isRange := strings.Cut(token, "-")
		start, err := parseIndex(lo)
		if err != nil {
			return Set{}, err
		}
		if !isRange {
			cores = append(cores, start)
			continue
		}

		if strings.HasPrefix(hi, "-") {
			return Set{}, fmt.Errorf("%w: %q", ErrNegative, token)
		}
		end, err := parseIndex(hi)
		if err != nil {
			return Set{}, err
		}
		if start > end {
			return Set{}, fmt.Errorf("%w: %q", ErrReversedRange, token)
		}
		for c := start; c <= end; c++ {
			cores = append(cores, c)
		}
	}
	return New(cores...)
}

func parseIndex(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: missing index", ErrMalformed)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: %d", ErrNegative, n)
	}
	if n > MaxCore {
		return 0, fmt.Errorf("%w: core %d exceeds %d", ErrUnrepresentable, n, MaxCore)
	}
	return n, nil
}

// Cores returns a copy of the core indices in ascending order
// Cores 返回按升序排列的核心索引副本
func (s Set) Cores() []int {
	out := make([]int, len(s.cores))
	copy(out, s.cores)
	return out
}

// Len returns the number of cores
func (s Set) Len() int {
	return len(s.cores)
}

// Max returns the highest core index, or -1 for an empty set
func (s Set) Max() int {
	if len(s.cores) == 0 {
		return -1
	}
	return s.cores[len(s.cores)-1]
}

// IsEmpty reports whether the set holds no core
func (s Set) IsEmpty() bool {
	return len(s.cores) == 0
}

// Equal reports whether both sets hold the same cores
func (s Set) Equal(other Set) bool {
	if len(s.cores) != len(other.cores) {
		return false
	}
	for i := range s.cores {
		if s.cores[i] != other.cores[i] {
			return false
		}
	}
	return true
}

// CoreList renders the set as a compact core-list string.
// Runs of three or more consecutive indices collapse to "start-end".
// CoreList 将集合渲染为紧凑的核心列表字符串，连续三个及以上的索引折叠为 "start-end"。
func (s Set) CoreList() string {
	var b strings.Builder
	for i := 0; i < len(s.cores); {
		j := i
		for j+1 < len(s.cores) && s.cores[j+1] == s.cores[j]+1 {
			j++
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		switch {
		case j-i >= 2:
			fmt.Fprintf(&b, "%d-%d", s.cores[i], s.cores[j])
		case j-i == 1:
			fmt.Fprintf(&b, "%d,%d", s.cores[i], s.cores[j])
		default:
			b.WriteString(strconv.Itoa(s.cores[i]))
		}
		i = j + 1
	}
	return b.String()
}

// String implements fmt.Stringer
func (s Set) String() string {
	return s.CoreList()
}

// Bitmask renders the set as a single-group 64-bit mask
// Bitmask 将集合渲染为单组 64 位掩码
func (s Set) Bitmask() (uint64, error) {
	var mask uint64
	for _, c := range s.cores {
		if c > MaxBitmaskCore {
			return 0, fmt.Errorf("%w: core %d exceeds %d", ErrUnrepresentable, c, MaxBitmaskCore)
		}
		mask |= 1 << uint(c)
	}
	return mask, nil
}

// FromBitmask builds a Set from a 64-bit mask
// FromBitmask 从 64 位掩码构建 Set
func FromBitmask(mask uint64) (Set, error) {
	cores := make([]int, 0, bits.OnesCount64(mask))
	for mask != 0 {
		c := bits.TrailingZeros64(mask)
		cores = append(cores, c)
		mask &^= 1 << uint(c)
	}
	return New(cores...)
}

// ToPlatformRepresentation renders the set for the platform's affinity primitive:
// a core list on Linux, a hex bitmask ("0x...") on Windows.
// ToPlatformRepresentation 为平台亲和性原语渲染集合：Linux 为核心列表，Windows 为十六进制掩码。
func (s Set) ToPlatformRepresentation(platform string) (string, error) {
	if s.IsEmpty() {
		return "", ErrEmpty
	}
	switch strings.ToLower(platform) {
	case PlatformLinux:
		if m := s.Max(); m > MaxLinuxCore {
			return "", failure.Wrap(failure.PlatformNotSupported,
				fmt.Errorf("%w: core %d exceeds %d", ErrUnrepresentable, m, MaxLinuxCore), "affinity on %s", platform)
		}
		return s.CoreList(), nil
	case PlatformWindows:
		mask, err := s.Bitmask()
		if err != nil {
			return "", failure.Wrap(failure.PlatformNotSupported, err, "affinity on %s", platform)
		}
		return "0x" + strconv.FormatUint(mask, 16), nil
	default:
		return "", failure.New(failure.PlatformNotSupported, "cpu affinity is not supported on %s", platform)
	}
}

// ParsePlatformRepresentation reverses ToPlatformRepresentation
// ParsePlatformRepresentation 是 ToPlatformRepresentation 的逆操作
func ParsePlatformRepresentation(platform, s string) (Set, error) {
	switch strings.ToLower(platform) {
	case PlatformLinux:
		return Parse(s)
	case PlatformWindows:
		hex := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
		mask, err := strconv.ParseUint(hex, 16, 64)
		if err != nil {
			return Set{}, fmt.Errorf("%w: %q", ErrMalformed, s)
		}
		return FromBitmask(mask)
	default:
		return Set{}, failure.New(failure.PlatformNotSupported, "cpu affinity is not supported on %s", platform)
	}
}
