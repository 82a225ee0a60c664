// Copyright 2021 PingCAP, Inc.
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

// Copyright (c) 2017 Uber Technologies, Inc.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// 说明：本文件中的部分代码基于 go.uber.org/zap 中的实现，遵循 MIT 许可。
//
// https://github.com/uber-go/zap/blob/0c427222737cbbbdc53ebdf852c511f7aca0818b/zaptest/logger.go

package log

import (
	"bytes"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// TestingT 为测试日志所需的最小接口，*testing.T 与 *testing.B 均满足。
type TestingT interface {
	zaptest.TestingT
	Cleanup(func())
}

// testingWriter 将日志转发到 t.Logf。
// 测试结束（Cleanup 执行）后转为丢弃，后台协程迟到的日志不会触发
// "Log in goroutine after Test has completed"。
type testingWriter struct {
	t          zaptest.TestingT
	markFailed bool
	state      *writerState
}

type writerState struct {
	mu     sync.Mutex
	closed bool
}

func newTestingWriter(t zaptest.TestingT) testingWriter {
	w := testingWriter{t: t, state: &writerState{}}
	if ct, ok := t.(interface{ Cleanup(func()) }); ok {
		ct.Cleanup(w.close)
	}
	return w
}

// WithMarkFailed 返回共享同一关闭状态的副本，并设置 markFailed 标志。
func (w testingWriter) WithMarkFailed(v bool) testingWriter {
	w.markFailed = v
	return w
}

func (w testingWriter) close() {
	w.state.mu.Lock()
	w.state.closed = true
	w.state.mu.Unlock()
}

func (w testingWriter) Write(p []byte) (n int, err error) {
	n = len(p)

	w.state.mu.Lock()
	defer w.state.mu.Unlock()
	if w.state.closed {
		return n, nil
	}

	// t.Log 会自动追加换行。
	w.t.Logf("%s", bytes.TrimRight(p, "\n"))
	if w.markFailed {
		w.t.Fail()
	}
	return n, nil
}

func (w testingWriter) Sync() error {
	return nil
}

// SetupTestLogger 在测试期间把全局日志重定向到 t.Log，测试结束时恢复原来的全局日志。
// 之后通过 log.With 创建的组件日志（Connector、Store、Acceptor）都会输出到测试日志。
// 返回的 MLogger 可直接注入组件。
func SetupTestLogger(t TestingT) *MLogger {
	prevL := L()
	prevP := _globalP.Load().(*ZapProperties)

	logger, props, err := InitTestLogger(t, &Config{Level: "debug", DisableTimestamp: true})
	if err != nil {
		t.Errorf("init test logger: %v", err)
		return &MLogger{Logger: zap.NewNop()}
	}
	ReplaceGlobals(logger, props)
	t.Cleanup(func() { ReplaceGlobals(prevL, prevP) })
	return &MLogger{Logger: logger}
}
