// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"sync/atomic"

	"github.com/uber/jaeger-client-go/utils"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// MLogger 是组件持有的日志实例（Connector、Store、Acceptor 各一个）。
// 重连、保活失败这类会在链路抖动时刷屏的告警走 RatedWarn，
// 限流额度按 WithRateGroup 登记的分组计算，未分组时使用全局限流器。
type MLogger struct {
	*zap.Logger
	rl atomic.Value // RateLimiter
}

// With 返回附加了字段的子实例，字段在首次写日志时才合并进 core。
// 子实例继承当前的限流分组。
func (l *MLogger) With(fields ...zap.Field) *MLogger {
	nl := &MLogger{
		Logger: l.Logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return NewLazyWith(core, fields)
		})),
	}
	if rl := l.rl.Load(); rl != nil {
		nl.rl.Store(rl)
	}
	return nl
}

// WithRateGroup 让 l 使用名为 groupName 的限流器，返回 l 本身。
// 同名分组在进程内共享一个限流器，后一次登记的参数覆盖前一次，
// 例如所有 Connector 的断线告警共用 "connector" 分组。
func (l *MLogger) WithRateGroup(groupName string, creditPerSecond, maxBalance float64) *MLogger {
	var rl *utils.ReconfigurableRateLimiter
	if actual, ok := _namedRateLimiters.Load(groupName); ok {
		rl = actual.(*utils.ReconfigurableRateLimiter)
		rl.Update(creditPerSecond, maxBalance)
	} else {
		actual, _ := _namedRateLimiters.LoadOrStore(groupName, utils.NewRateLimiter(creditPerSecond, maxBalance))
		rl = actual.(*utils.ReconfigurableRateLimiter)
	}
	l.rl.Store(RateLimiter(rl))
	return l
}

func (l *MLogger) r() RateLimiter {
	if rl, ok := l.rl.Load().(RateLimiter); ok && rl != nil {
		return rl
	}
	return R()
}

// RatedInfo 在限流额度足够时以 Info 级别输出，返回是否已输出。
func (l *MLogger) RatedInfo(cost float64, msg string, fields ...zap.Field) bool {
	if l.r().CheckCredit(cost) {
		l.WithOptions(zap.AddCallerSkip(1)).Info(msg, fields...)
		return true
	}
	return false
}

// RatedWarn 在限流额度足够时以 Warn 级别输出，返回是否已输出。
func (l *MLogger) RatedWarn(cost float64, msg string, fields ...zap.Field) bool {
	if l.r().CheckCredit(cost) {
		l.WithOptions(zap.AddCallerSkip(1)).Warn(msg, fields...)
		return true
	}
	return false
}
