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

package metrics

import "github.com/prometheus/client_golang/prometheus"

const sessionMetricSubsystem = "session"

// 会话移除原因标签取值。
const (
	RemovedByRevoke = "revoke"
	RemovedBySweep  = "sweep"
)

var (
	SessionActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: boardlinkNamespace,
		Subsystem: sessionMetricSubsystem,
		Name:      "active",
		Help:      "当前被跟踪的会话数量",
	})

	SessionRemoved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: boardlinkNamespace,
		Subsystem: sessionMetricSubsystem,
		Name:      "removed_total",
		Help:      "被移除的会话数量，按原因区分",
	}, []string{"reason"})

	SessionReleaseFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: boardlinkNamespace,
		Subsystem: sessionMetricSubsystem,
		Name:      "release_failures_total",
		Help:      "通知控制进程释放外部会话 ID 失败的次数",
	})

	SessionValidations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: boardlinkNamespace,
		Subsystem: sessionMetricSubsystem,
		Name:      "validations_total",
		Help:      "会话校验次数，按结果区分",
	}, []string{outcomeLabelName})
)

func registerSession(r prometheus.Registerer) {
	r.MustRegister(SessionActive)
	r.MustRegister(SessionRemoved)
	r.MustRegister(SessionReleaseFailures)
	r.MustRegister(SessionValidations)
}
