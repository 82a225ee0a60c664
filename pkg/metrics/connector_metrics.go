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

const connectorMetricSubsystem = "connector"

var (
	ConnectorReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: boardlinkNamespace,
		Subsystem: connectorMetricSubsystem,
		Name:      "reconnects_total",
		Help:      "重新握手的次数，按结果区分",
	}, []string{outcomeLabelName})

	ConnectorPatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: boardlinkNamespace,
		Subsystem: connectorMetricSubsystem,
		Name:      "patches_total",
		Help:      "合并进镜像的增量补丁数量",
	})

	ConnectorSnapshots = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: boardlinkNamespace,
		Subsystem: connectorMetricSubsystem,
		Name:      "snapshots_total",
		Help:      "收到的全量快照数量",
	})

	ConnectorHeartbeats = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: boardlinkNamespace,
		Subsystem: connectorMetricSubsystem,
		Name:      "heartbeats_total",
		Help:      "等待补丁超时后发出的心跳请求数量",
	})

	ConnectorDisconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: boardlinkNamespace,
		Subsystem: connectorMetricSubsystem,
		Name:      "disconnects_total",
		Help:      "后台同步任务断开的次数，按阶段区分",
	}, []string{strategyLabel, stageLabelName})

	ConnectorRequestAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: boardlinkNamespace,
		Subsystem: connectorMetricSubsystem,
		Name:      "request_attempts_total",
		Help:      "请求操作的单次尝试数量，按操作与结果区分",
	}, []string{opLabelName, outcomeLabelName})

	ConnectorRequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: boardlinkNamespace,
		Subsystem: connectorMetricSubsystem,
		Name:      "request_latency",
		Help:      "请求操作耗时（含重试），单位毫秒",
		Buckets:   buckets,
	}, []string{opLabelName})
)

func registerConnector(r prometheus.Registerer) {
	r.MustRegister(ConnectorReconnects)
	r.MustRegister(ConnectorPatches)
	r.MustRegister(ConnectorSnapshots)
	r.MustRegister(ConnectorHeartbeats)
	r.MustRegister(ConnectorDisconnects)
	r.MustRegister(ConnectorRequestAttempts)
	r.MustRegister(ConnectorRequestLatency)
}
