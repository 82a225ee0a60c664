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

const acceptorMetricSubsystem = "acceptor"

var (
	AcceptorRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: boardlinkNamespace,
		Subsystem: acceptorMetricSubsystem,
		Name:      "requests_total",
		Help:      "服务端处理的请求数量，按路由与状态码区分",
	}, []string{routeLabelName, codeLabelName})

	AcceptorRequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: boardlinkNamespace,
		Subsystem: acceptorMetricSubsystem,
		Name:      "request_latency",
		Help:      "服务端请求处理耗时，单位毫秒",
		Buckets:   buckets,
	}, []string{routeLabelName})

	AcceptorStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: boardlinkNamespace,
		Subsystem: acceptorMetricSubsystem,
		Name:      "streams",
		Help:      "当前打开的流式连接数量",
	})

	AcceptorPatchesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: boardlinkNamespace,
		Subsystem: acceptorMetricSubsystem,
		Name:      "patches_sent_total",
		Help:      "通过流式连接发送的补丁数量",
	})
)

func registerAcceptor(r prometheus.Registerer) {
	r.MustRegister(AcceptorRequests)
	r.MustRegister(AcceptorRequestLatency)
	r.MustRegister(AcceptorStreams)
	r.MustRegister(AcceptorPatchesSent)
}
