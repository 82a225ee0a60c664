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

package json

import (
	"encoding/json"
	"io"

	"github.com/bytedance/sonic"
	"github.com/cockroachdb/errors"
)

// ErrNotObject 表示顶层 JSON 值不是对象（包括 null）。
var ErrNotObject = errors.New("top-level json value is not an object")

var (
	// sonicStd 与 encoding/json 行为保持一致（map 按 key 排序、转义 HTML）。
	sonicStd = sonic.ConfigStd

	Marshal       = sonicStd.Marshal
	Unmarshal     = sonicStd.Unmarshal
	MarshalIndent = sonicStd.MarshalIndent
	Valid         = sonicStd.Valid
)

type (
	RawMessage = json.RawMessage
	Number     = json.Number
)

// NewEncoder 返回写入 w 的编码器。
func NewEncoder(w io.Writer) sonic.Encoder {
	return sonicStd.NewEncoder(w)
}

// NewDecoder 返回从 r 读取的解码器。
func NewDecoder(r io.Reader) sonic.Decoder {
	return sonicStd.NewDecoder(r)
}

// UnmarshalObject 将 data 解码为 JSON 对象，顶层不是对象时返回错误。
func UnmarshalObject(data []byte) (map[string]any, error) {
	var obj map[string]any
	if err := sonicStd.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, ErrNotObject
	}
	return obj, nil
}
