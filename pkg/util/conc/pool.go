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

package conc

import (
	"fmt"
	"runtime"

	"github.com/cockroachdb/errors"
	ants "github.com/panjf2000/ants/v2"

	"github.com/lk2023060901/boardlink-go/pkg/util/merr"
)

// ErrSubmitFailed 标记任务未能提交到协程池，任务不会被执行。
var ErrSubmitFailed = errors.New("submit task to pool failed")

// Pool 是基于 ants 的协程池，提交的任务以 Future 形式返回结果。
type Pool[T any] struct {
	inner *ants.Pool
	opt   *poolOption
}

// NewPool 创建一个容量为 cap 的协程池，cap <= 0 时使用 CPU 核数。
func NewPool[T any](cap int, opts ...PoolOption) *Pool[T] {
	if cap <= 0 {
		cap = runtime.GOMAXPROCS(0)
	}
	opt := defaultPoolOption()
	for _, o := range opts {
		o(opt)
	}

	pool, err := ants.NewPool(cap, opt.antsOptions()...)
	if err != nil {
		panic(err)
	}

	return &Pool[T]{
		inner: pool,
		opt:   opt,
	}
}

// Submit 向协程池提交一个任务，返回该任务的 Future。
// 协程池已关闭或处于非阻塞模式且已满时，Future 直接携带提交失败的错误。
func (pool *Pool[T]) Submit(method func() (T, error)) *Future[T] {
	future := newFuture[T]()
	err := pool.inner.Submit(func() {
		var (
			res T
			err error
		)
		defer func() {
			if x := recover(); x != nil {
				err = merr.WrapErrServiceInternal(fmt.Sprintf("task panicked: %v", x))
				future.finish(res, err)
				panic(x)
			}
			future.finish(res, err)
		}()
		if pool.opt.preHandler != nil {
			pool.opt.preHandler()
		}
		res, err = method()
	})
	if err != nil {
		var zero T
		future.finish(zero, errors.Mark(errors.Wrap(err, "submit task to pool"), ErrSubmitFailed))
	}

	return future
}

// Cap 返回协程池容量。
func (pool *Pool[T]) Cap() int {
	return pool.inner.Cap()
}

// Running 返回正在运行的 worker 数量。
func (pool *Pool[T]) Running() int {
	return pool.inner.Running()
}

// Free 返回空闲 worker 数量。
func (pool *Pool[T]) Free() int {
	return pool.inner.Free()
}

// Release 关闭协程池，已提交的任务仍会执行完毕。
func (pool *Pool[T]) Release() {
	pool.inner.Release()
}

func joinErrors(errs []error) error {
	return merr.Combine(errs...)
}
