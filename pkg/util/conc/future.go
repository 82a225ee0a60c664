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

import "go.uber.org/atomic"

type future interface {
	wait()
	OK() bool
	Err() error
}

// Future 是异步执行任务的结果，
// 调用 Await 等待任务结束并获取返回值。
type Future[T any] struct {
	ch    chan struct{}
	value T
	err   error
	done  *atomic.Bool
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{
		ch:   make(chan struct{}),
		done: atomic.NewBool(false),
	}
}

func (future *Future[T]) wait() {
	<-future.ch
}

// Await 阻塞直到任务结束，返回任务的结果与错误。
func (future *Future[T]) Await() (T, error) {
	future.wait()
	return future.value, future.err
}

// Value 返回任务结果，会阻塞直到任务结束。
func (future *Future[T]) Value() T {
	<-future.ch

	return future.value
}

// Done 以非阻塞方式判断任务是否已结束。
func (future *Future[T]) Done() bool {
	return future.done.Load()
}

// OK 阻塞直到任务结束，返回任务是否执行成功。
func (future *Future[T]) OK() bool {
	<-future.ch

	return future.err == nil
}

// Err 阻塞直到任务结束，返回任务的错误。
func (future *Future[T]) Err() error {
	<-future.ch

	return future.err
}

// Inner 返回任务结束时关闭的 channel，可用于 select。
func (future *Future[T]) Inner() <-chan struct{} {
	return future.ch
}

func (future *Future[T]) finish(value T, err error) {
	future.value = value
	future.err = err
	future.done.Store(true)
	close(future.ch)
}

// Go 在新的 goroutine 中执行 fn，返回其 Future。
func Go[T any](fn func() (T, error)) *Future[T] {
	future := newFuture[T]()
	go func() {
		var (
			value T
			err   error
		)
		defer func() { future.finish(value, err) }()
		value, err = fn()
	}()
	return future
}

// AwaitAll 等待所有 Future 结束，返回遇到的第一个错误。
func AwaitAll[T future](futures ...T) error {
	var firstErr error
	for i := range futures {
		futures[i].wait()
		if firstErr == nil && !futures[i].OK() {
			firstErr = futures[i].Err()
		}
	}
	return firstErr
}

// BlockOnAll 等待所有 Future 结束，返回合并后的错误。
func BlockOnAll[T future](futures ...T) error {
	var errs []error
	for _, future := range futures {
		if err := future.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return joinErrors(errs)
}
