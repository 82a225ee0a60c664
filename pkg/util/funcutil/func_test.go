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

package funcutil

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
)

func TestCheckCtxValid(t *testing.T) {
	bgCtx := context.Background()
	timeout := 20 * time.Millisecond
	deltaTime := 5 * time.Millisecond
	ctx1, cancel1 := context.WithTimeout(bgCtx, timeout)
	defer cancel1()
	assert.True(t, CheckCtxValid(ctx1))
	time.Sleep(timeout + deltaTime)
	assert.False(t, CheckCtxValid(ctx1))

	ctx2, cancel2 := context.WithCancel(bgCtx)
	assert.True(t, CheckCtxValid(ctx2))
	cancel2()
	assert.False(t, CheckCtxValid(ctx2))
}

func TestMergeContext(t *testing.T) {
	errTeardown := errors.New("teardown")

	t.Run("other side fires", func(t *testing.T) {
		lifetime, stop := context.WithCancelCause(context.Background())
		merged, cancel := MergeContext(context.Background(), lifetime)
		defer cancel()

		stop(errTeardown)
		select {
		case <-merged.Done():
		case <-time.After(time.Second):
			t.Fatal("merged context not done")
		}
		assert.ErrorIs(t, context.Cause(merged), errTeardown)
	})

	t.Run("caller side fires", func(t *testing.T) {
		caller, stop := context.WithCancel(context.Background())
		merged, cancel := MergeContext(caller, context.Background())
		defer cancel()

		stop()
		<-merged.Done()
		assert.ErrorIs(t, merged.Err(), context.Canceled)
	})

	t.Run("cancel func", func(t *testing.T) {
		merged, cancel := MergeContext(context.Background(), context.Background())
		cancel()
		assert.False(t, CheckCtxValid(merged))
	})
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, SleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
	assert.ErrorIs(t, SleepContext(ctx, 0), context.Canceled)
}
