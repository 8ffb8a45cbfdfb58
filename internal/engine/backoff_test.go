// Copyright 2025 Tom Barlow
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

package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextRetryDelayGrowsByTheBackoffMultiplier(t *testing.T) {
	first := nextRetryDelay(10, 2, 0, 3600)
	second := nextRetryDelay(10, 2, 1, 3600)

	require.GreaterOrEqual(t, first, 10*time.Second)
	require.Less(t, first, 11*time.Second)
	require.GreaterOrEqual(t, second, 20*time.Second)
	require.Less(t, second, 21*time.Second)
}

func TestNextRetryDelayNeverExceedsTheCap(t *testing.T) {
	delay := nextRetryDelay(10, 2, 10, 30)
	require.LessOrEqual(t, delay, 31*time.Second)
}

func TestNextRetryDelayTreatsSubOneMultiplierAsOne(t *testing.T) {
	delay := nextRetryDelay(5, 0.5, 3, 3600)
	require.GreaterOrEqual(t, delay, 5*time.Second)
	require.Less(t, delay, 6*time.Second)
}
