// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pool

import (
	"math"
	"time"
)

// Strategy decides how many sessions to open when work is waiting and no
// session is idle.
type Strategy interface {
	Name() string

	// Step returns how many sessions to add given the number of active
	// sessions and the ceiling. The pool clamps the result.
	Step(active, ceiling int) int

	// Delay is the minimum time between two growth steps.
	Delay() time.Duration
}

// Aggressive opens sessions up to the ceiling at once.
type Aggressive struct{}

func (Aggressive) Name() string { return GrowthAggressive }
func (Aggressive) Step(active, ceiling int) int { return ceiling - active }
func (Aggressive) Delay() time.Duration { return 0 }

// Gradual opens Increment sessions per step.
type Gradual struct {
	Increment int
	Wait      time.Duration
}

func (g Gradual) Name() string { return GrowthGradual }
func (g Gradual) Step(_, _ int) int { return g.Increment }
func (g Gradual) Delay() time.Duration { return g.Wait }

// Exponential multiplies the number of active sessions by Factor per step.
type Exponential struct {
	Factor float64
	Wait   time.Duration
}

func (e Exponential) Name() string { return GrowthExponential }
func (e Exponential) Delay() time.Duration { return e.Wait }

func (e Exponential) Step(active, _ int) int {
	return int(math.Ceil(float64(active)*e.Factor)) - active
}

// growBy clamps a strategy step to [1, ceiling-active].
func growBy(s Strategy, active, ceiling int) int {
	room := ceiling - active
	if room <= 0 {
		return 0
	}
	return min(max(s.Step(active, ceiling), 1), room)
}
