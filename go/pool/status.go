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

import "time"

// Status is a snapshot of the pool, published after every state change.
type Status struct {
	Time    time.Time `yaml:"time"`
	PoolID  string    `yaml:"pool-id"`
	Idle    int       `yaml:"idle"`
	Busy    int       `yaml:"busy"`
	Opening int       `yaml:"opening"`
	Parked  int       `yaml:"parked"`
	Parking int       `yaml:"parking"`

	// Pause is the number of paused work items.
	Pause int `yaml:"pause"`

	// WorkQueue is the number of work items waiting for a session.
	WorkQueue int `yaml:"work-queue"`

	// Activity counts the work items dispatched since Open.
	Activity int64 `yaml:"activity"`

	// Op names the state change that produced the snapshot.
	Op string `yaml:"op"`
}

func (p *Pool) statusLocked(op string) Status {
	st := Status{
		Time:      p.now(),
		PoolID:    p.id.String(),
		Idle:      len(p.idle),
		Pause:     p.paused.Len(),
		WorkQueue: p.pending.Len(),
		Activity:  p.activity,
		Op:        op,
	}
	for _, d := range p.descs {
		switch d.state {
		case StateBusy:
			st.Busy++
		case StateOpening:
			st.Opening++
		case StateParked:
			st.Parked++
		case StateParking:
			st.Parking++
		}
	}
	return st
}

// Status returns a snapshot of the pool.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusLocked("status")
}

// Descriptions returns a snapshot of every session slot.
func (p *Pool) Descriptions() []DescriptionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	infos := make([]DescriptionInfo, len(p.descs))
	for i, d := range p.descs {
		infos[i] = d.info()
	}
	return infos
}

// OnStatus registers f to receive every status event. Listeners run
// outside the pool lock and must not block.
func (p *Pool) OnStatus(f func(Status)) (remove func()) {
	return p.statusListeners.Add(f)
}

// OnDebug registers f to receive free-text debug events.
func (p *Pool) OnDebug(f func(string)) (remove func()) {
	return p.debugListeners.Add(f)
}

// OnError registers f to receive pool level errors, such as failed session
// opens and heartbeats. Without listeners those errors are only logged.
func (p *Pool) OnError(f func(error)) (remove func()) {
	return p.errorListeners.Add(f)
}
