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
	"time"

	"github.com/multigres/nativepool/go/session"
)

// State is the lifecycle state of a pooled session.
type State int

const (
	stateNone State = iota

	// StateOpening means the native connection is being opened.
	StateOpening
	StateIdle
	StateBusy

	// StateParking means the session is closing after inactivity.
	StateParking

	// StateParked is a placeholder without a connection. It keeps its slot
	// under the ceiling and is reopened before any new session is created.
	StateParked

	// StateClosing means the session is closing for good.
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "used"
	case StateParking:
		return "parking"
	case StateParked:
		return "parked"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "none"
	}
}

// live reports whether the state holds or is acquiring a native connection.
func (s State) live() bool {
	switch s {
	case StateOpening, StateIdle, StateBusy, StateParking, StateClosing:
		return true
	}
	return false
}

// Description is the pool's record of one session slot. Its fields are
// guarded by the pool mutex.
type Description struct {
	id      int
	session *session.Session
	state   State

	created time.Time

	// lastActive is the last time anything ran on the session, heartbeats
	// included. lastWork only moves for caller work.
	lastActive time.Time
	lastWork   time.Time

	keepAliveCount int
	queriesSent    int
	parkedCount    int
	recreateCount  int
}

// DescriptionInfo is a snapshot of a Description.
type DescriptionInfo struct {
	ID             int       `yaml:"id"`
	State          string    `yaml:"state"`
	Created        time.Time `yaml:"created"`
	LastActive     time.Time `yaml:"last-active"`
	LastWork       time.Time `yaml:"last-work"`
	KeepAliveCount int       `yaml:"keep-alive-count"`
	QueriesSent    int       `yaml:"queries-sent"`
	ParkedCount    int       `yaml:"parked-count"`
	RecreateCount  int       `yaml:"recreate-count"`
}

func (d *Description) info() DescriptionInfo {
	return DescriptionInfo{
		ID:             d.id,
		State:          d.state.String(),
		Created:        d.created,
		LastActive:     d.lastActive,
		LastWork:       d.lastWork,
		KeepAliveCount: d.keepAliveCount,
		QueriesSent:    d.queriesSent,
		ParkedCount:    d.parkedCount,
		RecreateCount:  d.recreateCount,
	}
}
