// Copyright 2026 The gVisor Authors.
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

package pmu

import (
	"context"
	"time"

	"github.com/gpufw/gpufw/pkg/errors/linuxerr"
	"github.com/gpufw/gpufw/pkg/log"
	"github.com/gpufw/gpufw/pkg/pmu/seq"
)

// ReclaimPending cancels commands that failed to reach the firmware and have
// been Pending for at least the reclaim timeout. Their callbacks run with
// ETIMEDOUT. It returns the number of sequences reclaimed.
func (p *PMU) ReclaimPending(now time.Time) int {
	// Only a reclaimer moves a sequence out of Pending, so holding
	// reclaimMu keeps PostedAt stable.
	p.reclaimMu.Lock()
	defer p.reclaimMu.Unlock()

	timeout := p.cfg.PendingReclaimTimeout.D()
	n := 0
	for _, s := range p.seqs.InState(seq.Pending) {
		if now.Sub(s.PostedAt) < timeout {
			continue
		}
		if !s.Transition(seq.Pending, seq.Cancelled) {
			continue
		}
		log.Infof("reclaiming seq %d, pending since %v", s.ID(), s.PostedAt)
		// The command was never pushed, so it owns no queue element.
		p.freeAllocations(s)
		if s.Callback != nil {
			s.Callback(nil, linuxerr.ETIMEDOUT)
		}
		p.seqs.Release(s)
		n++
	}
	return n
}

// RunReclaimer calls ReclaimPending every interval until ctx is done.
func (p *PMU) RunReclaimer(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.ReclaimPending(p.now())
		}
	}
}
