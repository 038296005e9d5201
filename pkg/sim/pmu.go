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

// Package sim simulates the hardware side of the firmware queues: a PMU
// falcon running firmware that answers commands, and a GPU whose channels run
// copy-engine method streams.
package sim

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gpufw/gpufw/pkg/config"
	"github.com/gpufw/gpufw/pkg/errors/linuxerr"
	"github.com/gpufw/gpufw/pkg/falcon"
	"github.com/gpufw/gpufw/pkg/log"
	"github.com/gpufw/gpufw/pkg/pmu"
	"github.com/gpufw/gpufw/pkg/surface"
	"golang.org/x/sync/errgroup"
)

// PMUSystem is a host PMU interface connected to simulated firmware.
type PMUSystem struct {
	Falcon  *falcon.Engine
	Surface surface.Mem
	Host    *pmu.PMU
	FW      *Firmware

	cfg config.PMU
}

// NewPMUSystem builds the host and firmware sides. ss backs the FB queues; if
// nil, a heap surface is used.
func NewPMUSystem(cfg *config.PMU, ss surface.Mem) (*PMUSystem, error) {
	if ss == nil {
		ss = surface.NewHeap(int(cfg.SuperSurfaceSize()))
	}
	flcn := falcon.NewEngine(surface.NewHeap(int(cfg.DmemSize())))
	host, err := pmu.New(cfg, flcn, ss)
	if err != nil {
		return nil, fmt.Errorf("creating PMU: %w", err)
	}
	fw, err := NewFirmware(cfg, flcn, ss)
	if err != nil {
		return nil, fmt.Errorf("creating PMU firmware: %w", err)
	}
	return &PMUSystem{
		Falcon:  flcn,
		Surface: ss,
		Host:    host,
		FW:      fw,
		cfg:     *cfg,
	}, nil
}

// Run runs the firmware, the host's message interrupt handler and the
// pending sequence reclaimer until ctx is done.
func (s *PMUSystem) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.FW.Run(ctx)
	})
	g.Go(func() error {
		return s.serviceMessages(ctx)
	})
	g.Go(func() error {
		s.Host.RunReclaimer(ctx, max(s.cfg.PendingReclaimTimeout.D()/4, time.Millisecond))
		return nil
	})
	return g.Wait()
}

// serviceMessages plays the role of the message interrupt.
func (s *PMUSystem) serviceMessages(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.Falcon.MessageDoorbell():
		}
		ready := s.Host.FWReady()
		err := s.Host.ProcessMessages()
		if err == nil && !ready && s.Host.FWReady() {
			// Messages queued behind INIT share its doorbell.
			err = s.Host.ProcessMessages()
		}
		if err != nil {
			log.Warningf("pmu: message processing failed: %v", err)
		}
	}
}

// Boot starts the firmware and waits, up to timeout, for the host to handle
// its INIT message. Run must be active.
func (s *PMUSystem) Boot(ctx context.Context, timeout time.Duration) error {
	if err := s.FW.Boot(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	b := backoff.WithContext(backoff.NewConstantBackOff(time.Millisecond), ctx)
	err := backoff.Retry(func() error {
		if !s.Host.FWReady() {
			return linuxerr.EAGAIN
		}
		return nil
	}, b)
	if err != nil {
		return fmt.Errorf("PMU boot: %w", linuxerr.ETIMEDOUT)
	}
	return nil
}
