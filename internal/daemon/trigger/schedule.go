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

package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/helmsman/internal/deployment"
	"github.com/tombee/helmsman/internal/engine"
	"github.com/tombee/helmsman/internal/log"
	helmsmanerrors "github.com/tombee/helmsman/pkg/errors"
)

type scheduleConfig struct {
	Cron     string `json:"cron"`
	Interval string `json:"interval"`
}

// Schedule delegates periodic firing to an engine-side schedule. The daemon
// only manages the schedule's lifecycle; the engine evaluates it.
type Schedule struct {
	def    *deployment.WorkflowDefinition
	client engine.Client
	logger *slog.Logger

	cron     *CronSchedule
	interval time.Duration

	mu      sync.Mutex
	running bool
}

// NewSchedule parses and validates a schedule trigger's config. A config with
// neither cron nor interval falls back to firing hourly.
func NewSchedule(def *deployment.WorkflowDefinition, deps Deps) (*Schedule, error) {
	var cfg scheduleConfig
	if err := decodeConfig(def.Trigger.Config, &cfg); err != nil {
		return nil, err
	}

	s := &Schedule{
		def:    def,
		client: deps.Client,
		logger: log.WithWorkflow(deps.Logger, def.Name),
	}
	switch {
	case cfg.Cron != "":
		cron, err := ParseCron(cfg.Cron)
		if err != nil {
			return nil, &helmsmanerrors.ValidationError{
				Field:   "trigger.config.cron",
				Message: err.Error(),
			}
		}
		s.cron = cron
	case cfg.Interval != "":
		interval, err := time.ParseDuration(cfg.Interval)
		if err != nil || interval <= 0 {
			return nil, &helmsmanerrors.ValidationError{
				Field:   "trigger.config.interval",
				Message: fmt.Sprintf("invalid interval %q", cfg.Interval),
			}
		}
		s.interval = interval
	default:
		s.interval = time.Hour
	}
	return s, nil
}

func (s *Schedule) Kind() deployment.TriggerKind { return deployment.TriggerSchedule }
func (s *Schedule) WorkflowName() string         { return s.def.Name }

// ScheduleID is the engine-side identifier owned by this trigger.
func (s *Schedule) ScheduleID() string {
	return "schedule-" + s.def.Name
}

// Start creates the engine schedule. A leftover schedule with the same ID
// from a previous daemon run is updated in place rather than failed. Starting
// an already running trigger is a no-op.
func (s *Schedule) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.logger.Info("schedule trigger already running")
		return nil
	}

	spec := engine.ScheduleSpec{
		ID:           s.ScheduleID(),
		WorkflowName: s.def.Name,
		Namespace:    s.def.Namespace,
		TaskQueue:    s.def.Queue,
		Interval:     s.interval,
	}
	if s.cron != nil {
		spec.Cron = s.cron.String()
	}

	err := s.client.CreateSchedule(ctx, spec)
	if errors.Is(err, engine.ErrScheduleExists) {
		s.logger.Info("schedule already exists, updating in place",
			log.String("schedule_id", spec.ID))
		err = s.client.UpdateSchedule(ctx, spec)
	}
	if err != nil {
		return fmt.Errorf("failed to create schedule %s: %w", spec.ID, err)
	}

	s.running = true
	s.logger.Info("schedule trigger started", log.String("schedule_id", spec.ID))
	return nil
}

// Stop deletes the engine schedule. Deletion failure is logged, not
// propagated: the workflow is already on its way out and the engine will
// refuse runs for it anyway. Stopping an idle trigger is a no-op.
func (s *Schedule) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}

	if err := s.client.DeleteSchedule(ctx, s.ScheduleID()); err != nil {
		s.logger.Warn("failed to delete schedule",
			log.String("schedule_id", s.ScheduleID()), log.Error(err))
	}
	s.running = false
	return nil
}

// IsRunning reports whether the engine schedule is in place.
func (s *Schedule) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun reports the next expected firing after now. For interval schedules
// the engine anchors the period itself, so this is an approximation.
func (s *Schedule) NextRun(now time.Time) time.Time {
	if s.cron != nil {
		return s.cron.Next(now)
	}
	return now.Add(s.interval)
}
