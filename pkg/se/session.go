package se

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/gregLibert/ese-hal/pkg/logger"
)

// session owns the hardware bring-up state. Only the engine touches it, under its lock.
type session struct {
	transport Transport
	log       logger.Logger
	metrics   *Metrics

	up bool
	id string
}

// init brings the hardware up. It does not touch the transport when already up.
func (s *session) init() error {
	if s.up {
		return nil
	}

	if err := s.transport.Open(); err != nil {
		s.log.Error("session bring-up failed", "error", err)
		return fmt.Errorf("session init: %w", err)
	}

	s.up = true
	s.id = uuid.NewString()
	s.metrics.sessionUp(true)
	s.log.Info("session up", "session", s.id)
	return nil
}

// deinit tears the hardware down. The session is down afterwards whatever the transport says.
func (s *session) deinit() error {
	if !s.up {
		return nil
	}

	id := s.id
	err := s.transport.Close()

	s.up = false
	s.id = ""
	s.metrics.sessionUp(false)

	if err != nil {
		s.log.Warn("session teardown reported an error", "session", id, "error", err)
		return fmt.Errorf("session deinit: %w", err)
	}
	s.log.Info("session down", "session", id)
	return nil
}
