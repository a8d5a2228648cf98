package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/kallberg/pdt/internal/protocol"
	"github.com/kallberg/pdt/internal/registry"
)

// Event is what a session reader hands to the dispatcher: either a
// decoded message or the error that ended the reader.
type Event struct {
	SessionID registry.ID
	Message   *protocol.Message
	Err       error
}

// dispatch drains the event queue in arrival order until ctx is done.
// A panic while handling an event stops the dispatcher for good.
func (s *Server) dispatch(ctx context.Context) (err error) {
	logger := s.log.With().Str("component", "dispatcher").Logger()
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Dispatcher crashed; device events will no longer be processed")
			err = fmt.Errorf("%w: panic: %v", ErrDispatcherStopped, r)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.events:
			s.handleEvent(ev)
		}
	}
}

func (s *Server) handleEvent(ev Event) {
	s.metrics.ObserveEvent(ev.Message)
	logger := s.log.With().Str("session_id", ev.SessionID.String()).Logger()

	if ev.Message == nil {
		if errors.Is(ev.Err, protocol.ErrIO) {
			logger.Info().Err(ev.Err).Msg("Session connection closed")
		} else {
			logger.Warn().Err(ev.Err).Msg("Unexpected session error")
		}
		return
	}

	m := ev.Message
	_ = s.registry.Touch(ev.SessionID)

	switch m.Kind {
	case protocol.Hello:
		s.handleHello(ev.SessionID, *m.Introduction)

	case protocol.DeviceInfoReport:
		info := *m.DeviceInfo
		if err := s.registry.UpdateDeviceInfo(ev.SessionID, info); err != nil {
			logger.Debug().Err(err).Msg("Device info for departed session")
			return
		}
		s.journal("record_device_info", func(ctx context.Context) error {
			return s.store.RecordDeviceInfo(ctx, ev.SessionID.String(), info)
		})
		logger.Info().
			Str("name", info.Name).
			Str("os", info.OS).
			Str("os_version", info.OSVersion).
			Str("uptime", info.Uptime).
			Msg("Device info updated")

	case protocol.ServerGoodbye:
		logger.Info().Msg("Device said goodbye")

	default:
		logger.Warn().Stringer("kind", m.Kind).Msg("Ignoring device command sent to server")
	}
}

// handleHello records the device's introduction and either asks for its
// device info or, when the builds are incompatible, says goodbye.
func (s *Server) handleHello(id registry.ID, intro protocol.ClientIntroduction) {
	logger := s.log.With().
		Str("session_id", id.String()).
		Str("name", intro.Name).
		Str("device_version", intro.BuildInfo.Version()).
		Logger()

	compatible := s.build.Compatible(intro.BuildInfo)
	if !compatible {
		logger.Warn().Str("server_version", s.build.Version()).Msg("Incompatible device build; saying goodbye")
		if err := s.send(id, protocol.Command(protocol.ClientGoodbye)); err != nil {
			logger.Debug().Err(err).Msg("Goodbye not queued")
		}
	}

	_ = s.registry.UpdateName(id, intro.Name)
	if err := s.registry.UpdateBuildInfo(id, intro.BuildInfo); err != nil {
		logger.Debug().Err(err).Msg("Hello for departed session")
		return
	}
	s.journal("record_introduction", func(ctx context.Context) error {
		return s.store.RecordIntroduction(ctx, id.String(), intro.Name, intro.BuildInfo.Version())
	})

	if !compatible {
		return
	}
	logger.Info().Msg("Device introduced itself")
	if err := s.send(id, protocol.Command(protocol.RequestDeviceInfo)); err != nil {
		logger.Warn().Err(err).Msg("Device info request not queued")
	}
}
