// Casaflow - Real-Estate Marketplace Client Sync Engine
// Copyright 2026 Casaflow contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casaflow/casaflow

package supervisor

import (
	"context"
)

// Connector matches *realtime.Manager. The interface keeps this package
// free of a realtime import.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect()
}

// RealtimeService wraps the connection manager as a supervised service.
// Serve connects and then parks until the context is canceled; the manager
// handles reconnection internally, so a supervisor restart only matters
// when Serve itself panics.
type RealtimeService struct {
	conn Connector
	name string
}

// NewRealtimeService creates the wrapper.
func NewRealtimeService(conn Connector) *RealtimeService {
	return &RealtimeService{
		conn: conn,
		name: "realtime-connection",
	}
}

// Serve implements suture.Service.
func (s *RealtimeService) Serve(ctx context.Context) error {
	if err := s.conn.Connect(ctx); err != nil {
		// Reconnection is the manager's job. Surface the error for the
		// supervisor log and let suture restart the service.
		return err
	}

	<-ctx.Done()
	s.conn.Disconnect()
	return ctx.Err()
}

// String implements fmt.Stringer for supervisor logging.
func (s *RealtimeService) String() string {
	return s.name
}

// Poller matches the per-user polling surface of *notify.Syncer.
type Poller interface {
	Start(ctx context.Context, userID string)
	Stop(userID string)
}

// PollingService wraps a notification poller for one user identity as a
// supervised service.
type PollingService struct {
	poller Poller
	userID string
	name   string
}

// NewPollingService creates the wrapper.
func NewPollingService(poller Poller, userID string) *PollingService {
	return &PollingService{
		poller: poller,
		userID: userID,
		name:   "notification-poller",
	}
}

// Serve implements suture.Service.
func (s *PollingService) Serve(ctx context.Context) error {
	s.poller.Start(ctx, s.userID)
	<-ctx.Done()
	s.poller.Stop(s.userID)
	return ctx.Err()
}

// String implements fmt.Stringer for supervisor logging.
func (s *PollingService) String() string {
	return s.name
}
