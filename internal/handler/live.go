package handlers

import (
	"context"
	"encoding/json"

	"GuardDispatch/internal/dispatch"
	"GuardDispatch/internal/store"
	apperrors "GuardDispatch/pkg/errors"
	"GuardDispatch/pkg/websocket"
)

// 实时通道的请求名
const (
	CommandGetCustomers = "getCustomers"
	CommandGetEmployees = "getEmployees"
	CommandGetGuards    = "getGuards"
	CommandGetReports   = "getReports"
)

// LiveQueries answers console requests on the live channel. Guards and reports
// come from the registry so they match the pushed frames.
type LiveQueries struct {
	store store.Store
	reg   *dispatch.Registry
}

func NewLiveQueries(st store.Store, reg *dispatch.Registry) *LiveQueries {
	return &LiveQueries{store: st, reg: reg}
}

func (q *LiveQueries) Command(ctx context.Context, name string) (interface{}, error) {
	switch name {
	case CommandGetCustomers:
		return q.store.ListCustomers(ctx)
	case CommandGetEmployees:
		return q.store.ListEmployees(ctx)
	case CommandGetGuards:
		return q.reg.Snapshot().UpdatedGuards, nil
	case CommandGetReports:
		return q.reg.Snapshot().UpdatedReports, nil
	}
	return nil, apperrors.Wrapf(apperrors.ErrInvalid, "unknown command %q", name)
}

func (q *LiveQueries) Query(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var tq store.TableQuery
	if err := json.Unmarshal(raw, &tq); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "decode table query")
	}
	return q.store.QueryTable(ctx, tq)
}

// HubNotifier routes guard notifications to that guard's console sessions.
type HubNotifier struct {
	Hub *websocket.Hub
}

func (n HubNotifier) NotifyGuard(guardID uint, kind string, payload interface{}) {
	n.Hub.SendToUser(websocket.GuardUserID(guardID), &websocket.Message{Type: kind, Data: payload})
}
