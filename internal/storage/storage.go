// Package storage is the relational store of the worker: the rule and device
// registry it reads and the append-only alert history it reads and writes.
package storage

import (
	"context"
	"errors"

	"vigil/internal/models"
)

// ErrUnavailable wraps connectivity failures of the store.
var ErrUnavailable = errors.New("store unavailable")

// RuleRow is an active rule joined to its highest version.
type RuleRow struct {
	ID        string
	Name      string
	Scope     string
	DeviceID  string
	StationID string
	Version   int
	DSL       []byte
}

// RuleSource lists active rules with their latest DSL document.
type RuleSource interface {
	ListActiveRules(ctx context.Context) ([]RuleRow, error)
}

// DeviceRegistry maps devices to stations.
type DeviceRegistry interface {
	StationForDevice(ctx context.Context, deviceID string) (string, error)
}

// AlertStore reads and appends alert history.
type AlertStore interface {
	// LatestAlertEvent returns nil and no error when the pair has no history.
	LatestAlertEvent(ctx context.Context, ruleID, deviceID string) (*models.AlertEvent, error)
	InsertAlertEvent(ctx context.Context, event *models.AlertEvent) error
}

// Store is the full surface the worker needs.
type Store interface {
	RuleSource
	DeviceRegistry
	AlertStore
	Ping(ctx context.Context) error
	Close()
}
