// Package storage implements the durable message and notification
// repositories on Postgres. Records are append-only except for the read
// flag.
package storage

import (
	"context"
	"errors"

	"github.com/beaconlabs/beacon/internal/message"
	"github.com/beaconlabs/beacon/internal/notification"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	Close(ctx context.Context) error
	Migrate(ctx context.Context) error
	Messages() message.Repository
	Notifications() notification.Repository
}
