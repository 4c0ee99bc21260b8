//go:build !windows

package inventory

import (
	"context"

	"github.com/wingetdash/fleet/pkg/api"
)

type noopProbe struct{}

// NewOSProbe returns a probe that reports no pending OS updates. Windows
// Update only exists on Windows.
func NewOSProbe() OSProbe { return noopProbe{} }

func (noopProbe) PendingUpdates(context.Context) ([]api.OSUpdate, error) { return nil, nil }

func (noopProbe) RebootRequired(context.Context) (bool, error) { return false, nil }
