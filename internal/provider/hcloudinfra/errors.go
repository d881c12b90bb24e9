package hcloudinfra

import (
	"context"
	"errors"
	"net"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/imamik/converge/internal/provider"
)

// classify sorts Hetzner Cloud API failures into the retry taxonomy.
// Locks, conflicts and rate limits settle on their own; invalid input
// never does.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return provider.Transient(err)
	}

	var hcErr hcloud.Error
	if errors.As(err, &hcErr) {
		switch hcErr.Code {
		case hcloud.ErrorCodeRateLimitExceeded, // API quota, backs off
			hcloud.ErrorCodeLocked,   // item is locked (action running)
			hcloud.ErrorCodeConflict, // resource changed during request
			hcloud.ErrorCodeResourceLocked,
			hcloud.ErrorCodeResourceUnavailable:
			return provider.Transient(err)
		default:
			return provider.Permanent(err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return provider.Transient(err)
	}
	return provider.Permanent(err)
}

// isNotFound checks if the error is an hcloud not-found error.
func isNotFound(err error) bool {
	return hcloud.IsError(err, hcloud.ErrorCodeNotFound)
}
