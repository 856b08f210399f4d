//go:build linux

package homekit

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleswitch/internal/groutine"
	"github.com/vishvananda/netlink"
)

// linkChanges signals when a network interface changes state. The mDNS
// announcement has to be redone on the new addresses.
func linkChanges(ctx context.Context, logger *logrus.Logger) <-chan struct{} {
	updates := make(chan netlink.LinkUpdate, 5)
	done := make(chan struct{})
	if err := netlink.LinkSubscribe(updates, done); err != nil {
		logger.WithError(err).Warn("Link monitoring unavailable")
		return nil
	}

	out := make(chan struct{}, 1)
	groutine.Go(ctx, "homekit-link-monitor", func(ctx context.Context) {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				logger.WithField("link", u.Attrs().Name).Debug("Link update")
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	})
	return out
}
