package app

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// gossipLoop exchanges pool announcements with every peer on the configured
// cadence and expires members not heard from within GossipTTL. A peer
// refusing the exchange for belonging to a different pool is a configuration
// corruption: the returned error terminates the process.
func (a *App) gossipLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.config.GossipInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if n := a.pool.Expire(time.Now(), a.config.GossipTTL); n > 0 {
			a.logger.Debug("expired pool members", "count", n)
		}

		ann := a.pool.Announce()
		for id, peer := range a.gossipPeers {
			ectx, cancel := context.WithTimeout(ctx, a.config.GossipInterval)
			back, err := peer.Exchange(ectx, ann)
			cancel()
			if err != nil {
				if status.Code(err) == codes.PermissionDenied {
					return fmt.Errorf("pool disagreement with %s: %w", id, err)
				}
				a.logger.Debug("gossip exchange failed", "peer", id, "error", err)
				continue
			}
			if _, err := a.pool.Merge(back, time.Now()); err != nil {
				return fmt.Errorf("pool disagreement with %s: %w", id, err)
			}
		}
	}
}
