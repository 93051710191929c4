// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package greeting

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/linkdata/rmux"
)

// ChannelOpener opens request-channel exchanges. Both *rmux.Muxer and
// *rmux.Client implement it.
type ChannelOpener interface {
	RequestChannel(ctx context.Context, route string, p rmux.Payload, principal *rmux.Principal) (*rmux.Exchange, error)
}

// Ping opens a ping-pong channel and sends "ping" once per interval,
// calling onReply for each reply, until count replies have been received.
// The channel is then cancelled.
func Ping(ctx context.Context, opener ChannelOpener, interval time.Duration, count int, onReply func(string)) error {
	e, err := opener.RequestChannel(ctx, RoutePingPong, rmux.PayloadString("ping"), nil)
	if err != nil {
		return err
	}
	defer e.Cancel()

	eg, egctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-egctx.Done():
				return nil
			case <-e.Done():
				return nil
			case <-ticker.C:
				if err := e.Send(egctx, rmux.PayloadString("ping")); err != nil {
					if rmux.IsCancelled(err) || egctx.Err() != nil || e.State().IsTerminal() {
						return nil
					}
					return err
				}
			}
		}
	})
	eg.Go(func() error {
		for received := 0; received < count; received++ {
			p, err := e.Next(egctx)
			if err != nil {
				return errors.Wrapf(err, "after %d replies", received)
			}
			if onReply != nil {
				onReply(p.DataString())
			}
		}
		e.Cancel()
		return nil
	})
	return eg.Wait()
}
