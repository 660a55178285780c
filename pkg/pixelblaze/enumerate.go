// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pixelblaze

import (
	"context"
	"iter"
	"time"

	"github.com/Thermoquad/pixelstat/pkg/discovery"
)

// EnumerateSessions opens a Session for each device that announces itself
// until the network has been quiet for the quiet period. A device that
// cannot be opened is yielded with its error. The caller owns and must
// close every yielded Session.
func EnumerateSessions(ctx context.Context, quiet time.Duration, discoveryOpts []discovery.Option, opts ...Option) (iter.Seq2[*Session, error], error) {
	addresses, err := discovery.Enumerate(ctx, quiet, discoveryOpts...)
	if err != nil {
		return nil, err
	}
	return func(yield func(*Session, error) bool) {
		for addr := range addresses {
			s, err := Open(ctx, addr, opts...)
			if !yield(s, err) {
				return
			}
		}
	}, nil
}
