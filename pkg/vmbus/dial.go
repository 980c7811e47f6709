// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vmbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff"

	"gvisor.dev/dxgk/pkg/errors/dxgerr"
)

// DialTimeout bounds the time Dial waits for the host endpoint to appear.
const DialTimeout = 10 * time.Second

// Dial connects to the host endpoint at addr and opens a channel over the
// connection. While the endpoint is not yet listening, Dial retries with
// exponential backoff until ctx is done or DialTimeout has elapsed.
func Dial(ctx context.Context, network, addr string, opts Options) (*Channel, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = DialTimeout

	var conn net.Conn
	var d net.Dialer
	op := func() error {
		c, err := d.DialContext(ctx, network, addr)
		if err != nil {
			var addrErr *net.AddrError
			if errors.As(err, &addrErr) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("dialing host at %s %q: %v: %w", network, addr, err, dxgerr.ErrChannel)
	}
	return NewChannel(ctx, conn, opts)
}
