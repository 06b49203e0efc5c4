/*
Copyright 2022 The Numaproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package util

import (
	"context"
	"time"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"
)

// BootstrapRetryBackoff bounds the retries of one-time startup work such as
// schema provisioning. Steps is the total number of attempts.
var BootstrapRetryBackoff = wait.Backoff{
	Steps:    4,
	Duration: 500 * time.Millisecond,
	Factor:   2.0,
	Jitter:   0.1,
}

// Retry runs fn until it succeeds, the backoff is exhausted or ctx is done.
// The last error returned by fn is returned when all the attempts fail.
func Retry(ctx context.Context, backoff wait.Backoff, logger *zap.SugaredLogger, name string, fn func(context.Context) error) error {
	attempt := 0
	var lastErr error
	err := wait.ExponentialBackoff(backoff, func() (done bool, err error) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// no point in retrying after we have been asked to stop.
			return false, ctxErr
		}
		attempt++
		if lastErr = fn(ctx); lastErr != nil {
			logger.Warnw("Attempt failed, retrying", zap.String("step", name), zap.Int("attempt", attempt), zap.Error(lastErr))
			return false, nil
		}
		if attempt > 1 {
			logger.Infow("Attempt succeeded after retries", zap.String("step", name), zap.Int("attempt", attempt))
		}
		return true, nil
	})
	if err != nil && lastErr != nil && ctx.Err() == nil {
		return lastErr
	}
	return err
}
