// Copyright 2025 Tom Barlow
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

package await

import (
	"time"

	"github.com/robfig/cron/v3"

	flowerrors "github.com/flowkit/flowkit/pkg/errors"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextCronFire returns the next occurrence of expr strictly after nowMs,
// in ms epoch. Used by both schedule-flavor awaits and schedule-flavor
// triggers so the two share one cron dialect.
func NextCronFire(expr string, nowMs int64) (int64, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0, flowerrors.Wrapf(err, "invalid cron expression %q", expr)
	}
	from := time.UnixMilli(nowMs)
	next := sched.Next(from)
	return next.UnixMilli(), nil
}
