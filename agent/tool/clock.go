package tool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/tanpawarit/chative-toolagent/agent/capability"
)

const ToolClockNow = "clock.now"

type ClockNowOutput struct {
	Timezone string `json:"timezone"`
	Time     string `json:"time"`
	Weekday  string `json:"weekday"`
}

func ClockNow(now func() time.Time) (*capability.Descriptor, error) {
	if now == nil {
		now = time.Now
	}
	return Query(
		ToolClockNow,
		"Get the current date and time, optionally in an IANA timezone such as Asia/Bangkok.",
		map[string]*schema.ParameterInfo{
			"timezone": {Type: schema.String, Desc: "IANA timezone name; defaults to UTC"},
		},
		func(_ context.Context, args map[string]any) (any, error) {
			zone, _ := args["timezone"].(string)
			zone = strings.TrimSpace(zone)
			if zone == "" {
				zone = "UTC"
			}
			loc, err := time.LoadLocation(zone)
			if err != nil {
				return nil, fmt.Errorf("unknown timezone %q", zone)
			}
			t := now().In(loc)
			return ClockNowOutput{
				Timezone: loc.String(),
				Time:     t.Format(time.RFC3339),
				Weekday:  t.Weekday().String(),
			}, nil
		},
	)
}
