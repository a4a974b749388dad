package scheduler

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Frequency string

const (
	FrequencyRepeatAfter Frequency = "repeat_after"
	FrequencyDaily       Frequency = "daily"
	FrequencyWeekly      Frequency = "weekly"
	FrequencyBiWeekly    Frequency = "bi_weekly"
	FrequencyMonthly     Frequency = "monthly"
)

// JobConfig describes one recurring job. Time is a "15:04" wall-clock string
// for the calendar frequencies; Seconds drives repeat_after.
type JobConfig struct {
	Function   string    `mapstructure:"function"`
	Frequency  Frequency `mapstructure:"frequency"`
	Seconds    int       `mapstructure:"seconds"`
	Time       string    `mapstructure:"time"`
	DayOfWeek  int       `mapstructure:"day_of_week"`
	DayOfMonth int       `mapstructure:"day_of_month"`
}

// timeOfDay parses the wall-clock field; jobs without one fire from midnight.
func (c JobConfig) timeOfDay() (hour, minute int, err error) {
	if c.Time == "" {
		return 0, 0, nil
	}
	t, err := time.Parse("15:04", c.Time)
	if err != nil {
		return 0, 0, fmt.Errorf("job %s: bad time %q: %w", c.Function, c.Time, err)
	}
	return t.Hour(), t.Minute(), nil
}

const (
	JobProcessDevices   = "process_devices"
	JobResetAllowances  = "reset_monthly_allowances"
	JobProcessActions   = "process_pending_actions"
	JobProcessInfoItems = "process_scheduled_info_items"
	JobProcessRateLists = "process_pending_ratelists"
)

// DefaultJobs is the built-in job table, used when no config file overrides
// it.
func DefaultJobs() []JobConfig {
	return []JobConfig{
		{Function: JobProcessDevices, Frequency: FrequencyRepeatAfter, Seconds: 2700},
		{Function: JobResetAllowances, Frequency: FrequencyMonthly, DayOfMonth: 1, Time: "00:00"},
		{Function: JobProcessActions, Frequency: FrequencyRepeatAfter, Seconds: 30},
		{Function: JobProcessInfoItems, Frequency: FrequencyRepeatAfter, Seconds: 600},
		{Function: JobProcessRateLists, Frequency: FrequencyRepeatAfter, Seconds: 60},
	}
}

// LoadJobs reads the job table from a YAML file, falling back to the
// defaults when the path is empty.
func LoadJobs(path string) ([]JobConfig, error) {
	if path == "" {
		return DefaultJobs(), nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading job config: %w", err)
	}
	var jobs []JobConfig
	if err := v.UnmarshalKey("jobs", &jobs); err != nil {
		return nil, fmt.Errorf("parsing job config: %w", err)
	}
	if len(jobs) == 0 {
		return DefaultJobs(), nil
	}
	return jobs, nil
}
