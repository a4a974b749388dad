package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// JobLog is an append-only record of job dispatches. The newest row per
// function is the authoritative last run.
type JobLog struct {
	ID            snowflake.ID `json:"id" gorm:"primaryKey"`
	FunctionName  string       `json:"function_name" gorm:"index:idx_job_log_fn_time"`
	ExecutionTime time.Time    `json:"execution_time" gorm:"index:idx_job_log_fn_time"`
}

func (JobLog) TableName() string {
	return "job_logs"
}
