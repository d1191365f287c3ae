package config

import "time"

// Config represents the top-level controller configuration.
type Config struct {
	Postgres  PostgresConfig  `yaml:"postgres" mapstructure:"postgres"`
	Kafka     KafkaConfig     `yaml:"kafka" mapstructure:"kafka"`
	Scheduler SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`

	// Projects overrides the scheduler defaults per project.
	Projects map[string]ProjectConfig `yaml:"projects,omitempty" mapstructure:"projects"`
}

// PostgresConfig holds connection settings for the metadata store.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// KafkaConfig holds broker and topic settings for the event bus.
type KafkaConfig struct {
	Brokers            []string `yaml:"brokers" mapstructure:"brokers"`
	SubtaskStatusTopic string   `yaml:"subtask_status_topic" mapstructure:"subtask_status_topic"`
	TaskFinishedTopic  string   `yaml:"task_finished_topic" mapstructure:"task_finished_topic"`
	GroupID            string   `yaml:"group_id" mapstructure:"group_id"`
	ClientID           string   `yaml:"client_id" mapstructure:"client_id"`
}

// SchedulerConfig holds the scheduling knobs for subtask dispatch, admission
// control and timeout escalation.
type SchedulerConfig struct {
	// DefaultSubtaskCountLimit is the per-project admission quota applied
	// when no project-specific override exists.
	DefaultSubtaskCountLimit int64 `yaml:"default_subtask_count_limit" mapstructure:"default_subtask_count_limit"`

	// MaxExecuteTimes is the retry ceiling: a subtask pulled this many times
	// is escalated to a terminal status on its next failure.
	MaxExecuteTimes int `yaml:"max_execute_times" mapstructure:"max_execute_times"`

	// MaxTaskDuration is the wall-clock budget per execution attempt. The
	// pull stamps now+MaxTaskDuration as the deadline.
	MaxTaskDuration time.Duration `yaml:"max_task_duration" mapstructure:"max_task_duration"`

	// HeartbeatTimeout marks a worker dead when its heartbeat is older.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" mapstructure:"heartbeat_timeout"`

	// BlockTimeout fails BLOCKED subtasks that never got an admission slot.
	BlockTimeout time.Duration `yaml:"block_timeout" mapstructure:"block_timeout"`

	// MonitorInterval is how often the timeout monitor sweeps the queue.
	MonitorInterval time.Duration `yaml:"monitor_interval" mapstructure:"monitor_interval"`

	// MonitorBatchSize bounds how many subtasks one sweep escalates.
	MonitorBatchSize int32 `yaml:"monitor_batch_size" mapstructure:"monitor_batch_size"`

	// MonitorRate bounds escalations per second so a mass timeout cannot
	// stampede the finish pipeline.
	MonitorRate float64 `yaml:"monitor_rate" mapstructure:"monitor_rate"`

	// LockMaxWait bounds how long admission waits for the project lock
	// before proceeding unlocked.
	LockMaxWait time.Duration `yaml:"lock_max_wait" mapstructure:"lock_max_wait"`

	// PullRetries bounds how many contended candidates one pull attempt
	// tries before reporting an empty queue.
	PullRetries int `yaml:"pull_retries" mapstructure:"pull_retries"`
}

// ProjectConfig overrides scheduler defaults for a single project.
type ProjectConfig struct {
	SubtaskCountLimit int64 `yaml:"subtask_count_limit" mapstructure:"subtask_count_limit"`
}

// Default knobs applied by Normalize when the file leaves them unset.
const (
	DefaultSubtaskCountLimit = int64(20)
	DefaultMaxExecuteTimes   = 3
	DefaultMaxTaskDuration   = 2 * time.Hour
	DefaultHeartbeatTimeout  = 15 * time.Minute
	DefaultBlockTimeout      = 24 * time.Hour
	DefaultMonitorInterval   = 30 * time.Second
	DefaultMonitorBatchSize  = int32(100)
	DefaultMonitorRate       = 50.0
	DefaultLockMaxWait       = 3 * time.Second
	DefaultPullRetries       = 3
)

// Normalize fills unset scheduler knobs with their defaults.
func (c *Config) Normalize() {
	s := &c.Scheduler
	if s.DefaultSubtaskCountLimit <= 0 {
		s.DefaultSubtaskCountLimit = DefaultSubtaskCountLimit
	}
	if s.MaxExecuteTimes <= 0 {
		s.MaxExecuteTimes = DefaultMaxExecuteTimes
	}
	if s.MaxTaskDuration <= 0 {
		s.MaxTaskDuration = DefaultMaxTaskDuration
	}
	if s.HeartbeatTimeout <= 0 {
		s.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if s.BlockTimeout <= 0 {
		s.BlockTimeout = DefaultBlockTimeout
	}
	if s.MonitorInterval <= 0 {
		s.MonitorInterval = DefaultMonitorInterval
	}
	if s.MonitorBatchSize <= 0 {
		s.MonitorBatchSize = DefaultMonitorBatchSize
	}
	if s.MonitorRate <= 0 {
		s.MonitorRate = DefaultMonitorRate
	}
	if s.LockMaxWait <= 0 {
		s.LockMaxWait = DefaultLockMaxWait
	}
	if s.PullRetries <= 0 {
		s.PullRetries = DefaultPullRetries
	}
}

// SubtaskCountLimit returns the admission quota for the project, falling back
// to the scheduler default when no override exists.
func (c *Config) SubtaskCountLimit(projectID string) int64 {
	if p, ok := c.Projects[projectID]; ok && p.SubtaskCountLimit > 0 {
		return p.SubtaskCountLimit
	}
	return c.Scheduler.DefaultSubtaskCountLimit
}
