package models

import "time"

// WorkerStatus is the coarse state a worker instance reports.
type WorkerStatus string

const (
	WorkerIdle WorkerStatus = "idle"
	WorkerBusy WorkerStatus = "busy"
)

// WorkerInstance is one ephemeral execution agent in the registry.
type WorkerInstance struct {
	WorkerID           string       `json:"worker_id"`
	FunctionName       string       `json:"function_name"`
	Status             WorkerStatus `json:"status"`
	CurrentTaskCount   int          `json:"current_task_count"`
	MaxConcurrentTasks int          `json:"max_concurrent_tasks"`
	StartedAt          time.Time    `json:"started_at"`
	LastHeartbeat      time.Time    `json:"last_heartbeat"`
}
