// Package apitypes provides request and response types for the anireap HTTP API.
package apitypes

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Stats summarizes the reconciliation engine.
type Stats struct {
	Subscriptions int  `json:"subscriptions"`
	Enabled       int  `json:"enabled"`
	Busy          bool `json:"busy"`
	MirrorTasks   int  `json:"mirror_tasks"`
}

// Subscription is the API view of a followed series.
type Subscription struct {
	ID                       string `json:"id"`
	Title                    string `json:"title"`
	URL                      string `json:"url"`
	Season                   int    `json:"season"`
	Enable                   bool   `json:"enable"`
	OVA                      bool   `json:"ova"`
	CurrentEpisodeNumber     int    `json:"current_episode_number"`
	UpLimit                  int64  `json:"up_limit,omitempty"`
	DlLimit                  int64  `json:"dl_limit,omitempty"`
	RatioLimit               *int   `json:"ratio_limit,omitempty"`
	SeedingTimeLimit         *int   `json:"seeding_time_limit,omitempty"`
	InactiveSeedingTimeLimit *int   `json:"inactive_seeding_time_limit,omitempty"`
	Mirror                   *bool  `json:"mirror,omitempty"`
	SavePath                 string `json:"save_path,omitempty"`
	CreatedAt                string `json:"created_at,omitempty"`
}

// BatchEnableRequest enables or disables several subscriptions at once.
type BatchEnableRequest struct {
	IDs    []string `json:"ids"`
	Enable bool     `json:"enable"`
}

// BatchResponse reports how many subscriptions a batch operation changed.
type BatchResponse struct {
	Updated int `json:"updated"`
}

// UpdateResponse reports the outcome of a subscription update.
type UpdateResponse struct {
	Subscription Subscription `json:"subscription"`
	Moved        int          `json:"moved"`
}

// DeleteResponse reports the outcome of a subscription removal.
type DeleteResponse struct {
	Removed int `json:"removed"`
	Deleted int `json:"deleted"`
}

// Accepted acknowledges a reconciliation started in the background.
type Accepted struct {
	Status       string `json:"status"`
	Subscription string `json:"subscription,omitempty"`
}

// MirrorTask is a queued or running mirror job.
type MirrorTask struct {
	ID           string `json:"id"`
	Hash         string `json:"hash"`
	Subscription string `json:"subscription"`
	LocalPath    string `json:"local_path"`
	TargetPath   string `json:"target_path"`
	RemoteTaskID string `json:"remote_task_id,omitempty"`
	State        string `json:"state"`
	Retries      int    `json:"retries"`
	QueuedAt     string `json:"queued_at"`
}

// TimelineEvent is one recorded lifecycle transition.
type TimelineEvent struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Timestamp    string         `json:"timestamp"`
	Message      string         `json:"message"`
	Hash         string         `json:"hash,omitempty"`
	Name         string         `json:"name,omitempty"`
	Subscription string         `json:"subscription,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}
