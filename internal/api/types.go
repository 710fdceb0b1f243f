package api

// ErrorResponse is the JSON body for error responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

// StatsResponse summarizes the store's contents.
type StatsResponse struct {
	NodeID              string   `json:"node_id"`
	Jobs                int      `json:"jobs"`
	Triggers            int      `json:"triggers"`
	PausedTriggerGroups []string `json:"paused_trigger_groups"`
}

// KeysResponse lists matched keys as "group.name" strings.
type KeysResponse struct {
	Keys []string `json:"keys"`
}

// TriggerResponse is the detail view of one trigger.
type TriggerResponse struct {
	Key            string  `json:"key"`
	JobKey         string  `json:"job_key"`
	State          string  `json:"state"`
	Priority       int     `json:"priority"`
	NextFireTime   *string `json:"next_fire_time,omitempty"`
	PrevFireTime   *string `json:"prev_fire_time,omitempty"`
	TimesTriggered int     `json:"times_triggered"`
}

// GroupsRequest selects groups for pause and resume operations.
// Exactly one of Group or GroupPrefix may be set; neither means all groups.
type GroupsRequest struct {
	Group       string `json:"group,omitempty"`
	GroupPrefix string `json:"group_prefix,omitempty"`
}

// GroupsResponse lists the groups an operation affected.
type GroupsResponse struct {
	Groups []string `json:"groups"`
}
