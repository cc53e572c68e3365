package scheduler

import "time"

// Schedule emits Hook with a copy of Event every time Cron fires.
type Schedule struct {
	Name     string
	Cron     string
	Hook     string
	Event    map[string]any
	Timezone string
}

// Status describes a registered schedule.
type Status struct {
	Name     string     `json:"name"`
	Cron     string     `json:"cron"`
	Hook     string     `json:"hook"`
	Timezone string     `json:"timezone,omitempty"`
	NextRun  time.Time  `json:"nextRun"`
	LastRun  *time.Time `json:"lastRun,omitempty"`
	Runs     int        `json:"runs"`
	Dropped  int        `json:"dropped"`
}
