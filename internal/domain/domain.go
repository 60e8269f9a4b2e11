package domain

import "time"

// Persisted key names shared by the activity, challenge and target components.
const (
	KeyStepCount           = "stepCount"
	KeyDailyDistances      = "dailyDistances"
	KeyChallenges          = "challenges"
	KeyCompletedChallenges = "completedChallenges"
	KeyDailyTarget         = "dailyTarget"
	KeyUserHeight          = "userHeight"
	KeyUserWeight          = "userWeight"
	KeyUsername            = "username"
	KeyProfileImage        = "profileImage"
)

// DateLayout is the calendar-date format used for distance buckets.
const DateLayout = "2006-01-02"

type Challenge struct {
	ID            int    `json:"id"`
	Title         string `json:"title"`
	StepThreshold int    `json:"stepThreshold"`
	Completed     bool   `json:"completed"`
}

type DailyDistance struct {
	Date       string  `json:"date" format:"date"`
	DistanceKm float64 `json:"distance_km"`
}

type TargetConfig struct {
	DailyStepTarget int    `json:"daily_step_target"`
	HeightCm        int    `json:"height_cm"`
	WeightKg        int    `json:"weight_kg"`
	Username        string `json:"username,omitempty"`
	ProfileImage    string `json:"profile_image,omitempty"`
}

type Session struct {
	ID         string  `json:"id"`
	Source     string  `json:"source"`
	StartedAt  string  `json:"started_at" format:"date-time"`
	StoppedAt  *string `json:"stopped_at,omitempty" format:"date-time"`
	StartSteps int     `json:"start_steps"`
}

type RoutePoint struct {
	SessionID  string    `json:"session_id"`
	Seq        int       `json:"seq"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	RecordedAt time.Time `json:"recorded_at"`
}

type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	SessionID  string         `json:"session_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}
