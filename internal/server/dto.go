package server

import (
	"time"

	"stepline/internal/activity"
	"stepline/internal/domain"
	"stepline/internal/engine"
)

// Request payloads

type CreateSessionRequest struct {
	Source string `json:"source,omitempty" doc:"Sensor name; defaults to the token's device"`
}

type StepsRequest struct {
	Steps int `json:"steps" minimum:"0" doc:"Raw steps counted since the session started"`
}

type PositionRequest struct {
	Lat float64    `json:"lat" minimum:"-90" maximum:"90"`
	Lon float64    `json:"lon" minimum:"-180" maximum:"180"`
	At  *time.Time `json:"at,omitempty"`
}

type AddChallengeRequest struct {
	Title         string `json:"title" minLength:"1"`
	StepThreshold int    `json:"step_threshold" minimum:"1"`
}

type TargetRequest struct {
	DailyStepTarget int    `json:"daily_step_target"`
	HeightCm        int    `json:"height_cm"`
	WeightKg        int    `json:"weight_kg"`
	Username        string `json:"username,omitempty"`
	ProfileImage    string `json:"profile_image,omitempty"`
}

// Response payloads

type SnapshotResponse struct {
	CumulativeSteps int        `json:"cumulative_steps"`
	DistanceKm      float64    `json:"distance_km"`
	Calories        float64    `json:"calories"`
	Date            string     `json:"date" format:"date"`
	SessionStart    *time.Time `json:"session_start,omitempty"`
	ElapsedMinutes  float64    `json:"elapsed_minutes"`
}

type StatusResponse struct {
	Snapshot      SnapshotResponse    `json:"snapshot"`
	Progress      float64             `json:"progress"`
	Target        domain.TargetConfig `json:"target"`
	ActiveSession *string             `json:"active_session,omitempty"`
}

type UpdateResponse struct {
	Snapshot  SnapshotResponse   `json:"snapshot"`
	Progress  float64            `json:"progress"`
	Completed []domain.Challenge `json:"completed"`
}

type AddChallengeResponse struct {
	Challenge domain.Challenge   `json:"challenge"`
	Completed []domain.Challenge `json:"completed"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type apiErrorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func snapshotResponse(s activity.Snapshot) SnapshotResponse {
	out := SnapshotResponse{
		CumulativeSteps: s.CumulativeSteps,
		DistanceKm:      s.DistanceKm,
		Calories:        s.Calories,
		Date:            s.Date,
		ElapsedMinutes:  s.ElapsedMinutes,
	}
	if !s.SessionStart.IsZero() {
		start := s.SessionStart.UTC()
		out.SessionStart = &start
	}
	return out
}

func updateResponse(u engine.Update) UpdateResponse {
	completed := u.Completed
	if completed == nil {
		completed = []domain.Challenge{}
	}
	return UpdateResponse{Snapshot: snapshotResponse(u.Snapshot), Progress: u.Progress, Completed: completed}
}

func (r TargetRequest) config() domain.TargetConfig {
	return domain.TargetConfig{
		DailyStepTarget: r.DailyStepTarget,
		HeightCm:        r.HeightCm,
		WeightKg:        r.WeightKg,
		Username:        r.Username,
		ProfileImage:    r.ProfileImage,
	}
}
