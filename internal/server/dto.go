package server

import (
	"github.com/spacelis/portraitist/internal/domain"
)

// ActionResponse is the action envelope the frontend keys on.
type ActionResponse struct {
	Action     string `json:"action"`
	Succeeded  bool   `json:"succeeded"`
	Redirect   string `json:"redirect,omitempty"`
	RetryLater bool   `json:"retry_later,omitempty"`
	Num        int    `json:"num,omitempty"`
}

type UserResponse struct {
	ID               string `json:"id"`
	IsKnown          bool   `json:"is_known"`
	ShowInstructions bool   `json:"show_instructions"`
	SurveyDone       bool   `json:"survey_done"`
	FinishedTasks    int    `json:"finished_tasks"`
	TaskPackageID    string `json:"task_package_id,omitempty"`
}

func userResponse(u domain.User) UserResponse {
	resp := UserResponse{
		ID:               u.ID,
		IsKnown:          u.IsKnown,
		ShowInstructions: u.ShowInstructions,
		SurveyDone:       u.SurveyDone,
		FinishedTasks:    u.FinishedTasks,
	}
	if u.TaskPackageID != nil {
		resp.TaskPackageID = *u.TaskPackageID
	}
	return resp
}

// TaskView is the task payload rendered by the annotation page: the
// candidate under judgement and the ranking points to present.
type TaskView struct {
	ID        string         `json:"id"`
	Candidate CandidateView  `json:"candidate"`
	Rankings  []RankingView  `json:"rankings"`
	Remaining int            `json:"remaining"`
}

type CandidateView struct {
	ID           string `json:"id"`
	ScreenName   string `json:"screen_name"`
	CheckinsJSON string `json:"checkins,omitempty"`
}

type RankingView struct {
	TopicID string `json:"topic_id"`
	Region  string `json:"region,omitempty"`
	Rank    int    `json:"rank"`
	Profile string `json:"profile,omitempty"`
	Method  string `json:"method,omitempty"`
}

func rankingViews(ranks []domain.ExpertiseRank) []RankingView {
	out := make([]RankingView, len(ranks))
	for i, r := range ranks {
		out[i] = RankingView{
			TopicID: r.TopicID,
			Region:  r.Region,
			Rank:    r.Rank,
			Profile: r.RankInfo.Profile,
			Method:  r.RankInfo.Method,
		}
	}
	return out
}
