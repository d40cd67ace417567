package api

import (
	"time"

	"github.com/anyan2/IdeaSystemXS/internal/storage"
)

// IdeaDTO is the wire form of an idea.
type IdeaDTO struct {
	ID              string       `json:"id"`
	Title           string       `json:"title"`
	Content         string       `json:"content"`
	Summary         string       `json:"summary,omitempty"`
	Importance      int          `json:"importance"`
	Archived        bool         `json:"archived"`
	Favorite        bool         `json:"favorite"`
	Tags            []string     `json:"tags"`
	EnrichmentState string       `json:"enrichment_state"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	Keywords        []KeywordDTO `json:"keywords,omitempty"`
}

type KeywordDTO struct {
	Keyword string  `json:"keyword"`
	Weight  float64 `json:"weight"`
}

type TaskDTO struct {
	ID            string     `json:"id"`
	IdeaID        string     `json:"idea_id"`
	Type          string     `json:"type"`
	Status        string     `json:"status"`
	AttemptCount  int        `json:"attempt_count"`
	Result        string     `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}

// RelationDTO is a relation seen from one idea.
type RelationDTO struct {
	ID           string    `json:"id"`
	IdeaID       string    `json:"idea_id"`
	Title        string    `json:"title"`
	RelationType string    `json:"relation_type"`
	Confidence   float64   `json:"confidence"`
	CreatedAt    time.Time `json:"created_at"`
}

type SimilarDTO struct {
	Idea     IdeaDTO `json:"idea"`
	Distance float64 `json:"distance"`
}

type CreateIdeaRequest struct {
	Content    string   `json:"content"`
	Title      string   `json:"title"`
	Importance int      `json:"importance"`
	Favorite   bool     `json:"favorite"`
	Tags       []string `json:"tags"`
}

type UpdateIdeaRequest struct {
	Content    *string   `json:"content"`
	Title      *string   `json:"title"`
	Archived   *bool     `json:"archived"`
	Favorite   *bool     `json:"favorite"`
	Importance *int      `json:"importance"`
	Tags       *[]string `json:"tags"`
}

type SearchRequest struct {
	Query    string `json:"query"`
	K        int    `json:"k"`
	Archived *bool  `json:"archived"`
	Favorite *bool  `json:"favorite"`
	Tag      string `json:"tag"`
}

type SearchResponse struct {
	Mode string       `json:"mode"`
	Hits []SimilarDTO `json:"hits"`
}

// IdeaWithTasks answers create and update calls.
type IdeaWithTasks struct {
	Idea  IdeaDTO   `json:"idea"`
	Tasks []TaskDTO `json:"tasks"`
}

type StatusResponse struct {
	Mode           string         `json:"mode"`
	ActiveTasks    int            `json:"active_tasks"`
	Tasks          map[string]int `json:"tasks"`
	Ideas          int            `json:"ideas"`
	Vectors        int            `json:"vectors"`
	Relations      int            `json:"relations"`
	TrendingTopics []KeywordDTO   `json:"trending_keywords"`
}

func ideaDTO(i storage.Idea) IdeaDTO {
	tags := i.Tags
	if tags == nil {
		tags = []string{}
	}
	return IdeaDTO{
		ID:              i.ID,
		Title:           i.Title,
		Content:         i.Content,
		Summary:         i.Summary,
		Importance:      i.Importance,
		Archived:        i.Archived,
		Favorite:        i.Favorite,
		Tags:            tags,
		EnrichmentState: string(i.EnrichmentState),
		CreatedAt:       i.CreatedAt,
		UpdatedAt:       i.UpdatedAt,
	}
}

func keywordDTOs(ks []storage.Keyword) []KeywordDTO {
	out := make([]KeywordDTO, len(ks))
	for i, k := range ks {
		out[i] = KeywordDTO{Keyword: k.Keyword, Weight: k.Weight}
	}
	return out
}

func taskDTO(t storage.Task) TaskDTO {
	d := TaskDTO{
		ID:           t.ID,
		IdeaID:       t.IdeaID,
		Type:         string(t.Type),
		Status:       string(t.Status),
		AttemptCount: t.AttemptCount,
		Result:       t.Result,
		Error:        t.Error,
		CreatedAt:    t.CreatedAt,
	}
	if !t.ProcessedAt.IsZero() {
		d.ProcessedAt = &t.ProcessedAt
	}
	if !t.NextAttemptAt.IsZero() {
		d.NextAttemptAt = &t.NextAttemptAt
	}
	return d
}

func taskDTOs(ts []storage.Task) []TaskDTO {
	out := make([]TaskDTO, len(ts))
	for i, t := range ts {
		out[i] = taskDTO(t)
	}
	return out
}
