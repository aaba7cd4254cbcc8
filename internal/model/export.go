package model

import "time"

// SurveyExport is the top-level JSON structure for exported survey results.
type SurveyExport struct {
	ExportedAt time.Time            `json:"exported_at"`
	Results    []SurveyResultExport `json:"results"`
}

// SurveyResultExport pairs one stored record with its survey metadata.
type SurveyResultExport struct {
	SurveyID string             `json:"survey_id"`
	Title    string             `json:"title,omitempty"`
	Record   SurveyResultRecord `json:"record"`
}
