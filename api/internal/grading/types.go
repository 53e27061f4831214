package grading

import (
	"homework-grader/api/internal/conflict"
	"homework-grader/api/internal/difficulty"
	"homework-grader/api/internal/provider"
	"homework-grader/api/internal/util"
	"homework-grader/api/internal/verify"
)

// AnswerKeyEntry is caller-supplied reference data. It is never shown to the grading model.
type AnswerKeyEntry struct {
	QuestionNumber int      `json:"question_number" validate:"gt=0"`
	CorrectAnswer  string   `json:"correct_answer" validate:"required"`
	Alternates     []string `json:"alternates,omitempty"`
	Points         float64  `json:"points,omitempty" validate:"gte=0"`
}

type Options struct {
	// ProviderOrder overrides the manager's configured order for this submission.
	ProviderOrder    []string `json:"provider_order,omitempty"`
	ExpectedProblems int      `json:"expected_problems,omitempty"`
	SkipOCR          bool     `json:"skip_ocr,omitempty"`
	SkipVerification bool     `json:"skip_verification,omitempty"`
}

type Request struct {
	SubmissionID string
	Image        provider.Image
	AnswerKey    []AnswerKeyEntry
	Options      Options
}

type QuestionResult struct {
	QuestionNumber        int               `json:"question_number"`
	ProblemText           string            `json:"problem_text"`
	AICalculation         string            `json:"ai_calculation,omitempty"`
	AIAnswer              string            `json:"ai_answer"`
	StudentAnswer         string            `json:"student_answer"`
	AnswerKeyValue        string            `json:"answer_key_value,omitempty"`
	KeyDiscrepancy        bool              `json:"key_discrepancy,omitempty"`
	KeyNote               string            `json:"key_note,omitempty"`
	IsCorrect             bool              `json:"is_correct"`
	PointsAwarded         float64           `json:"points_awarded"`
	PointsPossible        float64           `json:"points_possible"`
	Confidence            float64           `json:"confidence"`
	ReadabilityConfidence float64           `json:"readability_confidence"`
	DifficultyLevel       difficulty.Level  `json:"difficulty_level"`
	VerificationMethod    verify.Method     `json:"verification_method"`
	VerificationConflict  bool              `json:"verification_conflict"`
	Verification          *verify.Result    `json:"verification,omitempty"`
	HasReadingConflict    bool              `json:"has_reading_conflict"`
	OCRText               string            `json:"ocr_text,omitempty"`
	InterpretationOptions []conflict.Option `json:"interpretation_options,omitempty"`
	NeedsReview           bool              `json:"needs_review"`
	ReviewReason          string            `json:"review_reason,omitempty"`
}

type Result struct {
	SubmissionID     string           `json:"submission_id"`
	Success          bool             `json:"success"`
	TotalScore       float64          `json:"total_score"`
	TotalPossible    float64          `json:"total_possible"`
	Percentage       float64          `json:"percentage"`
	Questions        []QuestionResult `json:"questions"`
	NeedsReview      bool             `json:"needs_review"`
	ReviewReason     string           `json:"review_reason,omitempty"`
	Feedback         string           `json:"feedback,omitempty"`
	Provider         string           `json:"provider,omitempty"`
	OCRProvider      string           `json:"ocr_provider,omitempty"`
	TokensUsed       int              `json:"tokens_used,omitempty"`
	ProcessingTimeMs int64            `json:"processing_time_ms"`
	Error            string           `json:"error,omitempty"`
}

// gradingResponse is what the vision model returns; every field is read leniently.
type gradingResponse struct {
	Problems     []modelProblem  `json:"problems"`
	NeedsReview  util.FlexBool   `json:"needs_review"`
	ReviewReason util.FlexString `json:"review_reason"`
	Feedback     util.FlexString `json:"feedback"`
}

type modelProblem struct {
	Number                util.FlexString `json:"number"`
	ProblemText           util.FlexString `json:"problem_text"`
	AICalculation         util.FlexString `json:"ai_calculation"`
	AIAnswer              util.FlexString `json:"ai_answer"`
	StudentAnswer         util.FlexString `json:"student_answer"`
	IsCorrect             util.FlexBool   `json:"is_correct"`
	PointsAwarded         *util.FlexFloat `json:"points_awarded"`
	PointsPossible        *util.FlexFloat `json:"points_possible"`
	Confidence            *util.FlexFloat `json:"confidence"`
	ReadabilityConfidence *util.FlexFloat `json:"readability_confidence"`
	NeedsReview           util.FlexBool   `json:"needs_review"`
	ReviewReason          util.FlexString `json:"review_reason"`
}
