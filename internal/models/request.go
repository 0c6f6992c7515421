package models

// Endpoint request/response models

// ChatRequest is the body of POST /api/chat
type ChatRequest struct {
	Message         string  `json:"message"`
	Model           string  `json:"model"`
	MaxTokens       int     `json:"max_tokens"`
	Temperature     float64 `json:"temperature"`
	TopP            float64 `json:"top_p"`
	EnableReasoning bool    `json:"enable_reasoning"`
	ThinkingBudget  int     `json:"thinking_budget"`
}

// NewChatRequest returns a chat request with server defaults applied
func NewChatRequest() ChatRequest {
	return ChatRequest{
		Model:           "claude-3.5-sonnet",
		MaxTokens:       2000,
		Temperature:     0.7,
		TopP:            0.9,
		EnableReasoning: true,
		ThinkingBudget:  5000,
	}
}

// VisionRequest is the body of POST /api/vision-analysis
type VisionRequest struct {
	ImageURL     string `json:"image_url"`
	AnalysisType string `json:"analysis_type"`
}

func NewVisionRequest() VisionRequest {
	return VisionRequest{AnalysisType: "comprehensive"}
}

// CodeRequest is the body of POST /api/code
type CodeRequest struct {
	Description  string `json:"description"`
	Language     string `json:"language"`
	Quality      string `json:"quality"`
	IncludeTests bool   `json:"include_tests"`
}

func NewCodeRequest() CodeRequest {
	return CodeRequest{Language: "python", Quality: "production", IncludeTests: true}
}

// TranslateRequest is the body of POST /api/translate
type TranslateRequest struct {
	Text           string `json:"text"`
	TargetLanguage string `json:"target_language"`
	SourceLanguage string `json:"source_language"`
}

func NewTranslateRequest() TranslateRequest {
	return TranslateRequest{SourceLanguage: "auto"}
}

// AnalysisRequest is the body of POST /api/analyze
type AnalysisRequest struct {
	Data         string `json:"data"`
	AnalysisType string `json:"analysis_type"`
}

func NewAnalysisRequest() AnalysisRequest {
	return AnalysisRequest{AnalysisType: "comprehensive"}
}

// ConfigRequest is the body of POST /api/config
type ConfigRequest struct {
	FilterLevel   string `json:"filter_level"`
	ResponseMode  string `json:"response_mode"`
	EnableCaching bool   `json:"enable_caching"`
}

func NewConfigRequest() ConfigRequest {
	return ConfigRequest{FilterLevel: "minimal", ResponseMode: "detailed", EnableCaching: true}
}

// TokenUsage counts words consumed and produced by a chat response
type TokenUsage struct {
	Input     int `json:"input"`
	Reasoning int `json:"reasoning"`
	Output    int `json:"output"`
	Total     int `json:"total"`
}

// ChatResponse is the body returned by POST /api/chat
type ChatResponse struct {
	ID                string     `json:"id"`
	Status            string     `json:"status"`
	Response          string     `json:"response"`
	ModelUsed         string     `json:"model_used"`
	TokensUsed        TokenUsage `json:"tokens_used"`
	Reasoning         *string    `json:"reasoning"`
	ConfidenceScore   float64    `json:"confidence_score"`
	FollowUpQuestions []string   `json:"follow_up_questions"`
	Timestamp         string     `json:"timestamp"`
}

// ErrorResponse is the envelope for every failed API request
type ErrorResponse struct {
	Status    string `json:"status"`
	ErrorCode int    `json:"error_code"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}
