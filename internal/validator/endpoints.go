package validator

import "github.com/promptgate/promptgate/internal/models"

const (
	EndpointChat      Endpoint = "chat"
	EndpointVision    Endpoint = "vision-analysis"
	EndpointCode      Endpoint = "code"
	EndpointAnalyze   Endpoint = "analyze"
	EndpointTranslate Endpoint = "translate"
	EndpointConfig    Endpoint = "config"
	EndpointStats     Endpoint = "stats"
	EndpointModels    Endpoint = "models"
)

// Accepted values of the mode/quality enums
var (
	FilterLevels   = []string{"minimal", "standard", "strict"}
	ResponseModes  = []string{"concise", "balanced", "detailed"}
	CodeQualities  = []string{"prototype", "standard", "production"}
	VisionAnalyses = []string{"comprehensive", "objects", "ocr", "scene", "sentiment"}
	DataAnalyses   = []string{"comprehensive", "trend", "correlation", "anomaly", "forecast"}
)

// DefaultRules is the rule table of every API endpoint
func DefaultRules() map[Endpoint][]Rule {
	return map[Endpoint][]Rule{
		EndpointChat: {
			String("message").Require().Len(1, 10000),
			Enum("model", models.ModelIDs()...),
			Int("max_tokens").Range(1, 200000),
			Number("temperature").Range(0, 1),
			Number("top_p").Range(0, 1),
			Bool("enable_reasoning"),
			Int("thinking_budget").Range(0, 10000),
		},
		EndpointVision: {
			String("image_url").Require().Len(1, 4096).URL(),
			Enum("analysis_type", VisionAnalyses...),
		},
		EndpointCode: {
			String("description").Require().Len(10, 2000),
			String("language").Len(1, 32),
			Enum("quality", CodeQualities...),
			Bool("include_tests"),
		},
		EndpointAnalyze: {
			String("data").Require().Len(1, 100000),
			Enum("analysis_type", DataAnalyses...),
		},
		EndpointTranslate: {
			String("text").Require().Len(1, 5000),
			String("target_language").Require().Len(2, 35),
			String("source_language").Len(2, 35),
		},
		EndpointConfig: {
			Enum("filter_level", FilterLevels...),
			Enum("response_mode", ResponseModes...),
			Bool("enable_caching"),
		},
		EndpointStats:  {},
		EndpointModels: {},
	}
}

// Default returns a Validator over DefaultRules
func Default() *Validator {
	return New(DefaultRules())
}
