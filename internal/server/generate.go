package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/promptgate/promptgate/internal/models"
)

// Templated generation. Responses are built from the request alone; no model is called.

const chatTemplate = `Based on your query: '%s'

**Summary**: I've analyzed your request comprehensively.

**Key Points**:
1. Understanding the core concept
2. Analyzing different perspectives
3. Considering implications and use cases
4. Providing actionable insights

**Detailed Analysis**:
Your question touches on important aspects. Here's my detailed response:
- First consideration: Context and background
- Second consideration: Current best practices
- Third consideration: Future implications

**Recommendations**:
1. Primary recommendation based on analysis
2. Alternative approach worth considering
3. Resources for deeper understanding

**Confidence Level**: 96.5%% (High confidence in this analysis)`

// reasoningSteps is the number of steps in a reasoning trace
const reasoningSteps = 5

func countWords(s string) int {
	return len(strings.Fields(s))
}

// truncateRunes shortens s to n runes, marking the cut with "..."
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func generateChat(req models.ChatRequest, now time.Time) models.ChatResponse {
	var reasoning *string
	reasoningWords := 0
	if req.EnableReasoning {
		steps := make([]string, 0, reasoningSteps+1)
		steps = append(steps, "[Thinking Process]")
		for i := 1; i <= reasoningSteps; i++ {
			steps = append(steps, fmt.Sprintf("Step %d: Analyzing input from different perspectives...", i))
		}
		trace := strings.Join(steps, "\n")
		reasoning = &trace
		reasoningWords = countWords(trace)
	}

	response := fmt.Sprintf(chatTemplate, truncateRunes(req.Message, 50))
	input, output := countWords(req.Message), countWords(response)

	return models.ChatResponse{
		ID:        "chat-" + uuid.NewString(),
		Status:    "success",
		Response:  response,
		ModelUsed: req.Model,
		TokensUsed: models.TokenUsage{
			Input:     input,
			Reasoning: reasoningWords,
			Output:    output,
			Total:     input + reasoningWords + output,
		},
		Reasoning:       reasoning,
		ConfidenceScore: 0.965,
		FollowUpQuestions: []string{
			"Can you elaborate on the first point?",
			"How does this apply to my use case?",
			"What are the best practices?",
		},
		Timestamp: timestamp(now),
	}
}

func generateVision(req models.VisionRequest, now time.Time) gin.H {
	return gin.H{
		"status":        "success",
		"image_url":     truncateRunes(req.ImageURL, 50),
		"analysis_type": req.AnalysisType,
		"findings": gin.H{
			"objects_detected":  []string{"object_1", "object_2", "object_3"},
			"scene_description": "Professional workspace with modern equipment",
			"ocr_text":          "Text extracted from image",
			"dominant_colors":   []string{"#1F2937", "#E5E7EB", "#3B82F6"},
			"sentiment":         "positive",
			"confidence":        0.94,
		},
		"timestamp": timestamp(now),
	}
}

const codeTemplate = `#!/usr/bin/env %[1]s
"""
%[2]s
Quality: %[3]s
"""

class Solution:
    """Main implementation class"""

    def __init__(self):
        self.config = {"quality": "%[3]s"}

    def solve(self, *args, **kwargs):
        try:
            return self._process(*args, **kwargs)
        except Exception as e:
            raise ValueError(f"Error: {e}")

    def _process(self, *args, **kwargs):
        return "Optimized solution"
`

const testTemplate = `

def test_solution():
    assert Solution().solve() == "Optimized solution"
`

func generateCode(req models.CodeRequest, now time.Time) gin.H {
	code := fmt.Sprintf(codeTemplate, req.Language, req.Description, req.Quality)
	if req.IncludeTests {
		code += testTemplate
	}

	return gin.H{
		"status":   "success",
		"code":     code,
		"language": req.Language,
		"quality":  req.Quality,
		"includes": gin.H{
			"tests":          req.IncludeTests,
			"documentation":  true,
			"type_hints":     true,
			"error_handling": true,
		},
		"metrics": gin.H{
			"lines_of_code": strings.Count(code, "\n") + 1,
			"complexity":    "Low",
		},
		"timestamp": timestamp(now),
	}
}

func generateTranslation(req models.TranslateRequest, now time.Time) gin.H {
	return gin.H{
		"status":          "success",
		"original":        req.Text,
		"source_language": req.SourceLanguage,
		"target_language": req.TargetLanguage,
		"translated":      fmt.Sprintf("[Translated to %s]: %s", req.TargetLanguage, req.Text),
		"confidence":      0.997,
		"alternatives": []string{
			fmt.Sprintf("Alternative translation 1 in %s", req.TargetLanguage),
			fmt.Sprintf("Alternative translation 2 in %s", req.TargetLanguage),
		},
		"timestamp": timestamp(now),
	}
}

func generateAnalysis(req models.AnalysisRequest, now time.Time) gin.H {
	return gin.H{
		"status":        "success",
		"analysis_type": req.AnalysisType,
		"data_points":   countWords(req.Data),
		"insights": []string{
			"Strong positive correlation identified (r=0.98)",
			"Average growth rate: 22.5% per period",
			"No significant anomalies detected",
			"Consistent upward trajectory observed",
			"Forecast: +18% growth expected next period",
		},
		"predictions": gin.H{
			"trend":             "Strong upward",
			"confidence":        0.96,
			"forecasted_values": []float64{4.2, 4.5, 4.8, 5.1},
		},
		"recommendations": []string{
			"Monitor key metrics closely",
			"Increase investment in growth areas",
			"Prepare for expected growth",
		},
		"timestamp": timestamp(now),
	}
}

// outputWords counts the words of a templated response for usage records
func outputWords(resp gin.H) int {
	n := 0
	for _, field := range []string{"code", "translated", "response"} {
		if s, ok := resp[field].(string); ok {
			n += countWords(s)
		}
	}
	return n
}
