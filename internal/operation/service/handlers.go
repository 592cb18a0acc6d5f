package service

import (
	"fmt"
	"strings"
	"time"

	operationdomain "github.com/smallbiznis/meterly/internal/operation/domain"
)

const maxQueryLength = 4000

// runHandler executes the handler for t. Handlers are bounded, synchronous
// and depend only on their inputs.
func runHandler(t operationdomain.Type, query string, input map[string]any, now time.Time) (map[string]any, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, operationdomain.ErrEmptyQuery
	}
	if len(query) > maxQueryLength {
		return nil, fmt.Errorf("query exceeds %d characters", maxQueryLength)
	}

	switch t {
	case operationdomain.TypeStrategicAnalysis:
		return strategicAnalysis(query, input), nil
	case operationdomain.TypeWorkflowGeneration:
		return workflowGeneration(query, now), nil
	case operationdomain.TypeCompetitiveAnalysis:
		return competitiveAnalysis(query), nil
	case operationdomain.TypeMarketResearch:
		return marketResearch(query), nil
	default:
		return nil, operationdomain.ErrUnsupportedOperationType
	}
}

func strategicAnalysis(query string, input map[string]any) map[string]any {
	horizon := "6-12 months"
	if v, ok := input["horizon"].(string); ok && strings.TrimSpace(v) != "" {
		horizon = strings.TrimSpace(v)
	}
	return map[string]any{
		"analysis_type": string(operationdomain.TypeStrategicAnalysis),
		"query":         query,
		"recommendations": []string{
			"Implement data-driven decision making framework",
			"Establish cross-functional collaboration processes",
			"Develop competitive intelligence capabilities",
		},
		"risk_factors":     []string{"Market volatility", "Resource constraints", "Regulatory changes"},
		"success_metrics":  []string{"Revenue growth", "Market share", "Customer satisfaction"},
		"timeline":         horizon,
		"confidence_score": 0.85,
	}
}

type workflowTask struct {
	Title          string `json:"title"`
	Description    string `json:"description"`
	Assignee       string `json:"assignee"`
	Priority       string `json:"priority"`
	EstimatedHours int    `json:"estimated_hours"`
}

func workflowGeneration(query string, now time.Time) map[string]any {
	tasks := []workflowTask{
		{Title: "Research and Analysis", Description: "Conduct market research and competitive analysis", Assignee: "Research Team", Priority: "high", EstimatedHours: 16},
		{Title: "Strategy Development", Description: "Develop strategic recommendations based on research", Assignee: "Strategy Team", Priority: "high", EstimatedHours: 12},
		{Title: "Implementation Planning", Description: "Create detailed implementation plan", Assignee: "Project Manager", Priority: "medium", EstimatedHours: 8},
	}
	total := 0
	for _, task := range tasks {
		total += task.EstimatedHours
	}
	return map[string]any{
		"workflow_id":           "wf_" + now.UTC().Format("20060102_150405"),
		"query":                 query,
		"tasks":                 tasks,
		"estimated_completion":  "2-3 weeks",
		"total_estimated_hours": total,
	}
}

type competitor struct {
	Name        string   `json:"name"`
	MarketShare float64  `json:"market_share"`
	Strengths   []string `json:"strengths"`
	Weaknesses  []string `json:"weaknesses"`
}

func competitiveAnalysis(query string) map[string]any {
	return map[string]any{
		"analysis_type": string(operationdomain.TypeCompetitiveAnalysis),
		"query":         query,
		"competitors": []competitor{
			{Name: "Competitor A", MarketShare: 0.25, Strengths: []string{"Strong brand", "Wide distribution"}, Weaknesses: []string{"High prices", "Limited innovation"}},
			{Name: "Competitor B", MarketShare: 0.18, Strengths: []string{"Innovative products", "Strong R&D"}, Weaknesses: []string{"Limited market presence", "High costs"}},
		},
		"market_opportunities":   []string{"Emerging markets expansion", "Digital transformation", "Sustainable solutions"},
		"competitive_advantages": []string{"Superior technology", "Cost efficiency", "Customer relationships"},
	}
}

func marketResearch(query string) map[string]any {
	return map[string]any{
		"research_type": string(operationdomain.TypeMarketResearch),
		"query":         query,
		"market_size": map[string]string{
			"total_addressable_market":       "$10.5B",
			"serviceable_addressable_market": "$2.1B",
			"serviceable_obtainable_market":  "$420M",
		},
		"growth_rate": "12.5% CAGR",
		"key_trends":  []string{"Increasing automation adoption", "Remote work acceleration", "AI and ML integration"},
		"customer_segments": []map[string]any{
			{"segment": "Enterprise", "size": "65%", "characteristics": []string{"High budget", "Complex requirements"}},
			{"segment": "SMB", "size": "35%", "characteristics": []string{"Price sensitive", "Simple solutions"}},
		},
	}
}
