package credits

import (
	"fmt"
	"sort"
)

// Costs are in credit units; 100 credits is one US cent.

type Tier string

const (
	TierFree     Tier = "free"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

type Capability string

const (
	CapabilityChat           Capability = "chat"
	CapabilityWebSearch      Capability = "web_search"
	CapabilityAcademicSearch Capability = "academic_search"
	CapabilityWebReader      Capability = "web_reader"
	CapabilityXSearch        Capability = "x_search"
	CapabilityImage          Capability = "image_generation"
)

type Model struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Provider  string `json:"provider"`
	Route     string `json:"-"`
	Tier      Tier   `json:"tier"`
	Cost      int64  `json:"cost"`
	Reasoning bool   `json:"reasoning"`
}

var catalog = []Model{
	{ID: "gemini-2.0-flash-001", Name: "Gemini 2.0 Flash", Provider: "google", Route: "google/gemini-2.0-flash-001", Tier: TierFree, Cost: 0},
	{ID: "gemini-2.5-pro-exp-03-25", Name: "Gemini 2.5 Pro (exp)", Provider: "google", Route: "google/gemini-2.5-pro-exp-03-25", Tier: TierFree, Cost: 0, Reasoning: true},
	{ID: "meta-llama/llama-4-scout:free", Name: "Llama 4 Scout", Provider: "open_router", Route: "meta-llama/llama-4-scout:free", Tier: TierFree, Cost: 0},
	{ID: "meta-llama/llama-4-maverick:free", Name: "Llama 4 Maverick", Provider: "open_router", Route: "meta-llama/llama-4-maverick:free", Tier: TierFree, Cost: 0},
	{ID: "gpt-4o", Name: "GPT-4o", Provider: "openai", Route: "openai/gpt-4o", Tier: TierStandard, Cost: 100},
	{ID: "gpt-4o-mini", Name: "GPT-4o mini", Provider: "openai", Route: "openai/gpt-4o-mini", Tier: TierStandard, Cost: 30},
	{ID: "gpt-4.1", Name: "GPT-4.1", Provider: "openai", Route: "openai/gpt-4.1", Tier: TierStandard, Cost: 80},
	{ID: "gpt-4.1-mini", Name: "GPT-4.1 mini", Provider: "openai", Route: "openai/gpt-4.1-mini", Tier: TierStandard, Cost: 40},
	{ID: "gpt-4.1-nano", Name: "GPT-4.1 nano", Provider: "openai", Route: "openai/gpt-4.1-nano", Tier: TierStandard, Cost: 20},
	{ID: "o3-mini", Name: "o3-mini", Provider: "openai", Route: "openai/o3-mini", Tier: TierStandard, Cost: 50, Reasoning: true},
	{ID: "o4-mini", Name: "o4-mini", Provider: "openai", Route: "openai/o4-mini", Tier: TierStandard, Cost: 50, Reasoning: true},
	{ID: "gemini-2.5-flash-preview-04-17", Name: "Gemini 2.5 Flash", Provider: "google", Route: "google/gemini-2.5-flash-preview", Tier: TierStandard, Cost: 20, Reasoning: true},
	{ID: "deepseek-r1-distill-llama-70b", Name: "DeepSeek R1 Distill Llama 70B", Provider: "groq", Route: "deepseek/deepseek-r1-distill-llama-70b", Tier: TierStandard, Cost: 50, Reasoning: true},
	{ID: "llama-3.3-70b-versatile", Name: "Llama 3.3 70B", Provider: "groq", Route: "meta-llama/llama-3.3-70b-instruct", Tier: TierStandard, Cost: 30},
	{ID: "qwen-qwq-32b", Name: "Qwen QwQ 32B", Provider: "groq", Route: "qwen/qwq-32b", Tier: TierStandard, Cost: 30, Reasoning: true},
	{ID: "grok-2-1212", Name: "Grok 2", Provider: "xai", Route: "x-ai/grok-2-1212", Tier: TierStandard, Cost: 40},
	{ID: "grok-2-vision-1212", Name: "Grok 2 Vision", Provider: "xai", Route: "x-ai/grok-2-vision-1212", Tier: TierStandard, Cost: 40},
	{ID: "grok-3-beta", Name: "Grok 3", Provider: "xai", Route: "x-ai/grok-3-beta", Tier: TierStandard, Cost: 200},
	{ID: "grok-3-mini-beta", Name: "Grok 3 mini", Provider: "xai", Route: "x-ai/grok-3-mini-beta", Tier: TierStandard, Cost: 30, Reasoning: true},
	{ID: "mistral-small-latest", Name: "Mistral Small", Provider: "mistral", Route: "mistralai/mistral-small", Tier: TierStandard, Cost: 30},
	{ID: "claude-3-5-sonnet-latest", Name: "Claude 3.5 Sonnet", Provider: "anthropic", Route: "anthropic/claude-3.5-sonnet", Tier: TierPremium, Cost: 500},
	{ID: "claude-3-7-sonnet-20250219", Name: "Claude 3.7 Sonnet", Provider: "anthropic", Route: "anthropic/claude-3.7-sonnet", Tier: TierPremium, Cost: 500, Reasoning: true},
	{ID: "claude-4-sonnet-20250514", Name: "Claude Sonnet 4", Provider: "anthropic", Route: "anthropic/claude-sonnet-4", Tier: TierPremium, Cost: 500},
}

var capabilityCosts = map[Capability]int64{
	CapabilityChat:           0,
	CapabilityWebSearch:      200,
	CapabilityAcademicSearch: 200,
	CapabilityWebReader:      200,
	CapabilityXSearch:        200,
	CapabilityImage:          1200,
}

var modelsByID = indexModels(catalog)

func indexModels(models []Model) map[string]Model {
	out := make(map[string]Model, len(models))
	for _, m := range models {
		if _, dup := out[m.ID]; dup {
			panic(fmt.Sprintf("credits: duplicate model %q in catalog", m.ID))
		}
		out[m.ID] = m
	}
	return out
}

// ConfigurationError reports a cost lookup for a key that is not in the
// table. It indicates a deployment defect and is raised by panic.
type ConfigurationError struct {
	Kind string
	Key  string
}

func (e ConfigurationError) Error() string {
	return fmt.Sprintf("credits: no cost configured for %s %q", e.Kind, e.Key)
}

func LookupModel(id string) (Model, bool) {
	m, ok := modelsByID[id]
	return m, ok
}

// Models returns the catalog ordered by tier, then cost, then id.
func Models() []Model {
	out := make([]Model, len(catalog))
	copy(out, catalog)
	rank := map[Tier]int{TierFree: 0, TierStandard: 1, TierPremium: 2}
	sort.SliceStable(out, func(i, j int) bool {
		if rank[out[i].Tier] != rank[out[j].Tier] {
			return rank[out[i].Tier] < rank[out[j].Tier]
		}
		if out[i].Cost != out[j].Cost {
			return out[i].Cost < out[j].Cost
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func ParseCapability(raw string) (Capability, bool) {
	c := Capability(raw)
	_, ok := capabilityCosts[c]
	return c, ok
}

func ModelCost(id string) int64 {
	m, ok := modelsByID[id]
	if !ok {
		panic(ConfigurationError{Kind: "model", Key: id})
	}
	return m.Cost
}

func CapabilityCost(c Capability) int64 {
	cost, ok := capabilityCosts[c]
	if !ok {
		panic(ConfigurationError{Kind: "capability", Key: string(c)})
	}
	return cost
}

func TotalCost(modelID string, c Capability) int64 {
	return ModelCost(modelID) + CapabilityCost(c)
}
