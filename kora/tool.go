package kora

import "fmt"

// AsTool генерирует OpenAI function-calling схему для авторизации трат,
// чтобы LLM-агент мог дергать kora_authorize_spend как обычный тул.
func (e *Engine) AsTool(mandate string, categoryEnum []string) map[string]any {
	properties := map[string]any{
		"amount_cents": map[string]any{
			"type":        "integer",
			"description": "Amount in cents (positive integer)",
		},
		"currency": map[string]any{
			"type":        "string",
			"description": "3-character ISO 4217 currency code (e.g. EUR, USD)",
		},
		"vendor_id": map[string]any{
			"type":        "string",
			"description": "Vendor identifier (e.g. aws, stripe, openai)",
		},
	}

	if len(categoryEnum) > 0 {
		properties["category"] = map[string]any{
			"type":        "string",
			"enum":        categoryEnum,
			"description": "Spend category",
		}
	} else {
		properties["category"] = map[string]any{
			"type":        "string",
			"description": "Spend category (optional)",
		}
	}

	properties["purpose"] = map[string]any{
		"type":        "string",
		"description": "Human-readable purpose for the spend",
	}

	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name": "kora_authorize_spend",
			"description": fmt.Sprintf(
				"Request authorization to spend money via Kora. Mandate: %s. Returns APPROVED or DENIED with reason code.",
				mandate,
			),
			"parameters": map[string]any{
				"type":       "object",
				"properties": properties,
				"required":   []string{"amount_cents", "currency", "vendor_id"},
			},
		},
	}
}
