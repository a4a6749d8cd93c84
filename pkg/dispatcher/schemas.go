package dispatcher

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
)

// Request payloads are validated against these schemas before anything else
// runs. Validation is strict: unknown fields are rejected, so a payload that
// passes here decodes cleanly into the handler's input struct.
var opSchemas = map[string]string{
	contracts.OpAuditCode: `{
		"type": "object",
		"required": ["path", "content"],
		"additionalProperties": false,
		"properties": {
			"path":       {"type": "string", "minLength": 1},
			"content":    {"type": "string"},
			"hint":       {"type": "string", "enum": ["L1", "L2", "L3"]},
			"rationale":  {"type": "string"},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1},
			"specs": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["name"],
					"additionalProperties": false,
					"properties": {
						"name": {"type": "string", "minLength": 1},
						"contract": {
							"type": "object",
							"additionalProperties": false,
							"properties": {
								"pre":  {"type": "array", "items": {"type": "string"}},
								"post": {"type": "array", "items": {"type": "string"}},
								"inv":  {"type": "array", "items": {"type": "string"}}
							}
						}
					}
				}
			},
			"citations": {"$ref": "#/$defs/citations"},
			"trace": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["index", "content", "prev_step_hash", "step_hash"],
					"additionalProperties": false,
					"properties": {
						"index":          {"type": "integer", "minimum": 0},
						"content":        {"type": "string"},
						"prev_step_hash": {"type": "string"},
						"step_hash":      {"type": "string"}
					}
				}
			}
		},
		"$defs": {
			"citations": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["url"],
					"additionalProperties": false,
					"properties": {
						"url":     {"type": "string", "minLength": 1},
						"depth":   {"type": "integer", "minimum": 0},
						"context": {"type": "string"}
					}
				}
			}
		}
	}`,

	contracts.OpAuditClaim: `{
		"type": "object",
		"required": ["text", "citations"],
		"additionalProperties": false,
		"properties": {
			"text": {"type": "string", "minLength": 1},
			"citations": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["url"],
					"additionalProperties": false,
					"properties": {
						"url":     {"type": "string", "minLength": 1},
						"depth":   {"type": "integer", "minimum": 0},
						"context": {"type": "string"}
					}
				}
			},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1}
		}
	}`,

	contracts.OpLogEvent: `{
		"type": "object",
		"required": ["kind", "risk_grade", "payload"],
		"additionalProperties": false,
		"properties": {
			"kind":          {"type": "string", "minLength": 1},
			"risk_grade":    {"type": "string", "enum": ["L1", "L2", "L3"]},
			"payload":       {"type": "object"},
			"verify_method": {"type": "string"},
			"verify_result": {"type": "string"},
			"model_version": {"type": "string"}
		}
	}`,

	contracts.OpArchiveFailure: `{
		"type": "object",
		"required": ["input_vector"],
		"additionalProperties": false,
		"properties": {
			"input_vector": {"type": "string", "minLength": 1},
			"mode":         {"type": "string"},
			"context":      {"type": "string"},
			"rationale":    {"type": "string"}
		}
	}`,

	contracts.OpRequestOverseerApproval: `{
		"type": "object",
		"required": ["artifact_hash", "reason"],
		"additionalProperties": false,
		"properties": {
			"artifact_hash": {"type": "string", "pattern": "^sha256:[0-9a-f]{64}$"},
			"reason":        {"type": "string", "minLength": 1}
		}
	}`,

	contracts.OpResolveOverseer: `{
		"type": "object",
		"required": ["queue_id", "approved"],
		"additionalProperties": false,
		"properties": {
			"queue_id": {"type": "string", "minLength": 1},
			"approved": {"type": "boolean"},
			"notes":    {"type": "string"}
		}
	}`,

	contracts.OpRegisterSource: `{
		"type": "object",
		"required": ["url"],
		"additionalProperties": false,
		"properties": {
			"url":           {"type": "string", "minLength": 1},
			"tier_override": {"type": "string", "enum": ["T1", "T2", "T3", "T4"]}
		}
	}`,

	contracts.OpUpdateSourceVerification: `{
		"type": "object",
		"required": ["url", "success"],
		"additionalProperties": false,
		"properties": {
			"url":     {"type": "string", "minLength": 1},
			"success": {"type": "boolean"}
		}
	}`,

	contracts.OpUpdateAgentTrust: `{
		"type": "object",
		"required": ["agent", "success"],
		"additionalProperties": false,
		"properties": {
			"agent":     {"type": "string", "minLength": 1},
			"success":   {"type": "boolean"},
			"high_risk": {"type": "boolean"},
			"context":   {"type": "string"}
		}
	}`,

	contracts.OpApplyMicroPenalty: `{
		"type": "object",
		"required": ["agent", "kind"],
		"additionalProperties": false,
		"properties": {
			"agent": {"type": "string", "minLength": 1},
			"kind": {
				"type": "string",
				"enum": ["schema_violation", "api_misuse", "stale_citation", "calibration_drift"]
			}
		}
	}`,

	contracts.OpStartQuarantine: `{
		"type": "object",
		"required": ["agent", "track", "reason"],
		"additionalProperties": false,
		"properties": {
			"agent":  {"type": "string", "minLength": 1},
			"track":  {"type": "string", "enum": ["honest_error", "manipulation"]},
			"reason": {"type": "string", "minLength": 1}
		}
	}`,

	contracts.OpRequestDeferral: `{
		"type": "object",
		"required": ["artifact_hash", "category", "reason"],
		"additionalProperties": false,
		"properties": {
			"artifact_hash": {"type": "string", "minLength": 1},
			"category": {
				"type": "string",
				"enum": ["safety", "medical", "legal", "financial", "reputational", "low"]
			},
			"reason": {"type": "string", "minLength": 1}
		}
	}`,

	contracts.OpSetMode: `{
		"type": "object",
		"required": ["mode", "reason"],
		"additionalProperties": false,
		"properties": {
			"mode":   {"type": "string", "enum": ["NORMAL", "LEAN", "SURGE", "SAFE"]},
			"reason": {"type": "string", "minLength": 1},
			"pin":    {"type": "boolean"}
		}
	}`,

	contracts.OpRegisterClaimWithTTL: `{
		"type": "object",
		"required": ["content", "class"],
		"additionalProperties": false,
		"properties": {
			"content": {"type": "string", "minLength": 1},
			"class": {
				"type": "string",
				"enum": ["VOLATILE_24H", "SEMI_VOLATILE_72H", "DURABLE_30D"]
			},
			"source_url": {"type": "string"}
		}
	}`,

	contracts.OpCheckClaimValidity: `{
		"type": "object",
		"required": ["claim_id"],
		"additionalProperties": false,
		"properties": {
			"claim_id": {"type": "string", "minLength": 1}
		}
	}`,
}

// compileSchemas builds the per-operation validators once at engine
// construction. A schema that fails to compile is a programming error, not a
// runtime condition, so construction fails outright.
func compileSchemas() (map[string]*jsonschema.Schema, error) {
	out := make(map[string]*jsonschema.Schema, len(opSchemas))
	for op, src := range opSchemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://qorelogic.schemas.local/ops/%s.schema.json", op)
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("dispatcher: load schema %s: %w", op, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("dispatcher: compile schema %s: %w", op, err)
		}
		out[op] = compiled
	}
	return out, nil
}
