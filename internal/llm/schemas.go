package llm

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Compiled schemas for every structured call the pipeline makes. They are
// package singletons because the contracts are fixed at build time; a schema
// that fails to compile is a programming error, hence the panic.
var (
	ExtractionSchema = mustCompile("extraction", extractionSchemaJSON)
	DecisionSchema   = mustCompile("decision", decisionSchemaJSON)
	AgenticSchema    = mustCompile("agentic", agenticSchemaJSON)
	StructureSchema  = mustCompile("structure", structureSchemaJSON)
	OrdinalSchema    = mustCompile("ordinal", ordinalSchemaJSON)
)

func mustCompile(name, raw string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	res := name + ".schema.json"
	if err := compiler.AddResource(res, strings.NewReader(raw)); err != nil {
		panic(fmt.Sprintf("llm: add %s schema: %v", name, err))
	}
	schema, err := compiler.Compile(res)
	if err != nil {
		panic(fmt.Sprintf("llm: compile %s schema: %v", name, err))
	}
	return schema
}

const extractionSchemaJSON = `{
  "type": "object",
  "required": ["criteria"],
  "properties": {
    "protocol_summary": {"type": "string"},
    "criteria": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["text", "criteria_type", "assertion_status", "confidence"],
        "properties": {
          "text": {"type": "string", "minLength": 1},
          "criteria_type": {"enum": ["inclusion", "exclusion"]},
          "category": {"type": "string"},
          "temporal_constraint": {
            "type": "object",
            "properties": {
              "duration": {"type": "string"},
              "relation": {"type": "string"},
              "reference_point": {"type": "string"}
            }
          },
          "numeric_thresholds": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["value", "comparator"],
              "properties": {
                "value": {"type": "number"},
                "unit": {"type": "string"},
                "comparator": {"type": "string"},
                "upper_value": {"type": "number"}
              }
            }
          },
          "conditions": {"type": "array", "items": {"type": "string"}},
          "assertion_status": {
            "enum": ["PRESENT", "ABSENT", "HYPOTHETICAL", "HISTORICAL", "CONDITIONAL"]
          },
          "confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "source_section": {"type": "string"},
          "page_number": {"type": "integer", "minimum": 1},
          "entities": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["text", "entity_type"],
              "properties": {
                "text": {"type": "string", "minLength": 1},
                "entity_type": {
                  "enum": ["Condition", "Medication", "Procedure", "Lab_Value",
                           "Demographic", "Biomarker", "Phenotype"]
                },
                "span_start": {"type": "integer", "minimum": 0},
                "span_end": {"type": "integer", "minimum": 0}
              }
            }
          }
        }
      }
    }
  }
}`

// decisionSchemaJSON constrains the reasoning model's candidate pick.
// best_candidate is an index into the prompt's numbered candidate list;
// -1 means none of them fit.
const decisionSchemaJSON = `{
  "type": "object",
  "required": ["best_candidate", "confidence"],
  "properties": {
    "best_candidate": {"type": "integer", "minimum": -1},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "rationale": {"type": "string"}
  }
}`

// agenticSchemaJSON covers all three refinement questions: validity checks
// answer through valid, broaden/rephrase through refined_text.
const agenticSchemaJSON = `{
  "type": "object",
  "required": ["valid"],
  "properties": {
    "valid": {"type": "boolean"},
    "refined_text": {"type": "string"},
    "rationale": {"type": "string"}
  }
}`

// structureSchemaJSON is the recursive expression tree. Structural invariants
// beyond shape (child counts per logic operator, atoms carrying operators)
// are enforced by TreeNode.Validate, which gives better error messages than
// schema conditionals would.
const structureSchemaJSON = `{
  "$defs": {
    "node": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": {"enum": ["atom", "composite"]},
        "logic": {"enum": ["AND", "OR", "NOT"]},
        "children": {"type": "array", "items": {"$ref": "#/$defs/node"}},
        "entity": {"type": "string"},
        "entity_domain": {"type": "string"},
        "concept_id": {"type": "string"},
        "concept_system": {"type": "string"},
        "operator": {
          "enum": ["=", "!=", ">", ">=", "<", "<=",
                   "within", "not_in_last", "contains", "not_contains"]
        },
        "value_numeric": {"type": "number"},
        "value_text": {"type": "string"},
        "unit": {"type": "string"},
        "negation": {"type": "boolean"}
      }
    }
  },
  "$ref": "#/$defs/node"
}`

const ordinalSchemaJSON = `{
  "type": "object",
  "required": ["results"],
  "properties": {
    "results": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["atom_id", "is_ordinal"],
        "properties": {
          "atom_id": {"type": "string", "minLength": 1},
          "is_ordinal": {"type": "boolean"},
          "scale": {"type": "string"},
          "rationale": {"type": "string"}
        }
      }
    }
  }
}`
