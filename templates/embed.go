// Package templates embeds the prompt templates shipped with the binary.
package templates

import _ "embed"

// PlanPrompt is the instruction template for generating a draft plan from
// collected planning answers. It demands strict JSON output.
//
//go:embed plan_prompt.md
var PlanPrompt string
