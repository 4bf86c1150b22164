package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateProgram_Valid(t *testing.T) {
	p := &Program{
		Name: "demo",
		Blocks: []Block{
			{Category: BlockPrompt, Content: "summarize ${{ doc }}", Output: "summary"},
			{Category: BlockJudge, Params: BlockParams{Condition: `vars.score > 3.0`}, Output: "ok"},
			{Category: BlockTool, Output: "rows",
				Params: BlockParams{Skill: "query", Args: `{"table": "users"}`}},
			{Category: BlockExplore, Content: "investigate",
				Params: BlockParams{AllowList: []string{"query"}}, Output: "findings"},
			{Category: BlockAssign, Content: "rows * 2", Output: "doubled",
				Params: BlockParams{Engine: "jq"}},
		},
	}

	result := ValidateProgram(p)
	assert.True(t, result.Valid())
	assert.NoError(t, result.Err())
}

func TestValidateProgram_NilAndEmpty(t *testing.T) {
	result := ValidateProgram(nil)
	assert.False(t, result.Valid())

	result = ValidateProgram(&Program{})
	assert.False(t, result.Valid(), "a program needs at least one block")
}

func TestValidateProgram_StructuralRules(t *testing.T) {
	cases := []struct {
		name  string
		block Block
	}{
		{"tool without skill", Block{Category: BlockTool, Output: "v"}},
		{"assign without output", Block{Category: BlockAssign, Content: "1"}},
		{"assign without expression", Block{Category: BlockAssign, Output: "v"}},
		{"judge without condition or prompt", Block{Category: BlockJudge, Output: "v"}},
		{"unknown category", Block{Category: "loop", Content: "x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := ValidateProgram(&Program{Blocks: []Block{tc.block}})
			assert.False(t, result.Valid())
			require.Error(t, result.Err())
			var fe *FlowError
			require.ErrorAs(t, result.Err(), &fe)
			assert.Equal(t, ErrCodeValidation, fe.Code)
		})
	}
}

func TestValidateProgram_EmptyPromptIsWarningOnly(t *testing.T) {
	result := ValidateProgram(&Program{Blocks: []Block{
		{Category: BlockPrompt, Output: "a"},
	}})
	assert.True(t, result.Valid())
	assert.NotEmpty(t, result.Warnings)
	assert.NoError(t, result.Err())
}

func TestValidateProgram_IssuePathsNameTheBlock(t *testing.T) {
	result := ValidateProgram(&Program{Blocks: []Block{
		{Category: BlockPrompt, Content: "fine", Output: "a"},
		{Category: BlockTool, Output: "v"},
	}})
	require.False(t, result.Valid())
	assert.Equal(t, "blocks[1]", result.Errors[0].Path)
}
