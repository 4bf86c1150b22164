package schema

import "encoding/json"

// BlockCategory enumerates the kinds of blocks in a program.
type BlockCategory string

const (
	BlockPrompt  BlockCategory = "prompt"
	BlockExplore BlockCategory = "explore"
	BlockJudge   BlockCategory = "judge"
	BlockTool    BlockCategory = "tool"
	BlockAssign  BlockCategory = "assign"
)

// Block is one parsed, immutable unit of a program. Blocks are produced by
// an external parser; the core only iterates them by index.
type Block struct {
	Category BlockCategory   `json:"category"`
	Content  string          `json:"content,omitempty"`  // prompt / expression template
	Output   string          `json:"output,omitempty"`   // variable name written on completion
	Params   BlockParams     `json:"params,omitempty"`
	Raw      json.RawMessage `json:"raw,omitempty"` // original parser payload, carried opaquely
}

// BlockParams carries the per-category parameter set of a block.
type BlockParams struct {
	Model     string   `json:"model,omitempty"`      // model name for llm-backed categories
	Skill     string   `json:"skill,omitempty"`      // skill name for tool blocks
	Args      string   `json:"args,omitempty"`       // args template for tool blocks (JSON with ${{ }} refs)
	AllowList []string `json:"allow_list,omitempty"` // skill allow-list for explore blocks
	Condition string   `json:"condition,omitempty"`  // CEL condition for judge blocks
	Engine    string   `json:"engine,omitempty"`     // assign engine: "expr" (default) or "jq"
}

// Program is an ordered block sequence, immutable for the lifetime of a frame.
type Program struct {
	Name   string  `json:"name,omitempty"`
	Blocks []Block `json:"blocks"`
}

// Len returns the number of blocks.
func (p *Program) Len() int { return len(p.Blocks) }

// At returns the block at index i. Callers must bounds-check with Len.
func (p *Program) At(i int) *Block { return &p.Blocks[i] }
