// Package llm wraps the chat-completion HTTP transport shared by the
// intent gate, task extractor, value processor, and consulta engine.
// System prompts are compiled once at startup from YAML templates, one
// named template per call kind.
package llm

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Prompt is a template name under templates/ (gate.yaml, task.yaml,
// value.yaml, consulta.yaml).
type Prompt string

const (
	PromptGate       Prompt = "gate"
	PromptTask       Prompt = "task"
	PromptValue      Prompt = "value"
	PromptConsulta   Prompt = "consulta"
	PromptEmailQuick Prompt = "email_quick"
	PromptEmailDeep  Prompt = "email_deep"
	PromptSender     Prompt = "sender"
	PromptBrain      Prompt = "brain"
)

var allPrompts = []Prompt{
	PromptGate, PromptTask, PromptValue, PromptConsulta,
	PromptEmailQuick, PromptEmailDeep, PromptSender, PromptBrain,
}

type promptYAML struct {
	Identity       string   `yaml:"identity"`
	Instructions   []string `yaml:"instructions"`
	ResponseSchema string   `yaml:"response_schema"`
}

var (
	mu       sync.RWMutex
	compiled = map[Prompt]string{}
)

// LoadPrompts reads and compiles every template under dir. Call once from
// main(); panics on failure so a bad deployment surfaces immediately.
func LoadPrompts(dir string) {
	for _, name := range allPrompts {
		path := filepath.Join(dir, string(name)+".yaml")
		data, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("llm: failed to read prompt %s: %v", path, err)
		}

		var p promptYAML
		if err := yaml.Unmarshal(data, &p); err != nil {
			log.Fatalf("llm: failed to parse prompt %s: %v", path, err)
		}

		instructions := make([]string, len(p.Instructions))
		for i, r := range p.Instructions {
			instructions[i] = fmt.Sprintf("- %s", r)
		}

		schemaHeader := "You MUST respond ONLY with valid JSON matching this exact schema — no extra text:"
		if name == PromptConsulta {
			schemaHeader = "Response format:"
		}

		compiledPrompt := strings.TrimSpace(fmt.Sprintf(`%s

Instructions:
%s

%s
%s`,
			p.Identity,
			strings.Join(instructions, "\n"),
			schemaHeader,
			p.ResponseSchema,
		))

		mu.Lock()
		compiled[name] = compiledPrompt
		mu.Unlock()
	}
	log.Println("llm: prompts loaded")
}

// SystemPrompt returns the compiled prompt for name.
func SystemPrompt(name Prompt) string {
	mu.RLock()
	defer mu.RUnlock()
	return compiled[name]
}

// SetSystemPromptForTest overrides a compiled prompt. Only call from tests.
func SetSystemPromptForTest(name Prompt, prompt string) {
	mu.Lock()
	defer mu.Unlock()
	compiled[name] = prompt
}
