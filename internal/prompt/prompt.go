// Package prompt renders instruction records into training text using an
// Alpaca-style template.
//
// The default template is embedded at compile time; a JSON file with the same
// fields can replace it:
//
//	p, err := prompt.Load("templates/my_template.json")
//	text := p.Generate(instruction, input, output)
package prompt

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

//go:embed templates/alpaca.json
var alpacaJSON []byte

// Template holds the two prompt variants and the marker that precedes the
// response.
type Template struct {
	Description   string `json:"description"`
	PromptInput   string `json:"prompt_input"`
	PromptNoInput string `json:"prompt_no_input"`
	ResponseSplit string `json:"response_split"`
}

// Prompter generates prompts from a template.
type Prompter struct {
	t Template
}

// Default returns the embedded Alpaca prompter.
func Default() *Prompter {
	p, err := parse(alpacaJSON)
	if err != nil {
		panic(fmt.Sprintf("prompt: embedded template: %v", err))
	}
	return p
}

// Load reads a template from a JSON file. An empty path selects the default.
func Load(path string) (*Prompter, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", path, err)
	}
	return p, nil
}

func parse(data []byte) (*Prompter, error) {
	var t Template
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	if !strings.Contains(t.PromptInput, "{instruction}") || !strings.Contains(t.PromptInput, "{input}") {
		return nil, errors.New("prompt_input must contain {instruction} and {input}")
	}
	if !strings.Contains(t.PromptNoInput, "{instruction}") {
		return nil, errors.New("prompt_no_input must contain {instruction}")
	}
	if t.ResponseSplit == "" {
		return nil, errors.New("response_split is empty")
	}
	return &Prompter{t: t}, nil
}

// Template returns the active template.
func (p *Prompter) Template() Template { return p.t }

// Generate fills the template. The input variant is used when input is
// non-empty; output, when non-empty, is appended after the response marker.
func (p *Prompter) Generate(instruction, input, output string) string {
	var s string
	if input != "" {
		s = strings.NewReplacer("{instruction}", instruction, "{input}", input).Replace(p.t.PromptInput)
	} else {
		s = strings.ReplaceAll(p.t.PromptNoInput, "{instruction}", instruction)
	}
	return s + output
}

// Response returns the text after the response marker, trimmed.
func (p *Prompter) Response(text string) string {
	_, after, found := strings.Cut(text, p.t.ResponseSplit)
	if !found {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(after)
}
