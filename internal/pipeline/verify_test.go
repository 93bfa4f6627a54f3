package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsQuestion(t *testing.T) {
	for text, want := range map[string]bool{
		"How do I list files?":    true,
		"list files?":             true,
		"Can you list the files":  true,
		`"Where is it?"`:          true,
		"List the files.":         false,
		"Run ls -la":              false,
		"":                        false,
		"   ":                     false,
		"Which flag shows hidden": true,
	} {
		assert.Equal(t, want, IsQuestion(text), text)
	}
}

func TestCheckStructure(t *testing.T) {
	refs := map[string]string{"command": "ls -la", "unused": "grep"}

	assert.Empty(t, checkStructure("How do I run ls -la?", "What does running ls -la do?", refs))
	assert.Equal(t, "empty output", checkStructure("x", "  ", refs))
	assert.Equal(t, "question was turned into a statement",
		checkStructure("How do I run ls -la?", "Run ls -la.", refs))
	assert.Equal(t, "statement was turned into a question",
		checkStructure("Run ls -la.", "Should I run ls -la?", refs))
	assert.Equal(t, "reference value of command is missing",
		checkStructure("Run ls -la.", "Run it.", refs))
	assert.Equal(t, "template placeholder {text} leaked into output",
		checkStructure("Run ls -la.", "Run ls -la on {text}.", refs))
	assert.Empty(t, checkStructure("Use {text} with ls -la.", "With ls -la use {text}.", refs))
	// a blank original has no sentence form to keep
	assert.Empty(t, checkStructure("", "Anything?", nil))
}

func TestCleanAndSameText(t *testing.T) {
	assert.Equal(t, "hello", clean(`  "hello" `))
	assert.Equal(t, "it's", clean("it's"))
	assert.True(t, sameText("a  b\nc", `"a b c"`))
	assert.False(t, sameText("a b", "a c"))
}

func TestFill(t *testing.T) {
	out := fill("{column}: {text} [{reference_values}] {unknown}", map[string]string{
		"column": "input", "text": "hi", "reference_values": "command: ls",
	})
	assert.Equal(t, "input: hi [command: ls] {unknown}", out)
}
