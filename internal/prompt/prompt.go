// Package prompt assembles the bounded, role-constrained message list sent to
// the completion backend for a single question.
//
// The assembler is pure: it performs no I/O, has no side effects, and is safe
// for concurrent use.
package prompt

import (
	"fmt"
	"strings"

	"github.com/sadam-codes/chatbot-builder/internal/store"
	"github.com/sadam-codes/chatbot-builder/pkg/provider/llm"
)

// DefaultHistoryLimit is the number of past turns kept when an [Assembler]
// does not set one.
const DefaultHistoryLimit = 10

// Persona is the part of an agent that shapes the system prompt.
type Persona struct {
	Role         string
	Instructions string
}

// PersonaOf extracts the persona of a stored agent.
func PersonaOf(a *store.Agent) Persona {
	return Persona{Role: a.Role, Instructions: a.Instructions}
}

// Assembler builds conversation contexts.
type Assembler struct {
	// HistoryLimit bounds how many past turns are included. Zero or less
	// means [DefaultHistoryLimit].
	HistoryLimit int
}

// Limit returns the effective history bound.
func (a Assembler) Limit() int {
	if a.HistoryLimit <= 0 {
		return DefaultHistoryLimit
	}
	return a.HistoryLimit
}

// Build returns the message list for question: one system message, then a
// user/assistant pair for each of the newest [Assembler.Limit] turns of past
// (which must be ordered oldest first), then the question as the final user
// message.
func (a Assembler) Build(p Persona, past []store.Turn, question string) []llm.Message {
	if n := a.Limit(); len(past) > n {
		past = past[len(past)-n:]
	}

	msgs := make([]llm.Message, 0, 2+2*len(past))
	msgs = append(msgs, llm.System(SystemPrompt(p)))
	for _, t := range past {
		msgs = append(msgs, llm.User(t.Question), llm.Assistant(t.Answer))
	}
	return append(msgs, llm.User(question))
}

// SystemPrompt renders the role-scoped system prompt. The output depends only
// on p, so identical personas yield identical prompts.
func SystemPrompt(p Persona) string {
	role := strings.TrimSpace(p.Role)

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s.\n\n", role)
	if instr := strings.TrimSpace(p.Instructions); instr != "" {
		sb.WriteString(instr)
		sb.WriteString("\n\n")
	}

	sb.WriteString("CRITICAL RULES:\n")
	fmt.Fprintf(&sb, "- You MUST ONLY respond to requests that are directly related to your specific role and purpose as %s.\n", role)
	sb.WriteString("- If a user asks you something outside your role (like general knowledge questions, math problems, history, etc.), you MUST politely decline and redirect them back to your purpose.\n")
	fmt.Fprintf(&sb, "- You are NOT a general-purpose assistant. You are a specialized agent focused ONLY on: %s.\n", role)
	sb.WriteString("- Always stay in character and within your defined role. Never answer questions that are unrelated to your purpose.\n")
	fmt.Fprintf(&sb, "- If asked something outside your role, respond with: %q", RefusalTemplate(role))
	return sb.String()
}

// RefusalTemplate is the fixed answer the model is told to give for
// out-of-role requests.
func RefusalTemplate(role string) string {
	return fmt.Sprintf("I'm sorry, but I'm specifically designed to help with %s. "+
		"I can only assist with matters related to that. How can I help you with %s instead?", role, role)
}
