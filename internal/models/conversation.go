package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a conversation. Seq is the append position and is
// the only ordering key; Timestamp is informational.
type Message struct {
	Seq       int       `json:"seq"`
	Role      Role      `json:"role"`
	Agent     string    `json:"agent,omitempty"`
	Content   string    `json:"content"`
	Options   []string  `json:"options,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Sender is the identity a message is attributed to.
func (m Message) Sender() string {
	if m.Role == RoleAssistant && m.Agent != "" {
		return m.Agent
	}
	return string(m.Role)
}

// ConversationState is the dialogue between the user and one agent command.
type ConversationState struct {
	ID        string    `json:"id"`
	Agent     string    `json:"agent"`
	Command   string    `json:"command"`
	Messages  []Message `json:"messages"`
	Completed bool      `json:"completed"`
	Result    string    `json:"result,omitempty"`
}

func (c *ConversationState) Clone() *ConversationState {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		m.Options = append([]string(nil), m.Options...)
		cp.Messages[i] = m
	}
	return &cp
}

// ElicitationPrompt is an open request from an agent for user input.
type ElicitationPrompt struct {
	Agent          string   `json:"agent"`
	Command        string   `json:"command"`
	Instruction    string   `json:"instruction"`
	Options        []string `json:"options,omitempty"`
	ConversationID string   `json:"conversationId"`
}

func (p *ElicitationPrompt) Clone() *ElicitationPrompt {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Options = append([]string(nil), p.Options...)
	return &cp
}
