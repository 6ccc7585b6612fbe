// Package model abstracts the language-model collaborator behind a
// single Invoke contract so the engine can run against a scripted fake
// in tests and the Anthropic API in production.
package model

import (
	"context"
	"errors"
)

var (
	// ErrModelUnavailable marks transient backend failures (network,
	// rate limit, 5xx). Callers retry these with backoff.
	ErrModelUnavailable = errors.New("model unavailable")

	// ErrModelRequest marks fatal request failures (bad prompt, auth).
	// Retrying them is pointless.
	ErrModelRequest = errors.New("model request rejected")
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `yaml:"role" json:"role"`
	Content string `yaml:"content" json:"content"`
}

type Request struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

type Response struct {
	Content    string
	StopReason string
}

type Client interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}
