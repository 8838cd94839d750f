package domain

import "errors"

var (
	// ErrNoGeneralRule indica configuração sem regra geral (fatal na subida).
	ErrNoGeneralRule = errors.New("no general rate limit rule configured")

	ErrInvalidRule     = errors.New("invalid rate limit rule")
	ErrInvalidClientID = errors.New("invalid client id")
	ErrClientNotFound  = errors.New("client not found")
)
