// Package handlers provides built-in step handlers: expression
// transforms, conditional routing, HTTP requests, timed delays,
// token-gated waits, and LLM chat calls.
package handlers

import (
	"fmt"

	"github.com/dshills/stepflow-go/flow"
)

// RegisterBuiltins adds every built-in handler except llm.chat, which
// needs credentials and is registered explicitly via NewLLM.
func RegisterBuiltins(reg *flow.HandlerRegistry) error {
	for _, h := range []flow.Handler{
		NewTransform(),
		NewCondition(),
		NewHTTP(),
		NewDelay(),
		NewWait(),
	} {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}

func configString(config map[string]any, key string) string {
	s, _ := config[key].(string)
	return s
}

func configInt64(config map[string]any, key string) (int64, bool) {
	switch v := config[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

func configBool(config map[string]any, key string) bool {
	b, _ := config[key].(bool)
	return b
}

func requireString(config map[string]any, key string) (string, error) {
	s := configString(config, key)
	if s == "" {
		return "", fmt.Errorf("config %q is required", key)
	}
	return s, nil
}
