package hooks

import "errors"

var (
	ErrPluginExists  = errors.New("plugin already installed")
	ErrInvalidPlugin = errors.New("invalid plugin")
	ErrHandlerPanic  = errors.New("handler panicked")
	ErrEngineClosed  = errors.New("engine is closed")
)
