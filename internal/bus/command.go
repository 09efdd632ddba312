// Package bus provides the in-process message bus for Clawdis.
// Commands (request/response) and Events (pub/sub) can be triggered from
// the gateway, chat directives, or CLI, and are handled by registered handlers.
package bus

import (
	"fmt"
	"sort"
	"sync"
	"time"

	. "github.com/clawdis/clawdis/internal/logging"
)

// Command represents a request to a component (request/response pattern)
type Command struct {
	Component string               // Target component: "channels", "cron", "heartbeat", etc.
	Name      string               // Command name: "status", "restart", "run", etc.
	Payload   any                  // Optional payload (e.g., config struct)
	Source    string               // Origin: "gateway", "chat", "cli", "system"
	Result    chan<- CommandResult // Response channel (nil for fire-and-forget)
}

// CommandResult is the response from a command handler
type CommandResult struct {
	Success bool   // Whether the command succeeded
	Message string // Human-readable result message
	Data    any    // Optional structured data
	Error   error  // Error if failed
}

// CommandHandler processes a command and returns a result
type CommandHandler func(Command) CommandResult

// Error types
type busError string

func (e busError) Error() string { return string(e) }

const (
	ErrTimeout        busError = "command timed out"
	ErrBusFull        busError = "command bus full"
	ErrNoHandler      busError = "no handler registered"
	ErrUnknownCommand busError = "unknown command"
)

// componentCommands holds command handlers for a single component
type componentCommands struct {
	handlers map[string]CommandHandler
}

var (
	commandBus               = make(chan Command, 100)
	commandDispatcherStarted sync.Once

	commandRegistry   = make(map[string]*componentCommands)
	commandRegistryMu sync.RWMutex
)

// RegisterCommand adds a handler for a component command
func RegisterCommand(component, command string, handler CommandHandler) {
	commandRegistryMu.Lock()
	defer commandRegistryMu.Unlock()

	if commandRegistry[component] == nil {
		commandRegistry[component] = &componentCommands{
			handlers: make(map[string]CommandHandler),
		}
	}
	commandRegistry[component].handlers[command] = handler
	L_debug("bus: command registered", "component", component, "command", command)
}

// UnregisterComponent removes all command handlers for a component
func UnregisterComponent(component string) {
	commandRegistryMu.Lock()
	defer commandRegistryMu.Unlock()
	delete(commandRegistry, component)
}

// SendCommand sends a command and waits for the result.
// Returns an error result if the bus is full or the handler times out.
func SendCommand(component, name string, payload any) CommandResult {
	return SendCommandWithSource(component, name, payload, "system")
}

// SendCommandWithSource sends a command with origin info
func SendCommandWithSource(component, name string, payload any, source string) CommandResult {
	ensureCommandDispatcher()

	result := make(chan CommandResult, 1)
	cmd := Command{
		Component: component,
		Name:      name,
		Payload:   payload,
		Source:    source,
		Result:    result,
	}

	select {
	case commandBus <- cmd:
		select {
		case r := <-result:
			return r
		case <-time.After(30 * time.Second):
			return CommandResult{Error: ErrTimeout, Message: "command timed out"}
		}
	default:
		return CommandResult{Error: ErrBusFull, Message: "command bus full"}
	}
}

// SendCommandAsync sends a command without waiting for the result
func SendCommandAsync(component, name string, payload any) {
	ensureCommandDispatcher()

	cmd := Command{
		Component: component,
		Name:      name,
		Payload:   payload,
		Source:    "system",
	}

	select {
	case commandBus <- cmd:
	default:
		L_warn("bus: command dropped (bus full)", "component", component, "command", name)
	}
}

// ensureCommandDispatcher starts the dispatcher goroutine if not already running
func ensureCommandDispatcher() {
	commandDispatcherStarted.Do(func() {
		go runCommandDispatcher()
		L_debug("bus: command dispatcher started")
	})
}

func runCommandDispatcher() {
	for cmd := range commandBus {
		dispatchCommand(cmd)
	}
}

func dispatchCommand(cmd Command) {
	L_debug("bus: command dispatch",
		"component", cmd.Component,
		"command", cmd.Name,
		"source", cmd.Source,
	)

	commandRegistryMu.RLock()
	cc := commandRegistry[cmd.Component]
	var handler CommandHandler
	if cc != nil {
		handler = cc.handlers[cmd.Name]
	}
	commandRegistryMu.RUnlock()

	var result CommandResult

	if cc == nil {
		result = CommandResult{
			Error:   fmt.Errorf("%w: %s", ErrNoHandler, cmd.Component),
			Message: fmt.Sprintf("component '%s' not available (service not running?)", cmd.Component),
		}
	} else if handler == nil {
		result = CommandResult{
			Error:   fmt.Errorf("%w: %s.%s", ErrUnknownCommand, cmd.Component, cmd.Name),
			Message: fmt.Sprintf("unknown command '%s' for component '%s'", cmd.Name, cmd.Component),
		}
	} else {
		result = handler(cmd)
	}

	if cmd.Result != nil {
		select {
		case cmd.Result <- result:
		default:
			L_warn("bus: result channel full/closed",
				"component", cmd.Component,
				"command", cmd.Name,
			)
		}
	}
}

// ListComponents returns all registered component names
func ListComponents() []string {
	commandRegistryMu.RLock()
	defer commandRegistryMu.RUnlock()

	names := make([]string, 0, len(commandRegistry))
	for name := range commandRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
