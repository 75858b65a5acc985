// Package chatline provides the public API for building a chat application
// on top of the chatline runtime. This is the stable API for external
// consumers.
package chatline

import (
	"github.com/tjfontaine/chatline/internal/callbacks"
	"github.com/tjfontaine/chatline/internal/chat"
	"github.com/tjfontaine/chatline/internal/core/domain"
	"github.com/tjfontaine/chatline/internal/runtime"
	"github.com/tjfontaine/chatline/internal/tokens"
)

// App is the main entry point for running a chat application.
// See internal/runtime.App for full documentation.
type App = runtime.App

// Option is a functional option for configuring an App.
type Option = runtime.Option

// New creates a new App with the given options.
// Example:
//
//	app, err := chatline.New(
//	    chatline.WithFileConfig("chatline.yaml"),
//	    chatline.WithCallbacks(chatline.NewCallbacks().
//	        OnMessage(func(ctx context.Context, m *chatline.Message) error {
//	            return chatline.NewMessage("echo: " + m.Content()).Send(ctx)
//	        }).
//	        Build()),
//	)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig     = runtime.WithFileConfig
	WithConfig         = runtime.WithConfig
	WithConfigProvider = runtime.WithConfigProvider

	// Handlers
	WithCallbacks = runtime.WithCallbacks

	// Persistence
	WithDataLayer = runtime.WithDataLayer
	WithStorage   = runtime.WithStorage

	// Authentication
	WithBlacklist     = runtime.WithBlacklist
	WithOAuthProvider = runtime.WithOAuthProvider

	// Advanced options
	WithTokenCounter = runtime.WithTokenCounter
	WithListener     = runtime.WithListener
	WithLogger       = runtime.WithLogger
)

// Handler registration
type (
	Callbacks = callbacks.Registry
	Builder   = callbacks.Builder
)

// NewCallbacks starts a handler registration.
var NewCallbacks = callbacks.NewBuilder

// Chat primitives available inside handlers.
type (
	Message          = chat.Message
	Step             = chat.Step
	Action           = chat.Action
	Element          = chat.Element
	ChatSettings     = chat.ChatSettings
	AskUserMessage   = chat.AskUserMessage
	AskFileMessage   = chat.AskFileMessage
	AskActionMessage = chat.AskActionMessage
	TokenCounter     = tokens.Counter
)

var (
	NewMessage  = chat.NewMessage
	NewStep     = chat.NewStep
	NewAction   = chat.NewAction
	NewElement  = chat.NewElement
	Run         = chat.Run
	CurrentStep = chat.CurrentStep
	CurrentUser = chat.CurrentUser
	History     = chat.History
	ShouldStop  = chat.ShouldStop

	SetCommands       = chat.SetCommands
	SetModes          = chat.SetModes
	SendWindowMessage = chat.SendWindowMessage
	CallFn            = chat.CallFn
)

// Data types shared with the UI and the data layer.
type (
	User        = domain.User
	ThreadDict  = domain.ThreadDict
	StepType    = domain.StepType
	ElementType = domain.ElementType
	Command     = domain.Command
	Mode        = domain.Mode
	Starter     = domain.Starter
	ChatProfile = domain.ChatProfile
)
