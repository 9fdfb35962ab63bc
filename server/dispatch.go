package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/scout-hq/scout/metrics"
	"github.com/scout-hq/scout/plugin"
	"github.com/scout-hq/scout/protocol"
	"github.com/scout-hq/scout/registry"
	"github.com/scout-hq/scout/transport"
	"github.com/scout-hq/scout/vault"
)

// defaultToolTimeout bounds a tools/call handler unless its category
// carries an override.
const defaultToolTimeout = 30 * time.Second

// toolTimeouts overrides the call deadline per tool category.
// Scan-class tools walk whole networks and need far more room.
var toolTimeouts = map[string]time.Duration{
	"nmap": 10 * time.Minute,
	"scan": 10 * time.Minute,
}

func toolTimeout(category string) time.Duration {
	if d, ok := toolTimeouts[category]; ok {
		return d
	}
	return defaultToolTimeout
}

type handler func(ctx context.Context, m *protocol.Message) (any, *protocol.Error)

func (s *Server) methodTable() map[string]handler {
	return map[string]handler{
		protocol.MethodInitialize:    s.handleInitialize,
		protocol.MethodPing:          s.handlePing,
		protocol.MethodToolsList:     s.handleToolsList,
		protocol.MethodToolsCall:     s.handleToolsCall,
		protocol.MethodResourcesList: s.handleResourcesList,
		protocol.MethodResourcesRead: s.handleResourcesRead,
		protocol.MethodPromptsList:   s.handlePromptsList,
		protocol.MethodPromptsGet:    s.handlePromptsGet,

		protocol.MethodRegistryStatus:  s.handleRegistryStatus,
		protocol.MethodRegistryReload:  s.handleRegistryReload,
		protocol.MethodRegistryWatch:   s.handleRegistryWatch,
		protocol.MethodRegistryUnwatch: s.handleRegistryUnwatch,

		protocol.MethodPluginList:       s.handlePluginList,
		protocol.MethodPluginLoad:       s.handlePluginLoad,
		protocol.MethodPluginActivate:   s.handlePluginActivate,
		protocol.MethodPluginDeactivate: s.handlePluginDeactivate,
		protocol.MethodPluginUnload:     s.handlePluginUnload,
		protocol.MethodPluginValidate:   s.handlePluginValidate,
	}
}

// Dispatch routes one classified message. Requests produce a response;
// notifications and stray responses produce nil.
func (s *Server) Dispatch(ctx context.Context, m *protocol.Message) *protocol.Message {
	switch m.Classify() {
	case protocol.KindResponse:
		s.lg.Debug().Str("id", string(m.ID)).Msg("dropping unexpected response")
		return nil
	case protocol.KindNotification:
		s.handleNotification(ctx, m)
		return nil
	}
	return s.handleRequest(ctx, m)
}

func (s *Server) handleRequest(ctx context.Context, m *protocol.Message) *protocol.Message {
	start := time.Now()
	tname := transport.Name(ctx)

	h, ok := s.methods[m.Method]
	if !ok {
		metrics.RecordRequest(m.Method, tname, "error", time.Since(start))
		return protocol.NewErrorResponse(m.ID, protocol.MethodNotFound(m.Method))
	}

	result, perr := s.invoke(ctx, m, h)
	status := "ok"
	if perr != nil {
		status = "error"
	}
	metrics.RecordRequest(m.Method, tname, status, time.Since(start))

	if perr != nil {
		return protocol.NewErrorResponse(m.ID, perr)
	}
	resp, err := protocol.NewResponse(m.ID, result)
	if err != nil {
		s.lg.Error().Err(err).Str("method", m.Method).Msg("encoding result")
		return protocol.NewErrorResponse(m.ID, protocol.Internal("encoding", err.Error()))
	}
	return resp
}

// invoke runs a handler with panic recovery. A panicking handler must
// never take a transport loop down with it.
func (s *Server) invoke(ctx context.Context, m *protocol.Message, h handler) (result any, perr *protocol.Error) {
	defer func() {
		if r := recover(); r != nil {
			s.lg.Error().Str("method", m.Method).Interface("panic", r).Msg("handler panicked")
			result = nil
			perr = protocol.Internal("panic", fmt.Sprint(r))
		}
	}()
	return h(ctx, m)
}

func (s *Server) handleNotification(ctx context.Context, m *protocol.Message) {
	switch m.Method {
	case protocol.NotifyCancelled:
		var p protocol.CancelledParams
		if err := json.Unmarshal(m.Params, &p); err != nil || len(p.RequestID) == 0 {
			s.lg.Warn().Msg("malformed cancellation notification")
			return
		}
		s.cancelPending(m.SessionID, p.RequestID, p.Reason)
	case "":
		s.lg.Warn().Msg("dropping malformed message without method")
	default:
		s.lg.Debug().Str("method", m.Method).Msg("ignoring notification")
	}
}

// mapError translates handler failures into the wire error space.
func mapError(ctx context.Context, err error) *protocol.Error {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return protocol.Cancelled()
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.Internal("timeout", err.Error())
	case errors.Is(err, registry.ErrDuplicate) || errors.Is(err, vault.ErrExists):
		return protocol.NewError(protocol.CodeDuplicate, "already exists", err.Error())
	case errors.Is(err, registry.ErrUnknown) || errors.Is(err, vault.ErrNotFound) || errors.Is(err, plugin.ErrNotFound):
		return protocol.NewError(protocol.CodeUnknown, "not found", err.Error())
	case errors.Is(err, registry.ErrIllegalState) || errors.Is(err, plugin.ErrIllegalState):
		return protocol.NewError(protocol.CodeIllegalState, "illegal state", err.Error())
	case errors.Is(err, plugin.ErrIntegrity) || errors.Is(err, plugin.ErrDrift):
		return protocol.NewError(protocol.CodeIntegrity, "integrity violation", err.Error())
	case errors.Is(err, plugin.ErrUnsigned):
		return protocol.NewError(protocol.CodeUnsigned, "unsigned plugin", err.Error())
	case errors.Is(err, plugin.ErrBadSignature):
		return protocol.NewError(protocol.CodeBadSignature, "bad signature", err.Error())
	default:
		return protocol.Internal("internal", err.Error())
	}
}

func (s *Server) handleInitialize(_ context.Context, m *protocol.Message) (any, *protocol.Error) {
	var p protocol.InitializeParams
	if len(m.Params) > 0 {
		if err := json.Unmarshal(m.Params, &p); err != nil {
			return nil, protocol.InvalidParams(err.Error())
		}
	}
	if p.ClientInfo.Name != "" {
		s.lg.Info().
			Str("client", p.ClientInfo.Name).
			Str("clientVersion", p.ClientInfo.Version).
			Str("protocolVersion", p.ProtocolVersion).
			Msg("client initialized")
	}
	listChanged := &protocol.ListChangedCapability{ListChanged: true}
	return protocol.InitializeResult{
		ProtocolVersion: protocol.MCPVersion,
		Capabilities: protocol.ServerCapabilities{
			Tools:     listChanged,
			Resources: listChanged,
			Prompts:   listChanged,
		},
		ServerInfo:   protocol.Implementation{Name: Name, Version: s.version},
		Instructions: s.instructions(),
	}, nil
}

func (s *Server) handlePing(context.Context, *protocol.Message) (any, *protocol.Error) {
	return map[string]any{}, nil
}

func (s *Server) handleToolsList(context.Context, *protocol.Message) (any, *protocol.Error) {
	tools := s.reg.ListTools()
	out := protocol.ListToolsResult{Tools: make([]protocol.ToolDescriptor, 0, len(tools))}
	for _, t := range tools {
		out.Tools = append(out.Tools, t.Descriptor())
	}
	return out, nil
}

func (s *Server) handleToolsCall(ctx context.Context, m *protocol.Message) (any, *protocol.Error) {
	var p protocol.CallToolParams
	if err := json.Unmarshal(m.Params, &p); err != nil {
		return nil, protocol.InvalidParams(err.Error())
	}
	if p.Name == "" {
		return nil, protocol.InvalidParams("tool name is required")
	}
	tool, ok := s.reg.LookupTool(p.Name)
	if !ok {
		return nil, protocol.NewError(protocol.CodeUnknown, "not found",
			fmt.Sprintf("tool %q is not registered", p.Name))
	}
	if err := tool.ValidateArgs(p.Arguments); err != nil {
		return nil, protocol.InvalidParams(err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, toolTimeout(tool.Category))
	defer cancel()
	s.trackPending(m.SessionID, m.ID, cancel)
	defer s.releasePending(m.SessionID, m.ID)

	result, err := tool.Handler(ctx, p.Arguments)
	metrics.RecordToolCall(p.Name, err != nil || (result != nil && result.IsError))
	if err != nil {
		s.lg.Warn().Err(err).Str("tool", p.Name).Msg("tool call failed")
		return nil, mapError(ctx, err)
	}
	if result == nil {
		result = protocol.NewToolResultText("")
	}
	return result, nil
}

func (s *Server) handleResourcesList(context.Context, *protocol.Message) (any, *protocol.Error) {
	resources := s.reg.ListResources()
	out := protocol.ListResourcesResult{Resources: make([]protocol.ResourceDescriptor, 0, len(resources))}
	for _, r := range resources {
		out.Resources = append(out.Resources, r.Descriptor())
	}
	return out, nil
}

func (s *Server) handleResourcesRead(ctx context.Context, m *protocol.Message) (any, *protocol.Error) {
	var p protocol.ReadResourceParams
	if err := json.Unmarshal(m.Params, &p); err != nil {
		return nil, protocol.InvalidParams(err.Error())
	}
	if p.URI == "" {
		return nil, protocol.InvalidParams("resource uri is required")
	}
	res, ok := s.reg.LookupResource(p.URI)
	if !ok {
		return nil, protocol.NewError(protocol.CodeUnknown, "not found",
			fmt.Sprintf("resource %q is not registered", p.URI))
	}
	text, err := res.Provider(ctx)
	if err != nil {
		return nil, mapError(ctx, err)
	}
	return protocol.ReadResourceResult{
		Contents: []protocol.TextResourceContents{{URI: res.URI, MIMEType: res.MIMEType, Text: text}},
	}, nil
}

func (s *Server) handlePromptsList(context.Context, *protocol.Message) (any, *protocol.Error) {
	prompts := s.reg.ListPrompts()
	out := protocol.ListPromptsResult{Prompts: make([]protocol.PromptDescriptor, 0, len(prompts))}
	for _, p := range prompts {
		out.Prompts = append(out.Prompts, p.Descriptor())
	}
	return out, nil
}

func (s *Server) handlePromptsGet(ctx context.Context, m *protocol.Message) (any, *protocol.Error) {
	var p protocol.GetPromptParams
	if err := json.Unmarshal(m.Params, &p); err != nil {
		return nil, protocol.InvalidParams(err.Error())
	}
	if p.Name == "" {
		return nil, protocol.InvalidParams("prompt name is required")
	}
	prompt, ok := s.reg.LookupPrompt(p.Name)
	if !ok {
		return nil, protocol.NewError(protocol.CodeUnknown, "not found",
			fmt.Sprintf("prompt %q is not registered", p.Name))
	}
	for _, arg := range prompt.Arguments {
		if arg.Required {
			if _, ok := p.Arguments[arg.Name]; !ok {
				return nil, protocol.InvalidParams(fmt.Sprintf("argument %q is required", arg.Name))
			}
		}
	}
	result, err := prompt.Renderer(ctx, p.Arguments)
	if err != nil {
		return nil, mapError(ctx, err)
	}
	return result, nil
}

type moduleParams struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
}

type registryStatusResult struct {
	BootstrapComplete bool              `json:"bootstrap_complete"`
	Tools             int               `json:"tools"`
	Resources         int               `json:"resources"`
	Prompts           int               `json:"prompts"`
	Modules           []registry.Module `json:"modules"`
	Watched           map[string]string `json:"watched,omitempty"`
}

func (s *Server) handleRegistryStatus(context.Context, *protocol.Message) (any, *protocol.Error) {
	out := registryStatusResult{
		BootstrapComplete: s.reg.BootstrapComplete(),
		Tools:             len(s.reg.ListTools()),
		Resources:         len(s.reg.ListResources()),
		Prompts:           len(s.reg.ListPrompts()),
		Modules:           s.reg.ListModules(),
	}
	if s.watcher != nil {
		out.Watched = s.watcher.Watched()
	}
	return out, nil
}

func (s *Server) handleRegistryReload(ctx context.Context, m *protocol.Message) (any, *protocol.Error) {
	if s.engine == nil {
		return nil, protocol.NewError(protocol.CodeIllegalState, "illegal state", "module discovery is disabled")
	}
	var p moduleParams
	if err := json.Unmarshal(m.Params, &p); err != nil {
		return nil, protocol.InvalidParams(err.Error())
	}
	if p.Name == "" || p.Path == "" {
		return nil, protocol.InvalidParams("name and path are required")
	}
	if err := s.engine.Reload(ctx, p.Name, p.Path); err != nil {
		return nil, mapError(ctx, err)
	}
	return map[string]string{"module": p.Name, "status": "reloaded"}, nil
}

func (s *Server) handleRegistryWatch(ctx context.Context, m *protocol.Message) (any, *protocol.Error) {
	if s.watcher == nil {
		return nil, protocol.NewError(protocol.CodeIllegalState, "illegal state", "hot reload is disabled")
	}
	var p moduleParams
	if err := json.Unmarshal(m.Params, &p); err != nil {
		return nil, protocol.InvalidParams(err.Error())
	}
	if p.Name == "" || p.Path == "" {
		return nil, protocol.InvalidParams("name and path are required")
	}
	if err := s.watcher.Watch(p.Name, p.Path); err != nil {
		return nil, mapError(ctx, err)
	}
	return map[string]string{"module": p.Name, "status": "watching"}, nil
}

func (s *Server) handleRegistryUnwatch(ctx context.Context, m *protocol.Message) (any, *protocol.Error) {
	if s.watcher == nil {
		return nil, protocol.NewError(protocol.CodeIllegalState, "illegal state", "hot reload is disabled")
	}
	var p moduleParams
	if err := json.Unmarshal(m.Params, &p); err != nil {
		return nil, protocol.InvalidParams(err.Error())
	}
	if p.Name == "" {
		return nil, protocol.InvalidParams("name is required")
	}
	if err := s.watcher.Unwatch(p.Name); err != nil {
		return nil, mapError(ctx, err)
	}
	return map[string]string{"module": p.Name, "status": "unwatched"}, nil
}

type pluginParams struct {
	ID string `json:"id"`
}

func (s *Server) pluginManager() (*plugin.Manager, *protocol.Error) {
	if s.plugins == nil {
		return nil, protocol.NewError(protocol.CodeIllegalState, "illegal state", "plugin support is disabled")
	}
	return s.plugins, nil
}

func (s *Server) handlePluginList(context.Context, *protocol.Message) (any, *protocol.Error) {
	mgr, perr := s.pluginManager()
	if perr != nil {
		return nil, perr
	}
	return map[string]any{"plugins": mgr.List()}, nil
}

func (s *Server) pluginOp(ctx context.Context, m *protocol.Message, op func(*plugin.Manager, string) error) (any, *protocol.Error) {
	mgr, perr := s.pluginManager()
	if perr != nil {
		return nil, perr
	}
	var p pluginParams
	if err := json.Unmarshal(m.Params, &p); err != nil {
		return nil, protocol.InvalidParams(err.Error())
	}
	if p.ID == "" {
		return nil, protocol.InvalidParams("plugin id is required")
	}
	if err := op(mgr, p.ID); err != nil {
		return nil, mapError(ctx, err)
	}
	info, _ := mgr.Lookup(p.ID)
	return info, nil
}

func (s *Server) handlePluginLoad(ctx context.Context, m *protocol.Message) (any, *protocol.Error) {
	return s.pluginOp(ctx, m, (*plugin.Manager).Load)
}

func (s *Server) handlePluginActivate(ctx context.Context, m *protocol.Message) (any, *protocol.Error) {
	return s.pluginOp(ctx, m, (*plugin.Manager).Activate)
}

func (s *Server) handlePluginDeactivate(ctx context.Context, m *protocol.Message) (any, *protocol.Error) {
	return s.pluginOp(ctx, m, (*plugin.Manager).Deactivate)
}

func (s *Server) handlePluginUnload(ctx context.Context, m *protocol.Message) (any, *protocol.Error) {
	return s.pluginOp(ctx, m, (*plugin.Manager).Unload)
}

func (s *Server) handlePluginValidate(ctx context.Context, m *protocol.Message) (any, *protocol.Error) {
	return s.pluginOp(ctx, m, (*plugin.Manager).Revalidate)
}
