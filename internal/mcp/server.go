package mcp

import (
	"encoding/json"
	"log"
	"strconv"
	"strings"
)

const protocolVersion = "2024-11-05"

// ToolServer is the process-local JSON-RPC 2.0 endpoint exposing tools to
// the remote dialog model (spec §3, §4.5).
type ToolServer struct {
	serverName    string
	serverVersion string

	tools     []Tool
	toolIndex map[string]int

	capabilityCallbacks map[string]func(json.RawMessage)
}

// NewToolServer returns an empty ToolServer identified by name/version
// (spec §3: server_name<256, server_version<64).
func NewToolServer(name, version string) *ToolServer {
	return &ToolServer{
		serverName:          name,
		serverVersion:       version,
		toolIndex:           make(map[string]int),
		capabilityCallbacks: make(map[string]func(json.RawMessage)),
	}
}

// RegisterTool adds t to the server, deep-cloning its parameter list.
// Rejects a duplicate name, an over-long name/description, or exceeding
// MaxTools (spec §3).
func (s *ToolServer) RegisterTool(t Tool) error {
	if len(t.Name) >= MaxToolNameLength {
		return ErrNameTooLong
	}
	if len(t.Description) >= MaxToolDescriptionLength {
		return ErrNameTooLong
	}
	if _, exists := s.toolIndex[t.Name]; exists {
		return ErrDuplicateName
	}
	if len(s.tools) >= MaxTools {
		return ErrResourceLimit
	}
	s.toolIndex[t.Name] = len(s.tools)
	s.tools = append(s.tools, t.clone())
	return nil
}

// RegisterSimpleTool is a convenience wrapper for registering a tool from
// its five component parts.
func (s *ToolServer) RegisterSimpleTool(name, description string, parameters *PropertyList, userOnly bool, handler func(*PropertyList) ReturnValue) error {
	return s.RegisterTool(Tool{
		Name:        name,
		Description: description,
		Parameters:  parameters,
		Handler:     handler,
		UserOnly:    userOnly,
	})
}

// RegisterCapabilityCallback arms a callback invoked during initialize when
// the client advertises the named capability (spec §4.5: "currently
// camera.explain_url and camera.token").
func (s *ToolServer) RegisterCapabilityCallback(capability string, cb func(json.RawMessage)) {
	s.capabilityCallbacks[capability] = cb
}

// ToolCount returns the number of registered tools.
func (s *ToolServer) ToolCount() int {
	return len(s.tools)
}

// knownCapabilities lists the capability names initialize recognizes
// (spec §4.5).
var knownCapabilities = []string{"camera.explain_url", "camera.token"}

// rpcRequest is the inbound JSON-RPC 2.0 envelope.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcResponse is the outbound JSON-RPC 2.0 envelope.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func isNumeric(raw json.RawMessage) bool {
	var f float64
	return json.Unmarshal(raw, &f) == nil
}

// Handle is the server's JSON-RPC 2.0 entry point: decode one request,
// dispatch, and return the encoded reply (nil if no reply is owed, per
// spec §4.5/§7 — malformed requests, a wrong protocol version, and a
// missing numeric id are logged and dropped; notifications are dropped
// silently).
func (s *ToolServer) Handle(raw []byte) []byte {
	var req rpcRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		log.Printf("[mcp] malformed JSON-RPC request: %v", err)
		return nil
	}
	if req.JSONRPC != "2.0" {
		log.Printf("[mcp] unsupported jsonrpc version %q", req.JSONRPC)
		return nil
	}
	if strings.HasPrefix(req.Method, "notifications/") {
		return nil
	}
	if len(req.ID) == 0 || !isNumeric(req.ID) {
		log.Printf("[mcp] request %q missing a numeric id", req.Method)
		return nil
	}

	switch req.Method {
	case "initialize":
		return s.handleInitialize(req.ID, req.Params)
	case "tools/list":
		return s.handleToolsList(req.ID, req.Params)
	case "tools/call":
		return s.handleToolsCall(req.ID, req.Params)
	default:
		return s.errorReply(req.ID, "Method not implemented: "+req.Method)
	}
}

func (s *ToolServer) errorReply(id json.RawMessage, message string) []byte {
	resp := rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: -32601, Message: message}}
	out, _ := json.Marshal(resp)
	return out
}

func (s *ToolServer) okReply(id json.RawMessage, result any) []byte {
	resp := rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
	out, _ := json.Marshal(resp)
	return out
}

type initializeParams struct {
	Capabilities map[string]json.RawMessage `json:"capabilities,omitempty"`
}

func (s *ToolServer) handleInitialize(id json.RawMessage, rawParams json.RawMessage) []byte {
	var params initializeParams
	if len(rawParams) > 0 {
		json.Unmarshal(rawParams, &params)
	}
	for _, cap := range knownCapabilities {
		val, present := params.Capabilities[cap]
		if !present {
			continue
		}
		if cb, ok := s.capabilityCallbacks[cap]; ok {
			cb(val)
		}
	}

	result := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
		"serverInfo": map[string]any{
			"name":    s.serverName,
			"version": s.serverVersion,
		},
	}
	return s.okReply(id, result)
}

type toolsListParams struct {
	ListUserOnlyTools bool    `json:"listUserOnlyTools,omitempty"`
	Cursor            *string `json:"cursor,omitempty"`
}

type propertyDescriptor struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Min     *int   `json:"min,omitempty"`
	Max     *int   `json:"max,omitempty"`
	Default any    `json:"default,omitempty"`
}

type toolDescriptor struct {
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Parameters  []propertyDescriptor `json:"parameters"`
}

func describeProperty(p Property) propertyDescriptor {
	d := propertyDescriptor{Name: p.Name, Type: p.Type.String()}
	if p.HasRange {
		min, max := p.Min, p.Max
		d.Min, d.Max = &min, &max
	}
	if p.HasDefault {
		switch p.Type {
		case PropertyBoolean:
			d.Default = p.DefaultBool
		case PropertyInteger:
			d.Default = p.DefaultInt
		case PropertyString:
			d.Default = p.DefaultStr
		}
	}
	return d
}

// handleToolsList implements invariant 5: each registered tool appears
// exactly once, filtered stably by the listUserOnlyTools flag.
func (s *ToolServer) handleToolsList(id json.RawMessage, rawParams json.RawMessage) []byte {
	var params toolsListParams
	if len(rawParams) > 0 {
		json.Unmarshal(rawParams, &params)
	}

	descs := make([]toolDescriptor, 0, len(s.tools))
	for _, t := range s.tools {
		if params.ListUserOnlyTools && !t.UserOnly {
			continue
		}
		td := toolDescriptor{Name: t.Name, Description: t.Description}
		if t.Parameters != nil {
			for _, p := range t.Parameters.All() {
				td.Parameters = append(td.Parameters, describeProperty(p))
			}
		}
		descs = append(descs, td)
	}

	result := map[string]any{"tools": descs}
	if params.Cursor != nil {
		result["nextCursor"] = *params.Cursor
	}
	return s.okReply(id, result)
}

type toolsCallParams struct {
	Name      string                     `json:"name"`
	Arguments map[string]json.RawMessage `json:"arguments,omitempty"`
}

// handleToolsCall looks up the named tool, builds its call-time
// PropertyList from the supplied arguments (validating declared integer
// ranges per spec §4.5), invokes the handler, and serializes the result.
func (s *ToolServer) handleToolsCall(id json.RawMessage, rawParams json.RawMessage) []byte {
	var params toolsCallParams
	if err := json.Unmarshal(rawParams, &params); err != nil {
		return s.errorReply(id, "invalid tools/call params")
	}

	idx, ok := s.toolIndex[params.Name]
	if !ok {
		return s.errorReply(id, "Method not implemented: tools/call "+params.Name)
	}
	tool := s.tools[idx]

	callArgs := NewPropertyList()
	for name, rawVal := range params.Arguments {
		decl, declared := Property{Name: name}, false
		if tool.Parameters != nil {
			if p, found := tool.Parameters.Get(name); found {
				decl, declared = p, true
			}
		}
		prop, err := buildArgument(decl, declared, rawVal)
		if err != nil {
			return s.errorCallResult(id, "invalid argument: "+name)
		}
		callArgs.Add(prop)
	}

	rv := tool.Handler(callArgs)
	if rv.Kind == ReturnUnsupported {
		return s.unsupportedReturnReply(id)
	}
	return s.okReply(id, serializeReturnValue(rv))
}

// unsupportedReturnReply implements "Any other variant ... the outbound
// reply uses the error form" (spec §4.5): the content/isError object still
// describes what happened, carried as the JSON-RPC error's data field.
func (s *ToolServer) unsupportedReturnReply(id json.RawMessage) []byte {
	resp := rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &rpcError{
			Code:    -32602,
			Message: "Unsupported return type",
			Data: map[string]any{
				"content": []map[string]any{{"type": "text", "text": "Unsupported return type"}},
				"isError": true,
			},
		},
	}
	out, _ := json.Marshal(resp)
	return out
}

// buildArgument converts one JSON argument value into a call-time
// Property, validating against the declared schema property decl when
// declared is true.
func buildArgument(decl Property, declared bool, raw json.RawMessage) (Property, error) {
	var asBool bool
	if err := json.Unmarshal(raw, &asBool); err == nil {
		return Property{Name: decl.Name, Type: PropertyBoolean, HasValue: true, ValueBool: asBool}, nil
	}
	var asFloat float64
	if err := json.Unmarshal(raw, &asFloat); err == nil {
		n := int(asFloat)
		if declared && decl.Type == PropertyInteger && decl.HasRange {
			if n < decl.Min || n > decl.Max {
				return Property{}, ErrInvalidArgument
			}
		}
		return Property{Name: decl.Name, Type: PropertyInteger, HasValue: true, ValueInt: n}, nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return Property{Name: decl.Name, Type: PropertyString, HasValue: true, ValueStr: asString}, nil
	}
	return Property{}, ErrInvalidArgument
}

func (s *ToolServer) errorCallResult(id json.RawMessage, message string) []byte {
	result := map[string]any{
		"content": []map[string]any{{"type": "text", "text": message}},
		"isError": true,
	}
	return s.okReply(id, result)
}

// serializeReturnValue implements the tool-result serialization table
// (spec §4.5).
func serializeReturnValue(rv ReturnValue) map[string]any {
	switch rv.Kind {
	case ReturnBool:
		text := "false"
		if rv.Bool != 0 {
			text = "true"
		}
		return textResult(text)
	case ReturnInt:
		return textResult(strconv.Itoa(rv.Int))
	case ReturnString:
		return textResult(rv.Str)
	case ReturnJSON:
		return map[string]any{
			"content": []map[string]any{{"type": "text", "text": rv.Str}},
			"isError": false,
		}
	case ReturnImage:
		return map[string]any{
			"content": []map[string]any{{
				"type":     "image",
				"mimeType": rv.ImageMIME,
				"data":     rv.ImageBase64,
			}},
			"isError": false,
		}
	default:
		return map[string]any{
			"content": []map[string]any{{"type": "text", "text": "Unsupported return type"}},
			"isError": true,
		}
	}
}

func textResult(text string) map[string]any {
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
		"isError": false,
	}
}
