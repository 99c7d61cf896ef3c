package mcp

import (
	"encoding/json"
	"testing"
)

func echoTool() Tool {
	params := NewPropertyList()
	params.Add(StringProperty("message", false, ""))
	return Tool{
		Name:        "echo",
		Description: "Echoes the message argument back with a prefix.",
		Parameters:  params,
		Handler: func(args *PropertyList) ReturnValue {
			p, _ := args.Get("message")
			return StringValue("Echo: " + p.ValueStr)
		},
	}
}

// TestToolsCallEchoMatchesWireShape covers S4's example exchange.
func TestToolsCallEchoMatchesWireShape(t *testing.T) {
	s := NewToolServer("voicebridge", "0.1.0")
	if err := s.RegisterTool(echoTool()); err != nil {
		t.Fatalf("RegisterTool() = %v", err)
	}

	req := `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"echo","arguments":{"message":"Hi"}}}`
	resp := s.Handle([]byte(req))
	if resp == nil {
		t.Fatal("Handle() = nil; want a reply")
	}

	var got map[string]any
	if err := json.Unmarshal(resp, &got); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	want := map[string]any{
		"jsonrpc": "2.0",
		"id":      float64(7),
		"result": map[string]any{
			"content": []any{map[string]any{"type": "text", "text": "Echo: Hi"}},
			"isError": false,
		},
	}
	gotJSON, _ := json.Marshal(got)
	wantJSON, _ := json.Marshal(want)
	if string(gotJSON) != string(wantJSON) {
		t.Fatalf("reply = %s; want %s", gotJSON, wantJSON)
	}
}

func TestInitializeReply(t *testing.T) {
	s := NewToolServer("voicebridge", "0.1.0")
	resp := s.Handle([]byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`))
	var got struct {
		Result struct {
			ProtocolVersion string `json:"protocolVersion"`
			ServerInfo      struct {
				Name    string `json:"name"`
				Version string `json:"version"`
			} `json:"serverInfo"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &got); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if got.Result.ProtocolVersion != "2024-11-05" {
		t.Fatalf("protocolVersion = %q; want 2024-11-05", got.Result.ProtocolVersion)
	}
	if got.Result.ServerInfo.Name != "voicebridge" {
		t.Fatalf("serverInfo.name = %q; want voicebridge", got.Result.ServerInfo.Name)
	}
}

func TestInitializeDispatchesCapabilityCallback(t *testing.T) {
	s := NewToolServer("voicebridge", "0.1.0")
	var gotToken string
	s.RegisterCapabilityCallback("camera.token", func(raw json.RawMessage) {
		json.Unmarshal(raw, &gotToken)
	})

	s.Handle([]byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"capabilities":{"camera.token":"abc123"}}}`))
	if gotToken != "abc123" {
		t.Fatalf("capability callback token = %q; want abc123", gotToken)
	}
}

// TestToolsListExactlyOnceEach covers invariant 5.
func TestToolsListExactlyOnceEach(t *testing.T) {
	s := NewToolServer("voicebridge", "0.1.0")
	s.RegisterTool(Tool{Name: "a", Handler: func(*PropertyList) ReturnValue { return BoolValue(true) }})
	s.RegisterTool(Tool{Name: "b", UserOnly: true, Handler: func(*PropertyList) ReturnValue { return BoolValue(true) }})

	resp := s.Handle([]byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list","params":{}}`))
	var got struct {
		Result struct {
			Tools []toolDescriptor `json:"tools"`
		} `json:"result"`
	}
	json.Unmarshal(resp, &got)
	if len(got.Result.Tools) != 2 {
		t.Fatalf("tools/list returned %d tools; want 2", len(got.Result.Tools))
	}

	respFiltered := s.Handle([]byte(`{"jsonrpc":"2.0","id":3,"method":"tools/list","params":{"listUserOnlyTools":true}}`))
	var gotFiltered struct {
		Result struct {
			Tools []toolDescriptor `json:"tools"`
		} `json:"result"`
	}
	json.Unmarshal(respFiltered, &gotFiltered)
	if len(gotFiltered.Result.Tools) != 1 || gotFiltered.Result.Tools[0].Name != "b" {
		t.Fatalf("filtered tools/list = %+v; want only tool b", gotFiltered.Result.Tools)
	}
}

// TestDuplicateToolNameRejected covers invariant 6.
func TestDuplicateToolNameRejected(t *testing.T) {
	s := NewToolServer("voicebridge", "0.1.0")
	noop := func(*PropertyList) ReturnValue { return BoolValue(true) }
	if err := s.RegisterTool(Tool{Name: "dup", Handler: noop}); err != nil {
		t.Fatalf("first RegisterTool() = %v", err)
	}
	if err := s.RegisterTool(Tool{Name: "dup", Handler: noop}); err != ErrDuplicateName {
		t.Fatalf("second RegisterTool() = %v; want ErrDuplicateName", err)
	}
}

func TestToolCountCap(t *testing.T) {
	s := NewToolServer("voicebridge", "0.1.0")
	noop := func(*PropertyList) ReturnValue { return BoolValue(true) }
	for i := 0; i < MaxTools; i++ {
		name := "t" + string(rune('a'+i%26)) + string(rune('0'+i/26))
		if err := s.RegisterTool(Tool{Name: name, Handler: noop}); err != nil {
			t.Fatalf("RegisterTool(%d) = %v", i, err)
		}
	}
	if err := s.RegisterTool(Tool{Name: "overflow", Handler: noop}); err != ErrResourceLimit {
		t.Fatalf("RegisterTool() past cap = %v; want ErrResourceLimit", err)
	}
}

func TestUnknownMethodReturnsNotImplemented(t *testing.T) {
	s := NewToolServer("voicebridge", "0.1.0")
	resp := s.Handle([]byte(`{"jsonrpc":"2.0","id":9,"method":"resources/list","params":{}}`))
	var got struct {
		Error *rpcError `json:"error"`
	}
	json.Unmarshal(resp, &got)
	if got.Error == nil || got.Error.Message != "Method not implemented: resources/list" {
		t.Fatalf("error = %+v", got.Error)
	}
}

func TestNotificationsAreDropped(t *testing.T) {
	s := NewToolServer("voicebridge", "0.1.0")
	resp := s.Handle([]byte(`{"jsonrpc":"2.0","method":"notifications/cancelled"}`))
	if resp != nil {
		t.Fatalf("Handle() for a notification = %s; want nil", resp)
	}
}

func TestWrongJSONRPCVersionDropped(t *testing.T) {
	s := NewToolServer("voicebridge", "0.1.0")
	resp := s.Handle([]byte(`{"jsonrpc":"1.0","id":1,"method":"initialize"}`))
	if resp != nil {
		t.Fatalf("Handle() with wrong jsonrpc version = %s; want nil", resp)
	}
}

func TestIntegerArgumentOutOfRangeRejected(t *testing.T) {
	s := NewToolServer("voicebridge", "0.1.0")
	params := NewPropertyList()
	params.Add(IntProperty("volume", 0, 100))
	s.RegisterTool(Tool{
		Name:       "set_volume",
		Parameters: params,
		Handler:    func(*PropertyList) ReturnValue { return BoolValue(true) },
	})

	resp := s.Handle([]byte(`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"set_volume","arguments":{"volume":500}}}`))
	var got struct {
		Result struct {
			IsError bool `json:"isError"`
		} `json:"result"`
	}
	json.Unmarshal(resp, &got)
	if !got.Result.IsError {
		t.Fatal("tools/call with out-of-range integer argument = not an error result")
	}
}

func TestToolParametersDeepClonedOnRegister(t *testing.T) {
	s := NewToolServer("voicebridge", "0.1.0")
	params := NewPropertyList()
	params.Add(StringProperty("x", false, ""))
	s.RegisterTool(Tool{Name: "t", Parameters: params, Handler: func(*PropertyList) ReturnValue { return BoolValue(true) }})

	params.Add(StringProperty("y", false, ""))
	if s.tools[0].Parameters.Len() != 1 {
		t.Fatalf("registered tool's parameter list mutated by caller's template: len = %d; want 1", s.tools[0].Parameters.Len())
	}
}

func TestReturnValueSerializationVariants(t *testing.T) {
	cases := []struct {
		name string
		rv   ReturnValue
		want string
	}{
		{"bool-true", BoolValue(true), "true"},
		{"bool-false", BoolValue(false), "false"},
		{"int", IntValue(42), "42"},
		{"int-negative", IntValue(-7), "-7"},
		{"string", StringValue("hello"), "hello"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			result := serializeReturnValue(c.rv)
			content := result["content"].([]map[string]any)
			if content[0]["text"] != c.want {
				t.Fatalf("text = %v; want %v", content[0]["text"], c.want)
			}
			if result["isError"] != false {
				t.Fatalf("isError = %v; want false", result["isError"])
			}
		})
	}
}

// TestUnsupportedReturnKindUsesJSONRPCErrorForm covers the spec's
// "any other variant ... the outbound reply uses the error form" rule.
func TestUnsupportedReturnKindUsesJSONRPCErrorForm(t *testing.T) {
	s := NewToolServer("voicebridge", "0.1.0")
	s.RegisterTool(Tool{
		Name:    "broken",
		Handler: func(*PropertyList) ReturnValue { return ReturnValue{Kind: ReturnUnsupported} },
	})

	resp := s.Handle([]byte(`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"broken","arguments":{}}}`))
	var got struct {
		Result any `json:"result"`
		Error  *struct {
			Message string `json:"message"`
			Data    struct {
				IsError bool `json:"isError"`
			} `json:"data"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp, &got); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if got.Result != nil {
		t.Fatalf("result = %v; want nil (error form expected)", got.Result)
	}
	if got.Error == nil || got.Error.Message != "Unsupported return type" || !got.Error.Data.IsError {
		t.Fatalf("error = %+v", got.Error)
	}
}

func TestImageReturnValueSerialization(t *testing.T) {
	result := serializeReturnValue(ImageValue("image/png", "YWJj"))
	content := result["content"].([]map[string]any)
	if content[0]["mimeType"] != "image/png" || content[0]["data"] != "YWJj" {
		t.Fatalf("image content = %+v", content[0])
	}
}
