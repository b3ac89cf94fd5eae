package engine

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// frame is one RPC request or response. On the wire it is a protobuf
// google.protobuf.Struct so both sides can evolve params without generated code.
type frame struct {
	ID     string
	Method string
	Handle string
	Params json.RawMessage
	Result json.RawMessage
	Error  string
}

func encodeFrame(f frame) ([]byte, error) {
	fields := map[string]any{
		"id":     f.ID,
		"method": f.Method,
	}
	if f.Handle != "" {
		fields["handle"] = f.Handle
	}
	if f.Error != "" {
		fields["error"] = f.Error
	}
	for name, raw := range map[string]json.RawMessage{"params": f.Params, "result": f.Result} {
		if len(raw) == 0 {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", name, err)
		}
		fields[name] = v
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build frame: %w", err)
	}
	return proto.Marshal(s)
}

func decodeFrame(b []byte) (frame, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return frame{}, fmt.Errorf("failed to unmarshal frame: %w", err)
	}
	f := frame{
		ID:     s.Fields["id"].GetStringValue(),
		Method: s.Fields["method"].GetStringValue(),
		Handle: s.Fields["handle"].GetStringValue(),
		Error:  s.Fields["error"].GetStringValue(),
	}
	if f.ID == "" {
		return frame{}, fmt.Errorf("frame without id")
	}
	var err error
	if v, ok := s.Fields["params"]; ok {
		if f.Params, err = v.MarshalJSON(); err != nil {
			return frame{}, err
		}
	}
	if v, ok := s.Fields["result"]; ok {
		if f.Result, err = v.MarshalJSON(); err != nil {
			return frame{}, err
		}
	}
	return f, nil
}

func marshalPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalPayload(raw json.RawMessage, out any) error {
	if out == nil {
		return nil
	}
	if len(raw) == 0 {
		return fmt.Errorf("missing payload")
	}
	return json.Unmarshal(raw, out)
}
