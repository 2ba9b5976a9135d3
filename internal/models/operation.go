package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// OperationType tags the payload of an Operation.
type OperationType string

const (
	OpNodeCreate     OperationType = "node.create"
	OpNodeDelete     OperationType = "node.delete"
	OpNodeMove       OperationType = "node.move"
	OpNodeUpdate     OperationType = "node.update"
	OpEdgeConnect    OperationType = "edge.connect"
	OpEdgeDisconnect OperationType = "edge.disconnect"
)

// ErrUnknownOperation is returned when decoding an operation whose type has no payload variant.
var ErrUnknownOperation = errors.New("unknown operation type")

// OperationData is implemented by every payload variant. The set is closed:
// only types in this package satisfy it.
type OperationData interface {
	OperationType() OperationType
	operationData()
}

type NodeCreate struct {
	NodeID   string            `json:"node_id"`
	Kind     string            `json:"kind"`
	X        float64           `json:"x"`
	Y        float64           `json:"y"`
	Params   map[string]string `json:"params,omitempty"`
	ParentID string            `json:"parent_id,omitempty"`
}

type NodeDelete struct {
	NodeID string `json:"node_id"`
}

type NodeMove struct {
	NodeID string  `json:"node_id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

// NodeUpdate sets a single parameter on a node.
type NodeUpdate struct {
	NodeID string `json:"node_id"`
	Param  string `json:"param"`
	Value  string `json:"value"`
}

// EdgeConnect links an output port of one node to an input port of another.
type EdgeConnect struct {
	EdgeID   string `json:"edge_id"`
	FromNode string `json:"from_node"`
	FromPort string `json:"from_port"`
	ToNode   string `json:"to_node"`
	ToPort   string `json:"to_port"`
}

type EdgeDisconnect struct {
	EdgeID string `json:"edge_id"`
}

func (NodeCreate) OperationType() OperationType     { return OpNodeCreate }
func (NodeDelete) OperationType() OperationType     { return OpNodeDelete }
func (NodeMove) OperationType() OperationType       { return OpNodeMove }
func (NodeUpdate) OperationType() OperationType     { return OpNodeUpdate }
func (EdgeConnect) OperationType() OperationType    { return OpEdgeConnect }
func (EdgeDisconnect) OperationType() OperationType { return OpEdgeDisconnect }

func (NodeCreate) operationData()     {}
func (NodeDelete) operationData()     {}
func (NodeMove) operationData()       {}
func (NodeUpdate) operationData()     {}
func (EdgeConnect) operationData()    {}
func (EdgeDisconnect) operationData() {}

// Operation is a single proposed mutation of the shared document.
type Operation struct {
	Type      OperationType `json:"type"`
	UserID    string        `json:"user_id"`
	Data      OperationData `json:"data"`
	Timestamp time.Time     `json:"timestamp"`
}

// NewOperation builds an operation whose Type matches data.
func NewOperation(data OperationData) Operation {
	return Operation{Type: data.OperationType(), Data: data}
}

// Validate checks that the payload variant agrees with the tag.
func (op Operation) Validate() error {
	if op.Data == nil {
		return fmt.Errorf("operation %q: missing data", op.Type)
	}
	if op.Data.OperationType() != op.Type {
		return fmt.Errorf("operation %q carries %q payload", op.Type, op.Data.OperationType())
	}
	return nil
}

type operationWire struct {
	Type      OperationType   `json:"type"`
	UserID    string          `json:"user_id"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

func (op Operation) MarshalJSON() ([]byte, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(op.Data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", op.Type, err)
	}
	return json.Marshal(operationWire{
		Type:      op.Type,
		UserID:    op.UserID,
		Data:      data,
		Timestamp: op.Timestamp,
	})
}

func (op *Operation) UnmarshalJSON(raw []byte) error {
	var w operationWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return err
	}
	data, err := decodeOperationData(w.Type, w.Data)
	if err != nil {
		return err
	}
	*op = Operation{Type: w.Type, UserID: w.UserID, Data: data, Timestamp: w.Timestamp}
	return nil
}

func decodeOperationData(typ OperationType, raw json.RawMessage) (OperationData, error) {
	var target OperationData
	switch typ {
	case OpNodeCreate:
		var d NodeCreate
		if err := unmarshalPayload(raw, &d); err != nil {
			return nil, err
		}
		target = d
	case OpNodeDelete:
		var d NodeDelete
		if err := unmarshalPayload(raw, &d); err != nil {
			return nil, err
		}
		target = d
	case OpNodeMove:
		var d NodeMove
		if err := unmarshalPayload(raw, &d); err != nil {
			return nil, err
		}
		target = d
	case OpNodeUpdate:
		var d NodeUpdate
		if err := unmarshalPayload(raw, &d); err != nil {
			return nil, err
		}
		target = d
	case OpEdgeConnect:
		var d EdgeConnect
		if err := unmarshalPayload(raw, &d); err != nil {
			return nil, err
		}
		target = d
	case OpEdgeDisconnect:
		var d EdgeDisconnect
		if err := unmarshalPayload(raw, &d); err != nil {
			return nil, err
		}
		target = d
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, typ)
	}
	return target, nil
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return errors.New("operation data required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode operation data: %w", err)
	}
	return nil
}
