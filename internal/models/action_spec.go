package models

import (
	"encoding/json"
	"fmt"
)

// ActionType discriminates trigger actions.
type ActionType string

const (
	ActionStartSequence       ActionType = "start_sequence"
	ActionStopSequence        ActionType = "stop_sequence"
	ActionSendNotification    ActionType = "send_notification"
	ActionFireAutomatedAction ActionType = "fire_automated_action"
	ActionUpdateField         ActionType = "update_field"
	ActionCreateActivity      ActionType = "create_activity"
)

// AllSequences targets every active enrollment of an entity in stop_sequence.
const AllSequences = "all"

// ActionSpec is one entry of a trigger's action list. The set of
// implementations is closed; UnknownAction holds rows whose type is not
// recognised.
type ActionSpec interface {
	Type() ActionType
	isActionSpec()
}

type StartSequenceAction struct {
	SequenceID string `json:"sequence_id"`
	Target     string `json:"target,omitempty"` // dot path resolving to the entity id to enroll
}

type StopSequenceAction struct {
	SequenceID string `json:"sequence_id"` // a sequence id or "all"
	Target     string `json:"target,omitempty"`
}

type SendNotificationAction struct {
	Target   string                 `json:"target"`
	Template string                 `json:"template"`
	Message  string                 `json:"message,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

type FireAutomatedActionAction struct {
	AutomatedActionID string `json:"automated_action_id"`
}

type UpdateFieldAction struct {
	Field string      `json:"field"`
	Value interface{} `json:"value"`
}

type CreateActivityAction struct {
	ActivityData map[string]interface{} `json:"activity_data"`
}

// UnknownAction keeps an unrecognised action as stored.
type UnknownAction struct {
	Kind string
	Raw  json.RawMessage
}

func (StartSequenceAction) Type() ActionType       { return ActionStartSequence }
func (StopSequenceAction) Type() ActionType        { return ActionStopSequence }
func (SendNotificationAction) Type() ActionType    { return ActionSendNotification }
func (FireAutomatedActionAction) Type() ActionType { return ActionFireAutomatedAction }
func (UpdateFieldAction) Type() ActionType         { return ActionUpdateField }
func (CreateActivityAction) Type() ActionType      { return ActionCreateActivity }
func (u UnknownAction) Type() ActionType           { return ActionType(u.Kind) }

func (StartSequenceAction) isActionSpec()       {}
func (StopSequenceAction) isActionSpec()        {}
func (SendNotificationAction) isActionSpec()    {}
func (FireAutomatedActionAction) isActionSpec() {}
func (UpdateFieldAction) isActionSpec()         {}
func (CreateActivityAction) isActionSpec()      {}
func (UnknownAction) isActionSpec()             {}

// ActionList is an ordered action list encoded as a JSON array of objects
// carrying a "type" discriminator.
type ActionList []ActionSpec

func (l ActionList) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(l))
	for _, a := range l {
		raw, err := encodeAction(a)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return json.Marshal(out)
}

func (l *ActionList) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(ActionList, 0, len(raws))
	for i, raw := range raws {
		a, err := decodeAction(raw)
		if err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
		out = append(out, a)
	}
	*l = out
	return nil
}

func encodeAction(a ActionSpec) (json.RawMessage, error) {
	if u, ok := a.(UnknownAction); ok {
		if len(u.Raw) > 0 {
			return u.Raw, nil
		}
		return json.Marshal(map[string]string{"type": u.Kind})
	}
	body, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	typ, _ := json.Marshal(a.Type())
	fields["type"] = typ
	return json.Marshal(fields)
}

func decodeAction(raw json.RawMessage) (ActionSpec, error) {
	var head struct {
		Type ActionType `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, err
	}
	switch head.Type {
	case ActionStartSequence:
		var a StartSequenceAction
		err := json.Unmarshal(raw, &a)
		return a, err
	case ActionStopSequence:
		var a StopSequenceAction
		err := json.Unmarshal(raw, &a)
		return a, err
	case ActionSendNotification:
		var a SendNotificationAction
		err := json.Unmarshal(raw, &a)
		return a, err
	case ActionFireAutomatedAction:
		var a FireAutomatedActionAction
		err := json.Unmarshal(raw, &a)
		return a, err
	case ActionUpdateField:
		var a UpdateFieldAction
		err := json.Unmarshal(raw, &a)
		return a, err
	case ActionCreateActivity:
		var a CreateActivityAction
		err := json.Unmarshal(raw, &a)
		return a, err
	default:
		return UnknownAction{Kind: string(head.Type), Raw: append(json.RawMessage(nil), raw...)}, nil
	}
}
