package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionList_Decode(t *testing.T) {
	raw := `[
		{"type":"start_sequence","sequence_id":"seq-1"},
		{"type":"update_field","field":"status","value":"Hot"},
		{"type":"send_notification","target":"owner","template":"hot_lead","data":{"n":1}},
		{"type":"teleport","where":"mars"}
	]`

	var list ActionList
	require.NoError(t, json.Unmarshal([]byte(raw), &list))
	require.Len(t, list, 4)

	assert.Equal(t, StartSequenceAction{SequenceID: "seq-1"}, list[0])
	assert.Equal(t, UpdateFieldAction{Field: "status", Value: "Hot"}, list[1])
	n, ok := list[2].(SendNotificationAction)
	require.True(t, ok)
	assert.Equal(t, float64(1), n.Data["n"])
	assert.Equal(t, ActionType("teleport"), list[3].Type())

	out, err := json.Marshal(list)
	require.NoError(t, err)
	var generic []map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &generic))
	assert.Equal(t, "start_sequence", generic[0]["type"])
	assert.Equal(t, "mars", generic[3]["where"], "unknown actions keep their payload")
}

func TestActionList_DecodeRejectsNonArray(t *testing.T) {
	var list ActionList
	assert.Error(t, json.Unmarshal([]byte(`{"type":"start_sequence"}`), &list))
}

func TestEntity_Get(t *testing.T) {
	e := Entity{
		"id":    42,
		"owner": map[string]interface{}{"name": "Asha", "team": nil},
		"meta":  Entity{"source": "Website"},
	}

	assert.Equal(t, "42", e.ID())
	v, ok := e.Get("owner.name")
	assert.True(t, ok)
	assert.Equal(t, "Asha", v)

	v, ok = e.Get("owner.team")
	assert.True(t, ok)
	assert.Nil(t, v)

	_, ok = e.Get("owner.team.lead")
	assert.False(t, ok)

	v, ok = e.Get("meta.source")
	assert.True(t, ok)
	assert.Equal(t, "Website", v)

	_, ok = e.Get("")
	assert.False(t, ok)
	assert.Equal(t, "", Entity{}.ID())
}

func TestEntity_MergeDoesNotMutate(t *testing.T) {
	e := Entity{"id": "l1", "status": "New"}
	merged := e.Merge(map[string]interface{}{"status": "Hot", "score": 80})

	assert.Equal(t, "New", e["status"])
	assert.Equal(t, "Hot", merged["status"])
	assert.Equal(t, 80, merged["score"])
}

func TestIsEmptyValue(t *testing.T) {
	for _, v := range []interface{}{nil, "", []interface{}{}, []string{}, map[string]interface{}{}, Entity{}} {
		assert.True(t, IsEmptyValue(v), "%#v", v)
	}
	for _, v := range []interface{}{0, false, " ", []string{"a"}} {
		assert.False(t, IsEmptyValue(v), "%#v", v)
	}
}

func TestNormalizeModule(t *testing.T) {
	assert.Equal(t, ModuleLeads, NormalizeModule(" Lead "))
	assert.Equal(t, ModulePostSale, NormalizeModule("post-sale"))
	assert.Equal(t, ModuleInventory, NormalizeModule("inventory"))
	assert.True(t, IsTriggerModule(ModuleDeals))
	assert.False(t, IsTriggerModule(ModuleMarketing))
	assert.False(t, IsTriggerModule(ModuleContacts))
}
