package services

import (
	"fmt"
	"sort"
	"strings"

	"crmflow/internal/models"
)

// ModuleRestriction is the static safety policy for one module.
type ModuleRestriction struct {
	ForbiddenActions    []string
	AllowedUpdateFields []string
	CriticalFields      []string
}

// moduleRestrictions 自动化动作的模块限制
var moduleRestrictions = map[string]ModuleRestriction{
	models.ModuleLeads: {
		ForbiddenActions:    []string{"auto_convert_to_deal", "lead_closure"},
		AllowedUpdateFields: []string{"status", "score", "remarks", "tags", "source"},
		CriticalFields:      []string{"owner", "assignedTo"},
	},
	models.ModuleInventory: {
		ForbiddenActions:    []string{"modify_price", "change_owner", "auto_activate"},
		AllowedUpdateFields: []string{"status", "availabilityFlag", "lockState"},
		CriticalFields:      []string{"lockState"},
	},
	models.ModuleDeals: {
		ForbiddenActions:    []string{"auto_close", "commission_payout", "modify_price"},
		AllowedUpdateFields: []string{"stage", "remarks", "tags"},
		CriticalFields:      []string{"stage"},
	},
	models.ModulePostSale: {
		ForbiddenActions:    []string{"auto_refund", "registry_completion", "commission_release"},
		AllowedUpdateFields: []string{"paymentStatus", "documentationStatus"},
		CriticalFields:      []string{"paymentStatus"},
	},
	models.ModuleActivities: {
		ForbiddenActions:    []string{"reassign_without_approval", "auto_complete_activity"},
		AllowedUpdateFields: []string{"status", "priority", "dueDate"},
	},
	models.ModuleContacts: {
		ForbiddenActions:    []string{"merge_records", "delete_contact"},
		AllowedUpdateFields: []string{"status", "type", "remarks", "tags"},
		CriticalFields:      []string{"mobile", "email"},
	},
	models.ModuleCommunication: {
		ForbiddenActions:    []string{"delete_logs"},
		AllowedUpdateFields: []string{"tags", "remarks"},
	},
}

// restrictedTriggerActions 触发器层面禁止的动作
var restrictedTriggerActions = map[string][]string{
	models.ModuleInventory:     {"modify_price", "change_owner", "auto_status_change"},
	models.ModuleDeals:         {"auto_close", "commission_payout", "modify_price"},
	models.ModulePostSale:      {"auto_refund", "backward_stage_movement", "modify_payment"},
	models.ModuleCommunication: {"auto_stage_change", "auto_deal_creation"},
}

// criticalTriggerFields can never be written by a trigger's update_field.
var criticalTriggerFields = []string{
	"price", "budget", "amount", "commission",
	"inventoryStatus", "dealStatus", "paymentStatus",
	"owner", "assignedTo",
}

// SafetyResult is the outcome of a policy check.
type SafetyResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// ActionSafetyGuard checks automated actions against the module policy.
type ActionSafetyGuard struct{}

func NewActionSafetyGuard() *ActionSafetyGuard {
	return &ActionSafetyGuard{}
}

// Check validates actionType and the field mapping keys for module. Unknown
// modules pass.
func (g *ActionSafetyGuard) Check(module, actionType string, fieldMapping map[string]interface{}) SafetyResult {
	policy, ok := moduleRestrictions[models.NormalizeModule(module)]
	if !ok {
		return SafetyResult{Valid: true}
	}
	if containsString(policy.ForbiddenActions, actionType) {
		return SafetyResult{
			Valid:  false,
			Reason: fmt.Sprintf("Action %q is strictly forbidden for %s", actionType, module),
		}
	}

	var invalid []string
	for field := range fieldMapping {
		if !containsString(policy.AllowedUpdateFields, field) {
			invalid = append(invalid, field)
		}
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		return SafetyResult{
			Valid:  false,
			Reason: fmt.Sprintf("Automated Engine cannot update critical fields: %s for %s", strings.Join(invalid, ", "), module),
		}
	}
	return SafetyResult{Valid: true}
}

// IsCriticalField reports whether field is a critical field of module.
func (g *ActionSafetyGuard) IsCriticalField(module, field string) bool {
	policy, ok := moduleRestrictions[models.NormalizeModule(module)]
	return ok && containsString(policy.CriticalFields, field)
}

// AllowedUpdateFields returns a copy of the module's writable fields.
func (g *ActionSafetyGuard) AllowedUpdateFields(module string) []string {
	policy := moduleRestrictions[models.NormalizeModule(module)]
	return append([]string(nil), policy.AllowedUpdateFields...)
}

// RestrictedTriggerActions returns the action types triggers of module may
// not carry.
func (g *ActionSafetyGuard) RestrictedTriggerActions(module string) []string {
	return append([]string(nil), restrictedTriggerActions[models.NormalizeModule(module)]...)
}

// IsCriticalTriggerField reports whether a trigger update_field on field
// must be blocked.
func IsCriticalTriggerField(field string) bool {
	return containsString(criticalTriggerFields, field)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
