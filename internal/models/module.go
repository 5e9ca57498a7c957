package models

import "strings"

// CRM modules.
const (
	ModuleLeads         = "leads"
	ModuleContacts      = "contacts"
	ModuleActivities    = "activities"
	ModuleCommunication = "communication"
	ModuleInventory     = "inventory"
	ModuleDeals         = "deals"
	ModulePostSale      = "post_sale"
	ModuleMarketing     = "marketing"
)

// TriggerModules 允许配置触发器的模块
var TriggerModules = []string{
	ModuleLeads, ModuleActivities, ModuleCommunication,
	ModuleInventory, ModuleDeals, ModulePostSale,
}

var moduleAliases = map[string]string{
	"lead":       ModuleLeads,
	"contact":    ModuleContacts,
	"activity":   ModuleActivities,
	"deal":       ModuleDeals,
	"post-sale":  ModulePostSale,
	"postsale":   ModulePostSale,
	"post_sales": ModulePostSale,
}

// NormalizeModule maps singular and hyphenated spellings onto the canonical
// module name so "lead" field rules apply to the "leads" module.
func NormalizeModule(module string) string {
	m := strings.ToLower(strings.TrimSpace(module))
	if alias, ok := moduleAliases[m]; ok {
		return alias
	}
	return m
}

// IsTriggerModule reports whether triggers may be configured for module.
func IsTriggerModule(module string) bool {
	for _, m := range TriggerModules {
		if m == module {
			return true
		}
	}
	return false
}
