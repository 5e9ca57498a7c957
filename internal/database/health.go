package database

import (
	"context"
	"runtime"
	"time"

	"crmflow/internal/models"

	"gorm.io/gorm"
)

// HealthReport 健康检查结果
type HealthReport struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 单项检查信息
type ServiceInfo struct {
	Status  string      `json:"status"`
	Latency string      `json:"latency,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// SystemInfo 进程信息
type SystemInfo struct {
	Uptime    string `json:"uptime"`
	GoVersion string `json:"go_version"`
}

var startTime = time.Now()

var automationTables = map[string]interface{}{
	"triggers":          &models.Trigger{},
	"automated_actions": &models.AutomatedAction{},
	"field_rules":       &models.FieldRule{},
	"sequences":         &models.Sequence{},
	"enrollments":       &models.Enrollment{},
}

// Check pings the database and reports which automation tables are missing.
func Check(ctx context.Context, db *gorm.DB, driver string) HealthReport {
	report := HealthReport{
		Status:    "healthy",
		Timestamp: time.Now(),
		Services:  map[string]ServiceInfo{},
		System: SystemInfo{
			Uptime:    time.Since(startTime).Round(time.Millisecond).String(),
			GoVersion: runtime.Version(),
		},
	}

	start := time.Now()
	info := ServiceInfo{Status: "healthy", Details: map[string]interface{}{"driver": driver}}
	sqlDB, err := db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	info.Latency = time.Since(start).String()
	if err != nil {
		info.Status = "unhealthy"
		info.Error = err.Error()
		report.Status = "unhealthy"
		report.Services["database"] = info
		return report
	}
	report.Services["database"] = info

	var missing []string
	migrator := db.WithContext(ctx).Migrator()
	for name, model := range automationTables {
		if !migrator.HasTable(model) {
			missing = append(missing, name)
		}
	}
	schema := ServiceInfo{Status: "healthy"}
	if len(missing) > 0 {
		schema.Status = "degraded"
		schema.Error = "missing tables, run migrate"
		schema.Details = map[string]interface{}{"missing": missing}
		report.Status = "degraded"
	}
	report.Services["schema"] = schema
	return report
}
