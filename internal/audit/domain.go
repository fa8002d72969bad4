package audit

import "time"

// Batas bawaan untuk pembacaan log.
const (
	DefaultAccessLogLimit = 50
	DefaultHistoryLimit   = 100
	MaxListLimit          = 500
	DefaultAnalyticsDays  = 30
	MaxAnalyticsDays      = 365

	topResourcesLimit  = 10
	recentDenialsLimit = 20
)

// AccessCheck mewakili satu baris access_check_logs.
type AccessCheck struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"userId"`
	UserName       string    `json:"userName,omitempty"`
	Resource       string    `json:"resource"`
	Action         string    `json:"action"`
	Granted        bool      `json:"granted"`
	Reason         string    `json:"reason"`
	IPAddress      string    `json:"ipAddress"`
	UserAgent      string    `json:"userAgent"`
	ResponseTimeMs int64     `json:"responseTimeMs"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ChangeAction enumerates permission change kinds.
type ChangeAction string

const (
	ChangeCreated ChangeAction = "created"
	ChangeUpdated ChangeAction = "updated"
	ChangeDeleted ChangeAction = "deleted"
)

// PermissionChange mewakili satu baris permission_change_logs. AdminName dan
// TargetName hanya terisi pada pembacaan (hasil join ke users).
type PermissionChange struct {
	ID            int64        `json:"id"`
	AdminUserID   int64        `json:"adminUserId"`
	AdminName     string       `json:"adminName,omitempty"`
	TargetUserID  int64        `json:"targetUserId"`
	TargetName    string       `json:"targetName,omitempty"`
	ModuleName    string       `json:"moduleName"`
	AccessGranted bool         `json:"accessGranted"`
	Action        ChangeAction `json:"action"`
	PreviousValue *bool        `json:"previousValue"`
	CreatedAt     time.Time    `json:"createdAt"`
}

// ResourceCount menghitung jumlah pengecekan per resource.
type ResourceCount struct {
	Resource string `json:"resource"`
	Count    int64  `json:"count"`
}

// CheckTotals menampung agregat dasar dalam satu jendela waktu.
type CheckTotals struct {
	Total       int64
	Denied      int64
	UniqueUsers int64
}

// SecurityAnalytics merangkum aktivitas pengecekan izin.
type SecurityAnalytics struct {
	TotalChecks           int64           `json:"totalChecks"`
	DeniedAttempts        int64           `json:"deniedAttempts"`
	UniqueUsers           int64           `json:"uniqueUsers"`
	MostAccessedResources []ResourceCount `json:"mostAccessedResources"`
	RecentDenials         []AccessCheck   `json:"recentDenials"`
}

func emptyAnalytics() SecurityAnalytics {
	return SecurityAnalytics{
		MostAccessedResources: []ResourceCount{},
		RecentDenials:         []AccessCheck{},
	}
}

// ClampLimit applies the default when limit <= 0 and caps it at MaxListLimit.
func ClampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// ClampDays keeps the analytics window between one day and MaxAnalyticsDays.
func ClampDays(days int) int {
	if days <= 0 {
		return DefaultAnalyticsDays
	}
	if days > MaxAnalyticsDays {
		return MaxAnalyticsDays
	}
	return days
}
