package model

import "time"

// Result statuses. Only ready, released and corrected are shown to customers.
const (
	ResultStatusDraft     = "draft"
	ResultStatusPending   = "pending"
	ResultStatusReady     = "ready"
	ResultStatusReleased  = "released"
	ResultStatusCorrected = "corrected"
)

var VisibleResultStatuses = []string{ResultStatusReady, ResultStatusReleased, ResultStatusCorrected}

func ResultVisible(status string) bool {
	for _, s := range VisibleResultStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// Kit is the physical test kit identified by its printed code.
type Kit struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	KitCode   string    `gorm:"type:varchar(64);uniqueIndex" json:"kit_code"`
	CreatedAt time.Time `json:"created_at"`
}

func (Kit) TableName() string {
	return "kits"
}

// Shipment links a kit to the order that bought it.
type Shipment struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	KitID      uint      `gorm:"index" json:"kit_id"`
	OrderID    string    `gorm:"type:varchar(64);index" json:"order_id"`
	TrackingID string    `gorm:"type:varchar(128)" json:"tracking_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (Shipment) TableName() string {
	return "shipments"
}

type Sample struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	UserID      string     `gorm:"type:varchar(64);index" json:"user_id"`
	KitCode     string     `gorm:"type:varchar(64);index" json:"kit_code"`
	CollectedAt *time.Time `json:"collected_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (Sample) TableName() string {
	return "samples"
}

type Result struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	SampleID  uint      `gorm:"index" json:"sample_id"`
	Status    string    `gorm:"type:varchar(32);index" json:"status"`
	Notes     string    `gorm:"type:text" json:"notes"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Result) TableName() string {
	return "results"
}

type ResultValue struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	ResultID  uint       `gorm:"index" json:"result_id"`
	AssayID   uint       `gorm:"index" json:"assay_id"`
	Value     float64    `json:"value"`
	Unit      string     `gorm:"type:varchar(32)" json:"unit"`
	RefLow    *float64   `json:"ref_low,omitempty"`
	RefHigh   *float64   `json:"ref_high,omitempty"`
	TestedAt  *time.Time `json:"tested_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func (ResultValue) TableName() string {
	return "result_values"
}

// Assay is a named hormone test definition such as testosterone or cortisol.
type Assay struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Name        string `gorm:"type:varchar(128);uniqueIndex" json:"name"`
	DefaultUnit string `gorm:"type:varchar(32)" json:"default_unit"`
}

func (Assay) TableName() string {
	return "assays"
}

// Reading is one flattened hormone value as the customer sees it.
type Reading struct {
	ID                uint       `json:"id"`
	OrderID           string     `json:"order_id"`
	HormoneType       string     `json:"hormone_type"`
	ResultValue       float64    `json:"result_value"`
	Unit              string     `json:"unit"`
	ReferenceRangeMin *float64   `json:"reference_range_min"`
	ReferenceRangeMax *float64   `json:"reference_range_max"`
	TestedAt          *time.Time `json:"tested_at"`
	KitCode           string     `json:"kit_code"`
	Notes             string     `json:"notes"`
	Status            string     `json:"status"`
}

// LabTables is the migration set for the lab side of the store.
func LabTables() []interface{} {
	return []interface{}{&Kit{}, &Shipment{}, &Sample{}, &Result{}, &ResultValue{}, &Assay{}}
}

// AllTables is every table this service migrates.
func AllTables() []interface{} {
	tables := []interface{}{&Product{}, &Profile{}, &Order{}, &OrderItem{}, &FailedOrder{}}
	return append(tables, LabTables()...)
}
