package model

import "time"

type Product struct {
	Id          string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Name        string    `gorm:"type:varchar(255)" json:"name"`
	Description string    `gorm:"type:text" json:"description"`
	Picture     string    `gorm:"type:varchar(512)" json:"picture"`
	Price       int64     `gorm:"type:bigint;comment:Minor units" json:"price"`
	Currency    string    `gorm:"type:char(3)" json:"currency"`
	Categories  string    `gorm:"type:varchar(255)" json:"categories"`
	Active      bool      `gorm:"default:true" json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

func (Product) TableName() string {
	return "products"
}

// Profile mirrors the auth provider's user with storefront specific fields.
type Profile struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Email     string    `gorm:"type:varchar(255);index" json:"email"`
	FullName  string    `gorm:"type:varchar(255)" json:"full_name"`
	Role      string    `gorm:"type:varchar(32);default:customer" json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

func (Profile) TableName() string {
	return "profiles"
}

const (
	RoleCustomer = "customer"
	RoleAdmin    = "admin"
	RoleLab      = "lab"
)

// IsStaff reports whether the profile may use the admin endpoints.
func (p *Profile) IsStaff() bool {
	return p.Role == RoleAdmin || p.Role == RoleLab
}
