package models

// User is the owner of sync operations.
type User struct {
	ID        int64  `db:"id" json:"id"`
	Username  string `db:"username" json:"username"`
	CreatedAt int64  `db:"created_at" json:"createdAt"`
}

// TableName returns the table name for User.
func (User) TableName() string {
	return "users"
}
