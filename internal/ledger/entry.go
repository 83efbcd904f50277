package ledger

import (
	"errors"
	"time"
)

// UncategorizedCategory is assigned to new entries and cannot be deleted.
const UncategorizedCategory = "Uncategorized"

// DefaultCategories are seeded into a new ledger.
var DefaultCategories = []string{
	UncategorizedCategory,
	"Revenue",
	"COGS",
	"OpEx",
	"Marketing",
	"Salaries",
	"Rent",
	"Software",
	"Meals",
	"Travel",
	"Personal",
	"Transfer",
	"Utilities",
	"Insurance",
	"Taxes",
}

var (
	ErrNotFound          = errors.New("not found")
	ErrExists            = errors.New("already exists")
	ErrProtectedCategory = errors.New("category is protected")
)

// Entry is a saved transaction
type Entry struct {
	ID             string    `json:"id"`
	Date           string    `json:"date"`
	Description    string    `json:"description"`
	Amount         string    `json:"amount"`
	RunningBalance string    `json:"running_balance,omitempty"`
	Category       string    `json:"category"`
	Source         string    `json:"source_image"`
	Ref            string    `json:"source_ref"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Rule assigns Category to entries whose description contains Keyword
type Rule struct {
	ID        string    `json:"id"`
	Keyword   string    `json:"keyword"`
	Category  string    `json:"category"`
	CreatedAt time.Time `json:"created_at"`
}
