package ledger

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zombor/statement-digitizer/internal/statement"
)

// entryNamespace scopes the name-based entry IDs.
var entryNamespace = uuid.MustParse("6f1c2d0e-8b7a-4d59-9a63-2f4e7c1b5a90")

// EntryID derives a stable ID from a row's content and its source
// reference, so saving the same table twice does not duplicate rows while
// identical rows from different images or positions stay separate.
func EntryID(date, description, amount, ref string) string {
	key := strings.Join([]string{date, description, amount, ref}, "\x1f")
	return uuid.NewSHA1(entryNamespace, []byte(key)).String()
}

// IDGenerator generates unique IDs for rules
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Service handles ledger operations
type Service struct {
	db          DB
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with default ID generator and time source
func NewService(db DB) *Service {
	return &Service{
		db:          db,
		idGenerator: &defaultIDGenerator{},
		timeSource:  &defaultTimeSource{},
	}
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// Save stores the valid rows of a table as uncategorized entries. Rows
// already in the ledger are skipped.
func (s *Service) Save(table *statement.Table) (int, error) {
	now := s.timeSource.Now()

	var entries []*Entry
	for _, r := range table.Valid() {
		entries = append(entries, &Entry{
			ID:             EntryID(r.Date, r.Description, r.Amount, r.Ref),
			Date:           r.Date,
			Description:    r.Description,
			Amount:         r.Amount,
			RunningBalance: r.RunningBalance,
			Category:       UncategorizedCategory,
			Source:         r.Source,
			Ref:            r.Ref,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	added, err := s.db.InsertEntries(entries)
	if err != nil {
		return 0, fmt.Errorf("saving entries: %w", err)
	}
	slog.Info("Saved transactions", "added", added, "skipped", len(entries)-added)
	return added, nil
}

// Entries returns saved entries ordered by date. With uncategorizedOnly only
// entries still in UncategorizedCategory are returned.
func (s *Service) Entries(uncategorizedOnly bool) ([]*Entry, error) {
	entries, err := s.db.ListEntries()
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	if uncategorizedOnly {
		entries = slices.DeleteFunc(entries, func(e *Entry) bool {
			return e.Category != UncategorizedCategory
		})
	}
	slices.SortFunc(entries, func(a, b *Entry) int {
		return cmp.Or(
			cmp.Compare(a.Date, b.Date),
			a.CreatedAt.Compare(b.CreatedAt),
			cmp.Compare(a.Ref, b.Ref),
		)
	})
	return entries, nil
}

// SetCategory changes the category of one entry
func (s *Service) SetCategory(id, category string) (*Entry, error) {
	name, err := s.resolveCategory(category)
	if err != nil {
		return nil, err
	}
	entry, err := s.db.GetEntry(id)
	if err != nil {
		return nil, fmt.Errorf("getting entry: %w", err)
	}
	entry.Category = name
	entry.UpdatedAt = s.timeSource.Now()
	if err := s.db.SaveEntry(entry); err != nil {
		return nil, fmt.Errorf("saving entry: %w", err)
	}
	return entry, nil
}

// SetCategories applies several category changes at once. Nothing is
// written unless every entry and category exists.
func (s *Service) SetCategories(changes map[string]string) (int, error) {
	ids := make([]string, 0, len(changes))
	for id := range changes {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	now := s.timeSource.Now()
	entries := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		name, err := s.resolveCategory(changes[id])
		if err != nil {
			return 0, err
		}
		entry, err := s.db.GetEntry(id)
		if err != nil {
			return 0, fmt.Errorf("getting entry: %w", err)
		}
		entry.Category = name
		entry.UpdatedAt = now
		entries = append(entries, entry)
	}

	if err := s.db.SaveEntries(entries); err != nil {
		return 0, fmt.Errorf("saving entries: %w", err)
	}
	return len(entries), nil
}

// Categories returns the category names, UncategorizedCategory first
func (s *Service) Categories() ([]string, error) {
	categories, err := s.db.ListCategories()
	if err != nil {
		return nil, fmt.Errorf("listing categories: %w", err)
	}
	slices.SortFunc(categories, func(a, b string) int {
		switch {
		case a == UncategorizedCategory:
			return -1
		case b == UncategorizedCategory:
			return 1
		}
		return cmp.Compare(strings.ToLower(a), strings.ToLower(b))
	})
	return categories, nil
}

// AddCategory creates a category
func (s *Service) AddCategory(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("category name is required")
	}
	if err := s.db.SaveCategory(name); err != nil {
		return fmt.Errorf("adding category: %w", err)
	}
	return nil
}

// DeleteCategory removes a category. Entries and rules using it fall back
// to UncategorizedCategory and are dropped respectively.
func (s *Service) DeleteCategory(name string) error {
	if strings.EqualFold(name, UncategorizedCategory) {
		return fmt.Errorf("deleting %s: %w", name, ErrProtectedCategory)
	}
	resolved, err := s.resolveCategory(name)
	if err != nil {
		return err
	}
	if err := s.db.DeleteCategory(resolved); err != nil {
		return fmt.Errorf("deleting category: %w", err)
	}

	entries, err := s.db.ListEntries()
	if err != nil {
		return fmt.Errorf("listing entries: %w", err)
	}
	now := s.timeSource.Now()
	var reset []*Entry
	for _, e := range entries {
		if e.Category != resolved {
			continue
		}
		e.Category = UncategorizedCategory
		e.UpdatedAt = now
		reset = append(reset, e)
	}
	if err := s.db.SaveEntries(reset); err != nil {
		return fmt.Errorf("resetting entries: %w", err)
	}

	rules, err := s.db.ListRules()
	if err != nil {
		return fmt.Errorf("listing rules: %w", err)
	}
	for _, r := range rules {
		if r.Category != resolved {
			continue
		}
		if err := s.db.DeleteRule(r.ID); err != nil {
			return fmt.Errorf("deleting rule %s: %w", r.ID, err)
		}
	}
	return nil
}

// Rules returns the rules ordered by keyword
func (s *Service) Rules() ([]*Rule, error) {
	return s.sortedRules()
}

// AddRule creates a keyword rule
func (s *Service) AddRule(keyword, category string) (*Rule, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, fmt.Errorf("keyword is required")
	}
	name, err := s.resolveCategory(category)
	if err != nil {
		return nil, err
	}

	rules, err := s.db.ListRules()
	if err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}
	for _, r := range rules {
		if strings.EqualFold(r.Keyword, keyword) {
			return nil, fmt.Errorf("rule for %q: %w", keyword, ErrExists)
		}
	}

	rule := &Rule{
		ID:        s.idGenerator.Generate(),
		Keyword:   keyword,
		Category:  name,
		CreatedAt: s.timeSource.Now(),
	}
	if err := s.db.SaveRule(rule); err != nil {
		return nil, fmt.Errorf("saving rule: %w", err)
	}
	return rule, nil
}

// DeleteRule removes a rule
func (s *Service) DeleteRule(id string) error {
	if err := s.db.DeleteRule(id); err != nil {
		return fmt.Errorf("deleting rule: %w", err)
	}
	return nil
}

// PredictCategory suggests a category for a description: the first rule
// whose keyword it contains, otherwise the category most often given to
// the same description before.
func (s *Service) PredictCategory(description string) (string, error) {
	rules, err := s.sortedRules()
	if err != nil {
		return "", err
	}
	entries, err := s.db.ListEntries()
	if err != nil {
		return "", fmt.Errorf("listing entries: %w", err)
	}
	return predict(description, rules, entries), nil
}

// AutoCategorize predicts a category for every uncategorized entry and
// returns how many changed.
func (s *Service) AutoCategorize() (int, error) {
	rules, err := s.sortedRules()
	if err != nil {
		return 0, err
	}
	entries, err := s.db.ListEntries()
	if err != nil {
		return 0, fmt.Errorf("listing entries: %w", err)
	}

	now := s.timeSource.Now()
	var updated []*Entry
	for _, e := range entries {
		if e.Category != UncategorizedCategory {
			continue
		}
		category := predict(e.Description, rules, entries)
		if category == UncategorizedCategory {
			continue
		}
		e.Category = category
		e.UpdatedAt = now
		updated = append(updated, e)
	}
	if err := s.db.SaveEntries(updated); err != nil {
		return 0, fmt.Errorf("saving entries: %w", err)
	}
	slog.Info("Auto-categorized transactions", "updated", len(updated))
	return len(updated), nil
}

// CategoryTotal is the sum of one category's entries
type CategoryTotal struct {
	Category string          `json:"category"`
	Count    int             `json:"count"`
	Total    decimal.Decimal `json:"total"`
}

// Summary totals the ledger
type Summary struct {
	Count      int             `json:"count"`
	Income     decimal.Decimal `json:"income"`
	Spending   decimal.Decimal `json:"spending"`
	Net        decimal.Decimal `json:"net"`
	ByCategory []CategoryTotal `json:"by_category"`
}

// Summary computes totals over all entries
func (s *Service) Summary() (*Summary, error) {
	entries, err := s.db.ListEntries()
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}

	sum := &Summary{Income: decimal.Zero, Spending: decimal.Zero}
	byCategory := map[string]*CategoryTotal{}
	for _, e := range entries {
		amount, err := decimal.NewFromString(e.Amount)
		if err != nil {
			slog.Warn("Skipping entry with invalid amount", "id", e.ID, "amount", e.Amount)
			continue
		}
		sum.Count++
		if amount.IsNegative() {
			sum.Spending = sum.Spending.Add(amount)
		} else {
			sum.Income = sum.Income.Add(amount)
		}
		ct, ok := byCategory[e.Category]
		if !ok {
			ct = &CategoryTotal{Category: e.Category, Total: decimal.Zero}
			byCategory[e.Category] = ct
		}
		ct.Count++
		ct.Total = ct.Total.Add(amount)
	}
	sum.Net = sum.Income.Add(sum.Spending)

	for _, ct := range byCategory {
		sum.ByCategory = append(sum.ByCategory, *ct)
	}
	slices.SortFunc(sum.ByCategory, func(a, b CategoryTotal) int {
		return cmp.Compare(a.Category, b.Category)
	})
	return sum, nil
}

// resolveCategory returns the stored spelling of a category name
func (s *Service) resolveCategory(name string) (string, error) {
	stored, err := s.db.GetCategory(strings.TrimSpace(name))
	if err != nil {
		return "", fmt.Errorf("resolving category: %w", err)
	}
	return stored, nil
}

func (s *Service) sortedRules() ([]*Rule, error) {
	rules, err := s.db.ListRules()
	if err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}
	slices.SortFunc(rules, func(a, b *Rule) int {
		return cmp.Compare(strings.ToLower(a.Keyword), strings.ToLower(b.Keyword))
	})
	return rules, nil
}

func predict(description string, rules []*Rule, history []*Entry) string {
	lower := strings.ToLower(description)
	for _, r := range rules {
		if strings.Contains(lower, strings.ToLower(r.Keyword)) {
			return r.Category
		}
	}

	counts := map[string]int{}
	for _, e := range history {
		if e.Category != UncategorizedCategory && strings.EqualFold(e.Description, description) {
			counts[e.Category]++
		}
	}
	best, bestCount := UncategorizedCategory, 0
	for category, n := range counts {
		if n > bestCount || (n == bestCount && category < best) {
			best, bestCount = category, n
		}
	}
	return best
}
