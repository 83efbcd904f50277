package ledger_test

import (
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/statement-digitizer/internal/ledger"
	"github.com/zombor/statement-digitizer/internal/statement"
)

type sequenceIDGenerator struct{ n int }

func (g *sequenceIDGenerator) Generate() string {
	g.n++
	return fmt.Sprintf("rule-%d", g.n)
}

type fixedTimeSource struct{ t time.Time }

func (f fixedTimeSource) Now() time.Time { return f.t }

// brokenDB fails every listing; other methods are not expected to be called.
type brokenDB struct{ ledger.DB }

func (brokenDB) ListEntries() ([]*ledger.Entry, error) { return nil, errors.New("disk on fire") }

func testTable() *statement.Table {
	return &statement.Table{Records: []statement.Record{
		{Source: "p1.jpg", Ref: "p1.jpg#1", Date: "2024-01-03", Description: "UBER TRIP", Amount: "-23.10", Valid: true},
		{Source: "p1.jpg", Ref: "p1.jpg#2", Date: "2024-01-01", Description: "Payroll ACME", Amount: "2500.00", Valid: true},
		{Source: "p1.jpg", Ref: "p1.jpg#3", Date: "??", Description: "", Amount: "x", Valid: false},
		{Source: "p2.jpg", Ref: "p2.jpg#1", Date: "2024-01-05", Description: "Corner Cafe", Amount: "-4.50", Valid: true},
	}}
}

var _ = Describe("Service", func() {
	var (
		service *ledger.Service
		now     time.Time
	)

	BeforeEach(func() {
		now = time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
		service = ledger.NewServiceWithDeps(openTestDB(), &sequenceIDGenerator{}, fixedTimeSource{now})
	})

	Describe("Save", func() {
		var (
			added int
			err   error
		)

		JustBeforeEach(func() {
			added, err = service.Save(testTable())
		})

		It("should store only valid rows", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(added).To(Equal(3))
		})

		It("should file them as uncategorized, ordered by date", func() {
			entries, listErr := service.Entries(false)
			Expect(listErr).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(3))
			Expect(entries[0].Description).To(Equal("Payroll ACME"))
			Expect(entries[2].Description).To(Equal("Corner Cafe"))
			for _, e := range entries {
				Expect(e.Category).To(Equal(ledger.UncategorizedCategory))
				Expect(e.CreatedAt).To(Equal(now))
			}
		})

		When("the same table is saved again", func() {
			It("should add nothing", func() {
				again, saveErr := service.Save(testTable())
				Expect(saveErr).NotTo(HaveOccurred())
				Expect(again).To(BeZero())
			})
		})

		When("identical rows come from different images", func() {
			It("should keep each of them", func() {
				twins := &statement.Table{Records: []statement.Record{
					{Source: "image.jpg", Ref: "image.jpg#1", Date: "2024-01-03", Description: "Coffee", Amount: "-4.50", Valid: true},
					{Source: "image.jpg (2)", Ref: "image.jpg (2)#1", Date: "2024-01-03", Description: "Coffee", Amount: "-4.50", Valid: true},
				}}
				n, saveErr := service.Save(twins)
				Expect(saveErr).NotTo(HaveOccurred())
				Expect(n).To(Equal(2))
			})
		})
	})

	Describe("EntryID", func() {
		It("should be stable and field sensitive", func() {
			a := ledger.EntryID("2024-01-01", "x", "1.00", "p.jpg#1")
			Expect(ledger.EntryID("2024-01-01", "x", "1.00", "p.jpg#1")).To(Equal(a))
			Expect(ledger.EntryID("2024-01-01", "x", "1.01", "p.jpg#1")).NotTo(Equal(a))
			Expect(ledger.EntryID("2024-01-01", "x", "1.00", "p.jpg#2")).NotTo(Equal(a))
		})
	})

	Describe("categories", func() {
		It("should list Uncategorized first", func() {
			categories, err := service.Categories()
			Expect(err).NotTo(HaveOccurred())
			Expect(categories[0]).To(Equal(ledger.UncategorizedCategory))
			Expect(categories[1]).To(Equal("COGS"))
		})

		It("should add a new category", func() {
			Expect(service.AddCategory(" Charity ")).To(Succeed())
			categories, _ := service.Categories()
			Expect(categories).To(ContainElement("Charity"))
		})

		It("should reject duplicates", func() {
			Expect(errors.Is(service.AddCategory("Meals"), ledger.ErrExists)).To(BeTrue())
		})

		It("should protect Uncategorized", func() {
			Expect(errors.Is(service.DeleteCategory("uncategorized"), ledger.ErrProtectedCategory)).To(BeTrue())
		})

		When("a category in use is deleted", func() {
			BeforeEach(func() {
				_, err := service.Save(testTable())
				Expect(err).NotTo(HaveOccurred())
				_, err = service.SetCategory(ledger.EntryID("2024-01-03", "UBER TRIP", "-23.10", "p1.jpg#1"), "travel")
				Expect(err).NotTo(HaveOccurred())
				_, err = service.AddRule("uber", "Travel")
				Expect(err).NotTo(HaveOccurred())
			})

			It("should move its entries back and drop its rules", func() {
				Expect(service.DeleteCategory("Travel")).To(Succeed())
				uncategorized, err := service.Entries(true)
				Expect(err).NotTo(HaveOccurred())
				Expect(uncategorized).To(HaveLen(3))
				rules, err := service.Rules()
				Expect(err).NotTo(HaveOccurred())
				Expect(rules).To(BeEmpty())
			})
		})
	})

	Describe("SetCategory", func() {
		var id string

		BeforeEach(func() {
			_, err := service.Save(testTable())
			Expect(err).NotTo(HaveOccurred())
			id = ledger.EntryID("2024-01-05", "Corner Cafe", "-4.50", "p2.jpg#1")
		})

		It("should use the stored spelling of the category", func() {
			entry, err := service.SetCategory(id, "meals")
			Expect(err).NotTo(HaveOccurred())
			Expect(entry.Category).To(Equal("Meals"))
		})

		It("should reject unknown categories", func() {
			_, err := service.SetCategory(id, "Snacks")
			Expect(errors.Is(err, ledger.ErrNotFound)).To(BeTrue())
		})

		It("should reject unknown entries", func() {
			_, err := service.SetCategory("nope", "Meals")
			Expect(errors.Is(err, ledger.ErrNotFound)).To(BeTrue())
		})

		It("should apply batches", func() {
			n, err := service.SetCategories(map[string]string{id: "Meals"})
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
			remaining, _ := service.Entries(true)
			Expect(remaining).To(HaveLen(2))
		})

		When("one change in a batch is invalid", func() {
			It("should write none of them", func() {
				n, err := service.SetCategories(map[string]string{id: "Meals", "nope": "Meals"})
				Expect(errors.Is(err, ledger.ErrNotFound)).To(BeTrue())
				Expect(n).To(BeZero())

				remaining, _ := service.Entries(true)
				Expect(remaining).To(HaveLen(3))
			})

			It("should reject an unknown category before writing", func() {
				uber := ledger.EntryID("2024-01-03", "UBER TRIP", "-23.10", "p1.jpg#1")
				_, err := service.SetCategories(map[string]string{id: "Meals", uber: "Snacks"})
				Expect(errors.Is(err, ledger.ErrNotFound)).To(BeTrue())

				remaining, _ := service.Entries(true)
				Expect(remaining).To(HaveLen(3))
			})
		})
	})

	Describe("rules and prediction", func() {
		BeforeEach(func() {
			_, err := service.AddRule("payroll", "Revenue")
			Expect(err).NotTo(HaveOccurred())
			_, err = service.AddRule("acme", "COGS")
			Expect(err).NotTo(HaveOccurred())
		})

		It("should reject a duplicate keyword", func() {
			_, err := service.AddRule("PAYROLL", "Revenue")
			Expect(errors.Is(err, ledger.ErrExists)).To(BeTrue())
		})

		It("should use the first matching rule in keyword order", func() {
			category, err := service.PredictCategory("Payroll ACME")
			Expect(err).NotTo(HaveOccurred())
			Expect(category).To(Equal("COGS"))
		})

		It("should fall back to history", func() {
			_, err := service.Save(testTable())
			Expect(err).NotTo(HaveOccurred())
			_, err = service.SetCategory(ledger.EntryID("2024-01-05", "Corner Cafe", "-4.50", "p2.jpg#1"), "Meals")
			Expect(err).NotTo(HaveOccurred())

			category, err := service.PredictCategory("corner cafe")
			Expect(err).NotTo(HaveOccurred())
			Expect(category).To(Equal("Meals"))
		})

		It("should default to Uncategorized", func() {
			category, err := service.PredictCategory("mystery")
			Expect(err).NotTo(HaveOccurred())
			Expect(category).To(Equal(ledger.UncategorizedCategory))
		})

		It("should auto-categorize matching entries", func() {
			_, err := service.Save(testTable())
			Expect(err).NotTo(HaveOccurred())
			n, err := service.AutoCategorize()
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
			remaining, _ := service.Entries(true)
			Expect(remaining).To(HaveLen(2))
		})

		It("should delete rules", func() {
			rules, _ := service.Rules()
			Expect(rules[0].Keyword).To(Equal("acme"))
			Expect(service.DeleteRule(rules[0].ID)).To(Succeed())
			Expect(errors.Is(service.DeleteRule(rules[0].ID), ledger.ErrNotFound)).To(BeTrue())
		})
	})

	Describe("Summary", func() {
		It("should total income, spending and categories", func() {
			_, err := service.Save(testTable())
			Expect(err).NotTo(HaveOccurred())

			sum, err := service.Summary()
			Expect(err).NotTo(HaveOccurred())
			Expect(sum.Count).To(Equal(3))
			Expect(sum.Income.StringFixed(2)).To(Equal("2500.00"))
			Expect(sum.Spending.StringFixed(2)).To(Equal("-27.60"))
			Expect(sum.Net.StringFixed(2)).To(Equal("2472.40"))
			Expect(sum.ByCategory).To(HaveLen(1))
			Expect(sum.ByCategory[0].Count).To(Equal(3))
		})

		It("should surface storage errors", func() {
			_, err := ledger.NewService(brokenDB{}).Summary()
			Expect(err).To(MatchError(ContainSubstring("disk on fire")))
		})
	})
})
