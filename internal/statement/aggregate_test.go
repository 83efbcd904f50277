package statement

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/statement-digitizer/internal/scanning"
)

func str(s string) *string { return &s }

var _ = Describe("Aggregate", func() {
	var (
		results []ImageResult
		table   *Table
	)

	JustBeforeEach(func() {
		table = Aggregate(results)
	})

	When("results arrive out of order", func() {
		BeforeEach(func() {
			results = []ImageResult{
				{Index: 2, Source: "c.jpg", Rows: []scanning.Transaction{{Date: "2024-03-01", Description: "C1", Amount: "1", Valid: true}}},
				{Index: 0, Source: "a.jpg", Rows: []scanning.Transaction{
					{Date: "2024-01-02", Description: "A1", Amount: "1", Valid: true},
					{Date: "2024-01-01", Description: "A2", Amount: "2", Valid: true},
				}},
				{Index: 1, Source: "b.jpg", Rows: []scanning.Transaction{{Date: "2024-02-01", Description: "B1", Amount: "3", Valid: true}}},
			}
		})

		It("should order by input index and keep row order within an image", func() {
			var got []string
			for _, r := range table.Records {
				got = append(got, r.Description)
			}
			Expect(got).To(Equal([]string{"A1", "A2", "B1", "C1"}))
		})

		It("should assign per-image references", func() {
			Expect(table.Records[0].Ref).To(Equal("a.jpg#1"))
			Expect(table.Records[1].Ref).To(Equal("a.jpg#2"))
			Expect(table.Records[3].Ref).To(Equal("c.jpg#1"))
		})
	})

	When("values need canonicalizing", func() {
		BeforeEach(func() {
			results = []ImageResult{{Index: 0, Source: "p.jpg", LowConfidence: true, Rows: []scanning.Transaction{{
				Date:           "Jan 5, 2024",
				Description:    "  GROCERY   STORE ",
				Amount:         "(1,204.5)",
				RunningBalance: str("$2,000"),
				Valid:          true,
			}}}}
		})

		It("should rewrite dates and amounts", func() {
			r := table.Records[0]
			Expect(r.Date).To(Equal("2024-01-05"))
			Expect(r.Amount).To(Equal("-1204.50"))
			Expect(r.RunningBalance).To(Equal("2000.00"))
			Expect(r.Description).To(Equal("GROCERY STORE"))
		})

		It("should carry the image confidence", func() {
			Expect(table.Records[0].LowConfidence).To(BeTrue())
			Expect(table.Records[0].Valid).To(BeTrue())
			Expect(table.Warnings).To(BeEmpty())
		})
	})

	When("a row cannot be normalized", func() {
		BeforeEach(func() {
			results = []ImageResult{{Index: 0, Source: "p.jpg", Rows: []scanning.Transaction{
				{Date: "2024-01-05", Description: "Fine", Amount: "1.00", Valid: true},
				{Date: "soon", Description: "Bad date", Amount: "1.00", Valid: true},
			}}}
		})

		It("should keep the row marked invalid", func() {
			Expect(table.Records).To(HaveLen(2))
			Expect(table.Records[1].Valid).To(BeFalse())
			Expect(table.Records[1].Date).To(Equal("soon"))
		})

		It("should report a warning for it", func() {
			Expect(table.Warnings).To(HaveLen(1))
			Expect(table.Warnings[0].Ref).To(Equal("p.jpg#2"))
			Expect(table.Warnings[0].Message).To(ContainSubstring("unrecognized date"))
		})

		It("should leave it out of the total", func() {
			Expect(table.Total().String()).To(Equal("1"))
			Expect(table.Valid()).To(HaveLen(1))
		})
	})

	When("extraction already flagged a row", func() {
		BeforeEach(func() {
			results = []ImageResult{{Index: 0, Source: "p.jpg", Rows: []scanning.Transaction{
				{Date: "2024-01-05", Amount: "1.00", Issues: []string{"description: missing"}},
			}}}
		})

		It("should keep the original issues without duplicating them", func() {
			Expect(table.Records[0].Issues).To(Equal([]string{"description: missing"}))
			Expect(table.Warnings[0].Message).To(Equal("description: missing"))
		})
	})

	When("the same row appears twice", func() {
		BeforeEach(func() {
			row := scanning.Transaction{Date: "2024-01-05", Description: "Dup", Amount: "1.00", Valid: true}
			results = []ImageResult{{Index: 0, Source: "p.jpg", Rows: []scanning.Transaction{row, row}}}
		})

		It("should keep both", func() {
			Expect(table.Records).To(HaveLen(2))
		})
	})
})
