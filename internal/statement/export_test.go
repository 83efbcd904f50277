package statement

import (
	"bytes"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/xuri/excelize/v2"
)

var _ = Describe("Export", func() {
	var table *Table

	BeforeEach(func() {
		table = &Table{Records: []Record{
			{
				Source: "page1.jpg", Ref: "page1.jpg#1",
				Date: "2024-01-02", Description: "Deposit, payroll", Amount: "1500.00", RunningBalance: "1500.00",
				Valid: true,
			},
			{
				Source: "page1.jpg", Ref: "page1.jpg#2",
				Date: "2024-01-03", Description: `Cafe "Blue"`, Amount: "-4.50",
				Valid: true, LowConfidence: true,
			},
			{
				Source: "page2.jpg", Ref: "page2.jpg#1",
				Date: "someday", Description: "", Amount: "??",
				Issues: []string{"description: missing", `amount: unrecognized amount "??"`},
			},
		}}
	})

	Describe("CSV", func() {
		var buf bytes.Buffer

		BeforeEach(func() {
			buf.Reset()
			Expect(WriteCSV(&buf, table)).To(Succeed())
		})

		It("should start with the versioned header", func() {
			first := strings.SplitN(buf.String(), "\n", 2)[0]
			Expect(first).To(Equal("date,description,amount,running_balance,source_image,source_ref,valid,low_confidence,issues"))
		})

		It("should round trip field for field", func() {
			back, err := ReadCSV(&buf)
			Expect(err).NotTo(HaveOccurred())
			Expect(back.Records).To(Equal(table.Records))
		})

		It("should keep issues that contain separators", func() {
			buf.Reset()
			tricky := &Table{Records: []Record{{
				Source: "p.jpg", Ref: "p.jpg#1", Date: "x",
				Issues: []string{`amount: unrecognized amount "1; 2"`, "date: a, b"},
			}}}
			Expect(WriteCSV(&buf, tricky)).To(Succeed())

			back, err := ReadCSV(&buf)
			Expect(err).NotTo(HaveOccurred())
			Expect(back.Records[0].Issues).To(Equal(tricky.Records[0].Issues))
		})

		It("should reject an issues cell that is not a JSON array", func() {
			bad := strings.Join(Columns, ",") + "\n2024-01-01,x,1.00,,a,a#1,false,false,oops\n"
			_, err := ReadCSV(strings.NewReader(bad))
			Expect(err).To(MatchError(ContainSubstring("issues")))
		})

		It("should reject a file with other columns", func() {
			_, err := ReadCSV(strings.NewReader("date,amount\n2024-01-01,1\n"))
			Expect(err).To(HaveOccurred())
		})

		It("should reject bad flags", func() {
			bad := strings.Join(Columns, ",") + "\n2024-01-01,x,1.00,,a,a#1,maybe,false,\n"
			_, err := ReadCSV(strings.NewReader(bad))
			Expect(err).To(MatchError(ContainSubstring("line 2")))
		})
	})

	Describe("XLSX", func() {
		It("should write one row per record under a header", func() {
			var buf bytes.Buffer
			Expect(WriteXLSX(&buf, table)).To(Succeed())

			f, err := excelize.OpenReader(&buf)
			Expect(err).NotTo(HaveOccurred())
			defer f.Close()

			rows, err := f.GetRows(SheetName)
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(4))
			Expect(rows[0]).To(Equal(Columns))
			Expect(rows[1][1]).To(Equal("Deposit, payroll"))
			Expect(rows[2][2]).To(Equal("-4.5"))
			Expect(rows[3][2]).To(Equal("??"))
			Expect(rows[3][6]).To(Equal("false"))
		})
	})
})
