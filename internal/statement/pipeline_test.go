package statement

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/statement-digitizer/internal/normalize"
	"github.com/zombor/statement-digitizer/internal/scanning"
)

const threeRows = `{"transactions": [
	{"date": "2024-01-02", "description": "Opening deposit", "amount": "500.00", "running_balance": "500.00"},
	{"date": "2024-01-03", "description": "Coffee", "amount": "-4.50", "running_balance": "495.50"},
	{"date": "2024-01-04", "description": "Rent", "amount": "-400.00", "running_balance": "95.50"}
]}`

func oneRow(desc string) string {
	return `{"transactions": [{"date": "2024-02-01", "description": "` + desc + `", "amount": "1.00", "running_balance": null}]}`
}

var _ = Describe("Pipeline", func() {
	var (
		provider *scriptedProvider
		cfg      Config
		images   []*normalize.RawImage
		ctx      context.Context
		result   *Result
		err      error
	)

	BeforeEach(func() {
		provider = newScriptedProvider()
		cfg = DefaultConfig()
		cfg.Workers = 3
		ctx = context.Background()
	})

	JustBeforeEach(func() {
		client := scanning.NewClient(provider, scanning.ClientConfig{
			MaxAttempts: 2,
			BaseDelay:   time.Millisecond,
			MaxDelay:    time.Millisecond,
		}, nil)
		result, err = NewPipeline(client, cfg, nil).Run(ctx, images)
	})

	When("one page is readable and one is blank", func() {
		BeforeEach(func() {
			images = []*normalize.RawImage{ruledPage(0, "page1.jpg"), ruledPage(1, "page2.jpg")}
			provider.answers["page1.jpg"] = threeRows
			provider.answers["page2.jpg"] = `{"transactions": []}`
		})

		It("should return the readable page's rows", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Table.Records).To(HaveLen(3))
			for _, r := range result.Table.Records {
				Expect(r.Source).To(Equal("page1.jpg"))
				Expect(r.Valid).To(BeTrue())
			}
		})

		It("should report one schema violation for the blank page", func() {
			Expect(result.Errors).To(HaveLen(1))
			Expect(result.Errors[0].Source).To(Equal("page2.jpg"))
			Expect(result.Errors[0].Stage).To(Equal(StageExtract))
			Expect(errors.Is(result.Errors[0], scanning.ErrSchemaViolation)).To(BeTrue())
		})
	})

	When("two images carry the same source", func() {
		BeforeEach(func() {
			images = []*normalize.RawImage{ruledPage(0, "scan.jpg"), ruledPage(1, "scan.jpg")}
			provider.answers["scan.jpg"] = oneRow("front")
			provider.answers["scan.jpg (2)"] = oneRow("back")
		})

		It("should give the later one a distinct source", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Table.Records).To(HaveLen(2))
			Expect(result.Table.Records[0].Ref).To(Equal("scan.jpg#1"))
			Expect(result.Table.Records[1].Ref).To(Equal("scan.jpg (2)#1"))
			Expect(images[1].Source).To(Equal("scan.jpg"))
		})
	})

	When("later pages finish first", func() {
		BeforeEach(func() {
			images = []*normalize.RawImage{ruledPage(0, "a.jpg"), ruledPage(1, "b.jpg"), ruledPage(2, "c.jpg")}
			provider.answers["a.jpg"] = oneRow("A")
			provider.answers["b.jpg"] = oneRow("B")
			provider.answers["c.jpg"] = oneRow("C")
			provider.delays["a.jpg"] = 60 * time.Millisecond
			provider.delays["b.jpg"] = 30 * time.Millisecond
		})

		It("should still order rows by upload", func() {
			Expect(err).NotTo(HaveOccurred())
			var got []string
			for _, r := range result.Table.Records {
				got = append(got, r.Description)
			}
			Expect(got).To(Equal([]string{"A", "B", "C"}))
		})
	})

	When("one page of many fails transiently", func() {
		BeforeEach(func() {
			images = []*normalize.RawImage{ruledPage(0, "a.jpg"), ruledPage(1, "b.jpg"), ruledPage(2, "c.jpg")}
			provider.answers["a.jpg"] = oneRow("A")
			provider.errs["b.jpg"] = &scanning.Error{Kind: scanning.KindTransient, Status: 503}
			provider.answers["c.jpg"] = oneRow("C")
		})

		It("should keep the other pages", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Table.Records).To(HaveLen(2))
			Expect(result.Errors).To(HaveLen(1))
			Expect(result.Errors[0].Index).To(Equal(1))
			Expect(errors.Is(result.Errors[0], scanning.ErrTransient)).To(BeTrue())
		})

		It("should retry the failing page within its budget", func() {
			n := 0
			for _, c := range provider.Calls() {
				if c == "b.jpg" {
					n++
				}
			}
			Expect(n).To(Equal(2))
		})
	})

	When("the credentials are refused", func() {
		BeforeEach(func() {
			cfg.Workers = 1
			images = []*normalize.RawImage{
				ruledPage(0, "a.jpg"), ruledPage(1, "b.jpg"), ruledPage(2, "c.jpg"), ruledPage(3, "d.jpg"),
			}
			provider.answers["a.jpg"] = oneRow("A")
			provider.errs["b.jpg"] = &scanning.Error{Kind: scanning.KindAuth, Status: 401}
			provider.answers["c.jpg"] = oneRow("C")
			provider.answers["d.jpg"] = oneRow("D")
		})

		It("should abort without a table", func() {
			Expect(errors.Is(err, scanning.ErrAuth)).To(BeTrue())
			Expect(result).To(BeNil())
		})

		It("should not issue further calls", func() {
			Expect(provider.Calls()).To(Equal([]string{"a.jpg", "b.jpg"}))
		})
	})

	When("the caller cancels", func() {
		BeforeEach(func() {
			var cancel context.CancelFunc
			ctx, cancel = context.WithCancel(context.Background())
			cancel()
			images = []*normalize.RawImage{ruledPage(0, "a.jpg")}
			provider.answers["a.jpg"] = oneRow("A")
		})

		It("should return the cancellation and no table", func() {
			Expect(errors.Is(err, context.Canceled)).To(BeTrue())
			Expect(result).To(BeNil())
			Expect(provider.Calls()).To(BeEmpty())
		})
	})

	When("the batch deadline passes", func() {
		BeforeEach(func() {
			cfg.BatchTimeout = 50 * time.Millisecond
			cfg.Workers = 1
			images = []*normalize.RawImage{ruledPage(0, "slow.jpg"), ruledPage(1, "never.jpg")}
			provider.answers["slow.jpg"] = oneRow("S")
			provider.delays["slow.jpg"] = time.Second
			provider.answers["never.jpg"] = oneRow("N")
		})

		It("should report every unfinished page as a per-image error", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Table.Records).To(BeEmpty())
			Expect(result.Errors).To(HaveLen(2))
			Expect(errors.Is(result.Errors[0], context.DeadlineExceeded)).To(BeTrue())
			Expect(errors.Is(result.Errors[1], context.DeadlineExceeded)).To(BeTrue())
			Expect(provider.Calls()).To(Equal([]string{"slow.jpg"}))
		})
	})
})

var _ = Describe("RunUploads", func() {
	It("should report undecodable uploads next to extraction results", func() {
		provider := newScriptedProvider()
		provider.answers["good.png"] = threeRows
		client := scanning.NewClient(provider, scanning.ClientConfig{}, nil)

		var buf bytes.Buffer
		Expect(png.Encode(&buf, ruledPage(0, "").Image.(*image.Gray))).To(Succeed())

		result, err := NewPipeline(client, DefaultConfig(), nil).RunUploads(context.Background(), []Upload{
			{Name: "notes.txt", ContentType: "text/plain", Data: []byte("hello")},
			{Name: "good.png", ContentType: "image/png", Data: buf.Bytes()},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Table.Records).To(HaveLen(3))
		Expect(result.Table.Records[0].Ref).To(Equal("good.png#1"))
		Expect(result.Errors).To(HaveLen(1))
		Expect(result.Errors[0].Index).To(Equal(0))
		Expect(result.Errors[0].Stage).To(Equal(StageDecode))
		Expect(result.Errors[0].Error()).To(HavePrefix("image 1 (notes.txt): decode:"))
	})

	When("two uploads share a name", func() {
		It("should keep their rows traceable to each image", func() {
			provider := newScriptedProvider()
			provider.answers["image.jpg"] = oneRow("first photo")
			provider.answers["image.jpg (2)"] = oneRow("second photo")
			client := scanning.NewClient(provider, scanning.ClientConfig{}, nil)

			var buf bytes.Buffer
			Expect(png.Encode(&buf, ruledPage(0, "").Image.(*image.Gray))).To(Succeed())

			result, err := NewPipeline(client, DefaultConfig(), nil).RunUploads(context.Background(), []Upload{
				{Name: "image.jpg", ContentType: "image/png", Data: buf.Bytes()},
				{Name: "image.jpg", ContentType: "image/png", Data: buf.Bytes()},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Errors).To(BeEmpty())
			Expect(result.Table.Records).To(HaveLen(2))
			Expect(result.Table.Records[0].Source).To(Equal("image.jpg"))
			Expect(result.Table.Records[0].Ref).To(Equal("image.jpg#1"))
			Expect(result.Table.Records[0].Description).To(Equal("first photo"))
			Expect(result.Table.Records[1].Source).To(Equal("image.jpg (2)"))
			Expect(result.Table.Records[1].Ref).To(Equal("image.jpg (2)#1"))
			Expect(result.Table.Records[1].Description).To(Equal("second photo"))
		})
	})
})

var _ = Describe("SourceNames", func() {
	DescribeTable("naming uploads",
		func(names []string, want []string) {
			uploads := make([]Upload, len(names))
			for i, n := range names {
				uploads[i] = Upload{Name: n}
			}
			Expect(SourceNames(uploads)).To(Equal(want))
		},
		Entry("distinct names are kept", []string{"a.jpg", "b.jpg"}, []string{"a.jpg", "b.jpg"}),
		Entry("repeats get their position", []string{"image.jpg", "image.jpg", "image.jpg"}, []string{"image.jpg", "image.jpg (2)", "image.jpg (3)"}),
		Entry("unnamed uploads are numbered", []string{"", "x.png"}, []string{"upload-1", "x.png"}),
		Entry("a suffix already taken moves on", []string{"a", "a (2)", "a", "a"}, []string{"a", "a (2)", "a (3)", "a (4)"}),
	)
})
